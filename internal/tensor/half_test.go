package tensor

import (
	"math"
	"testing"
)

func TestFloat16RoundTrip(t *testing.T) {
	values := []float32{0, 1, -1, 0.5, -0.5, 2, 1024, -1024, 0.099975586, 65504, -65504}

	for _, v := range values {
		h := Float32ToFloat16(v)
		got := Float16ToFloat32(h)
		if got != v {
			t.Errorf("Float16 round trip of %v: got %v", v, got)
		}
	}
}

func TestFloat16SpecialValues(t *testing.T) {
	if got := Float16ToFloat32(0x7c00); !math.IsInf(float64(got), 1) {
		t.Errorf("0x7c00 should decode to +Inf, got %v", got)
	}
	if got := Float16ToFloat32(0xfc00); !math.IsInf(float64(got), -1) {
		t.Errorf("0xfc00 should decode to -Inf, got %v", got)
	}
	if got := Float16ToFloat32(0x7e00); !math.IsNaN(float64(got)) {
		t.Errorf("0x7e00 should decode to NaN, got %v", got)
	}

	// Overflow saturates to infinity.
	if got := Float32ToFloat16(1e10); got != 0x7c00 {
		t.Errorf("1e10 should encode to +Inf (0x7c00), got %#04x", got)
	}
	// Tiny values flush to signed zero.
	if got := Float32ToFloat16(1e-10); got != 0 {
		t.Errorf("1e-10 should flush to zero, got %#04x", got)
	}
}

func TestFloat16Subnormal(t *testing.T) {
	// Smallest positive half subnormal: 2^-24.
	h := Float32ToFloat16(float32(math.Ldexp(1, -24)))
	if h != 0x0001 {
		t.Fatalf("2^-24 should encode to 0x0001, got %#04x", h)
	}
	got := Float16ToFloat32(h)
	if got != float32(math.Ldexp(1, -24)) {
		t.Errorf("subnormal round trip: got %v", got)
	}
}

func TestBFloat16RoundTrip(t *testing.T) {
	values := []float32{0, 1, -1, 0.5, 2, 1024, -3.140625}

	for _, v := range values {
		h := Float32ToBFloat16(v)
		got := BFloat16ToFloat32(h)
		if got != v {
			t.Errorf("BFloat16 round trip of %v: got %v", v, got)
		}
	}

	if got := BFloat16ToFloat32(Float32ToBFloat16(float32(math.NaN()))); !math.IsNaN(float64(got)) {
		t.Errorf("NaN should survive bfloat16 conversion, got %v", got)
	}
}
