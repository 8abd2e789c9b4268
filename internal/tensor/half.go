package tensor

import "math"

// Half-precision conversions. Checkpoints store fp16/bf16 weights but Go has
// no native 16-bit float, so the loader works on the raw bit patterns.

// Float16ToFloat32 converts an IEEE 754 binary16 bit pattern to float32.
func Float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 1
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h) & 0x3ff

	var bits uint32
	switch {
	case exp == 0 && frac == 0:
		// Signed zero.
		bits = sign << 31
	case exp == 0:
		// Subnormal: normalize into the float32 range.
		e := uint32(127 - 15 + 1)
		for frac&0x400 == 0 {
			frac <<= 1
			e--
		}
		frac &= 0x3ff
		bits = sign<<31 | e<<23 | frac<<13
	case exp == 0x1f:
		// Inf / NaN.
		bits = sign<<31 | 0xff<<23 | frac<<13
	default:
		bits = sign<<31 | (exp+127-15)<<23 | frac<<13
	}
	return math.Float32frombits(bits)
}

// Float32ToFloat16 converts a float32 to an IEEE 754 binary16 bit pattern,
// rounding to nearest even.
func Float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int32(bits>>23) & 0xff
	frac := bits & 0x7fffff

	switch {
	case exp == 0xff:
		// Inf / NaN.
		if frac != 0 {
			return sign | 0x7e00 // quiet NaN
		}
		return sign | 0x7c00
	case exp > 127+15:
		// Overflow to infinity.
		return sign | 0x7c00
	case exp < 127-14-10:
		// Too small even for a subnormal: flush to zero.
		return sign
	case exp < 127-14:
		// Subnormal half.
		shift := uint32(127 - 14 - exp) //nolint:gosec // bounded by the case above
		frac |= 0x800000
		half := uint16(frac >> (shift + 13))
		// Round to nearest even.
		if frac>>(shift+12)&1 == 1 && (frac&((1<<(shift+12))-1) != 0 || half&1 == 1) {
			half++
		}
		return sign | half
	default:
		half := sign | uint16(exp-127+15)<<10 | uint16(frac>>13)
		// Round to nearest even.
		if frac&0x1000 != 0 && (frac&0xfff != 0 || half&1 == 1) {
			half++
		}
		return half
	}
}

// BFloat16ToFloat32 converts a bfloat16 bit pattern to float32.
// bfloat16 is the upper 16 bits of a float32.
func BFloat16ToFloat32(h uint16) float32 {
	return math.Float32frombits(uint32(h) << 16)
}

// Float32ToBFloat16 converts a float32 to a bfloat16 bit pattern,
// rounding to nearest even.
func Float32ToBFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	if bits&0x7fffffff > 0x7f800000 {
		// NaN: keep it a NaN after truncation.
		return uint16(bits>>16) | 0x40
	}
	round := uint32(0x7fff + (bits>>16)&1)
	return uint16((bits + round) >> 16)
}
