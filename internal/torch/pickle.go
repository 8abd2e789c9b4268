package torch

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
)

// Pickle opcodes used by torch when saving containers of tensors.
// Protocol 2 is the torch default; a few protocol 3/4 opcodes are included
// because newer torch versions emit them.
const (
	opProto           = 0x80
	opFrame           = 0x95
	opStop            = '.'
	opMark            = '('
	opNone            = 'N'
	opNewTrue         = 0x88
	opNewFalse        = 0x89
	opBinInt          = 'J'
	opBinInt1         = 'K'
	opBinInt2         = 'M'
	opLong1           = 0x8a
	opBinFloat        = 'G'
	opBinUnicode      = 'X'
	opShortBinUnicode = 0x8c
	opShortBinString  = 'U'
	opBinString       = 'T'
	opBinBytes        = 'B'
	opShortBinBytes   = 'C'
	opEmptyList       = ']'
	opAppend          = 'a'
	opAppends         = 'e'
	opEmptyDict       = '}'
	opSetItem         = 's'
	opSetItems        = 'u'
	opEmptyTuple      = ')'
	opTuple           = 't'
	opTuple1          = 0x85
	opTuple2          = 0x86
	opTuple3          = 0x87
	opBinPut          = 'q'
	opLongBinPut      = 'r'
	opMemoize         = 0x94
	opBinGet          = 'h'
	opLongBinGet      = 'j'
	opGlobal          = 'c'
	opStackGlobal     = 0x93
	opBinPersID       = 'Q'
	opReduce          = 'R'
	opNewObj          = 0x81
	opBuild           = 'b'
)

// markObject is the sentinel pushed by MARK.
type markObject struct{}

// pickleDict preserves insertion order of string keys; torch state dicts are
// OrderedDicts and callers may care about parameter order.
type pickleDict struct {
	keys   []any
	values map[any]any
}

func newPickleDict() *pickleDict {
	return &pickleDict{values: make(map[any]any)}
}

// set inserts a key preserving insertion order. Keys are restricted to the
// hashable scalars torch emits for container keys; a composite key would
// not be usable as a Go map key.
func (d *pickleDict) set(key, value any) error {
	switch key.(type) {
	case string, int64, bool, float64, nil:
	default:
		return fmt.Errorf("unsupported dict key type %T", key)
	}
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = value
	return nil
}

// unpickler is a restricted pickle virtual machine.
type unpickler struct {
	r     *bufio.Reader
	stack []any
	memo  map[uint32]any
}

func newUnpickler(r io.Reader) *unpickler {
	return &unpickler{
		r:    bufio.NewReader(r),
		memo: make(map[uint32]any),
	}
}

func (u *unpickler) push(v any) {
	u.stack = append(u.stack, v)
}

func (u *unpickler) pop() (any, error) {
	if len(u.stack) == 0 {
		return nil, fmt.Errorf("pickle stack underflow")
	}
	v := u.stack[len(u.stack)-1]
	u.stack = u.stack[:len(u.stack)-1]
	return v, nil
}

// top returns the topmost value without popping it.
func (u *unpickler) top() (any, error) {
	if len(u.stack) == 0 {
		return nil, fmt.Errorf("pickle stack underflow")
	}
	return u.stack[len(u.stack)-1], nil
}

// popMark pops all values above the topmost mark and the mark itself.
func (u *unpickler) popMark() ([]any, error) {
	for i := len(u.stack) - 1; i >= 0; i-- {
		if _, ok := u.stack[i].(markObject); ok {
			items := make([]any, len(u.stack)-i-1)
			copy(items, u.stack[i+1:])
			u.stack = u.stack[:i]
			return items, nil
		}
	}
	return nil, fmt.Errorf("pickle mark not found")
}

func (u *unpickler) readBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(u.r, buf); err != nil {
		return nil, fmt.Errorf("truncated pickle stream: %w", err)
	}
	return buf, nil
}

func (u *unpickler) readLine() (string, error) {
	line, err := u.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("truncated pickle stream: %w", err)
	}
	return strings.TrimSuffix(line, "\n"), nil
}

func (u *unpickler) readUint8() (uint8, error) {
	b, err := u.readBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (u *unpickler) readUint32() (uint32, error) {
	b, err := u.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// load runs the machine until STOP and returns the final value.
//
//nolint:gocognit,gocyclo,cyclop,funlen // one case per opcode; splitting this up would obscure the VM
func (u *unpickler) load() (any, error) {
	for {
		op, err := u.r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("truncated pickle stream: %w", err)
		}

		switch op {
		case opProto:
			if _, err := u.readUint8(); err != nil {
				return nil, err
			}

		case opFrame:
			if _, err := u.readBytes(8); err != nil {
				return nil, err
			}

		case opStop:
			return u.pop()

		case opMark:
			u.push(markObject{})

		case opNone:
			u.push(nil)

		case opNewTrue:
			u.push(true)

		case opNewFalse:
			u.push(false)

		case opBinInt:
			v, err := u.readUint32()
			if err != nil {
				return nil, err
			}
			u.push(int64(int32(v)))

		case opBinInt1:
			v, err := u.readUint8()
			if err != nil {
				return nil, err
			}
			u.push(int64(v))

		case opBinInt2:
			b, err := u.readBytes(2)
			if err != nil {
				return nil, err
			}
			u.push(int64(binary.LittleEndian.Uint16(b)))

		case opLong1:
			n, err := u.readUint8()
			if err != nil {
				return nil, err
			}
			b, err := u.readBytes(int(n))
			if err != nil {
				return nil, err
			}
			var v int64
			for i := len(b) - 1; i >= 0; i-- {
				v = v<<8 | int64(b[i])
			}
			// Sign-extend.
			if n > 0 && n < 8 && b[n-1]&0x80 != 0 {
				v -= 1 << (8 * n)
			}
			u.push(v)

		case opBinFloat:
			b, err := u.readBytes(8)
			if err != nil {
				return nil, err
			}
			u.push(math.Float64frombits(binary.BigEndian.Uint64(b)))

		case opBinUnicode, opBinString, opBinBytes:
			n, err := u.readUint32()
			if err != nil {
				return nil, err
			}
			b, err := u.readBytes(int(n))
			if err != nil {
				return nil, err
			}
			u.push(string(b))

		case opShortBinUnicode, opShortBinString, opShortBinBytes:
			n, err := u.readUint8()
			if err != nil {
				return nil, err
			}
			b, err := u.readBytes(int(n))
			if err != nil {
				return nil, err
			}
			u.push(string(b))

		case opEmptyList:
			u.push(&[]any{})

		case opAppend:
			v, err := u.pop()
			if err != nil {
				return nil, err
			}
			list, err := u.topList()
			if err != nil {
				return nil, err
			}
			*list = append(*list, v)

		case opAppends:
			items, err := u.popMark()
			if err != nil {
				return nil, err
			}
			list, err := u.topList()
			if err != nil {
				return nil, err
			}
			*list = append(*list, items...)

		case opEmptyDict:
			u.push(newPickleDict())

		case opSetItem:
			v, err := u.pop()
			if err != nil {
				return nil, err
			}
			k, err := u.pop()
			if err != nil {
				return nil, err
			}
			dict, err := u.topDict()
			if err != nil {
				return nil, err
			}
			if err := dict.set(k, v); err != nil {
				return nil, err
			}

		case opSetItems:
			items, err := u.popMark()
			if err != nil {
				return nil, err
			}
			if len(items)%2 != 0 {
				return nil, fmt.Errorf("SETITEMS with odd item count")
			}
			dict, err := u.topDict()
			if err != nil {
				return nil, err
			}
			for i := 0; i < len(items); i += 2 {
				if err := dict.set(items[i], items[i+1]); err != nil {
					return nil, err
				}
			}

		case opEmptyTuple:
			u.push([]any{})

		case opTuple:
			items, err := u.popMark()
			if err != nil {
				return nil, err
			}
			u.push(items)

		case opTuple1, opTuple2, opTuple3:
			n := int(op-opTuple1) + 1
			if len(u.stack) < n {
				return nil, fmt.Errorf("pickle stack underflow")
			}
			items := make([]any, n)
			copy(items, u.stack[len(u.stack)-n:])
			u.stack = u.stack[:len(u.stack)-n]
			u.push(items)

		case opBinPut:
			idx, err := u.readUint8()
			if err != nil {
				return nil, err
			}
			v, err := u.top()
			if err != nil {
				return nil, err
			}
			u.memo[uint32(idx)] = v

		case opLongBinPut:
			idx, err := u.readUint32()
			if err != nil {
				return nil, err
			}
			v, err := u.top()
			if err != nil {
				return nil, err
			}
			u.memo[idx] = v

		case opMemoize:
			v, err := u.top()
			if err != nil {
				return nil, err
			}
			u.memo[uint32(len(u.memo))] = v

		case opBinGet:
			idx, err := u.readUint8()
			if err != nil {
				return nil, err
			}
			u.push(u.memo[uint32(idx)])

		case opLongBinGet:
			idx, err := u.readUint32()
			if err != nil {
				return nil, err
			}
			u.push(u.memo[idx])

		case opGlobal:
			module, err := u.readLine()
			if err != nil {
				return nil, err
			}
			name, err := u.readLine()
			if err != nil {
				return nil, err
			}
			u.push(globalRef{module: module, name: name})

		case opStackGlobal:
			name, err := u.pop()
			if err != nil {
				return nil, err
			}
			module, err := u.pop()
			if err != nil {
				return nil, err
			}
			moduleStr, ok1 := module.(string)
			nameStr, ok2 := name.(string)
			if !ok1 || !ok2 {
				return nil, fmt.Errorf("STACK_GLOBAL with non-string operands")
			}
			u.push(globalRef{module: moduleStr, name: nameStr})

		case opBinPersID:
			pid, err := u.pop()
			if err != nil {
				return nil, err
			}
			ref, err := resolvePersistentID(pid)
			if err != nil {
				return nil, err
			}
			u.push(ref)

		case opReduce, opNewObj:
			args, err := u.pop()
			if err != nil {
				return nil, err
			}
			callable, err := u.pop()
			if err != nil {
				return nil, err
			}
			result, err := reduce(callable, args)
			if err != nil {
				return nil, err
			}
			u.push(result)

		case opBuild:
			state, err := u.pop()
			if err != nil {
				return nil, err
			}
			obj, err := u.pop()
			if err != nil {
				return nil, err
			}
			built, err := build(obj, state)
			if err != nil {
				return nil, err
			}
			u.push(built)

		default:
			return nil, fmt.Errorf("%w: %#02x", ErrUnsupportedOpcode, op)
		}
	}
}

func (u *unpickler) topList() (*[]any, error) {
	if len(u.stack) == 0 {
		return nil, fmt.Errorf("pickle stack underflow")
	}
	list, ok := u.stack[len(u.stack)-1].(*[]any)
	if !ok {
		return nil, fmt.Errorf("expected list on pickle stack, got %T", u.stack[len(u.stack)-1])
	}
	return list, nil
}

func (u *unpickler) topDict() (*pickleDict, error) {
	if len(u.stack) == 0 {
		return nil, fmt.Errorf("pickle stack underflow")
	}
	dict, ok := u.stack[len(u.stack)-1].(*pickleDict)
	if !ok {
		return nil, fmt.Errorf("expected dict on pickle stack, got %T", u.stack[len(u.stack)-1])
	}
	return dict, nil
}

// resolvePersistentID interprets the torch persistent id tuple
// ("storage", <StorageClass>, key, location, numel).
func resolvePersistentID(pid any) (storageRef, error) {
	items, ok := pid.([]any)
	if !ok || len(items) < 5 {
		return storageRef{}, fmt.Errorf("unexpected persistent id: %v", pid)
	}

	tag, _ := items[0].(string)
	if tag != "storage" {
		return storageRef{}, fmt.Errorf("unexpected persistent id tag: %q", tag)
	}

	class, ok := items[1].(globalRef)
	if !ok {
		return storageRef{}, fmt.Errorf("persistent id storage class is %T", items[1])
	}
	dtype, err := storageDataType(class.name)
	if err != nil {
		return storageRef{}, err
	}

	key, ok := items[2].(string)
	if !ok {
		return storageRef{}, fmt.Errorf("persistent id storage key is %T", items[2])
	}

	numel, ok := items[4].(int64)
	if !ok {
		return storageRef{}, fmt.Errorf("persistent id element count is %T", items[4])
	}

	return storageRef{dtype: dtype, key: key, numel: numel}, nil
}

// reduce applies a whitelisted callable. Everything else is refused: this is
// what keeps the decoder safe against pickle code execution.
func reduce(callable, args any) (any, error) {
	ref, ok := callable.(globalRef)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrForbiddenCallable, callable)
	}

	switch {
	case ref.module == "torch._utils" && (ref.name == "_rebuild_tensor_v2" || ref.name == "_rebuild_tensor"):
		return rebuildTensor(args)

	case ref.module == "collections" && ref.name == "OrderedDict":
		return newPickleDict(), nil

	case ref.module == "torch" && ref.name == "Size":
		// torch.Size(tuple) is just the tuple.
		if items, ok := args.([]any); ok && len(items) == 1 {
			return items[0], nil
		}
		return args, nil

	default:
		return nil, fmt.Errorf("%w: %s.%s", ErrForbiddenCallable, ref.module, ref.name)
	}
}

// rebuildTensor interprets torch._utils._rebuild_tensor_v2(storage,
// storage_offset, size, stride, requires_grad, backward_hooks).
func rebuildTensor(args any) (*tensorStub, error) {
	items, ok := args.([]any)
	if !ok || len(items) < 4 {
		return nil, fmt.Errorf("unexpected _rebuild_tensor_v2 arguments: %v", args)
	}

	storage, ok := items[0].(storageRef)
	if !ok {
		return nil, fmt.Errorf("_rebuild_tensor_v2: storage argument is %T", items[0])
	}
	offset, ok := items[1].(int64)
	if !ok {
		return nil, fmt.Errorf("_rebuild_tensor_v2: offset argument is %T", items[1])
	}
	shape, err := intSlice(items[2])
	if err != nil {
		return nil, fmt.Errorf("_rebuild_tensor_v2: size: %w", err)
	}
	stride, err := intSlice(items[3])
	if err != nil {
		return nil, fmt.Errorf("_rebuild_tensor_v2: stride: %w", err)
	}
	if len(stride) != len(shape) {
		return nil, fmt.Errorf("_rebuild_tensor_v2: %d strides for %d dimensions", len(stride), len(shape))
	}

	return &tensorStub{
		storage: storage,
		offset:  offset,
		shape:   shape,
		stride:  stride,
	}, nil
}

func intSlice(v any) ([]int, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected tuple, got %T", v)
	}
	out := make([]int, len(items))
	for i, item := range items {
		n, ok := item.(int64)
		if !ok {
			return nil, fmt.Errorf("expected int, got %T", item)
		}
		out[i] = int(n)
	}
	return out, nil
}

// build applies BUILD (__setstate__). Only dict-state-onto-dict is
// meaningful for the containers torch saves.
func build(obj, state any) (any, error) {
	dict, ok := obj.(*pickleDict)
	if !ok {
		// State applied to tensors (requires_grad flags etc.) is irrelevant
		// for loading; keep the object as-is.
		return obj, nil
	}
	stateDict, ok := state.(*pickleDict)
	if !ok {
		return obj, nil
	}
	for _, key := range stateDict.keys {
		if err := dict.set(key, stateDict.values[key]); err != nil {
			return nil, err
		}
	}
	return dict, nil
}
