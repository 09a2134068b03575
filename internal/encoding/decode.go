package encoding

import (
	"fmt"
	"math"
	"time"

	"github.com/amqp1go/amqp1/internal/buffer"
)

// Unmarshaler is implemented by composite types that decode themselves
// from a described list or map body.
type Unmarshaler interface {
	Unmarshal(r *buffer.Buffer) error
}

// ReadAny decodes the next value off r, dispatching through the described
// type registry when the constructor byte is 0x00 (a described type).
// Unregistered descriptors decode as *DescribedType rather than failing,
// per the engine's "unknown descriptor is not an error" rule.
func ReadAny(r *buffer.Buffer) (any, error) {
	code, err := peekType(r)
	if err != nil {
		return nil, err
	}

	if code == TypeCodeDescriptor {
		return readDescribedType(r)
	}
	return readPrimitive(r, code)
}

// peekType returns the constructor byte without consuming it: the byte is
// read and then always unread, because the primitive and described-type
// readers the caller picks from it expect the constructor still present.
func peekType(r *buffer.Buffer) (TypeCode, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if err := r.UnreadByte(); err != nil {
		return 0, err
	}
	return TypeCode(b), nil
}

func readDescribedType(r *buffer.Buffer) (any, error) {
	if _, err := r.ReadByte(); err != nil { // consume 0x00
		return nil, err
	}
	descriptor, err := ReadAny(r)
	if err != nil {
		return nil, err
	}
	if dec, ok := lookupDescribed(descriptor); ok {
		return dec(r)
	}
	value, err := ReadAny(r)
	if err != nil {
		return nil, err
	}
	return &DescribedType{Descriptor: descriptor, Value: value}, nil
}

func readPrimitive(r *buffer.Buffer, code TypeCode) (any, error) {
	switch code {
	case TypeCodeNull:
		r.Skip(1)
		return nil, nil
	case TypeCodeBoolTrue:
		r.Skip(1)
		return true, nil
	case TypeCodeBoolFalse:
		r.Skip(1)
		return false, nil
	case TypeCodeBool:
		r.Skip(1)
		b, err := r.ReadUint8()
		return b != 0, err
	case TypeCodeUbyte:
		r.Skip(1)
		return r.ReadUint8()
	case TypeCodeByte:
		r.Skip(1)
		v, err := r.ReadUint8()
		return int8(v), err
	case TypeCodeUshort:
		r.Skip(1)
		return r.ReadUint16()
	case TypeCodeShort:
		r.Skip(1)
		v, err := r.ReadUint16()
		return int16(v), err
	case TypeCodeUint, TypeCodeSmallUint, TypeCodeUint0:
		return readUint(r)
	case TypeCodeInt, TypeCodeSmallint:
		return readInt(r)
	case TypeCodeUlong, TypeCodeSmallUlong, TypeCodeUlong0:
		return readUlong(r)
	case TypeCodeLong, TypeCodeSmalllong:
		return readLong(r)
	case TypeCodeFloat:
		r.Skip(1)
		v, err := r.ReadUint32()
		return float32FromBits(v), err
	case TypeCodeDouble:
		r.Skip(1)
		v, err := r.ReadUint64()
		return float64FromBits(v), err
	case TypeCodeChar:
		r.Skip(1)
		v, err := r.ReadUint32()
		return rune(v), err
	case TypeCodeTimestamp:
		r.Skip(1)
		v, err := r.ReadUint64()
		return time.Unix(0, int64(v)*int64(time.Millisecond)), err
	case TypeCodeUUID:
		r.Skip(1)
		b, ok := r.Next(16)
		if !ok {
			return nil, buffer.ErrUnderrun
		}
		var u UUID
		copy(u[:], b)
		return u, nil
	case TypeCodeVbin8:
		r.Skip(1)
		n, err := r.ReadUint8()
		if err != nil {
			return nil, err
		}
		b, ok := r.Next(int64(n))
		if !ok {
			return nil, buffer.ErrUnderrun
		}
		return append([]byte(nil), b...), nil
	case TypeCodeVbin32:
		r.Skip(1)
		n, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		b, ok := r.Next(int64(n))
		if !ok {
			return nil, buffer.ErrUnderrun
		}
		return append([]byte(nil), b...), nil
	case TypeCodeStr8:
		r.Skip(1)
		n, err := r.ReadUint8()
		if err != nil {
			return nil, err
		}
		b, ok := r.Next(int64(n))
		if !ok {
			return nil, buffer.ErrUnderrun
		}
		return string(b), nil
	case TypeCodeStr32:
		r.Skip(1)
		n, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		b, ok := r.Next(int64(n))
		if !ok {
			return nil, buffer.ErrUnderrun
		}
		return string(b), nil
	case TypeCodeSym8:
		r.Skip(1)
		n, err := r.ReadUint8()
		if err != nil {
			return nil, err
		}
		b, ok := r.Next(int64(n))
		if !ok {
			return nil, buffer.ErrUnderrun
		}
		return Symbol(b), nil
	case TypeCodeSym32:
		r.Skip(1)
		n, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		b, ok := r.Next(int64(n))
		if !ok {
			return nil, buffer.ErrUnderrun
		}
		return Symbol(b), nil
	case TypeCodeList0:
		r.Skip(1)
		return []any{}, nil
	case TypeCodeList8, TypeCodeList32:
		return readList(r, code)
	case TypeCodeMap8, TypeCodeMap32:
		return readMap(r, code)
	case TypeCodeArray8, TypeCodeArray32:
		return readArray(r, code)
	default:
		return nil, fmt.Errorf("encoding: decode error: unknown constructor %s", code)
	}
}

func float32FromBits(b uint32) float32 {
	return math.Float32frombits(b)
}

func float64FromBits(b uint64) float64 {
	return math.Float64frombits(b)
}

func readUint(r *buffer.Buffer) (uint32, error) {
	code, err := r.ReadUint8()
	if err != nil {
		return 0, err
	}
	switch TypeCode(code) {
	case TypeCodeUint0:
		return 0, nil
	case TypeCodeSmallUint:
		v, err := r.ReadUint8()
		return uint32(v), err
	case TypeCodeUint:
		return r.ReadUint32()
	default:
		return 0, fmt.Errorf("encoding: decode error: invalid uint constructor %#02x", code)
	}
}

func readInt(r *buffer.Buffer) (int32, error) {
	code, err := r.ReadUint8()
	if err != nil {
		return 0, err
	}
	switch TypeCode(code) {
	case TypeCodeSmallint:
		v, err := r.ReadUint8()
		return int32(int8(v)), err
	case TypeCodeInt:
		v, err := r.ReadUint32()
		return int32(v), err
	default:
		return 0, fmt.Errorf("encoding: decode error: invalid int constructor %#02x", code)
	}
}

func readUlong(r *buffer.Buffer) (uint64, error) {
	code, err := r.ReadUint8()
	if err != nil {
		return 0, err
	}
	switch TypeCode(code) {
	case TypeCodeUlong0:
		return 0, nil
	case TypeCodeSmallUlong:
		v, err := r.ReadUint8()
		return uint64(v), err
	case TypeCodeUlong:
		return r.ReadUint64()
	default:
		return 0, fmt.Errorf("encoding: decode error: invalid ulong constructor %#02x", code)
	}
}

func readLong(r *buffer.Buffer) (int64, error) {
	code, err := r.ReadUint8()
	if err != nil {
		return 0, err
	}
	switch TypeCode(code) {
	case TypeCodeSmalllong:
		v, err := r.ReadUint8()
		return int64(int8(v)), err
	case TypeCodeLong:
		v, err := r.ReadUint64()
		return int64(v), err
	default:
		return 0, fmt.Errorf("encoding: decode error: invalid long constructor %#02x", code)
	}
}

func readSizeCount(r *buffer.Buffer, code TypeCode, size8, size32 TypeCode) (size, count uint32, err error) {
	if _, err = r.ReadUint8(); err != nil { // consume constructor
		return
	}
	switch code {
	case size8:
		var s, c uint8
		if s, err = r.ReadUint8(); err != nil {
			return
		}
		if c, err = r.ReadUint8(); err != nil {
			return
		}
		size, count = uint32(s), uint32(c)
	case size32:
		if size, err = r.ReadUint32(); err != nil {
			return
		}
		if count, err = r.ReadUint32(); err != nil {
			return
		}
	default:
		err = fmt.Errorf("encoding: decode error: unexpected constructor %s", code)
	}
	return
}

func readList(r *buffer.Buffer, code TypeCode) ([]any, error) {
	_, count, err := readSizeCount(r, code, TypeCodeList8, TypeCodeList32)
	if err != nil {
		return nil, err
	}
	if int(count) > r.Len() {
		return nil, fmt.Errorf("encoding: decode error: list count %d exceeds remaining bytes", count)
	}
	out := make([]any, 0, count)
	for i := uint32(0); i < count; i++ {
		v, err := ReadAny(r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func readMap(r *buffer.Buffer, code TypeCode) (map[any]any, error) {
	_, count, err := readSizeCount(r, code, TypeCodeMap8, TypeCodeMap32)
	if err != nil {
		return nil, err
	}
	if count%2 != 0 {
		return nil, fmt.Errorf("encoding: decode error: odd map element count %d", count)
	}
	out := make(map[any]any, count/2)
	for i := uint32(0); i < count; i += 2 {
		k, err := ReadAny(r)
		if err != nil {
			return nil, err
		}
		v, err := ReadAny(r)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func readArray(r *buffer.Buffer, code TypeCode) ([]any, error) {
	if _, err := r.ReadByte(); err != nil { // consume constructor
		return nil, err
	}
	var size, count uint32
	var err error
	switch code {
	case TypeCodeArray8:
		var s, c uint8
		if s, err = r.ReadUint8(); err != nil {
			return nil, err
		}
		if c, err = r.ReadUint8(); err != nil {
			return nil, err
		}
		size, count = uint32(s), uint32(c)
	case TypeCodeArray32:
		if size, err = r.ReadUint32(); err != nil {
			return nil, err
		}
		if count, err = r.ReadUint32(); err != nil {
			return nil, err
		}
	}
	_ = size
	if int(count) > r.Len()+1 {
		return nil, fmt.Errorf("encoding: decode error: array count %d exceeds remaining bytes", count)
	}
	elemCode, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, count)
	for i := uint32(0); i < count; i++ {
		v, err := readArrayElement(r, TypeCode(elemCode))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// readArrayElement reads one array element's body, given the single
// shared constructor already consumed from the array header.
func readArrayElement(r *buffer.Buffer, elemCode TypeCode) (any, error) {
	switch elemCode {
	case TypeCodeBoolTrue, TypeCodeBoolFalse:
		return elemCode == TypeCodeBoolTrue, nil
	case TypeCodeUbyte:
		return r.ReadUint8()
	case TypeCodeByte:
		v, err := r.ReadUint8()
		return int8(v), err
	case TypeCodeUshort:
		return r.ReadUint16()
	case TypeCodeShort:
		v, err := r.ReadUint16()
		return int16(v), err
	case TypeCodeUint, TypeCodeUint0, TypeCodeSmallUint:
		return r.ReadUint32()
	case TypeCodeInt, TypeCodeSmallint:
		v, err := r.ReadUint32()
		return int32(v), err
	case TypeCodeUlong, TypeCodeUlong0, TypeCodeSmallUlong:
		return r.ReadUint64()
	case TypeCodeLong, TypeCodeSmalllong:
		v, err := r.ReadUint64()
		return int64(v), err
	case TypeCodeFloat:
		v, err := r.ReadUint32()
		return float32FromBits(v), err
	case TypeCodeDouble:
		v, err := r.ReadUint64()
		return float64FromBits(v), err
	case TypeCodeStr32:
		n, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		b, ok := r.Next(int64(n))
		if !ok {
			return nil, buffer.ErrUnderrun
		}
		return string(b), nil
	case TypeCodeSym32:
		n, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		b, ok := r.Next(int64(n))
		if !ok {
			return nil, buffer.ErrUnderrun
		}
		return Symbol(b), nil
	case TypeCodeVbin32:
		n, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		b, ok := r.Next(int64(n))
		if !ok {
			return nil, buffer.ErrUnderrun
		}
		return append([]byte(nil), b...), nil
	case TypeCodeNull:
		return nil, nil
	default:
		return nil, fmt.Errorf("encoding: decode error: unsupported array element constructor %s", elemCode)
	}
}

// UnmarshalField is one field slot in a composite's unmarshal table.
type UnmarshalField struct {
	Field      any
	HandleNull func() error
}

// UnmarshalComposite decodes a described-list composite's LIST BODY
// (the 0x00 smallulong/ulong descriptor preamble must already have been
// consumed by the caller, e.g. via ReadDescriptor or the described-type
// registry's dispatch) into the fields slice, in order, applying
// HandleNull (if set) when the encoder omitted a field as null, and
// assigning through Field (a pointer) otherwise. Fields beyond the
// encoded count are left untouched (so older peers that send fewer
// fields than this engine understands still decode cleanly).
func UnmarshalComposite(r *buffer.Buffer, code TypeCode, fields ...UnmarshalField) error {
	_ = code // retained for call-site documentation; no longer re-validated here

	typ, err := r.ReadUint8()
	if err != nil {
		return err
	}
	var count uint32
	switch TypeCode(typ) {
	case TypeCodeList0:
		count = 0
	case TypeCodeList8:
		if _, err := r.ReadUint8(); err != nil { // size
			return err
		}
		c, err := r.ReadUint8()
		if err != nil {
			return err
		}
		count = uint32(c)
	case TypeCodeList32:
		if _, err := r.ReadUint32(); err != nil { // size
			return err
		}
		c, err := r.ReadUint32()
		if err != nil {
			return err
		}
		count = c
	default:
		return fmt.Errorf("encoding: decode error: invalid composite body constructor %#02x", typ)
	}

	for i := uint32(0); i < count && int(i) < len(fields); i++ {
		f := fields[i]
		isNull, err := isNextNull(r)
		if err != nil {
			return err
		}
		if isNull {
			r.Skip(1)
			if f.HandleNull != nil {
				if err := f.HandleNull(); err != nil {
					return err
				}
			}
			continue
		}
		if err := unmarshalInto(r, f.Field); err != nil {
			return err
		}
	}
	// skip any remaining encoded fields this engine doesn't know about
	for i := uint32(len(fields)); i < count; i++ {
		if _, err := ReadAny(r); err != nil {
			return err
		}
	}
	return nil
}

func isNextNull(r *buffer.Buffer) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	_ = r.UnreadByte()
	return TypeCode(b) == TypeCodeNull, nil
}

// ReadDescriptor consumes the "0x00 smallulong|ulong <code>" descriptor
// preamble shared by every composite type and returns the descriptor's
// low byte as a TypeCode, for callers (frame body dispatch, the described
// type registry) that need to pick a decoder before handing the remaining
// list body to UnmarshalComposite.
func ReadDescriptor(r *buffer.Buffer) (TypeCode, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if TypeCode(b) != TypeCodeDescriptor {
		return 0, fmt.Errorf("encoding: decode error: expected described type, got constructor %#02x", b)
	}
	descriptor, err := ReadAny(r)
	if err != nil {
		return 0, err
	}
	switch d := descriptor.(type) {
	case uint64:
		return TypeCode(d & 0xff), nil
	case Symbol:
		if code, ok := symbolDescriptors[d]; ok {
			return code, nil
		}
		return 0, fmt.Errorf("encoding: decode error: unknown symbolic descriptor %q", d)
	default:
		return 0, fmt.Errorf("encoding: decode error: unexpected descriptor type %T", d)
	}
}

// unmarshalInto decodes the next value and stores it through dst, which
// must be a pointer to a compatible type, or an Unmarshaler.
func unmarshalInto(r *buffer.Buffer, dst any) error {
	if u, ok := dst.(Unmarshaler); ok {
		return u.Unmarshal(r)
	}
	v, err := ReadAny(r)
	if err != nil {
		return err
	}
	return assign(dst, v)
}
