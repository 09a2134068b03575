package encoding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/amqp1go/amqp1/internal/buffer"
)

// Marshaler is implemented by any value (typically a performative or
// messaging-section struct) that knows how to encode itself as a
// described composite type.
type Marshaler interface {
	Marshal(wr *buffer.Buffer) error
}

// Marshal encodes i into wr using the dynamic type switch below, falling
// back to the Marshaler interface for described composite types.
func Marshal(wr *buffer.Buffer, i any) error {
	switch t := i.(type) {
	case nil:
		wr.WriteByte(byte(TypeCodeNull))
	case bool:
		if t {
			wr.WriteByte(byte(TypeCodeBoolTrue))
		} else {
			wr.WriteByte(byte(TypeCodeBoolFalse))
		}
	case *bool:
		return Marshal(wr, *t)
	case uint:
		writeUint64(wr, uint64(t))
	case *uint:
		writeUint64(wr, uint64(*t))
	case uint64:
		writeUint64(wr, t)
	case *uint64:
		writeUint64(wr, *t)
	case uint32:
		writeUint32(wr, t)
	case *uint32:
		writeUint32(wr, *t)
	case uint16:
		wr.WriteByte(byte(TypeCodeUshort))
		wr.WriteUint16(t)
	case *uint16:
		return Marshal(wr, *t)
	case uint8:
		wr.Write([]byte{byte(TypeCodeUbyte), t})
	case *uint8:
		return Marshal(wr, *t)
	case int:
		writeInt64(wr, int64(t))
	case *int:
		writeInt64(wr, int64(*t))
	case int8:
		wr.Write([]byte{byte(TypeCodeByte), uint8(t)})
	case *int8:
		return Marshal(wr, *t)
	case int16:
		wr.WriteByte(byte(TypeCodeShort))
		wr.WriteUint16(uint16(t))
	case *int16:
		return Marshal(wr, *t)
	case int32:
		writeInt32(wr, t)
	case *int32:
		writeInt32(wr, *t)
	case int64:
		writeInt64(wr, t)
	case *int64:
		writeInt64(wr, *t)
	case float32:
		writeFloat(wr, t)
	case *float32:
		writeFloat(wr, *t)
	case float64:
		writeDouble(wr, t)
	case *float64:
		writeDouble(wr, *t)
	case string:
		return writeString(wr, t)
	case *string:
		return writeString(wr, *t)
	case []byte:
		return writeBinary(wr, t)
	case *[]byte:
		return writeBinary(wr, *t)
	case Symbol:
		return writeSymbol(wr, t)
	case *Symbol:
		return writeSymbol(wr, *t)
	case MultiSymbol:
		return writeMultiSymbol(wr, t)
	case *MultiSymbol:
		return writeMultiSymbol(wr, *t)
	case UUID:
		return writeUUID(wr, t)
	case *UUID:
		return writeUUID(wr, *t)
	case time.Time:
		writeTimestamp(wr, t)
	case *time.Time:
		writeTimestamp(wr, *t)
	case Milliseconds:
		writeTimestampMillis(wr, int64(t))
	case *Milliseconds:
		writeTimestampMillis(wr, int64(*t))
	case map[any]any:
		return writeMap(wr, t)
	case *map[any]any:
		return writeMap(wr, *t)
	case map[string]any:
		return writeMap(wr, t)
	case *map[string]any:
		return writeMap(wr, *t)
	case Fields:
		return writeMap(wr, map[Symbol]any(t))
	case *Fields:
		return writeMap(wr, map[Symbol]any(*t))
	case map[Symbol]any:
		return writeMap(wr, t)
	case *map[Symbol]any:
		return writeMap(wr, *t)
	case Unsettled:
		return writeMap(wr, map[string]any(t))
	case *Unsettled:
		return writeMap(wr, map[string]any(*t))
	case Annotations:
		return writeAnnotations(wr, t)
	case *Annotations:
		return writeAnnotations(wr, *t)
	case Filter:
		return writeFilter(wr, t)
	case *Filter:
		return writeFilter(wr, *t)
	case Role:
		return Marshal(wr, bool(t))
	case *Role:
		return Marshal(wr, bool(*t))
	case SenderSettleMode:
		return Marshal(wr, uint8(t))
	case *SenderSettleMode:
		return Marshal(wr, uint8(*t))
	case ReceiverSettleMode:
		return Marshal(wr, uint8(t))
	case *ReceiverSettleMode:
		return Marshal(wr, uint8(*t))
	case Durability:
		return Marshal(wr, uint32(t))
	case *Durability:
		return Marshal(wr, uint32(*t))
	case ExpiryPolicy:
		return writeSymbol(wr, Symbol(t))
	case *ExpiryPolicy:
		return writeSymbol(wr, Symbol(*t))
	case []int32:
		return writeArray(wr, TypeCodeInt, len(t), func(body *buffer.Buffer, i int) error { body.WriteUint32(uint32(t[i])); return nil })
	case []uint32:
		return writeArray(wr, TypeCodeUint, len(t), func(body *buffer.Buffer, i int) error { body.WriteUint32(t[i]); return nil })
	case []string:
		return writeArray(wr, TypeCodeStr32, len(t), func(body *buffer.Buffer, i int) error {
			body.WriteUint32(uint32(len(t[i])))
			body.WriteString(t[i])
			return nil
		})
	case []Symbol:
		return writeArray(wr, TypeCodeSym32, len(t), func(body *buffer.Buffer, i int) error {
			body.WriteUint32(uint32(len(t[i])))
			body.WriteString(string(t[i]))
			return nil
		})
	case []any:
		return writeList(wr, t)
	case *[]any:
		return writeList(wr, *t)
	case Marshaler:
		return t.Marshal(wr)
	default:
		return fmt.Errorf("encoding: marshal not implemented for %T", i)
	}
	return nil
}

func writeInt32(wr *buffer.Buffer, n int32) {
	if n < 128 && n >= -128 {
		wr.Write([]byte{byte(TypeCodeSmallint), byte(n)})
		return
	}
	wr.WriteByte(byte(TypeCodeInt))
	wr.WriteUint32(uint32(n))
}

func writeInt64(wr *buffer.Buffer, n int64) {
	if n < 128 && n >= -128 {
		wr.Write([]byte{byte(TypeCodeSmalllong), byte(n)})
		return
	}
	wr.WriteByte(byte(TypeCodeLong))
	wr.WriteUint64(uint64(n))
}

func writeUint32(wr *buffer.Buffer, n uint32) {
	switch {
	case n == 0:
		wr.WriteByte(byte(TypeCodeUint0))
	case n < 256:
		wr.Write([]byte{byte(TypeCodeSmallUint), byte(n)})
	default:
		wr.WriteByte(byte(TypeCodeUint))
		wr.WriteUint32(n)
	}
}

func writeUint64(wr *buffer.Buffer, n uint64) {
	switch {
	case n == 0:
		wr.WriteByte(byte(TypeCodeUlong0))
	case n < 256:
		wr.Write([]byte{byte(TypeCodeSmallUlong), byte(n)})
	default:
		wr.WriteByte(byte(TypeCodeUlong))
		wr.WriteUint64(n)
	}
}

func writeFloat(wr *buffer.Buffer, f float32) {
	wr.WriteByte(byte(TypeCodeFloat))
	wr.WriteUint32(math.Float32bits(f))
}

func writeDouble(wr *buffer.Buffer, f float64) {
	wr.WriteByte(byte(TypeCodeDouble))
	wr.WriteUint64(math.Float64bits(f))
}

func writeTimestamp(wr *buffer.Buffer, t time.Time) {
	writeTimestampMillis(wr, t.UnixNano()/int64(time.Millisecond))
}

func writeTimestampMillis(wr *buffer.Buffer, ms int64) {
	wr.WriteByte(byte(TypeCodeTimestamp))
	wr.WriteUint64(uint64(ms))
}

func writeUUID(wr *buffer.Buffer, u UUID) error {
	wr.WriteByte(byte(TypeCodeUUID))
	wr.Write(u[:])
	return nil
}

func writeSymbol(wr *buffer.Buffer, s Symbol) error {
	l := len(s)
	switch {
	case l < 256:
		wr.Write([]byte{byte(TypeCodeSym8), byte(l)})
		wr.WriteString(string(s))
		return nil
	case uint(l) < math.MaxUint32:
		wr.WriteByte(byte(TypeCodeSym32))
		wr.WriteUint32(uint32(l))
		wr.WriteString(string(s))
		return nil
	default:
		return errors.New("encoding: symbol too long")
	}
}

func writeMultiSymbol(wr *buffer.Buffer, s MultiSymbol) error {
	if len(s) == 1 {
		return writeSymbol(wr, s[0])
	}
	return writeArray(wr, TypeCodeSym32, len(s), func(body *buffer.Buffer, i int) error {
		body.WriteUint32(uint32(len(s[i])))
		body.WriteString(string(s[i]))
		return nil
	})
}

// WriteDescriptor writes the 3-byte "null constructor, smallulong,
// descriptor code" preamble used by every composite type.
func WriteDescriptor(wr *buffer.Buffer, code TypeCode) {
	wr.Write([]byte{0x0, byte(TypeCodeSmallUlong), byte(code)})
}

func writeString(wr *buffer.Buffer, str string) error {
	if !utf8.ValidString(str) {
		return errors.New("encoding: not a valid UTF-8 string")
	}
	l := len(str)
	switch {
	case l < 256:
		wr.Write([]byte{byte(TypeCodeStr8), byte(l)})
		wr.WriteString(str)
		return nil
	case uint(l) < math.MaxUint32:
		wr.WriteByte(byte(TypeCodeStr32))
		wr.WriteUint32(uint32(l))
		wr.WriteString(str)
		return nil
	default:
		return errors.New("encoding: string too long")
	}
}

// WriteBinary is the exported entry point used by message bodies to
// encode a binary section's payload.
func WriteBinary(wr *buffer.Buffer, bin []byte) error {
	return writeBinary(wr, bin)
}

func writeBinary(wr *buffer.Buffer, bin []byte) error {
	l := len(bin)
	switch {
	case l < 256:
		wr.Write([]byte{byte(TypeCodeVbin8), byte(l)})
		wr.Write(bin)
		return nil
	case uint(l) < math.MaxUint32:
		wr.WriteByte(byte(TypeCodeVbin32))
		wr.WriteUint32(uint32(l))
		wr.Write(bin)
		return nil
	default:
		return errors.New("encoding: binary too long")
	}
}

func writeMap(wr *buffer.Buffer, m any) error {
	startIdx := wr.Len()
	wr.Write([]byte{byte(TypeCodeMap32), 0, 0, 0, 0, 0, 0, 0, 0})

	var pairs int
	switch m := m.(type) {
	case map[any]any:
		pairs = len(m) * 2
		for key, val := range m {
			if err := Marshal(wr, key); err != nil {
				return err
			}
			if err := Marshal(wr, val); err != nil {
				return err
			}
		}
	case map[string]any:
		pairs = len(m) * 2
		for key, val := range m {
			if err := writeString(wr, key); err != nil {
				return err
			}
			if err := Marshal(wr, val); err != nil {
				return err
			}
		}
	case map[Symbol]any:
		pairs = len(m) * 2
		for key, val := range m {
			if err := writeSymbol(wr, key); err != nil {
				return err
			}
			if err := Marshal(wr, val); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("encoding: unsupported map type %T", m)
	}

	if uint(pairs) > math.MaxUint32-4 {
		return errors.New("encoding: map contains too many elements")
	}

	bytes := wr.Bytes()[startIdx+1 : startIdx+9]
	_ = bytes[7]
	length := wr.Len() - startIdx - 1 - 4
	binary.BigEndian.PutUint32(bytes[:4], uint32(length))
	binary.BigEndian.PutUint32(bytes[4:8], uint32(pairs))
	return nil
}

func writeAnnotations(wr *buffer.Buffer, a Annotations) error {
	startIdx := wr.Len()
	wr.Write([]byte{byte(TypeCodeMap32), 0, 0, 0, 0, 0, 0, 0, 0})
	pairs := len(a) * 2
	for key, val := range a {
		switch key := key.(type) {
		case string:
			if err := writeSymbol(wr, Symbol(key)); err != nil {
				return err
			}
		case Symbol:
			if err := writeSymbol(wr, key); err != nil {
				return err
			}
		case int64:
			writeInt64(wr, key)
		case int:
			writeInt64(wr, int64(key))
		default:
			return fmt.Errorf("encoding: unsupported annotation key type %T", key)
		}
		if err := Marshal(wr, val); err != nil {
			return err
		}
	}
	if uint(pairs) > math.MaxUint32-4 {
		return errors.New("encoding: map contains too many elements")
	}
	bytes := wr.Bytes()[startIdx+1 : startIdx+9]
	_ = bytes[7]
	length := wr.Len() - startIdx - 1 - 4
	binary.BigEndian.PutUint32(bytes[:4], uint32(length))
	binary.BigEndian.PutUint32(bytes[4:8], uint32(pairs))
	return nil
}

func writeFilter(wr *buffer.Buffer, f Filter) error {
	startIdx := wr.Len()
	wr.Write([]byte{byte(TypeCodeMap32), 0, 0, 0, 0, 0, 0, 0, 0})
	pairs := len(f) * 2
	for key, val := range f {
		if err := writeSymbol(wr, key); err != nil {
			return err
		}
		if val == nil {
			wr.WriteByte(byte(TypeCodeNull))
			continue
		}
		if err := val.Marshal(wr); err != nil {
			return err
		}
	}
	if uint(pairs) > math.MaxUint32-4 {
		return errors.New("encoding: map contains too many elements")
	}
	bytes := wr.Bytes()[startIdx+1 : startIdx+9]
	_ = bytes[7]
	length := wr.Len() - startIdx - 1 - 4
	binary.BigEndian.PutUint32(bytes[:4], uint32(length))
	binary.BigEndian.PutUint32(bytes[4:8], uint32(pairs))
	return nil
}

// MarshalField is a field to be marshaled as part of a composite record.
type MarshalField struct {
	Value any
	Omit  bool
}

// MarshalComposite writes a composite (described list) type: the
// descriptor, then a list containing each non-omitted field, trailing
// omitted fields dropped entirely per the AMQP encoding optimization.
func MarshalComposite(wr *buffer.Buffer, code TypeCode, fields []MarshalField) error {
	lastSetIdx := -1
	for i, f := range fields {
		if f.Omit {
			continue
		}
		lastSetIdx = i
	}

	if lastSetIdx == -1 {
		wr.Write([]byte{0x0, byte(TypeCodeSmallUlong), byte(code), byte(TypeCodeList0)})
		return nil
	}

	WriteDescriptor(wr, code)
	wr.WriteByte(byte(TypeCodeList32))

	sizeIdx := wr.Len()
	wr.Write([]byte{0, 0, 0, 0})
	preFieldLen := wr.Len()

	wr.WriteUint32(uint32(lastSetIdx + 1))

	for _, f := range fields[:lastSetIdx+1] {
		if f.Omit {
			wr.WriteByte(byte(TypeCodeNull))
			continue
		}
		if err := Marshal(wr, f.Value); err != nil {
			return err
		}
	}

	size := uint32(wr.Len() - preFieldLen)
	buf := wr.Bytes()
	binary.BigEndian.PutUint32(buf[sizeIdx:], size)
	return nil
}

func writeList(wr *buffer.Buffer, l []any) error {
	wr.WriteByte(byte(TypeCodeList32))
	sizeIdx := wr.Len()
	wr.Write([]byte{0, 0, 0, 0})
	preFieldLen := wr.Len()
	wr.WriteUint32(uint32(len(l)))
	for _, v := range l {
		if err := Marshal(wr, v); err != nil {
			return err
		}
	}
	size := uint32(wr.Len() - preFieldLen)
	buf := wr.Bytes()
	binary.BigEndian.PutUint32(buf[sizeIdx:], size)
	return nil
}

const (
	array8TLSize  = 2
	array32TLSize = 5
)

// writeArray encodes a homogeneous array: a single shared element
// constructor followed by each element's body (no per-element
// constructor). writeBody must append exactly one element's body, with no
// constructor byte, to body.
func writeArray(wr *buffer.Buffer, elemType TypeCode, length int, writeBody func(body *buffer.Buffer, i int) error) error {
	body := buffer.NewWithCapacity(length * 4)
	for i := 0; i < length; i++ {
		if err := writeBody(body, i); err != nil {
			return err
		}
	}
	size := body.Len()
	if size+array8TLSize <= math.MaxUint8 {
		wr.Write([]byte{byte(TypeCodeArray8), byte(size + array8TLSize), byte(length), byte(elemType)})
	} else {
		wr.WriteByte(byte(TypeCodeArray32))
		wr.WriteUint32(uint32(size + array32TLSize))
		wr.WriteUint32(uint32(length))
		wr.WriteByte(byte(elemType))
	}
	wr.Write(body.Peek())
	return nil
}
