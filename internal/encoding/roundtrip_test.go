package encoding

import (
	"bytes"
	"testing"
	"time"

	"github.com/amqp1go/amqp1/internal/buffer"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// roundTrip marshals v, then decodes the result two ways: once through
// the buffer-based ReadAny (what the frame codec uses) and once through
// UnmarshalStream (the io.Reader-backed streaming decoder) — both must
// agree with each other and with v itself.
func roundTrip(t *testing.T, v any) any {
	t.Helper()

	wr := buffer.NewWithCapacity(0)
	if err := Marshal(wr, v); err != nil {
		t.Fatalf("Marshal(%#v): %v", v, err)
	}
	encoded := append([]byte(nil), wr.Bytes()...)

	bufGot, err := ReadAny(buffer.New(encoded))
	if err != nil {
		t.Fatalf("ReadAny(%#v): %v", v, err)
	}

	streamGot, err := UnmarshalStream(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("UnmarshalStream(%#v): %v", v, err)
	}

	if diff := cmp.Diff(bufGot, streamGot, cmpopts.EquateApproxTime(0)); diff != "" {
		t.Fatalf("ReadAny and UnmarshalStream disagree for %#v (-buf +stream):\n%s", v, diff)
	}
	return bufGot
}

// TestRoundTripPrimitives is the round-trip law from spec.md §8: for every
// primitive type the codec supports, Marshal followed by either decoder
// must reproduce the original value.
func TestRoundTripPrimitives(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"bool true", true, true},
		{"bool false", false, false},
		{"int8", int8(-12), int8(-12)},
		{"uint32 zero", uint32(0), uint32(0)},
		{"uint32 small", uint32(200), uint32(200)},
		{"uint32 large", uint32(1 << 20), uint32(1 << 20)},
		{"int32 negative", int32(-90000), int32(-90000)},
		{"uint64 zero", uint64(0), uint64(0)},
		{"uint64 large", uint64(1) << 40, uint64(1) << 40},
		{"int64 negative", int64(-(1 << 40)), int64(-(1 << 40))},
		{"string short", "hello", "hello"},
		{"string long", string(bytes.Repeat([]byte("x"), 300)), string(bytes.Repeat([]byte("x"), 300))},
		{"symbol", Symbol("amqp:accepted:list"), Symbol("amqp:accepted:list")},
		{"binary", []byte{1, 2, 3, 4}, []byte{1, 2, 3, 4}},
		{"list", []any{uint32(1), "two", true}, []any{uint32(1), "two", true}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := roundTrip(t, c.in)
			if diff := cmp.Diff(c.want, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// TestRoundTripTimestamp checks the millisecond-precision timestamp type
// specifically, since time.Time equality needs the approx-time comparer.
func TestRoundTripTimestamp(t *testing.T) {
	in := time.Unix(0, 1_700_000_000_123*int64(time.Millisecond))
	got := roundTrip(t, in)
	gotTime, ok := got.(time.Time)
	if !ok {
		t.Fatalf("expected time.Time, got %T", got)
	}
	if !gotTime.Equal(in) {
		t.Errorf("timestamp round trip: got %v, want %v", gotTime, in)
	}
}

// TestRoundTripDescribedType covers a value with an unregistered
// descriptor, which both decoders must surface as a generic DescribedType
// rather than failing.
func TestRoundTripDescribedType(t *testing.T) {
	wr := buffer.NewWithCapacity(0)
	if err := MarshalComposite(wr, TypeCodeOpen, []MarshalField{
		{Value: "container-1", Omit: false},
	}); err != nil {
		t.Fatalf("MarshalComposite: %v", err)
	}
	encoded := append([]byte(nil), wr.Bytes()...)

	bufGot, err := ReadAny(buffer.New(encoded))
	if err != nil {
		t.Fatalf("ReadAny: %v", err)
	}
	streamGot, err := UnmarshalStream(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("UnmarshalStream: %v", err)
	}

	bufDT, ok := bufGot.(*DescribedType)
	if !ok {
		t.Fatalf("ReadAny: expected *DescribedType, got %T", bufGot)
	}
	streamDT, ok := streamGot.(*DescribedType)
	if !ok {
		t.Fatalf("UnmarshalStream: expected *DescribedType, got %T", streamGot)
	}
	if diff := cmp.Diff(bufDT.Descriptor, streamDT.Descriptor); diff != "" {
		t.Errorf("descriptor mismatch (-buf +stream):\n%s", diff)
	}
}
