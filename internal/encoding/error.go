package encoding

import (
	"fmt"

	"github.com/amqp1go/amqp1/internal/buffer"
)

// Error is the AMQP "error" composite type carried by detach/end/close
// performatives when the peer is reporting a protocol or application
// failure. It implements the error interface so it can be used directly
// wherever Go code expects one.
type Error struct {
	// Condition is a symbolic error code, e.g. "amqp:not-found" or
	// "amqp:session:window-violation".
	Condition Symbol
	// Description is a human readable explanation, optional.
	Description string
	// Info carries additional error-specific information.
	Info map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Condition, e.Description)
	}
	return string(e.Condition)
}

func (e *Error) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeError, []MarshalField{
		{Value: &e.Condition, Omit: e.Condition == ""},
		{Value: &e.Description, Omit: e.Description == ""},
		{Value: e.Info, Omit: len(e.Info) == 0},
	})
}

func (e *Error) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeError,
		UnmarshalField{Field: &e.Condition},
		UnmarshalField{Field: &e.Description},
		UnmarshalField{Field: &e.Info},
	)
}

func init() {
	RegisterDescribedType(uint64(TypeCodeError), func(r *buffer.Buffer) (any, error) {
		// the registry dispatch has already consumed the descriptor, and
		// UnmarshalComposite only ever decodes the list body, so Unmarshal
		// can be called directly with no special-casing here.
		e := new(Error)
		if err := e.Unmarshal(r); err != nil {
			return nil, err
		}
		return e, nil
	})
}
