package amqp

import (
	"github.com/amqp1go/amqp1/internal/buffer"
	"github.com/amqp1go/amqp1/internal/encoding"
)

// TransactionDeclare is sent as the body of a message to a transaction
// coordinator to begin a new transaction.
//
// Reference: http://docs.oasis-open.org/amqp/core/v1.0/os/amqp-core-transactions-v1.0-os.html#type-declare
type TransactionDeclare struct {
	// GlobalID is reserved for future use; distributed transactions are
	// not supported.
	GlobalID any
}

func (d TransactionDeclare) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeDeclare, []encoding.MarshalField{
		{Value: d.GlobalID, Omit: d.GlobalID == nil},
	})
}

func (d *TransactionDeclare) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeDeclare,
		encoding.UnmarshalField{Field: &d.GlobalID},
	)
}

// TransactionDischarge is sent as the body of a message to a transaction
// coordinator to end a transaction, either committing or rolling it back.
//
// Reference: http://docs.oasis-open.org/amqp/core/v1.0/os/amqp-core-transactions-v1.0-os.html#type-discharge
type TransactionDischarge struct {
	// TransactionID is the ID returned by the coordinator's Declare response.
	TransactionID []byte

	// Fail, if true, rolls the transaction back instead of committing it.
	Fail bool
}

func (d TransactionDischarge) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeDischarge, []encoding.MarshalField{
		{Value: d.TransactionID},
		{Value: d.Fail, Omit: !d.Fail},
	})
}

func (d *TransactionDischarge) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeDischarge,
		encoding.UnmarshalField{Field: &d.TransactionID},
		encoding.UnmarshalField{Field: &d.Fail},
	)
}
