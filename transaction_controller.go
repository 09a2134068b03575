package amqp

import (
	"context"
	"fmt"

	"github.com/amqp1go/amqp1/internal/encoding"
	"github.com/amqp1go/amqp1/internal/frames"
)

// TransactionControllerOptions contains the optional settings for configuring a [TransactionController].
type TransactionControllerOptions struct {
	// Capabilities is the list of extension capabilities the sender supports.
	Capabilities []string
}

// TransactionController declares and discharges transactions against a
// transaction coordinator.
//
// Reference: http://docs.oasis-open.org/amqp/core/v1.0/os/amqp-core-transactions-v1.0-os.html#section-coordination
type TransactionController struct {
	sender *Sender
}

// DischargeOptions contains the optional parameters for the [TransactionController.Discharge] method.
type DischargeOptions struct {
	// placeholder for future optional parameters
}

// Discharge discharges a transaction, either committing it or rolling it back based on
// the values set in discharge.
//
// Spec: http://docs.oasis-open.org/amqp/core/v1.0/os/amqp-core-transactions-v1.0-os.html#type-discharge
func (tc *TransactionController) Discharge(ctx context.Context, discharge TransactionDischarge, opts *DischargeOptions) error {
	return tc.sender.Send(ctx, &Message{Value: discharge}, nil)
}

// DeclareOptions contains the optional parameters for the [TransactionController.Declare] method.
type DeclareOptions struct {
	// placeholder for future optional parameters
}

// Declare declares a transaction and returns the transaction ID assigned by
// the coordinator.
//
// Spec: http://docs.oasis-open.org/amqp/core/v1.0/os/amqp-core-transactions-v1.0-os.html#section-txn-declare
func (tc *TransactionController) Declare(ctx context.Context, declare TransactionDeclare, opts *DeclareOptions) ([]byte, error) {
	state, err := tc.sender.sendRaw(ctx, &Message{Value: declare}, nil)
	if err != nil {
		return nil, err
	}

	declared, ok := state.(*encoding.StateDeclared)
	if !ok {
		return nil, fmt.Errorf("invalid response when declaring transaction (not *StateDeclared, was %T)", state)
	}
	return declared.TransactionID, nil
}

// Close closes the AMQP link for this transaction controller.
func (tc *TransactionController) Close(ctx context.Context) error {
	return tc.sender.Close(ctx)
}

// newTransactionController attaches a control link to the transaction
// coordinator at the other end of the session.
func newTransactionController(ctx context.Context, session *Session, opts *TransactionControllerOptions) (*TransactionController, error) {
	snd := &Sender{
		l:                       newLink(session, encoding.RoleSender),
		closeOnDispositionError: true,
	}
	// the attach itself carries a coordinator instead of a target; this
	// empty Target only backs Sender.Address and the mux's logging.
	snd.l.target = new(encoding.Target)
	if opts != nil {
		snd.l.source = new(encoding.Source)
		for _, v := range opts.Capabilities {
			snd.l.source.Capabilities = append(snd.l.source.Capabilities, encoding.Symbol(v))
		}
	}

	if err := snd.l.attach(ctx, func(at *frames.Attach) {
		at.Role = encoding.RoleSender
		at.Target = nil
		at.Coordinator = &encoding.Coordinator{}
	}, func(*frames.Attach) {}); err != nil {
		return nil, err
	}

	snd.transfers = make(chan frames.Transfer)
	go snd.mux()

	return &TransactionController{sender: snd}, nil
}
