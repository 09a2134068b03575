// Package sasl implements the client side of AMQP 1.0's SASL security
// layer negotiation: mechanism selection, initial response, and
// challenge/response rounds.
package sasl

import (
	"errors"
	"fmt"

	"github.com/amqp1go/amqp1/internal/encoding"
	"github.com/amqp1go/amqp1/internal/frames"
)

// Mechanism is a pluggable client-side SASL mechanism. Name returns the
// mechanism's symbolic name; Init returns its optional initial response.
// Challenge is
// invoked for every server sasl-challenge frame and returns the matching
// response; mechanisms that never challenge (PLAIN, ANONYMOUS, EXTERNAL)
// can return an error if Challenge is ever called.
type Mechanism interface {
	Name() encoding.Symbol
	Init() ([]byte, error)
	Challenge(challenge []byte) (response []byte, err error)
}

// Anonymous authenticates with no credentials.
type Anonymous struct{}

func (Anonymous) Name() encoding.Symbol             { return "ANONYMOUS" }
func (Anonymous) Init() ([]byte, error)             { return nil, nil }
func (Anonymous) Challenge([]byte) ([]byte, error) {
	return nil, errors.New("sasl: ANONYMOUS does not support challenges")
}

// Plain authenticates with a username/password pair, per RFC 4616.
type Plain struct {
	Username string
	Password string
}

func (Plain) Name() encoding.Symbol { return "PLAIN" }

func (p Plain) Init() ([]byte, error) {
	resp := make([]byte, 0, len(p.Username)+len(p.Password)+2)
	resp = append(resp, 0)
	resp = append(resp, p.Username...)
	resp = append(resp, 0)
	resp = append(resp, p.Password...)
	return resp, nil
}

func (Plain) Challenge([]byte) ([]byte, error) {
	return nil, errors.New("sasl: PLAIN does not support challenges")
}

// External relies on an identity already established by the transport
// (e.g. a client TLS certificate).
type External struct{}

func (External) Name() encoding.Symbol { return "EXTERNAL" }
func (External) Init() ([]byte, error) { return nil, nil }
func (External) Challenge([]byte) ([]byte, error) {
	return nil, errors.New("sasl: EXTERNAL does not support challenges")
}

// State names a step of the client-side negotiation state machine.
type State int

const (
	StateIdle State = iota
	StateMechanismsReceived
	StateInitSent
	StateChallengeReceived
	StateResponseSent
	StateOutcomeReceived
	StateAuthenticated
	StateFailed
)

// Negotiator drives the client side of SASL negotiation against a set of
// candidate mechanisms offered by the caller, selecting the first mechanism
// in the server's offer that is also a candidate.
type Negotiator struct {
	candidates map[encoding.Symbol]Mechanism
	chosen     Mechanism
	state      State
	err        error
}

// NewNegotiator builds a Negotiator over the given candidate mechanisms.
// The order of the server's offer decides which candidate is chosen; the
// order of mechanisms given here does not.
func NewNegotiator(mechanisms ...Mechanism) *Negotiator {
	n := &Negotiator{
		candidates: make(map[encoding.Symbol]Mechanism, len(mechanisms)),
		state:      StateIdle,
	}
	for _, m := range mechanisms {
		n.candidates[m.Name()] = m
	}
	return n
}

// State returns the negotiator's current state.
func (n *Negotiator) State() State { return n.state }

// Err returns the error that moved the negotiator to StateFailed, if any.
func (n *Negotiator) Err() error { return n.err }

// HandleMechanisms selects a mechanism from the server's offered list and
// returns the sasl-init frame body to send in response.
func (n *Negotiator) HandleMechanisms(m *frames.SASLMechanisms) (*frames.SASLInit, error) {
	if n.state != StateIdle {
		return nil, n.fail(fmt.Errorf("sasl: unexpected mechanisms frame in state %d", n.state))
	}
	var chosen Mechanism
	for _, offered := range m.Mechanisms {
		if cand, ok := n.candidates[offered]; ok {
			chosen = cand
			break
		}
	}
	if chosen == nil {
		return nil, n.fail(fmt.Errorf("sasl: no supported mechanism in server offer %v", m.Mechanisms))
	}
	n.chosen = chosen
	initial, err := chosen.Init()
	if err != nil {
		return nil, n.fail(err)
	}
	n.state = StateInitSent
	return &frames.SASLInit{
		Mechanism:       chosen.Name(),
		InitialResponse: initial,
	}, nil
}

// HandleChallenge answers a server challenge using the chosen mechanism.
func (n *Negotiator) HandleChallenge(c *frames.SASLChallenge) (*frames.SASLResponse, error) {
	if n.state != StateInitSent && n.state != StateResponseSent {
		return nil, n.fail(fmt.Errorf("sasl: unexpected challenge frame in state %d", n.state))
	}
	resp, err := n.chosen.Challenge(c.Challenge)
	if err != nil {
		return nil, n.fail(err)
	}
	n.state = StateResponseSent
	return &frames.SASLResponse{Response: resp}, nil
}

// HandleOutcome records the server's outcome, failing the negotiator on
// any code other than ok.
func (n *Negotiator) HandleOutcome(o *frames.SASLOutcome) error {
	if o.Code != frames.CodeOK {
		return n.fail(fmt.Errorf("sasl: authentication failed: %s", o.Code))
	}
	n.state = StateAuthenticated
	return nil
}

func (n *Negotiator) fail(err error) error {
	n.state = StateFailed
	n.err = err
	return err
}
