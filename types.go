package amqp

import (
	"time"

	"github.com/amqp1go/amqp1/internal/encoding"
	"github.com/amqp1go/amqp1/internal/sasl"
)

// SenderSettleMode is the settlement policy a sending link endpoint
// requests or is assigned.
type SenderSettleMode = encoding.SenderSettleMode

const (
	SenderSettleModeUnsettled = encoding.SenderSettleModeUnsettled
	SenderSettleModeSettled   = encoding.SenderSettleModeSettled
	SenderSettleModeMixed     = encoding.SenderSettleModeMixed
)

// ReceiverSettleMode is the settlement policy a receiving link endpoint
// requests or is assigned.
type ReceiverSettleMode = encoding.ReceiverSettleMode

const (
	ReceiverSettleModeFirst  = encoding.ReceiverSettleModeFirst
	ReceiverSettleModeSecond = encoding.ReceiverSettleModeSecond
)

// ModeFirst and ModeSecond are short aliases for ReceiverSettleModeFirst
// and ReceiverSettleModeSecond.
const (
	ModeFirst  = ReceiverSettleModeFirst
	ModeSecond = ReceiverSettleModeSecond
)

// Durability controls whether a source or target survives link/session/
// connection termination.
type Durability = encoding.Durability

const (
	DurabilityNone             = encoding.DurabilityNone
	DurabilityConfiguration    = encoding.DurabilityConfiguration
	DurabilityUnsettledState   = encoding.DurabilityUnsettledState
)

// ExpiryPolicy controls when a source or target's resources are expired.
type ExpiryPolicy = encoding.ExpiryPolicy

const (
	ExpiryPolicyLinkDetach    = encoding.ExpiryPolicyLinkDetach
	ExpiryPolicySessionEnd    = encoding.ExpiryPolicySessionEnd
	ExpiryPolicyConnectionClose = encoding.ExpiryPolicyConnectionClose
	ExpiryPolicyNever         = encoding.ExpiryPolicyNever
)

// ConnOptions contains the optional settings for the New function.
type ConnOptions struct {
	// ContainerID is the container-id advertised in the open performative.
	// A random one is generated if empty.
	ContainerID string

	// HostName is sent as the hostname field of the sasl-init frame and of
	// the open performative.
	HostName string

	// IdleTimeout is the maximum period of inactivity, in either
	// direction, before the connection is considered dead. Zero disables
	// idle-timeout enforcement.
	IdleTimeout time.Duration

	// MaxFrameSize is the largest frame, in bytes, this client is willing
	// to receive.
	MaxFrameSize uint32

	// MaxSessions is the number of simultaneous sessions this client
	// supports (bounds the channel-max advertised to the peer).
	MaxSessions uint16

	// Properties are connection properties sent to the server.
	Properties map[string]any

	// SASLType lists the SASL mechanisms this client accepts. The first
	// mechanism in the server's offer that is in this list is used; the
	// order of this list does not affect the choice. If empty, SASL is
	// skipped and the AMQP protocol header is sent directly.
	SASLType []sasl.Mechanism
}

// SessionOptions contains the optional settings for Client.NewSession.
type SessionOptions struct {
	// MaxLinks limits the number of links (handles) this session will
	// allocate. Zero means unbounded (up to the connection's handle-max).
	MaxLinks uint32
}

// SenderOptions contains the optional settings for Session.NewSender.
type SenderOptions struct {
	Capabilities                []string
	Durability                  Durability
	DynamicAddress              bool
	ExpiryPolicy                ExpiryPolicy
	ExpiryTimeout               uint32
	IgnoreDispositionErrors     bool
	Name                        string
	Properties                  map[string]string
	RequestedReceiverSettleMode *ReceiverSettleMode
	SettlementMode              *SenderSettleMode
	SourceAddress               string
	TargetCapabilities          []string
	TargetDurability            Durability
	TargetExpiryPolicy          ExpiryPolicy
	TargetExpiryTimeout         uint32
}

// ReceiverOptions contains the optional settings for Session.NewReceiver.
type ReceiverOptions struct {
	Capabilities                []string
	Credit                      int32
	Durability                  Durability
	DynamicAddress              bool
	ExpiryPolicy                ExpiryPolicy
	ExpiryTimeout               uint32
	ManualCredits               bool
	MaxMessageSize              uint64
	Name                        string
	Properties                  map[string]string
	RequestedSenderSettleMode   *SenderSettleMode
	SettlementMode              *ReceiverSettleMode
	SourceCapabilities          []string
	SourceDurability            Durability
	SourceExpiryPolicy          ExpiryPolicy
	SourceExpiryTimeout         uint32
	TargetAddress               string
}

func receiverSettleModeValue(m *ReceiverSettleMode) ReceiverSettleMode {
	if m == nil {
		return ReceiverSettleModeFirst
	}
	return *m
}

func senderSettleModeValue(m *SenderSettleMode) SenderSettleMode {
	if m == nil {
		return SenderSettleModeMixed
	}
	return *m
}
