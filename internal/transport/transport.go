// ABOUTME: Transport boundary between the gateway and the external chat network
// ABOUTME: Defines the Client, Handlers, and Dialer contracts sessions depend on

package transport

import "context"

// Client is one live connection to the chat network on behalf of an
// instance. Implementations must invoke handler callbacks serially for
// a given client.
type Client interface {
	// Send delivers a message to the given recipient phone number and
	// returns the transport-assigned external message ID.
	Send(ctx context.Context, recipient, body string) (externalID string, err error)

	// Destroy tears the connection down. Safe to call more than once;
	// no handler fires after Destroy returns.
	Destroy()
}

// InboundMessage is a message received from the chat network.
type InboundMessage struct {
	ExternalID  string
	FromPhone   string
	PushName    string
	DisplayName string
	IsBusiness  bool
	Type        string
	Body        string
	FromMe      bool // echo of our own send, dropped by ingestion
}

// Ack codes reported by the network for an outbound message.
const (
	AckPending   = 0
	AckSent      = 1
	AckDelivered = 2
	AckRead      = 3
	AckFailed    = 4
)

// Handlers carries the lifecycle and traffic callbacks a session registers
// when dialing. Any nil handler is skipped.
type Handlers struct {
	// PairingCode fires when the network wants the operator to complete
	// pairing. The payload is opaque to the gateway.
	PairingCode func(code string)

	// Authenticated fires once credentials are accepted, before the
	// connection is usable.
	Authenticated func()

	// Ready fires when the connection can send and receive. phoneNumber
	// is the number the instance is bound to.
	Ready func(phoneNumber string)

	// AuthFailure fires when the network rejects the session.
	AuthFailure func(reason string)

	// Disconnected fires when the connection drops, voluntarily or not.
	Disconnected func(reason string)

	// Message fires for every inbound message, including echoes of our
	// own sends (FromMe=true).
	Message func(msg InboundMessage)

	// Ack fires when the network updates delivery state for an outbound
	// message.
	Ack func(externalID string, code int)
}

// Dialer creates transport clients. The gateway is generic over this so the
// chat network integration stays swappable.
type Dialer interface {
	Dial(ctx context.Context, instanceID string, handlers Handlers) (Client, error)
}
