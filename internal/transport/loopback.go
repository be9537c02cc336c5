// ABOUTME: Loopback transport that simulates the chat network in-process
// ABOUTME: Used by serve when no real network integration is configured, and by tests

package transport

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LoopbackDialer produces clients that walk the full connection lifecycle
// without any network: pairing code, authenticated, ready. Sends succeed
// immediately and report sent-then-delivered acks.
type LoopbackDialer struct {
	// ReadyDelay is how long a dialed client waits before reporting ready.
	// Zero means the default of 100ms.
	ReadyDelay time.Duration

	logger *slog.Logger
}

// NewLoopbackDialer creates a dialer for the in-process loopback transport.
func NewLoopbackDialer() *LoopbackDialer {
	return &LoopbackDialer{
		logger: slog.Default().With("component", "transport.loopback"),
	}
}

// Dial creates a loopback client and starts its lifecycle.
func (d *LoopbackDialer) Dial(ctx context.Context, instanceID string, handlers Handlers) (Client, error) {
	delay := d.ReadyDelay
	if delay == 0 {
		delay = 100 * time.Millisecond
	}

	c := &loopbackClient{
		instanceID: instanceID,
		handlers:   handlers,
		done:       make(chan struct{}),
		logger:     d.logger.With("instance_id", instanceID),
	}

	go c.run(delay)
	return c, nil
}

type loopbackClient struct {
	instanceID string
	handlers   Handlers
	logger     *slog.Logger

	mu        sync.Mutex
	destroyed bool
	done      chan struct{}
}

// run walks the pairing lifecycle. Handler invocations are serialized by
// running on this single goroutine.
func (c *loopbackClient) run(delay time.Duration) {
	c.fire(func(h Handlers) {
		if h.PairingCode != nil {
			h.PairingCode(pairingCode())
		}
	})

	select {
	case <-time.After(delay):
	case <-c.done:
		return
	}

	c.fire(func(h Handlers) {
		if h.Authenticated != nil {
			h.Authenticated()
		}
	})
	c.fire(func(h Handlers) {
		if h.Ready != nil {
			h.Ready(loopbackPhone(c.instanceID))
		}
	})
}

func (c *loopbackClient) fire(f func(Handlers)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	f(c.handlers)
}

// Send acknowledges immediately. The delivered ack fires inline so the
// caller observes the same ordering a real network would produce.
func (c *loopbackClient) Send(ctx context.Context, recipient, body string) (string, error) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return "", fmt.Errorf("client destroyed")
	}
	handlers := c.handlers
	c.mu.Unlock()

	externalID := uuid.NewString()
	c.logger.Debug("loopback send", "recipient", recipient, "external_id", externalID)

	if handlers.Ack != nil {
		handlers.Ack(externalID, AckSent)
		handlers.Ack(externalID, AckDelivered)
	}
	return externalID, nil
}

// Destroy stops the lifecycle goroutine and suppresses further callbacks.
func (c *loopbackClient) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.destroyed = true
	close(c.done)
}

// pairingCode generates an 8-character code in the style pairing flows use.
func pairingCode() string {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	code := make([]byte, 8)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			// crypto/rand only fails when the platform source is broken
			code[i] = alphabet[0]
			continue
		}
		code[i] = alphabet[n.Int64()]
	}
	return string(code[:4]) + "-" + string(code[4:])
}

// loopbackPhone derives a stable fake phone number from the instance ID so
// reconnects report the same number.
func loopbackPhone(instanceID string) string {
	var sum uint32
	for _, b := range []byte(instanceID) {
		sum = sum*31 + uint32(b)
	}
	return fmt.Sprintf("1555%07d", sum%10000000)
}
