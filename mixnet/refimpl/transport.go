package refimpl

import (
	"context"
	"sync"

	"mixminion.io/client/mixnet"
)

// Transport is an in-memory mixnet.Transport used by tests and by the
// CLI's loopback mode. Sent packets are recorded per first-hop
// destination; SetFailing makes subsequent sends to a destination return an
// error, to exercise the Delivery Coordinator's spooling behavior.
type Transport struct {
	mu       sync.Mutex
	sent     map[string][][]byte
	failing  map[string]error
}

var _ mixnet.Transport = (*Transport)(nil)

// NewTransport returns an empty loopback transport.
func NewTransport() *Transport {
	return &Transport{
		sent:    map[string][][]byte{},
		failing: map[string]error{},
	}
}

// Send records packet as delivered to first, unless first has been
// marked failing.
func (t *Transport) Send(ctx context.Context, first mixnet.RoutingInfo, packet []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	key := first.String()
	if err, ok := t.failing[key]; ok {
		return err
	}
	t.sent[key] = append(t.sent[key], append([]byte(nil), packet...))
	return nil
}

// SetFailing makes every Send to first return err until cleared.
func (t *Transport) SetFailing(first mixnet.RoutingInfo, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.failing, first.String())
		return
	}
	t.failing[first.String()] = err
}

// Sent returns the packets recorded as delivered to first.
func (t *Transport) Sent(first mixnet.RoutingInfo) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.sent[first.String()]...)
}
