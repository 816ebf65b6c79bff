// Package delivery implements the delivery coordinator: it composes
// the lock, SURB log, and spool with the external packet builder and
// transport collaborators to realize send-forward, send-reply, and
// flush-spool (this component). It is given already-resolved path legs;
// it does not itself perform path selection or address parsing.
package delivery

import (
	"context"
	"time"

	"mixminion.io/client/internal/errs"
	"mixminion.io/client/internal/lock"
	"mixminion.io/client/internal/mlog"
	"mixminion.io/client/internal/spool"
	"mixminion.io/client/internal/surblog"
	"mixminion.io/client/mixnet"
)

// SpoolPolicy selects how a forward send interacts with the outbound
// spool.
type SpoolPolicy int

const (
	// PoolFirst writes the packet to the spool before attempting
	// delivery (the default, and what the "pool" command requests
	// explicitly): on success the spooled entry is removed, on
	// failure it is left queued for a later flush.
	PoolFirst SpoolPolicy = iota
	// LazySpool attempts delivery first and only spools the packet
	// if that attempt fails.
	LazySpool
	// NoSpool never touches the spool; a failed delivery is reported
	// as MessageLost instead of being queued.
	NoSpool
)

// Coordinator composes the collaborators a delivery flow needs.
type Coordinator struct {
	lk        *lock.Lock
	spool     *spool.Spool
	builder   mixnet.PacketBuilder
	transport mixnet.Transport
	timeout   time.Duration
}

// New returns a Coordinator. timeout bounds every Transport.Send call
// (this design's Network.ConnectionTimeout).
func New(lk *lock.Lock, sp *spool.Spool, builder mixnet.PacketBuilder, transport mixnet.Transport, timeout time.Duration) *Coordinator {
	return &Coordinator{lk: lk, spool: sp, builder: builder, transport: transport, timeout: timeout}
}

// SendForward builds a forward packet over route and addr, then
// delivers or spools it according to policy.
func (c *Coordinator) SendForward(ctx context.Context, route mixnet.PathSolution, addr mixnet.Address, payload []byte, policy SpoolPolicy, now time.Time) error {
	const op = "delivery.SendForward"

	hops := route.Hops()
	if len(hops) == 0 {
		return errs.E(op, errs.Mix, errs.NoRelaysKnown, errs.Str("empty route"))
	}
	firstHop := hops[0].RoutingInfo()

	packet, err := c.builder.BuildForward(route, addr, payload)
	if err != nil {
		return errs.E(op, errs.Protocol, err)
	}

	switch policy {
	case PoolFirst:
		handle, err := c.enqueue(packet, firstHop, now)
		if err != nil {
			return errs.E(op, err)
		}
		if err := c.deliver(ctx, firstHop, packet); err != nil {
			mlog.Info.Printf("delivery: send failed, leaving packet queued as %s: %v", handle, err)
			return errs.E(op, errs.Protocol, err)
		}
		if err := c.remove(handle); err != nil {
			mlog.Error.Printf("delivery: delivered packet %s but failed to remove it from the spool: %v", handle, err)
		}
		return nil

	case LazySpool:
		if err := c.deliver(ctx, firstHop, packet); err != nil {
			handle, spoolErr := c.enqueue(packet, firstHop, now)
			if spoolErr != nil {
				return errs.E(op, errs.Mix, errs.MessageLost, err)
			}
			mlog.Info.Printf("delivery: send failed, packet pooled as %s: %v", handle, err)
			return errs.E(op, errs.Protocol, err)
		}
		return nil

	case NoSpool:
		if err := c.deliver(ctx, firstHop, packet); err != nil {
			return errs.E(op, errs.Mix, errs.MessageLost, err)
		}
		return nil
	}
	return errs.E(op, errs.Usage, errs.Str("unknown spool policy"))
}

// SendReply delivers payload over the first usable SURB in surbs (in
// order), skipping any already used or expiring within 60 seconds.
// log must already be open under the caller's held lock, per
// surblog's contract.
func (c *Coordinator) SendReply(ctx context.Context, log *surblog.Log, surbs []mixnet.SURB, payload []byte, now time.Time) error {
	const op = "delivery.SendReply"

	const minRemaining = 60 * time.Second
	const fineGrainedWindow = 3 * time.Hour

	for _, s := range surbs {
		if log.IsUsed(s) {
			mlog.Debug.Printf("delivery: skipping already-used SURB")
			continue
		}
		remaining := s.Expiry.Sub(now)
		if remaining < minRemaining {
			mlog.Info.Printf("delivery: skipping SURB expiring in %s", remaining)
			continue
		}
		if remaining < fineGrainedWindow {
			mlog.Info.Printf("delivery: using SURB with only %s left before expiry", remaining.Round(time.Minute))
		}

		packet, err := c.builder.BuildReply(payload, s)
		if err != nil {
			return errs.E(op, errs.Protocol, err)
		}
		if err := log.MarkUsed(s); err != nil {
			return errs.E(op, err)
		}
		if err := c.deliver(ctx, s.FirstHop, packet); err != nil {
			return errs.E(op, errs.Protocol, err)
		}
		return nil
	}
	return errs.E(op, errs.Mix, errs.NoUsableSurbs, errs.Str("no usable SURB in the supplied list"))
}

// FlushSpool attempts to deliver every queued packet, grouped by first
// hop, with spooling disabled for the attempt itself. Delivered groups
// are removed from the spool; groups that fail are left queued.
func (c *Coordinator) FlushSpool(ctx context.Context) (delivered, remaining int, err error) {
	const op = "delivery.FlushSpool"

	release, err := c.lk.Acquire()
	if err != nil {
		return 0, 0, errs.E(op, err)
	}
	handles, err := c.spool.Handles()
	if err != nil {
		release()
		return 0, 0, errs.E(op, err)
	}
	groups := make(map[string][]queued)
	firstHops := make(map[string]mixnet.RoutingInfo)
	var order []string
	for _, h := range handles {
		packet, firstHop, _, err := c.spool.Load(h)
		if err != nil {
			mlog.Error.Printf("delivery: skipping unreadable spooled packet %s: %v", h, err)
			continue
		}
		key := firstHop.String()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
			firstHops[key] = firstHop
		}
		groups[key] = append(groups[key], queued{handle: h, packet: packet})
	}
	release()

	for _, key := range order {
		entries := groups[key]
		firstHop := firstHops[key]
		sendErr := c.deliverAll(ctx, firstHop, entries)
		if sendErr != nil {
			mlog.Error.Printf("delivery: failed to flush %d packet(s) to %s, leaving queued: %v", len(entries), firstHop, sendErr)
			remaining += len(entries)
			continue
		}

		release, lockErr := c.lk.Acquire()
		if lockErr != nil {
			remaining += len(entries)
			continue
		}
		for _, e := range entries {
			if err := c.spool.Remove(e.handle); err != nil {
				mlog.Error.Printf("delivery: delivered but failed to remove spooled packet %s: %v", e.handle, err)
			}
		}
		release()
		delivered += len(entries)
	}
	return delivered, remaining, nil
}

// queued is one spooled packet awaiting delivery, grouped by first hop.
type queued struct {
	handle string
	packet []byte
}

func (c *Coordinator) deliverAll(ctx context.Context, firstHop mixnet.RoutingInfo, entries []queued) error {
	for _, e := range entries {
		if err := c.deliver(ctx, firstHop, e.packet); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) deliver(ctx context.Context, firstHop mixnet.RoutingInfo, packet []byte) error {
	dctx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.transport.Send(dctx, firstHop, packet)
}

func (c *Coordinator) enqueue(packet []byte, firstHop mixnet.RoutingInfo, now time.Time) (string, error) {
	release, err := c.lk.Acquire()
	if err != nil {
		return "", err
	}
	defer release()
	return c.spool.Enqueue(packet, firstHop, now)
}

func (c *Coordinator) remove(handle string) error {
	release, err := c.lk.Acquire()
	if err != nil {
		return err
	}
	defer release()
	return c.spool.Remove(handle)
}
