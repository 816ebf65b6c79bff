package delivery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"mixminion.io/client/internal/errs"
	"mixminion.io/client/internal/lock"
	"mixminion.io/client/internal/spool"
	"mixminion.io/client/internal/surblog"
	"mixminion.io/client/mixnet"
	"mixminion.io/client/mixnet/refimpl"
)

func newCoordinator(t *testing.T, timeout time.Duration) (*Coordinator, *spool.Spool, *refimpl.Transport) {
	t.Helper()
	root := t.TempDir()
	lk := lock.New(filepath.Join(root, "lock"))
	sp := spool.New(filepath.Join(root, "pool"))
	transport := refimpl.NewTransport()
	builder := refimpl.PacketBuilder{Crypto: refimpl.Crypto{}}
	return New(lk, sp, builder, transport, timeout), sp, transport
}

func testRoute(nickname string) mixnet.PathSolution {
	now := time.Unix(1700000000, 0).UTC()
	exit := refimpl.NewDescriptor(nickname, []byte("key-"+nickname), now.Add(-time.Hour), now.Add(time.Hour), now, []mixnet.Capability{mixnet.Relay, mixnet.SMTP}, []byte("route-"+nickname))
	return mixnet.PathSolution{Leg1: []mixnet.ServerDescriptor{exit}}
}

func TestSendForwardPoolFirstDeliversAndRemoves(t *testing.T) {
	c, sp, _ := newCoordinator(t, 0)
	route := testRoute("exit1")
	addr := mixnet.Address{ExitType: mixnet.ExitTypeSMTP, ExitInfo: []byte("user@example.com")}
	now := time.Unix(1700000000, 0).UTC()

	if err := c.SendForward(context.Background(), route, addr, []byte("hello"), PoolFirst, now); err != nil {
		t.Fatalf("SendForward: %v", err)
	}
	handles, err := sp.Handles()
	if err != nil {
		t.Fatalf("Handles: %v", err)
	}
	if len(handles) != 0 {
		t.Fatalf("expected spool empty after successful delivery, got %d entries", len(handles))
	}
}

func TestSendForwardPoolFirstLeavesQueuedOnFailure(t *testing.T) {
	c, sp, transport := newCoordinator(t, 0)
	route := testRoute("exit2")
	addr := mixnet.Address{ExitType: mixnet.ExitTypeSMTP, ExitInfo: []byte("user@example.com")}
	now := time.Unix(1700000000, 0).UTC()
	transport.SetFailing(route.Leg1[0].RoutingInfo(), errs.Str("simulated transport failure"))

	err := c.SendForward(context.Background(), route, addr, []byte("hello"), PoolFirst, now)
	if err == nil {
		t.Fatalf("expected SendForward to report the transport failure")
	}
	handles, herr := sp.Handles()
	if herr != nil {
		t.Fatalf("Handles: %v", herr)
	}
	if len(handles) != 1 {
		t.Fatalf("expected packet left queued after failed delivery, got %d entries", len(handles))
	}
}

func TestSendForwardNoSpoolReportsMessageLost(t *testing.T) {
	c, sp, transport := newCoordinator(t, 0)
	route := testRoute("exit3")
	addr := mixnet.Address{ExitType: mixnet.ExitTypeSMTP, ExitInfo: []byte("user@example.com")}
	now := time.Unix(1700000000, 0).UTC()
	transport.SetFailing(route.Leg1[0].RoutingInfo(), errs.Str("simulated transport failure"))

	err := c.SendForward(context.Background(), route, addr, []byte("hello"), NoSpool, now)
	if !errs.HasCode(errs.MessageLost, err) {
		t.Fatalf("expected MessageLost, got %v", err)
	}
	handles, herr := sp.Handles()
	if herr != nil {
		t.Fatalf("Handles: %v", herr)
	}
	if len(handles) != 0 {
		t.Fatalf("NoSpool must never queue, got %d entries", len(handles))
	}
}

func TestSendForwardLazySpoolQueuesOnlyOnFailure(t *testing.T) {
	c, sp, transport := newCoordinator(t, 0)
	route := testRoute("exit4")
	addr := mixnet.Address{ExitType: mixnet.ExitTypeSMTP, ExitInfo: []byte("user@example.com")}
	now := time.Unix(1700000000, 0).UTC()

	if err := c.SendForward(context.Background(), route, addr, []byte("hello"), LazySpool, now); err != nil {
		t.Fatalf("SendForward (success case): %v", err)
	}
	if handles, _ := sp.Handles(); len(handles) != 0 {
		t.Fatalf("LazySpool must not queue on success, got %d entries", len(handles))
	}

	transport.SetFailing(route.Leg1[0].RoutingInfo(), errs.Str("simulated transport failure"))
	if err := c.SendForward(context.Background(), route, addr, []byte("world"), LazySpool, now); err == nil {
		t.Fatalf("expected SendForward to report the transport failure")
	}
	handles, err := sp.Handles()
	if err != nil {
		t.Fatalf("Handles: %v", err)
	}
	if len(handles) != 1 {
		t.Fatalf("LazySpool must queue on failure, got %d entries", len(handles))
	}
}

func testSURB(expiry time.Time, firstHop mixnet.RoutingInfo, payload string) mixnet.SURB {
	return mixnet.SURB{Bytes: []byte(payload), Expiry: expiry, FirstHop: firstHop}
}

func TestSendReplyUsesFirstUsableSurb(t *testing.T) {
	c, _, transport := newCoordinator(t, 0)
	now := time.Unix(1700000000, 0).UTC()
	root := t.TempDir()
	log, err := surblog.Open(filepath.Join(root, "surbs", "log"), refimpl.Crypto{}, now)
	if err != nil {
		t.Fatalf("surblog.Open: %v", err)
	}

	firstHop := mixnet.RoutingInfo("reply-hop")
	used := testSURB(now.Add(24*time.Hour), firstHop, "used-surb")
	if err := log.MarkUsed(used); err != nil {
		t.Fatalf("MarkUsed: %v", err)
	}
	expiring := testSURB(now.Add(30*time.Second), firstHop, "expiring-surb")
	good := testSURB(now.Add(2*time.Hour), firstHop, "good-surb")

	err = c.SendReply(context.Background(), log, []mixnet.SURB{used, expiring, good}, []byte("reply payload"), now)
	if err != nil {
		t.Fatalf("SendReply: %v", err)
	}
	if !log.IsUsed(good) {
		t.Fatalf("expected the good SURB to be marked used")
	}
	if len(transport.Sent(firstHop)) != 1 {
		t.Fatalf("expected exactly one packet delivered to %s", firstHop)
	}
}

func TestSendReplyFailsWhenAllSurbsUnusable(t *testing.T) {
	c, _, _ := newCoordinator(t, 0)
	now := time.Unix(1700000000, 0).UTC()
	root := t.TempDir()
	log, err := surblog.Open(filepath.Join(root, "surbs", "log"), refimpl.Crypto{}, now)
	if err != nil {
		t.Fatalf("surblog.Open: %v", err)
	}

	firstHop := mixnet.RoutingInfo("reply-hop")
	used := testSURB(now.Add(24*time.Hour), firstHop, "used-surb")
	if err := log.MarkUsed(used); err != nil {
		t.Fatalf("MarkUsed: %v", err)
	}
	expiring := testSURB(now.Add(10*time.Second), firstHop, "expiring-surb")

	err = c.SendReply(context.Background(), log, []mixnet.SURB{used, expiring}, []byte("reply payload"), now)
	if !errs.HasCode(errs.NoUsableSurbs, err) {
		t.Fatalf("expected NoUsableSurbs, got %v", err)
	}
}

func TestFlushSpoolDeliversAndRemoves(t *testing.T) {
	c, sp, transport := newCoordinator(t, 0)
	now := time.Unix(1700000000, 0).UTC()
	firstHop := mixnet.RoutingInfo("flush-hop")

	h1, err := sp.Enqueue([]byte("one"), firstHop, now)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	h2, err := sp.Enqueue([]byte("two"), firstHop, now)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	delivered, remaining, err := c.FlushSpool(context.Background())
	if err != nil {
		t.Fatalf("FlushSpool: %v", err)
	}
	if delivered != 2 || remaining != 0 {
		t.Fatalf("got delivered=%d remaining=%d, want 2,0", delivered, remaining)
	}
	if sp.Exists(h1) || sp.Exists(h2) {
		t.Fatalf("expected both entries removed after a successful flush")
	}
	if len(transport.Sent(firstHop)) != 2 {
		t.Fatalf("expected both packets delivered, got %d", len(transport.Sent(firstHop)))
	}
}

func TestFlushSpoolLeavesFailedGroupQueued(t *testing.T) {
	c, sp, transport := newCoordinator(t, 0)
	now := time.Unix(1700000000, 0).UTC()
	goodHop := mixnet.RoutingInfo("good-hop")
	badHop := mixnet.RoutingInfo("bad-hop")

	goodHandle, err := sp.Enqueue([]byte("fine"), goodHop, now)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	badHandle, err := sp.Enqueue([]byte("stuck"), badHop, now)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	transport.SetFailing(badHop, errs.Str("simulated transport failure"))

	delivered, remaining, err := c.FlushSpool(context.Background())
	if err != nil {
		t.Fatalf("FlushSpool: %v", err)
	}
	if delivered != 1 || remaining != 1 {
		t.Fatalf("got delivered=%d remaining=%d, want 1,1", delivered, remaining)
	}
	if sp.Exists(goodHandle) {
		t.Fatalf("expected the deliverable entry to be removed")
	}
	if !sp.Exists(badHandle) {
		t.Fatalf("expected the failing entry to remain queued")
	}
}
