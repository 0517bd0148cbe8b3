package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeOpener records pack opens and fails on demand.
type fakeOpener struct {
	mu    sync.Mutex
	err   error
	opens []string
}

func (f *fakeOpener) OpenPack(_ context.Context, accountID, _ string) ([]domain.CardInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.opens = append(f.opens, accountID)
	return []domain.CardInstance{{ID: "card-" + accountID, OwnerID: accountID}}, nil
}

func (f *fakeOpener) opened() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opens...)
}

func (f *fakeOpener) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// fakeEmitter records reveal emissions per channel.
type fakeEmitter struct {
	mu      sync.Mutex
	reveals []string
}

func (f *fakeEmitter) EmitReveal(channel string, _ domain.RedemptionJob, _ []domain.CardInstance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reveals = append(f.reveals, channel)
}

func (f *fakeEmitter) BroadcastQueue(string, []domain.RedemptionJob) {}

func (f *fakeEmitter) revealed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reveals...)
}

// fakeClock hands out strictly increasing instants so FIFO ordering is
// deterministic.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestQueue() (*Queue, *fakeOpener, *fakeEmitter) {
	opener := &fakeOpener{}
	emitter := &fakeEmitter{}
	q := New(opener, emitter, nil, nil, testLogger())
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q.now = clock.now
	return q, opener, emitter
}

func TestEnqueueWaitsForOverlay(t *testing.T) {
	q, opener, _ := newTestQueue()
	ctx := context.Background()

	q.Enqueue(ctx, "streamer", "viewer-1", "standard")
	if got := opener.opened(); len(got) != 0 {
		t.Fatalf("job processed without a connected overlay: %v", got)
	}
	snap := q.State()
	if len(snap.Channels["streamer"]) != 1 {
		t.Fatalf("queue depth %d, want 1", len(snap.Channels["streamer"]))
	}

	q.HandleOverlayConnect(ctx, "streamer")
	if got := opener.opened(); len(got) != 1 {
		t.Fatalf("overlay connect did not drain the queue: %v", got)
	}
}

func TestBusyHeldUntilOverlayReady(t *testing.T) {
	q, opener, emitter := newTestQueue()
	ctx := context.Background()
	q.HandleOverlayConnect(ctx, "streamer")

	q.Enqueue(ctx, "streamer", "viewer-1", "standard")
	q.Enqueue(ctx, "streamer", "viewer-2", "standard")

	if got := opener.opened(); len(got) != 1 || got[0] != "viewer-1" {
		t.Fatalf("processed %v, want only viewer-1 while busy", got)
	}
	if snap := q.State(); snap.Busy != "streamer" {
		t.Fatalf("busy %q, want streamer", snap.Busy)
	}

	// A ready signal from the wrong channel must not release the slot.
	q.MarkOverlayReady(ctx, "someone-else")
	if snap := q.State(); snap.Busy != "streamer" {
		t.Fatalf("foreign ready signal released the slot")
	}

	q.MarkOverlayReady(ctx, "streamer")
	if got := opener.opened(); len(got) != 2 || got[1] != "viewer-2" {
		t.Fatalf("processed %v, want viewer-1 then viewer-2", got)
	}
	if got := emitter.revealed(); len(got) != 2 {
		t.Fatalf("emitted %d reveals, want 2", len(got))
	}
}

func TestBusySlotIsGlobalAcrossChannels(t *testing.T) {
	q, opener, _ := newTestQueue()
	ctx := context.Background()
	q.HandleOverlayConnect(ctx, "alpha")
	q.HandleOverlayConnect(ctx, "beta")

	q.Enqueue(ctx, "alpha", "viewer-1", "standard")
	q.Enqueue(ctx, "beta", "viewer-2", "standard")

	// One slot for the whole platform: beta waits behind alpha's reveal.
	if got := opener.opened(); len(got) != 1 || got[0] != "viewer-1" {
		t.Fatalf("processed %v, want only viewer-1", got)
	}
	q.MarkOverlayReady(ctx, "alpha")
	if got := opener.opened(); len(got) != 2 || got[1] != "viewer-2" {
		t.Fatalf("processed %v, want viewer-2 after release", got)
	}
	if snap := q.State(); snap.Busy != "beta" {
		t.Fatalf("busy %q, want beta", snap.Busy)
	}
}

func TestOldestJobWinsAcrossChannels(t *testing.T) {
	q, opener, _ := newTestQueue()
	ctx := context.Background()

	// Enqueue before any overlay connects so nothing processes yet; the
	// older channel must win once both surfaces appear.
	q.Enqueue(ctx, "alpha", "viewer-1", "standard")
	q.Enqueue(ctx, "beta", "viewer-2", "standard")
	q.HandleOverlayConnect(ctx, "beta")
	q.HandleOverlayConnect(ctx, "alpha")

	// beta's connect processed viewer-2 (only ready channel at that point);
	// alpha's job is next in line but blocked on the busy slot.
	if got := opener.opened(); len(got) != 1 || got[0] != "viewer-2" {
		t.Fatalf("processed %v first", got)
	}
	q.MarkOverlayReady(ctx, "beta")
	if got := opener.opened(); len(got) != 2 || got[1] != "viewer-1" {
		t.Fatalf("processed %v, want viewer-1 second", got)
	}
}

func TestPauseAndResume(t *testing.T) {
	q, opener, _ := newTestQueue()
	ctx := context.Background()
	q.HandleOverlayConnect(ctx, "streamer")

	q.Pause(ctx)
	q.Enqueue(ctx, "streamer", "viewer-1", "standard")
	if got := opener.opened(); len(got) != 0 {
		t.Fatalf("paused queue processed %v", got)
	}
	if !q.State().Paused {
		t.Fatal("state does not report paused")
	}

	q.Resume(ctx)
	if got := opener.opened(); len(got) != 1 {
		t.Fatalf("resume did not drain the queue: %v", got)
	}
}

func TestReadySignalWhilePausedDoesNotProcess(t *testing.T) {
	q, opener, _ := newTestQueue()
	ctx := context.Background()
	q.HandleOverlayConnect(ctx, "streamer")

	q.Enqueue(ctx, "streamer", "viewer-1", "standard")
	q.Enqueue(ctx, "streamer", "viewer-2", "standard")
	q.Pause(ctx)

	// The in-flight reveal finishes, but the next job must wait for Resume.
	q.MarkOverlayReady(ctx, "streamer")
	if got := opener.opened(); len(got) != 1 {
		t.Fatalf("paused queue processed %v", got)
	}
	if snap := q.State(); snap.Busy != "" {
		t.Fatalf("busy %q after ready signal, want idle", snap.Busy)
	}

	q.Resume(ctx)
	if got := opener.opened(); len(got) != 2 {
		t.Fatalf("resume did not process the waiting job: %v", got)
	}
}

func TestDisconnectWhileBusyForceClearsAndPauses(t *testing.T) {
	q, _, _ := newTestQueue()
	ctx := context.Background()
	q.HandleOverlayConnect(ctx, "streamer")
	q.Enqueue(ctx, "streamer", "viewer-1", "standard")

	if snap := q.State(); snap.Busy != "streamer" {
		t.Fatalf("busy %q, want streamer", snap.Busy)
	}

	// The overlay died mid-reveal: the ready signal will never arrive, so
	// the slot is force-cleared and the whole queue stops for an operator.
	q.HandleOverlayDisconnect(ctx, "streamer")
	snap := q.State()
	if snap.Busy != "" {
		t.Fatalf("busy %q after disconnect, want cleared", snap.Busy)
	}
	if !snap.Paused {
		t.Fatal("queue not paused after mid-reveal disconnect")
	}

	// An idle disconnect must not pause anything.
	q2, _, _ := newTestQueue()
	q2.HandleOverlayConnect(ctx, "other")
	q2.HandleOverlayDisconnect(ctx, "other")
	if q2.State().Paused {
		t.Fatal("idle disconnect paused the queue")
	}
}

func TestFailuresRetryThenDeadLetter(t *testing.T) {
	q, opener, _ := newTestQueue()
	ctx := context.Background()
	opener.fail(errors.New("mint exploded"))
	q.HandleOverlayConnect(ctx, "streamer")

	job := q.Enqueue(ctx, "streamer", "viewer-1", "standard")

	snap := q.State()
	if len(snap.Channels["streamer"]) != 0 {
		t.Fatalf("failed job still queued after retries")
	}
	if len(snap.DeadLetter) != 1 || snap.DeadLetter[0].ID != job.ID {
		t.Fatalf("dead letter %+v, want job %s", snap.DeadLetter, job.ID)
	}
	if snap.DeadLetter[0].Attempts != maxAttempts {
		t.Fatalf("dead-lettered after %d attempts, want %d", snap.DeadLetter[0].Attempts, maxAttempts)
	}
	if snap.Busy != "" {
		t.Fatalf("busy %q after dead-letter, want idle", snap.Busy)
	}
}

func TestRequeueDead(t *testing.T) {
	q, opener, _ := newTestQueue()
	ctx := context.Background()
	opener.fail(errors.New("mint exploded"))
	q.HandleOverlayConnect(ctx, "streamer")
	job := q.Enqueue(ctx, "streamer", "viewer-1", "standard")

	if q.RequeueDead(ctx, "no-such-job") {
		t.Fatal("requeued a job that does not exist")
	}

	opener.fail(nil)
	if !q.RequeueDead(ctx, job.ID) {
		t.Fatal("requeue refused a dead-lettered job")
	}
	if got := opener.opened(); len(got) != 1 || got[0] != "viewer-1" {
		t.Fatalf("requeued job not processed: %v", got)
	}
	if snap := q.State(); len(snap.DeadLetter) != 0 {
		t.Fatalf("dead letter not drained: %+v", snap.DeadLetter)
	}
}
