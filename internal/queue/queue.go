// Package queue implements the live redemption queue: per-channel FIFO jobs,
// a single global busy lock, and an explicit rendezvous with the stream
// overlay that renders each reveal.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
)

// maxAttempts is how many times a job is retried at the head of its channel
// before being dead-lettered.
const maxAttempts = 3

// PackOpener mints a pack for the job's redeemer. Implemented by the pack
// service.
type PackOpener interface {
	OpenPack(ctx context.Context, accountID, templateName string) ([]domain.CardInstance, error)
}

// OverlayEmitter pushes reveal payloads and queue updates to a channel's
// connected overlay. Implemented by the websocket hub.
type OverlayEmitter interface {
	EmitReveal(channel string, job domain.RedemptionJob, cards []domain.CardInstance)
	BroadcastQueue(channel string, jobs []domain.RedemptionJob)
}

// Queue is the redemption state machine. All state is owned by the value and
// guarded by its mutex; handlers hold a *Queue, never package-level state, so
// it can be tested in isolation and run one instance per process.
type Queue struct {
	opener  PackOpener
	emitter OverlayEmitter
	bus     domain.SignalBus
	notify  domain.Notifier
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	jobs     map[string][]domain.RedemptionJob
	overlays map[string]bool
	// busy is the channel currently holding the single processing slot, or
	// "" when idle. It is released only by MarkOverlayReady or the
	// disconnect fail-safe, never by a timeout.
	busy   string
	paused bool
	dead   []domain.RedemptionJob
}

// New creates an idle, unpaused Queue.
func New(opener PackOpener, emitter OverlayEmitter, bus domain.SignalBus, notify domain.Notifier, logger *slog.Logger) *Queue {
	return &Queue{
		opener:   opener,
		emitter:  emitter,
		bus:      bus,
		notify:   notify,
		logger:   logger,
		now:      time.Now,
		jobs:     make(map[string][]domain.RedemptionJob),
		overlays: make(map[string]bool),
	}
}

// Enqueue appends a redemption job to its channel's FIFO and triggers a
// processing attempt.
func (q *Queue) Enqueue(ctx context.Context, channel, redeemerID, packTemplate string) domain.RedemptionJob {
	job := domain.RedemptionJob{
		ID:           uuid.NewString(),
		Channel:      channel,
		RedeemerID:   redeemerID,
		PackTemplate: packTemplate,
		EnqueuedAt:   q.now().UTC(),
	}

	q.mu.Lock()
	q.jobs[channel] = append(q.jobs[channel], job)
	snapshot := append([]domain.RedemptionJob(nil), q.jobs[channel]...)
	q.mu.Unlock()

	q.logger.Info("redemption enqueued",
		"job_id", job.ID,
		"channel", channel,
		"redeemer_id", redeemerID,
		"depth", len(snapshot))
	if q.emitter != nil {
		q.emitter.BroadcastQueue(channel, snapshot)
	}
	q.TryProcessNext(ctx)
	return job
}

// TryProcessNext processes the oldest waiting job among channels with a
// connected overlay. It is a no-op while paused or while any channel holds
// the busy slot. Processing keeps the busy slot until the overlay signals
// readiness via MarkOverlayReady.
func (q *Queue) TryProcessNext(ctx context.Context) {
	q.mu.Lock()
	if q.paused || q.busy != "" {
		q.mu.Unlock()
		return
	}
	channel, ok := q.oldestReadyChannelLocked()
	if !ok {
		q.mu.Unlock()
		return
	}
	job := q.jobs[channel][0]
	job.Attempts++
	q.jobs[channel][0] = job
	q.busy = channel
	q.mu.Unlock()

	cards, err := q.opener.OpenPack(ctx, job.RedeemerID, job.PackTemplate)
	if err != nil {
		q.handleFailure(ctx, job, err)
		return
	}

	q.mu.Lock()
	q.jobs[channel] = q.jobs[channel][1:]
	if len(q.jobs[channel]) == 0 {
		delete(q.jobs, channel)
	}
	snapshot := append([]domain.RedemptionJob(nil), q.jobs[channel]...)
	q.mu.Unlock()

	q.logger.Info("redemption processed",
		"job_id", job.ID,
		"channel", channel,
		"redeemer_id", job.RedeemerID,
		"cards", len(cards))
	if q.emitter != nil {
		q.emitter.EmitReveal(channel, job, cards)
		q.emitter.BroadcastQueue(channel, snapshot)
	}
	q.publish(ctx, "queue.processed", job)
	// Busy stays held until the overlay finishes animating and calls
	// MarkOverlayReady.
}

// oldestReadyChannelLocked picks the channel whose head job is oldest, among
// channels with pending jobs and a connected overlay.
func (q *Queue) oldestReadyChannelLocked() (string, bool) {
	var (
		best   string
		bestAt time.Time
		found  bool
	)
	for channel, jobs := range q.jobs {
		if len(jobs) == 0 || !q.overlays[channel] {
			continue
		}
		if !found || jobs[0].EnqueuedAt.Before(bestAt) {
			best = channel
			bestAt = jobs[0].EnqueuedAt
			found = true
		}
	}
	return best, found
}

// handleFailure releases the busy slot and either leaves the job at the head
// for another attempt or dead-letters it after maxAttempts.
func (q *Queue) handleFailure(ctx context.Context, job domain.RedemptionJob, cause error) {
	q.mu.Lock()
	q.busy = ""
	var deadLettered bool
	if job.Attempts >= maxAttempts {
		jobs := q.jobs[job.Channel]
		if len(jobs) > 0 && jobs[0].ID == job.ID {
			q.jobs[job.Channel] = jobs[1:]
			if len(q.jobs[job.Channel]) == 0 {
				delete(q.jobs, job.Channel)
			}
		}
		q.dead = append(q.dead, job)
		deadLettered = true
	}
	q.mu.Unlock()

	if deadLettered {
		q.logger.Error("redemption dead-lettered",
			"job_id", job.ID,
			"channel", job.Channel,
			"attempts", job.Attempts,
			"error", cause)
		if q.notify != nil {
			if err := q.notify.Notify(ctx, job.RedeemerID, domain.Notification{
				Type:    "redemption_failed",
				Message: "Your pack redemption could not be processed",
			}); err != nil {
				q.logger.Warn("notification failed", "account_id", job.RedeemerID, "error", err)
			}
		}
		q.publish(ctx, "queue.dead_letter", job)
		q.TryProcessNext(ctx)
		return
	}

	q.logger.Warn("redemption attempt failed",
		"job_id", job.ID,
		"channel", job.Channel,
		"attempt", job.Attempts,
		"error", cause)
	q.TryProcessNext(ctx)
}

// MarkOverlayReady is the rendezvous signal the overlay sends after it
// finishes animating a reveal. It clears the busy slot for the channel and,
// unless paused, immediately attempts the next job.
func (q *Queue) MarkOverlayReady(ctx context.Context, channel string) {
	q.mu.Lock()
	if q.busy == channel {
		q.busy = ""
	}
	paused := q.paused
	q.mu.Unlock()

	if !paused {
		q.TryProcessNext(ctx)
	}
}

// HandleOverlayConnect registers a channel's overlay and attempts processing,
// since its jobs may have been waiting for a rendering surface.
func (q *Queue) HandleOverlayConnect(ctx context.Context, channel string) {
	q.mu.Lock()
	q.overlays[channel] = true
	q.mu.Unlock()

	q.logger.Info("overlay connected", "channel", channel)
	q.TryProcessNext(ctx)
}

// HandleOverlayDisconnect unregisters a channel's overlay. If that channel
// held the busy slot, the slot is force-cleared to prevent deadlock and the
// whole queue pauses until an operator resumes it: stop and alert beats
// silently skipping jobs.
func (q *Queue) HandleOverlayDisconnect(ctx context.Context, channel string) {
	q.mu.Lock()
	delete(q.overlays, channel)
	wasBusy := q.busy == channel
	if wasBusy {
		q.busy = ""
		q.paused = true
	}
	q.mu.Unlock()

	if wasBusy {
		q.logger.Error("overlay disconnected mid-reveal, queue paused", "channel", channel)
		q.publish(ctx, "queue.paused", domain.RedemptionJob{Channel: channel})
		return
	}
	q.logger.Info("overlay disconnected", "channel", channel)
}

// Pause stops processing. In-flight work finishes; the busy slot is not
// touched.
func (q *Queue) Pause(ctx context.Context) {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	q.logger.Info("queue paused")
	q.publish(ctx, "queue.paused", domain.RedemptionJob{})
}

// Resume restarts processing and immediately attempts the next job.
func (q *Queue) Resume(ctx context.Context) {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.logger.Info("queue resumed")
	q.publish(ctx, "queue.resumed", domain.RedemptionJob{})
	q.TryProcessNext(ctx)
}

// Snapshot describes queue state for operator endpoints.
type Snapshot struct {
	Paused     bool                              `json:"paused"`
	Busy       string                            `json:"busy,omitempty"`
	Channels   map[string][]domain.RedemptionJob `json:"channels"`
	DeadLetter []domain.RedemptionJob            `json:"dead_letter"`
}

// State returns a copy of the queue's current state.
func (q *Queue) State() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	snap := Snapshot{
		Paused:   q.paused,
		Busy:     q.busy,
		Channels: make(map[string][]domain.RedemptionJob, len(q.jobs)),
	}
	for channel, jobs := range q.jobs {
		snap.Channels[channel] = append([]domain.RedemptionJob(nil), jobs...)
	}
	snap.DeadLetter = append([]domain.RedemptionJob(nil), q.dead...)
	return snap
}

// RequeueDead moves a dead-lettered job back to the tail of its channel with
// its attempt count reset. Operator recovery path.
func (q *Queue) RequeueDead(ctx context.Context, jobID string) bool {
	q.mu.Lock()
	var requeued bool
	for i, job := range q.dead {
		if job.ID != jobID {
			continue
		}
		q.dead = append(q.dead[:i], q.dead[i+1:]...)
		job.Attempts = 0
		q.jobs[job.Channel] = append(q.jobs[job.Channel], job)
		requeued = true
		break
	}
	q.mu.Unlock()

	if requeued {
		q.logger.Info("dead-lettered job requeued", "job_id", jobID)
		q.TryProcessNext(ctx)
	}
	return requeued
}

func (q *Queue) publish(ctx context.Context, event string, job domain.RedemptionJob) {
	if q.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"event":   event,
		"job_id":  job.ID,
		"channel": job.Channel,
	})
	if err != nil {
		return
	}
	if err := q.bus.Publish(ctx, "ch:queue", payload); err != nil {
		q.logger.Warn("bus publish failed", "event", event, "error", err)
	}
}
