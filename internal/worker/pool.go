// Package worker runs the send pipeline: a fixed pool of send loops that
// drain the priority queue, plus a retry scheduler that periodically scans
// the store for failed messages whose retry time has come and feeds them
// back into the queue. The scanner is the durable half of retry handling;
// the in-worker reschedule is just the fast path, and either one alone is
// enough for a message to eventually exhaust its budget.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saharalabs/rasel/internal/metrics"
	"github.com/saharalabs/rasel/internal/provider"
	"github.com/saharalabs/rasel/internal/queue"
	"github.com/saharalabs/rasel/internal/ratelimit"
	"github.com/saharalabs/rasel/internal/store"
	"github.com/saharalabs/rasel/internal/types"
)

// Sender is the provider surface the pool needs. Satisfied by
// *provider.Client; tests substitute a fake.
type Sender interface {
	SendText(ctx context.Context, to, body string) (string, error)
	SendTemplate(ctx context.Context, to, name, language string, params []string) (string, error)
	SendMedia(ctx context.Context, to string, kind types.Kind, mediaURL, caption string) (string, error)
	SendInteractive(ctx context.Context, to string, interactive json.RawMessage) (string, error)
}

// Options configures a Pool.
type Options struct {
	Workers            int
	IdleSleep          time.Duration
	RetryScanInterval  time.Duration
	RetryScanBatch     int
	DepthWarnThreshold int

	// OnSuccess / OnFailure fire after the terminal store update for an
	// attempt. Panics in callbacks are swallowed; a broken listener must
	// not take down the pipeline.
	OnSuccess func(m *types.Message)
	OnFailure func(m *types.Message)
}

// Pool drives message sending. Create with New, then Start.
type Pool struct {
	opts    Options
	queue   *queue.Queue
	store   *store.Store
	sender  Sender
	metrics *metrics.Registry
	log     *slog.Logger

	done   chan struct{}
	wg     sync.WaitGroup
	active atomic.Int32
}

// New builds a Pool. reg may be nil when metrics are disabled.
func New(opts Options, q *queue.Queue, st *store.Store, sender Sender, reg *metrics.Registry, log *slog.Logger) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 3
	}
	if opts.IdleSleep <= 0 {
		opts.IdleSleep = time.Second
	}
	if opts.RetryScanInterval <= 0 {
		opts.RetryScanInterval = time.Minute
	}
	if opts.RetryScanBatch < 1 {
		opts.RetryScanBatch = 100
	}
	if reg == nil {
		reg = &metrics.Registry{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		opts:    opts,
		queue:   q,
		store:   st,
		sender:  sender,
		metrics: reg,
		log:     log.With("component", "worker"),
		done:    make(chan struct{}),
	}
}

// Start launches the send loops and the retry scheduler.
func (p *Pool) Start() {
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.sendLoop(i)
	}
	p.wg.Add(1)
	go p.retryLoop()
	p.log.Info("pool started", "workers", p.opts.Workers)
}

// Stop shuts the pool down and waits for in-flight sends to finish.
func (p *Pool) Stop() {
	close(p.done)
	p.wg.Wait()
	p.log.Info("pool stopped")
}

// ─── send loop ───────────────────────────────────────────────────────────────

func (p *Pool) sendLoop(id int) {
	defer p.wg.Done()
	p.active.Add(1)
	defer p.active.Add(-1)

	for {
		select {
		case <-p.done:
			return
		default:
		}

		task := p.queue.Next(time.Now())
		if task == nil {
			select {
			case <-p.done:
				return
			case <-time.After(p.opts.IdleSleep):
			}
			continue
		}
		p.process(task)
	}
}

// process performs one send attempt for the task's message.
func (p *Pool) process(task *queue.Task) {
	m, err := p.store.GetMessage(task.MessageID)
	if err != nil {
		p.log.Error("task references missing message", "message_id", task.MessageID, "error", err)
		return
	}
	// Only pending and failed (retrying) messages are sendable; anything
	// else was resolved while the task sat in the queue.
	if m.Status != types.StatusPending && m.Status != types.StatusFailed {
		return
	}

	pmid, sendErr := p.dispatch(m)
	if sendErr == nil {
		p.recordSent(m, pmid)
		return
	}

	// A local rate-limit denial is not a send attempt; put the task back
	// without touching the retry budget.
	var rle *ratelimit.RateLimitError
	if errors.As(sendErr, &rle) {
		retryAt := time.Now().Add(rle.RetryAfter)
		if err := p.queue.Add(&queue.Task{
			MessageID:   m.ID,
			Priority:    m.Priority,
			ScheduledAt: retryAt,
			Attempt:     task.Attempt,
		}); err != nil {
			p.log.Error("requeue after rate limit", "message_id", m.ID, "error", err)
		}
		return
	}

	p.recordFailure(m, task, sendErr)
}

// dispatch routes the send by message kind.
func (p *Pool) dispatch(m *types.Message) (string, error) {
	ctx := context.Background()
	switch m.Kind {
	case types.KindText:
		return p.sender.SendText(ctx, m.Phone, m.Content)
	case types.KindTemplate:
		return p.sender.SendTemplate(ctx, m.Phone, m.TemplateName, m.TemplateLanguage, m.TemplateParams)
	case types.KindInteractive:
		return p.sender.SendInteractive(ctx, m.Phone, json.RawMessage(m.Content))
	default:
		return p.sender.SendMedia(ctx, m.Phone, m.Kind, m.MediaURL, m.Content)
	}
}

func (p *Pool) recordSent(m *types.Message, pmid string) {
	now := time.Now().UnixMilli()
	updated, err := p.store.UpdateMessage(m.ID, func(m *types.Message) error {
		m.Status = types.StatusSent
		m.ProviderMessageID = pmid
		m.SentAt = now
		m.ErrorCode = ""
		m.ErrorMessage = ""
		m.NextRetryAt = 0
		m.AppendEvent(types.StatusEvent{Status: types.StatusSent, Timestamp: now})
		return nil
	})
	if err != nil {
		p.log.Error("persist sent", "message_id", m.ID, "error", err)
		return
	}
	p.metrics.Sent.Inc(string(m.Kind))
	if m.CampaignID != "" {
		p.metrics.CampaignMessages.Inc(metrics.CampaignKey(m.CampaignID, "sent"))
	}
	p.log.Info("message sent", "message_id", m.ID, "provider_message_id", pmid, "kind", string(m.Kind))
	p.fire(p.opts.OnSuccess, updated)
}

func (p *Pool) recordFailure(m *types.Message, task *queue.Task, sendErr error) {
	now := time.Now().UnixMilli()
	code, detail, retryable := classify(sendErr)

	updated, err := p.store.UpdateMessage(m.ID, func(m *types.Message) error {
		m.Status = types.StatusFailed
		m.ErrorCode = code
		m.ErrorMessage = detail
		m.FailedAt = now
		m.AppendEvent(types.StatusEvent{
			Status:     types.StatusFailed,
			Timestamp:  now,
			ErrorCode:  code,
			ErrorTitle: detail,
		})
		if retryable && m.RetryCount < m.MaxRetries {
			delay := m.RetryDelay()
			m.RetryCount++
			m.NextRetryAt = now + delay.Milliseconds()
		} else {
			// Exhausted or permanent: no further attempts.
			m.RetryCount = m.MaxRetries
			m.NextRetryAt = 0
		}
		return nil
	})
	if err != nil {
		p.log.Error("persist failure", "message_id", m.ID, "error", err)
		return
	}

	p.metrics.Failed.Inc(string(m.Kind))
	if updated.NextRetryAt != 0 {
		p.metrics.Retried.Inc(string(updated.Kind))
		p.log.Warn("send failed, retry scheduled",
			"message_id", updated.ID, "retry_count", updated.RetryCount,
			"next_retry_at", updated.NextRetryAt, "code", code)
		if err := p.queue.Add(&queue.Task{
			MessageID:   updated.ID,
			Priority:    updated.Priority,
			ScheduledAt: time.UnixMilli(updated.NextRetryAt),
			Attempt:     task.Attempt + 1,
		}); err != nil {
			p.log.Error("requeue retry", "message_id", updated.ID, "error", err)
		}
		return
	}

	p.metrics.DeadLettered.Inc(string(updated.Kind))
	if updated.CampaignID != "" {
		p.metrics.CampaignMessages.Inc(metrics.CampaignKey(updated.CampaignID, "failed"))
	}
	p.log.Error("message dead-lettered",
		"message_id", updated.ID, "code", code, "detail", detail,
		"attempts", updated.RetryCount+1)
	p.fire(p.opts.OnFailure, updated)
}

// fire invokes a user callback, swallowing panics.
func (p *Pool) fire(fn func(*types.Message), m *types.Message) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("callback panicked", "message_id", m.ID, "panic", r)
		}
	}()
	fn(m)
}

// classify extracts an error code, detail, and retry eligibility.
func classify(err error) (code, detail string, retryable bool) {
	var pe *provider.Error
	if errors.As(err, &pe) {
		return pe.Code, pe.Title, pe.Retryable()
	}
	// Unknown failures (store errors, context cancellation) are treated
	// as transient.
	return "internal", err.Error(), true
}

// ─── retry scheduler ─────────────────────────────────────────────────────────

func (p *Pool) retryLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.RetryScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.scanRetries()
		}
	}
}

// scanRetries re-enqueues failed messages whose retry time has passed.
func (p *Pool) scanRetries() {
	now := time.Now().UnixMilli()
	candidates, err := p.store.RetryCandidates(now, p.opts.RetryScanBatch)
	if err != nil {
		p.log.Error("retry scan", "error", err)
		return
	}
	for _, m := range candidates {
		if err := p.queue.Add(&queue.Task{
			MessageID:   m.ID,
			Priority:    m.Priority,
			ScheduledAt: time.Now(),
			Attempt:     m.RetryCount,
		}); err != nil {
			p.log.Warn("retry enqueue", "message_id", m.ID, "error", err)
			if errors.Is(err, queue.ErrFull) {
				return
			}
		}
	}
	if len(candidates) > 0 {
		p.log.Info("retry scan enqueued", "count", len(candidates))
	}
}

// ─── health ──────────────────────────────────────────────────────────────────

// Health is the pool's self-assessment, served by the health endpoint.
type Health struct {
	Healthy       bool   `json:"healthy"`
	Warning       string `json:"warning,omitempty"`
	ActiveWorkers int    `json:"active_workers"`
	QueueDepth    int    `json:"queue_depth"`
}

// CheckHealth reports worker liveness and queue pressure.
func (p *Pool) CheckHealth() Health {
	h := Health{
		ActiveWorkers: int(p.active.Load()),
		QueueDepth:    p.queue.Len(),
	}
	h.Healthy = h.ActiveWorkers > 0
	if p.opts.DepthWarnThreshold > 0 && h.QueueDepth > p.opts.DepthWarnThreshold {
		h.Warning = "queue depth above threshold"
	}
	return h
}
