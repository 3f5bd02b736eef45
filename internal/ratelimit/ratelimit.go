// Package ratelimit implements the outbound provider rate limiter: a global
// token bucket shared by all request categories, layered with a per-category
// sliding window. A request must pass both gates. When the category window
// denies a request the already-reserved global token is returned to the
// bucket so that other categories are not starved by a capped one.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Category identifies a class of provider traffic with its own window cap.
type Category string

const (
	CategoryMessaging    Category = "messaging"
	CategoryMediaUpload  Category = "media_upload"
	CategoryTemplateSync Category = "template_sync"
	CategoryWebhook      Category = "webhook_processing"
)

// baseBackoff is the starting penalty applied after a provider throttle.
const baseBackoff = time.Second

// RateLimitError is returned when an acquire gives up before a slot opens.
type RateLimitError struct {
	Category   Category
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Category, e.RetryAfter)
}

// window is a sliding-window counter: at most limit events per span.
// Callers hold the owning Limiter's mutex.
type window struct {
	limit int
	span  time.Duration
	times []time.Time
}

// trim drops events that have fallen out of the window.
func (w *window) trim(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

// allow records the event and returns true if the window has room.
func (w *window) allow(now time.Time) bool {
	w.trim(now)
	if len(w.times) >= w.limit {
		return false
	}
	w.times = append(w.times, now)
	return true
}

// retryAfter returns how long until the oldest event leaves the window.
func (w *window) retryAfter(now time.Time) time.Duration {
	if len(w.times) == 0 {
		return 0
	}
	d := w.times[0].Add(w.span).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// categoryStats accumulates per-category counters.
type categoryStats struct {
	total     int64
	denied    int64
	totalWait time.Duration
}

// Stats is a point-in-time snapshot of one category's counters.
type Stats struct {
	Total          int64
	Denied         int64
	AvgWait        time.Duration
	CurrentBackoff time.Duration
}

// Options configures a Limiter. Zero fields fall back to internal defaults.
type Options struct {
	GlobalPerSecond float64
	GlobalBurst     int
	// Window caps: count per span, one entry per category.
	MessagingPerMinute   int
	MediaUploadPerMinute int
	TemplateSyncPerHour  int
	WebhookPerMinute     int
	AcquireTimeout       time.Duration
	BackoffMax           time.Duration
	// BackoffMultiplier grows the throttle penalty on repeated 429s.
	BackoffMultiplier float64
}

// Limiter is the shared outbound rate limiter. Safe for concurrent use.
type Limiter struct {
	global *rate.Limiter

	mu      sync.Mutex
	windows map[Category]*window
	backoff map[Category]time.Duration
	// backoffUntil gates acquires while a throttle penalty is in force.
	backoffUntil map[Category]time.Time
	stats        map[Category]*categoryStats

	acquireTimeout time.Duration
	backoffMax     time.Duration
	backoffMult    float64

	now func() time.Time
}

// New builds a Limiter from opts.
func New(opts Options) *Limiter {
	if opts.GlobalPerSecond <= 0 {
		opts.GlobalPerSecond = 20
	}
	if opts.GlobalBurst < 1 {
		opts.GlobalBurst = 40
	}
	if opts.MessagingPerMinute < 1 {
		opts.MessagingPerMinute = 600
	}
	if opts.MediaUploadPerMinute < 1 {
		opts.MediaUploadPerMinute = 60
	}
	if opts.TemplateSyncPerHour < 1 {
		opts.TemplateSyncPerHour = 30
	}
	if opts.WebhookPerMinute < 1 {
		opts.WebhookPerMinute = 1200
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 10 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 5 * time.Minute
	}
	if opts.BackoffMultiplier < 1 {
		opts.BackoffMultiplier = 1.5
	}

	l := &Limiter{
		global: rate.NewLimiter(rate.Limit(opts.GlobalPerSecond), opts.GlobalBurst),
		windows: map[Category]*window{
			CategoryMessaging:    {limit: opts.MessagingPerMinute, span: time.Minute},
			CategoryMediaUpload:  {limit: opts.MediaUploadPerMinute, span: time.Minute},
			CategoryTemplateSync: {limit: opts.TemplateSyncPerHour, span: time.Hour},
			CategoryWebhook:      {limit: opts.WebhookPerMinute, span: time.Minute},
		},
		backoff:        map[Category]time.Duration{},
		backoffUntil:   map[Category]time.Time{},
		stats:          map[Category]*categoryStats{},
		acquireTimeout: opts.AcquireTimeout,
		backoffMax:     opts.BackoffMax,
		backoffMult:    opts.BackoffMultiplier,
		now:            time.Now,
	}
	for cat := range l.windows {
		l.stats[cat] = &categoryStats{}
	}
	return l
}

// Acquire blocks until both the global bucket and the category window admit
// one request, or until the acquire timeout (or ctx) expires. On timeout it
// returns a *RateLimitError whose RetryAfter tells the caller when a slot
// should open.
func (l *Limiter) Acquire(ctx context.Context, cat Category) error {
	start := l.now()
	ctx, cancel := context.WithDeadline(ctx, start.Add(l.acquireTimeout))
	defer cancel()

	for {
		now := l.now()

		// Throttle penalty gate. Set only by ReportThrottle.
		if d := l.backoffRemaining(cat, now); d > 0 {
			if err := sleepCtx(ctx, d); err != nil {
				return l.deny(cat, d)
			}
			continue
		}

		res := l.global.Reserve()
		if !res.OK() {
			return l.deny(cat, l.acquireTimeout)
		}
		if d := res.Delay(); d > 0 {
			if err := sleepCtx(ctx, d); err != nil {
				res.Cancel()
				return l.deny(cat, d)
			}
		}

		ok, retry := l.windowAdmit(cat)
		if ok {
			l.recordAllowed(cat, l.now().Sub(start))
			return nil
		}

		// Category is full: refund the global token so other categories
		// can use it, then wait for the window to open.
		res.Cancel()
		if err := sleepCtx(ctx, retry); err != nil {
			return l.deny(cat, retry)
		}
	}
}

// TryAcquire is the non-blocking form of Acquire.
func (l *Limiter) TryAcquire(cat Category) error {
	now := l.now()
	if d := l.backoffRemaining(cat, now); d > 0 {
		return l.deny(cat, d)
	}
	res := l.global.Reserve()
	if wait := res.Delay(); !res.OK() || wait > 0 {
		res.Cancel()
		return l.deny(cat, wait)
	}
	ok, retry := l.windowAdmit(cat)
	if !ok {
		res.Cancel()
		return l.deny(cat, retry)
	}
	l.recordAllowed(cat, 0)
	return nil
}

// ReportThrottle records a provider-side throttle (HTTP 429) for cat. The
// penalty grows by the configured multiplier on each consecutive throttle,
// capped at the maximum.
func (l *Limiter) ReportThrottle(cat Category) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.backoff[cat]
	if b == 0 {
		b = baseBackoff
	} else {
		b = time.Duration(float64(b) * l.backoffMult)
	}
	if b > l.backoffMax {
		b = l.backoffMax
	}
	l.backoff[cat] = b
	l.backoffUntil[cat] = l.now().Add(b)
}

// ReportSuccess clears any accumulated throttle penalty for cat.
func (l *Limiter) ReportSuccess(cat Category) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.backoff, cat)
	delete(l.backoffUntil, cat)
}

// StatsFor returns a snapshot of the counters for cat.
func (l *Limiter) StatsFor(cat Category) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stats[cat]
	if !ok {
		return Stats{}
	}
	out := Stats{
		Total:          s.total,
		Denied:         s.denied,
		CurrentBackoff: l.backoff[cat],
	}
	if allowed := s.total - s.denied; allowed > 0 {
		out.AvgWait = s.totalWait / time.Duration(allowed)
	}
	return out
}

func (l *Limiter) backoffRemaining(cat Category, now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.backoffUntil[cat]
	if !ok || !until.After(now) {
		return 0
	}
	return until.Sub(now)
}

func (l *Limiter) windowAdmit(cat Category) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[cat]
	if !ok {
		return true, 0
	}
	now := l.now()
	if w.allow(now) {
		return true, 0
	}
	retry := w.retryAfter(now)
	if retry <= 0 {
		retry = 10 * time.Millisecond
	}
	return false, retry
}

func (l *Limiter) recordAllowed(cat Category, wait time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats[cat]
	if s == nil {
		s = &categoryStats{}
		l.stats[cat] = s
	}
	s.total++
	s.totalWait += wait
}

func (l *Limiter) deny(cat Category, retryAfter time.Duration) error {
	l.mu.Lock()
	s := l.stats[cat]
	if s == nil {
		s = &categoryStats{}
		l.stats[cat] = s
	}
	s.total++
	s.denied++
	l.mu.Unlock()
	return &RateLimitError{Category: cat, RetryAfter: retryAfter}
}

// sleepCtx sleeps for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
