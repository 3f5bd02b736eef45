package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/saharalabs/rasel/internal/ident"
	"github.com/saharalabs/rasel/internal/provider"
	"github.com/saharalabs/rasel/internal/queue"
	"github.com/saharalabs/rasel/internal/ratelimit"
	"github.com/saharalabs/rasel/internal/store"
	"github.com/saharalabs/rasel/internal/types"
)

// fakeSender scripts provider behaviour per call.
type fakeSender struct {
	mu    sync.Mutex
	calls int
	// respond returns (pmid, err) for the n-th call (1-based).
	respond func(call int) (string, error)
}

func (f *fakeSender) send() (string, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return "wamid.ok", nil
	}
	return respond(n)
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSender) SendText(ctx context.Context, to, body string) (string, error) {
	return f.send()
}
func (f *fakeSender) SendTemplate(ctx context.Context, to, name, lang string, params []string) (string, error) {
	return f.send()
}
func (f *fakeSender) SendMedia(ctx context.Context, to string, kind types.Kind, mediaURL, caption string) (string, error) {
	return f.send()
}
func (f *fakeSender) SendInteractive(ctx context.Context, to string, interactive json.RawMessage) (string, error) {
	return f.send()
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "rasel.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestPool(t *testing.T, st *store.Store, q *queue.Queue, sender Sender, opts Options) *Pool {
	t.Helper()
	if opts.Workers == 0 {
		opts.Workers = 1
	}
	if opts.IdleSleep == 0 {
		opts.IdleSleep = 5 * time.Millisecond
	}
	if opts.RetryScanInterval == 0 {
		opts.RetryScanInterval = time.Hour // scanner inert unless a test wants it
	}
	p := New(opts, q, st, sender, nil, nil)
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func putPending(t *testing.T, st *store.Store, strategy types.RetryStrategy, maxRetries int) *types.Message {
	t.Helper()
	id, err := ident.NewID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	m := &types.Message{
		ID:         id,
		Phone:      "966501234567",
		Direction:  types.DirectionOutbound,
		Kind:       types.KindText,
		Status:     types.StatusPending,
		Priority:   types.PriorityNormal,
		Content:    "hello",
		MaxRetries: maxRetries,
		Strategy:   strategy,
		CreatedAt:  time.Now().UnixMilli(),
	}
	if err := st.PutMessage(m); err != nil {
		t.Fatalf("put message: %v", err)
	}
	return m
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSendSuccessMarksSent(t *testing.T) {
	st := newTestStore(t)
	q := queue.New(0)
	sender := &fakeSender{}

	var succeeded atomic.Int32
	newTestPool(t, st, q, sender, Options{
		OnSuccess: func(m *types.Message) { succeeded.Add(1) },
	})

	m := putPending(t, st, types.RetryExponential, 3)
	q.Add(&queue.Task{MessageID: m.ID, Priority: m.Priority})

	waitFor(t, 2*time.Second, "message sent", func() bool {
		got, err := st.GetMessage(m.ID)
		return err == nil && got.Status == types.StatusSent
	})

	got, _ := st.GetMessage(m.ID)
	if got.ProviderMessageID != "wamid.ok" {
		t.Fatalf("provider message id = %q", got.ProviderMessageID)
	}
	if got.SentAt == 0 {
		t.Fatal("sent_at not stamped")
	}
	if len(got.History) != 1 || got.History[0].Status != types.StatusSent {
		t.Fatalf("history = %+v", got.History)
	}
	waitFor(t, time.Second, "success callback", func() bool { return succeeded.Load() == 1 })
}

func TestRetryableFailureExhaustsBudgetThenDeadLetters(t *testing.T) {
	st := newTestStore(t)
	q := queue.New(0)
	sender := &fakeSender{respond: func(int) (string, error) {
		return "", &provider.Error{StatusCode: http.StatusInternalServerError, Code: "500", Title: "upstream down"}
	}}

	var failed atomic.Int32
	newTestPool(t, st, q, sender, Options{
		OnFailure: func(m *types.Message) { failed.Add(1) },
	})

	// Immediate strategy so retries fire without waiting out real delays.
	m := putPending(t, st, types.RetryImmediate, 3)
	q.Add(&queue.Task{MessageID: m.ID, Priority: m.Priority})

	waitFor(t, 3*time.Second, "dead letter", func() bool { return failed.Load() == 1 })

	if calls := sender.callCount(); calls != 4 {
		t.Fatalf("attempts = %d, want 4 (1 initial + 3 retries)", calls)
	}
	got, _ := st.GetMessage(m.ID)
	if got.Status != types.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if got.RetryCount != 3 {
		t.Fatalf("retry_count = %d, want 3", got.RetryCount)
	}
	if got.NextRetryAt != 0 {
		t.Fatalf("next_retry_at = %d, want cleared", got.NextRetryAt)
	}
	if got.ErrorCode != "500" {
		t.Fatalf("error_code = %q", got.ErrorCode)
	}
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	st := newTestStore(t)
	q := queue.New(0)
	sender := &fakeSender{respond: func(int) (string, error) {
		return "", &provider.Error{StatusCode: http.StatusBadRequest, Code: "131026", Title: "recipient not valid"}
	}}

	var failed atomic.Int32
	newTestPool(t, st, q, sender, Options{
		OnFailure: func(m *types.Message) { failed.Add(1) },
	})

	m := putPending(t, st, types.RetryImmediate, 3)
	q.Add(&queue.Task{MessageID: m.ID, Priority: m.Priority})

	waitFor(t, 2*time.Second, "permanent failure", func() bool { return failed.Load() == 1 })

	if calls := sender.callCount(); calls != 1 {
		t.Fatalf("attempts = %d, want 1", calls)
	}
	got, _ := st.GetMessage(m.ID)
	if got.Status != types.StatusFailed || got.NextRetryAt != 0 {
		t.Fatalf("message = %+v", got)
	}
}

func TestRateLimitDenialDoesNotConsumeRetryBudget(t *testing.T) {
	st := newTestStore(t)
	q := queue.New(0)
	sender := &fakeSender{respond: func(call int) (string, error) {
		if call == 1 {
			return "", &ratelimit.RateLimitError{Category: ratelimit.CategoryMessaging, RetryAfter: 10 * time.Millisecond}
		}
		return "wamid.ok", nil
	}}

	newTestPool(t, st, q, sender, Options{})

	m := putPending(t, st, types.RetryExponential, 3)
	q.Add(&queue.Task{MessageID: m.ID, Priority: m.Priority})

	waitFor(t, 2*time.Second, "send after rate limit", func() bool {
		got, err := st.GetMessage(m.ID)
		return err == nil && got.Status == types.StatusSent
	})

	got, _ := st.GetMessage(m.ID)
	if got.RetryCount != 0 {
		t.Fatalf("retry_count = %d, want 0 (denial is not an attempt)", got.RetryCount)
	}
}

func TestCallbackPanicDoesNotKillWorker(t *testing.T) {
	st := newTestStore(t)
	q := queue.New(0)
	sender := &fakeSender{}

	newTestPool(t, st, q, sender, Options{
		OnSuccess: func(m *types.Message) { panic("listener bug") },
	})

	first := putPending(t, st, types.RetryExponential, 3)
	second := putPending(t, st, types.RetryExponential, 3)
	q.Add(&queue.Task{MessageID: first.ID, Priority: first.Priority})
	q.Add(&queue.Task{MessageID: second.ID, Priority: second.Priority})

	waitFor(t, 2*time.Second, "both messages sent past panicking callback", func() bool {
		a, errA := st.GetMessage(first.ID)
		b, errB := st.GetMessage(second.ID)
		return errA == nil && errB == nil &&
			a.Status == types.StatusSent && b.Status == types.StatusSent
	})
}

func TestRetryScanRequeuesDueMessages(t *testing.T) {
	st := newTestStore(t)
	q := queue.New(0)
	sender := &fakeSender{}

	p := New(Options{Workers: 1, RetryScanBatch: 100}, q, st, sender, nil, nil)

	m := putPending(t, st, types.RetryExponential, 3)
	if _, err := st.UpdateMessage(m.ID, func(m *types.Message) error {
		m.Status = types.StatusFailed
		m.RetryCount = 1
		m.NextRetryAt = time.Now().Add(-time.Second).UnixMilli()
		return nil
	}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	p.scanRetries()
	if q.Len() != 1 {
		t.Fatalf("queue len = %d after scan, want 1", q.Len())
	}

	// A second scan must not duplicate the queued task.
	p.scanRetries()
	if q.Len() != 1 {
		t.Fatalf("queue len = %d after rescan, want 1", q.Len())
	}
}

func TestCheckHealth(t *testing.T) {
	st := newTestStore(t)
	q := queue.New(0)
	p := New(Options{Workers: 2, IdleSleep: 5 * time.Millisecond, RetryScanInterval: time.Hour, DepthWarnThreshold: 1}, q, st, &fakeSender{}, nil, nil)

	if h := p.CheckHealth(); h.Healthy {
		t.Fatal("pool healthy before start")
	}

	p.Start()
	defer p.Stop()

	waitFor(t, time.Second, "workers active", func() bool { return p.CheckHealth().Healthy })

	q.Add(&queue.Task{MessageID: "x", Priority: types.PriorityLow, ScheduledAt: time.Now().Add(time.Hour)})
	q.Add(&queue.Task{MessageID: "y", Priority: types.PriorityLow, ScheduledAt: time.Now().Add(time.Hour)})
	if h := p.CheckHealth(); h.Warning == "" {
		t.Fatalf("expected depth warning, got %+v", h)
	}
}
