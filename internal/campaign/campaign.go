// Package campaign orchestrates bulk sends: audience selection, validation,
// paced batch execution with pause/resume/cancel, progress tracking and
// result export. A campaign's status in the store is the single source of
// truth; the executor goroutine re-reads it before every batch, which is
// what makes pause and cancel take effect at batch granularity.
package campaign

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/saharalabs/rasel/internal/ident"
	"github.com/saharalabs/rasel/internal/metrics"
	"github.com/saharalabs/rasel/internal/phone"
	"github.com/saharalabs/rasel/internal/queue"
	"github.com/saharalabs/rasel/internal/store"
	"github.com/saharalabs/rasel/internal/types"
)

var (
	// ErrInvalid is returned when a campaign definition fails validation.
	ErrInvalid = errors.New("campaign: invalid")
	// ErrTemplateNotUsable is returned when the campaign template is not
	// approved.
	ErrTemplateNotUsable = errors.New("campaign: template not approved")
	// ErrWrongState is returned when a lifecycle verb does not apply to
	// the campaign's current status.
	ErrWrongState = errors.New("campaign: wrong state for operation")
	// ErrNoRecipients is returned when audience selection comes up empty.
	ErrNoRecipients = errors.New("campaign: no recipients match the audience")
)

// Options configures a Manager.
type Options struct {
	DefaultBatch int
	// MaxPerMinute caps campaign send pacing; it is also the default
	// rate for campaigns that do not set one. Zero means 80, the
	// provider-safety ceiling.
	MaxPerMinute int
	// MinBatchInterval floors the pause between batches regardless of
	// the per-minute rate.
	MinBatchInterval time.Duration
	DefaultCountry   string
	// Priority assigned to campaign messages. The zero value is low,
	// so transactional sends always cut ahead of campaign traffic.
	Priority types.Priority
}

// Manager owns campaign lifecycles. Safe for concurrent use.
type Manager struct {
	opts    Options
	store   *store.Store
	queue   *queue.Queue
	metrics *metrics.Registry
	log     *slog.Logger

	mu      sync.Mutex
	running map[string]struct{} // campaigns with a live executor

	done chan struct{}
	wg   sync.WaitGroup
}

// New builds a Manager. reg may be nil when metrics are disabled.
func New(opts Options, st *store.Store, q *queue.Queue, reg *metrics.Registry, log *slog.Logger) *Manager {
	if opts.DefaultBatch < 1 {
		opts.DefaultBatch = 10
	}
	if opts.MaxPerMinute < 1 {
		opts.MaxPerMinute = 80
	}
	if reg == nil {
		reg = &metrics.Registry{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		opts:    opts,
		store:   st,
		queue:   q,
		metrics: reg,
		log:     log.With("component", "campaign"),
		running: make(map[string]struct{}),
		done:    make(chan struct{}),
	}
}

// Stop halts all executors and waits for them to exit.
func (m *Manager) Stop() {
	close(m.done)
	m.wg.Wait()
}

// ─── lifecycle ───────────────────────────────────────────────────────────────

// Create validates and persists a new draft campaign.
func (m *Manager) Create(c *types.Campaign) (*types.Campaign, error) {
	if err := m.validate(c); err != nil {
		return nil, err
	}

	id, err := ident.NewID()
	if err != nil {
		return nil, err
	}
	c.ID = id
	c.Status = types.CampaignDraft
	c.CreatedAt = time.Now().UnixMilli()
	if c.BatchSize < 1 {
		c.BatchSize = m.opts.DefaultBatch
	}
	if c.PerMinute < 1 {
		c.PerMinute = m.opts.MaxPerMinute
	}

	if err := m.store.PutCampaign(c); err != nil {
		return nil, err
	}
	m.log.Info("campaign created", "campaign_id", c.ID, "name", c.Name)
	return c, nil
}

func (m *Manager) validate(c *types.Campaign) error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalid)
	}
	if c.PerMinute > m.opts.MaxPerMinute {
		return fmt.Errorf("%w: per_minute %d exceeds cap %d", ErrInvalid, c.PerMinute, m.opts.MaxPerMinute)
	}
	switch c.Kind {
	case types.KindTemplate:
		if c.TemplateName == "" || c.TemplateLanguage == "" {
			return fmt.Errorf("%w: template name and language required", ErrInvalid)
		}
		tpl, err := m.store.GetTemplate(c.TemplateName, c.TemplateLanguage)
		if err != nil {
			return fmt.Errorf("%w: template %s/%s not registered", ErrTemplateNotUsable, c.TemplateName, c.TemplateLanguage)
		}
		if !tpl.CanBeUsed() {
			return fmt.Errorf("%w: %s/%s is %s", ErrTemplateNotUsable, tpl.Name, tpl.Language, tpl.Status)
		}
	case types.KindText:
		if strings.TrimSpace(c.Content) == "" {
			return fmt.Errorf("%w: content required for text campaign", ErrInvalid)
		}
	case types.KindImage, types.KindDocument, types.KindVideo, types.KindAudio:
		if c.MediaURL == "" {
			return fmt.Errorf("%w: media_url required for %s campaign", ErrInvalid, c.Kind)
		}
	default:
		return fmt.Errorf("%w: unsupported campaign kind %q", ErrInvalid, c.Kind)
	}
	switch c.Audience.Mode {
	case types.AudienceAll, types.AudienceLanguage, types.AudienceActivity, types.AudienceCustom:
	default:
		return fmt.Errorf("%w: unknown audience mode %q", ErrInvalid, c.Audience.Mode)
	}
	return nil
}

// Start resolves the audience and launches the executor. Valid from draft
// or paused (a paused campaign whose executor died on restart).
func (m *Manager) Start(id string) error {
	c, err := m.store.GetCampaign(id)
	if err != nil {
		return err
	}
	if c.Status != types.CampaignDraft && c.Status != types.CampaignPaused {
		return fmt.Errorf("%w: cannot start from %s", ErrWrongState, c.Status)
	}

	recipients, err := m.selectRecipients(c.Audience)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		return ErrNoRecipients
	}

	m.mu.Lock()
	if _, live := m.running[id]; live {
		m.mu.Unlock()
		return fmt.Errorf("%w: executor already running", ErrWrongState)
	}
	m.running[id] = struct{}{}
	m.mu.Unlock()

	now := time.Now().UnixMilli()
	if _, err := m.store.UpdateCampaign(id, func(c *types.Campaign) error {
		c.Status = types.CampaignRunning
		c.TotalRecipients = len(recipients)
		if c.StartedAt == 0 {
			c.StartedAt = now
		}
		return nil
	}); err != nil {
		m.dropRunning(id)
		return err
	}

	m.wg.Add(1)
	go m.execute(c.ID, recipients)
	m.log.Info("campaign started", "campaign_id", c.ID, "recipients", len(recipients))
	return nil
}

// Pause suspends enqueuing after the current batch.
func (m *Manager) Pause(id string) error {
	return m.transition(id, types.CampaignRunning, types.CampaignPaused)
}

// Resume lets a paused campaign's executor continue.
func (m *Manager) Resume(id string) error {
	m.mu.Lock()
	_, live := m.running[id]
	m.mu.Unlock()
	if !live {
		// Executor is gone (restart); Start re-resolves the remainder.
		return m.Start(id)
	}
	return m.transition(id, types.CampaignPaused, types.CampaignRunning)
}

// Cancel stops the campaign permanently. The in-flight batch, if any,
// still drains.
func (m *Manager) Cancel(id string) error {
	_, err := m.store.UpdateCampaign(id, func(c *types.Campaign) error {
		if !c.Active() && c.Status != types.CampaignDraft {
			return fmt.Errorf("%w: cannot cancel from %s", ErrWrongState, c.Status)
		}
		c.Status = types.CampaignCancelled
		c.CompletedAt = time.Now().UnixMilli()
		return nil
	})
	if err != nil {
		return err
	}
	m.log.Info("campaign cancelled", "campaign_id", id)
	return nil
}

func (m *Manager) transition(id string, from, to types.CampaignStatus) error {
	_, err := m.store.UpdateCampaign(id, func(c *types.Campaign) error {
		if c.Status != from {
			return fmt.Errorf("%w: %s -> %s not allowed", ErrWrongState, c.Status, to)
		}
		c.Status = to
		return nil
	})
	if err != nil {
		return err
	}
	m.log.Info("campaign state changed", "campaign_id", id, "status", string(to))
	return nil
}

// RecoverInterrupted marks campaigns left running by a previous process as
// paused. Called once at startup, before Start is available to clients.
func (m *Manager) RecoverInterrupted() error {
	campaigns, err := m.store.ListCampaigns("", 0)
	if err != nil {
		return err
	}
	for _, c := range campaigns {
		if c.Status != types.CampaignRunning {
			continue
		}
		c.Status = types.CampaignPaused
		if err := m.store.PutCampaign(c); err != nil {
			return err
		}
		m.log.Warn("campaign paused after restart", "campaign_id", c.ID)
	}
	return nil
}

func (m *Manager) dropRunning(id string) {
	m.mu.Lock()
	delete(m.running, id)
	m.mu.Unlock()
}

// ─── audience selection ──────────────────────────────────────────────────────

type recipient struct {
	phone      string
	name       string
	customerID string
}

// selectRecipients resolves the audience to a concrete recipient list.
// TestRecipients short-circuits everything else; otherwise filters apply,
// then MaxRecipients truncates.
func (m *Manager) selectRecipients(aud types.Audience) ([]recipient, error) {
	if len(aud.TestRecipients) > 0 {
		out := make([]recipient, 0, len(aud.TestRecipients))
		for _, raw := range aud.TestRecipients {
			normalized, err := phone.Normalize(raw, m.opts.DefaultCountry)
			if err != nil {
				return nil, fmt.Errorf("%w: test recipient %q: %v", ErrInvalid, raw, err)
			}
			out = append(out, recipient{phone: normalized})
		}
		return out, nil
	}

	customers, err := m.store.ListCustomers()
	if err != nil {
		return nil, err
	}

	include := normalizeSet(aud.IncludePhones, m.opts.DefaultCountry)
	exclude := normalizeSet(aud.ExcludePhones, m.opts.DefaultCountry)
	activityCutoff := time.Now().AddDate(0, 0, -aud.ActiveWithinDays).UnixMilli()

	var out []recipient
	for _, c := range customers {
		if !c.IsActive {
			continue
		}
		switch aud.Mode {
		case types.AudienceLanguage:
			if c.Language != aud.Language {
				continue
			}
		case types.AudienceActivity:
			if c.UpdatedAt < activityCutoff {
				continue
			}
		case types.AudienceCustom:
			if len(include) > 0 {
				if _, ok := include[c.Phone]; !ok {
					continue
				}
			}
			if _, ok := exclude[c.Phone]; ok {
				continue
			}
		}
		out = append(out, recipient{phone: c.Phone, name: displayName(c), customerID: c.ID})
		if aud.MaxRecipients > 0 && len(out) >= aud.MaxRecipients {
			break
		}
	}
	return out, nil
}

func normalizeSet(raw []string, country string) map[string]struct{} {
	if len(raw) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		if n, err := phone.Normalize(r, country); err == nil {
			set[n] = struct{}{}
		}
	}
	return set
}

func displayName(c *types.Customer) string {
	if c.Name != "" {
		return c.Name
	}
	return c.WhatsAppName
}

// ─── execution ───────────────────────────────────────────────────────────────

// execute enqueues recipients in paced batches until done, paused out, or
// cancelled.
func (m *Manager) execute(id string, recipients []recipient) {
	defer m.wg.Done()
	defer m.dropRunning(id)

	for start := 0; start < len(recipients); {
		c, ok := m.awaitRunnable(id)
		if !ok {
			return
		}

		end := start + c.BatchSize
		if end > len(recipients) {
			end = len(recipients)
		}
		batched := 0
		for _, r := range recipients[start:end] {
			if err := m.enqueueOne(c, r); err != nil {
				m.log.Error("enqueue campaign message",
					"campaign_id", id, "phone", r.phone, "error", err)
				continue
			}
			batched++
		}
		// Counter-only update: a concurrent Pause or Cancel owns Status.
		if _, err := m.store.UpdateCampaign(id, func(c *types.Campaign) error {
			c.EnqueuedCount += batched
			return nil
		}); err != nil {
			m.log.Error("persist campaign progress", "campaign_id", id, "error", err)
		}
		start = end

		if start < len(recipients) {
			if !m.pace(c) {
				return
			}
		}
	}

	m.finish(id)
}

// awaitRunnable blocks while the campaign is paused and returns the fresh
// campaign record once runnable, or ok=false when the campaign (or the
// manager) is shutting down.
func (m *Manager) awaitRunnable(id string) (*types.Campaign, bool) {
	for {
		c, err := m.store.GetCampaign(id)
		if err != nil {
			m.log.Error("reload campaign", "campaign_id", id, "error", err)
			return nil, false
		}
		switch c.Status {
		case types.CampaignRunning:
			return c, true
		case types.CampaignPaused:
			select {
			case <-m.done:
				return nil, false
			case <-time.After(500 * time.Millisecond):
			}
		default:
			return nil, false
		}
	}
}

// pace sleeps between batches to hold the per-minute rate. Returns false
// on shutdown.
func (m *Manager) pace(c *types.Campaign) bool {
	interval := time.Duration(float64(c.BatchSize) / float64(c.PerMinute) * float64(time.Minute))
	if interval < m.opts.MinBatchInterval {
		interval = m.opts.MinBatchInterval
	}
	select {
	case <-m.done:
		return false
	case <-time.After(interval):
		return true
	}
}

func (m *Manager) enqueueOne(c *types.Campaign, r recipient) error {
	id, err := ident.NewID()
	if err != nil {
		return err
	}
	msg := &types.Message{
		ID:               id,
		CustomerID:       r.customerID,
		Phone:            r.phone,
		Direction:        types.DirectionOutbound,
		Kind:             c.Kind,
		Status:           types.StatusPending,
		Priority:         m.opts.Priority,
		Content:          personalize(c.Content, r.name),
		MediaURL:         c.MediaURL,
		TemplateName:     c.TemplateName,
		TemplateLanguage: c.TemplateLanguage,
		TemplateParams:   personalizeParams(c.TemplateParams, r.name),
		CampaignID:       c.ID,
		MaxRetries:       3,
		CreatedAt:        time.Now().UnixMilli(),
	}
	if err := m.store.PutMessage(msg); err != nil {
		return err
	}
	if err := m.queue.Add(&queue.Task{MessageID: msg.ID, Priority: msg.Priority}); err != nil {
		return err
	}
	m.metrics.CampaignMessages.Inc(metrics.CampaignKey(c.ID, "enqueued"))
	return nil
}

// personalize substitutes the {name} placeholder. An empty name collapses
// the placeholder and any leading space rather than leaving a hole.
func personalize(text, name string) string {
	if !strings.Contains(text, "{name}") {
		return text
	}
	if name == "" {
		text = strings.ReplaceAll(text, " {name}", "")
		return strings.ReplaceAll(text, "{name}", "")
	}
	return strings.ReplaceAll(text, "{name}", name)
}

func personalizeParams(params []string, name string) []string {
	if len(params) == 0 {
		return nil
	}
	out := make([]string, len(params))
	for i, p := range params {
		out[i] = personalize(p, name)
	}
	return out
}

func (m *Manager) finish(id string) {
	c, err := m.store.UpdateCampaign(id, func(c *types.Campaign) error {
		if c.Status != types.CampaignRunning {
			return nil
		}
		c.Status = types.CampaignCompleted
		c.CompletedAt = time.Now().UnixMilli()
		return nil
	})
	if err != nil {
		m.log.Error("finish campaign", "campaign_id", id, "error", err)
		return
	}
	m.log.Info("campaign completed", "campaign_id", id, "enqueued", c.EnqueuedCount)
}

// ─── progress / analytics ────────────────────────────────────────────────────

// Progress is the live view of a campaign's advancement.
type Progress struct {
	CampaignID string               `json:"campaign_id"`
	Status     types.CampaignStatus `json:"status"`
	Total      int                  `json:"total_recipients"`
	Enqueued   int                  `json:"enqueued"`
	Counts     map[types.Status]int `json:"counts"`
	// Percent is the share of recipients with a send outcome (sent or
	// beyond, or failed). A fully enqueued campaign whose messages are
	// still pending in the queue reads 0.
	Percent float64 `json:"percent"`
	// EnqueuedPercent tracks the executor's own advancement through the
	// recipient list.
	EnqueuedPercent float64 `json:"enqueued_percent"`
	// ETASeconds estimates time to finish enqueuing at the campaign's
	// pace; 0 once enqueuing is done.
	ETASeconds int64 `json:"eta_seconds"`
}

// Progress reports send advancement and per-status delivery counts.
func (m *Manager) Progress(id string) (*Progress, error) {
	c, err := m.store.GetCampaign(id)
	if err != nil {
		return nil, err
	}
	counts, err := m.store.CountByCampaignStatus(id)
	if err != nil {
		return nil, err
	}

	p := &Progress{
		CampaignID: id,
		Status:     c.Status,
		Total:      c.TotalRecipients,
		Enqueued:   c.EnqueuedCount,
		Counts:     counts,
	}
	if c.TotalRecipients > 0 {
		outcomes := counts[types.StatusSent] + counts[types.StatusDelivered] +
			counts[types.StatusRead] + counts[types.StatusFailed] +
			counts[types.StatusUndelivered]
		p.Percent = float64(outcomes) / float64(c.TotalRecipients) * 100
		p.EnqueuedPercent = float64(c.EnqueuedCount) / float64(c.TotalRecipients) * 100
	}
	if remaining := c.TotalRecipients - c.EnqueuedCount; remaining > 0 && c.Status == types.CampaignRunning && c.PerMinute > 0 {
		p.ETASeconds = int64(float64(remaining) / float64(c.PerMinute) * 60)
	}
	return p, nil
}

// Analytics summarizes delivery outcomes as rates over enqueued messages.
type Analytics struct {
	CampaignID   string  `json:"campaign_id"`
	Enqueued     int     `json:"enqueued"`
	Sent         int     `json:"sent"`
	Delivered    int     `json:"delivered"`
	Read         int     `json:"read"`
	Failed       int     `json:"failed"`
	DeliveryRate float64 `json:"delivery_rate"`
	ReadRate     float64 `json:"read_rate"`
	FailureRate  float64 `json:"failure_rate"`
}

// Analytics computes outcome rates for the campaign. Delivered and read
// counts are cumulative: a read message was necessarily delivered.
func (m *Manager) Analytics(id string) (*Analytics, error) {
	c, err := m.store.GetCampaign(id)
	if err != nil {
		return nil, err
	}
	counts, err := m.store.CountByCampaignStatus(id)
	if err != nil {
		return nil, err
	}

	a := &Analytics{
		CampaignID: id,
		Enqueued:   c.EnqueuedCount,
		Sent:       counts[types.StatusSent],
		Delivered:  counts[types.StatusDelivered],
		Read:       counts[types.StatusRead],
		Failed:     counts[types.StatusFailed] + counts[types.StatusUndelivered],
	}
	delivered := a.Delivered + a.Read
	if a.Enqueued > 0 {
		a.DeliveryRate = float64(delivered) / float64(a.Enqueued) * 100
		a.ReadRate = float64(a.Read) / float64(a.Enqueued) * 100
		a.FailureRate = float64(a.Failed) / float64(a.Enqueued) * 100
	}
	return a, nil
}

// ─── export ──────────────────────────────────────────────────────────────────

// ExportJSON writes the campaign record together with its per-message
// results, so the dump is self-describing without a second lookup.
func (m *Manager) ExportJSON(id string, w io.Writer) error {
	c, err := m.store.GetCampaign(id)
	if err != nil {
		return err
	}
	msgs, err := m.store.MessagesByCampaign(id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Campaign *types.Campaign  `json:"campaign"`
		Messages []*types.Message `json:"messages"`
	}{c, msgs})
}

// ExportCSV writes one row per campaign message.
func (m *Manager) ExportCSV(id string, w io.Writer) error {
	msgs, err := m.store.MessagesByCampaign(id)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	header := []string{
		"message_id", "campaign_id", "customer_id", "phone", "kind",
		"status", "error_code", "sent_at", "delivered_at", "read_at",
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, msg := range msgs {
		row := []string{
			msg.ID, msg.CampaignID, msg.CustomerID, msg.Phone, string(msg.Kind),
			string(msg.Status), msg.ErrorCode,
			formatMs(msg.SentAt), formatMs(msg.DeliveredAt), formatMs(msg.ReadAt),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatMs(ms int64) string {
	if ms == 0 {
		return ""
	}
	return strconv.FormatInt(ms, 10)
}

// ─── context plumbing ────────────────────────────────────────────────────────

// Get returns the campaign record.
func (m *Manager) Get(id string) (*types.Campaign, error) {
	return m.store.GetCampaign(id)
}

// List returns a page of campaigns.
func (m *Manager) List(afterID string, limit int) ([]*types.Campaign, error) {
	return m.store.ListCampaigns(afterID, limit)
}
