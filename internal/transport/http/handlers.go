package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/saharalabs/rasel/internal/campaign"
	"github.com/saharalabs/rasel/internal/config"
	"github.com/saharalabs/rasel/internal/ident"
	"github.com/saharalabs/rasel/internal/phone"
	"github.com/saharalabs/rasel/internal/provider"
	"github.com/saharalabs/rasel/internal/queue"
	"github.com/saharalabs/rasel/internal/ratelimit"
	"github.com/saharalabs/rasel/internal/store"
	"github.com/saharalabs/rasel/internal/types"
	"github.com/saharalabs/rasel/internal/webhook"
	"github.com/saharalabs/rasel/internal/worker"
)

// maxListLimit caps page sizes on list endpoints.
const maxListLimit = 500

// Handler groups all HTTP request handlers around the messaging pipeline.
type Handler struct {
	cfg       *config.Config
	instance  *ident.Instance
	store     *store.Store
	queue     *queue.Queue
	pool      *worker.Pool
	limiter   *ratelimit.Limiter
	provider  *provider.Client
	webhook   *webhook.Processor
	campaigns *campaign.Manager
	clients   func() int // connected event-stream clients, nil when ws is off
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type sendReq struct {
	Phone    string `json:"phone"`
	Kind     string `json:"kind"`
	Content  string `json:"content"`
	MediaURL string `json:"media_url"`
	Template *struct {
		Name     string   `json:"name"`
		Language string   `json:"language"`
		Params   []string `json:"params"`
	} `json:"template"`
	Interactive json.RawMessage `json:"interactive"`
	Priority    string          `json:"priority"`
	Strategy    string          `json:"retry_strategy"`
	MaxRetries  int             `json:"max_retries"`  // 0 = server default
	ScheduledAt int64           `json:"scheduled_at"` // unix ms; 0 = now
}

type sendResp struct {
	ID       string         `json:"id"`
	Status   types.Status   `json:"status"`
	Phone    string         `json:"phone"`
	Priority types.Priority `json:"priority"`
}

type reportsResp struct {
	MessageID string                  `json:"message_id"`
	Reports   []*types.DeliveryReport `json:"reports"`
}

type customerListResp struct {
	Customers []*types.Customer `json:"customers"`
}

type templateListResp struct {
	Templates []*types.Template `json:"templates"`
}

type templateSyncResp struct {
	Synced int `json:"synced"`
}

type mediaUploadResp struct {
	MediaID string `json:"media_id"`
}

type campaignListResp struct {
	Campaigns []*types.Campaign `json:"campaigns"`
}

type healthResp struct {
	Status        string `json:"status"`
	InstanceID    string `json:"instance_id"`
	ActiveWorkers int    `json:"active_workers"`
	QueueDepth    int    `json:"queue_depth"`
	Warning       string `json:"warning,omitempty"`
	Uptime        string `json:"uptime"`
	UptimeMs      int64  `json:"uptime_ms"`
	Version       string `json:"version"`
}

type statsResp struct {
	Queue        queue.Stats               `json:"queue"`
	RateLimits   map[string]rateLimitStats `json:"rate_limits"`
	EventClients int                       `json:"event_clients"`
}

type rateLimitStats struct {
	Total            int64 `json:"total"`
	Denied           int64 `json:"denied"`
	AvgWaitMs        int64 `json:"avg_wait_ms"`
	CurrentBackoffMs int64 `json:"current_backoff_ms"`
}

// ─── Health / stats ──────────────────────────────────────────────────────────

var startTime = time.Now()

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	hl := h.pool.CheckHealth()
	status := "ok"
	code := http.StatusOK
	if !hl.Healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	} else if hl.Warning != "" {
		status = "degraded"
	}
	elapsed := time.Since(startTime)
	writeJSON(w, code, healthResp{
		Status:        status,
		InstanceID:    h.instance.ID(),
		ActiveWorkers: hl.ActiveWorkers,
		QueueDepth:    hl.QueueDepth,
		Warning:       hl.Warning,
		Uptime:        elapsed.Round(time.Second).String(),
		UptimeMs:      elapsed.Milliseconds(),
		Version:       "1.0.0",
	})
}

func (h *Handler) statsAPI(w http.ResponseWriter, r *http.Request) {
	cats := []ratelimit.Category{
		ratelimit.CategoryMessaging,
		ratelimit.CategoryMediaUpload,
		ratelimit.CategoryTemplateSync,
		ratelimit.CategoryWebhook,
	}
	rl := make(map[string]rateLimitStats, len(cats))
	for _, cat := range cats {
		s := h.limiter.StatsFor(cat)
		rl[string(cat)] = rateLimitStats{
			Total:            s.Total,
			Denied:           s.Denied,
			AvgWaitMs:        s.AvgWait.Milliseconds(),
			CurrentBackoffMs: s.CurrentBackoff.Milliseconds(),
		}
	}
	clients := 0
	if h.clients != nil {
		clients = h.clients()
	}
	writeJSON(w, http.StatusOK, statsResp{
		Queue:        h.queue.Snapshot(time.Now()),
		RateLimits:   rl,
		EventClients: clients,
	})
}

// ─── Messages ────────────────────────────────────────────────────────────────

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendReq
	if !decodeJSON(w, r, &req) {
		return
	}

	to, err := phone.Normalize(req.Phone, h.cfg.Provider.DefaultCountryCode)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("phone: %w", err))
		return
	}

	kind := types.Kind(req.Kind)
	m := &types.Message{
		Phone:     to,
		Direction: types.DirectionOutbound,
		Kind:      kind,
		Status:    types.StatusPending,
		Priority:  types.ParsePriority(req.Priority),
		CreatedAt: time.Now().UnixMilli(),
	}

	switch kind {
	case types.KindText:
		if req.Content == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content required for text messages"})
			return
		}
		m.Content = req.Content
	case types.KindTemplate:
		if req.Template == nil || req.Template.Name == "" || req.Template.Language == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "template name and language required"})
			return
		}
		tpl, err := h.store.GetTemplate(req.Template.Name, req.Template.Language)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown template"})
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !tpl.CanBeUsed() {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error": fmt.Sprintf("template %s is %s, not approved", tpl.Key(), tpl.Status),
			})
			return
		}
		m.TemplateName = req.Template.Name
		m.TemplateLanguage = req.Template.Language
		m.TemplateParams = req.Template.Params
	case types.KindInteractive:
		if len(req.Interactive) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "interactive payload required"})
			return
		}
		m.Content = string(req.Interactive)
	default:
		if !kind.IsMedia() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported message kind"})
			return
		}
		if req.MediaURL == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "media_url required for media messages"})
			return
		}
		m.MediaURL = req.MediaURL
		m.Content = req.Content // caption
	}

	switch types.RetryStrategy(req.Strategy) {
	case types.RetryExponential, types.RetryLinear, types.RetryFixed, types.RetryImmediate:
		m.Strategy = types.RetryStrategy(req.Strategy)
	case "":
		m.Strategy = types.RetryExponential
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown retry strategy"})
		return
	}

	m.MaxRetries = req.MaxRetries
	if m.MaxRetries <= 0 {
		m.MaxRetries = h.cfg.Queue.MaxRetries
	}

	// Link (or create) the customer record for this phone number.
	cust, err := h.store.UpsertCustomerByPhone(to, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	m.CustomerID = cust.ID

	id, err := ident.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	m.ID = id

	if err := h.store.PutMessage(m); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	task := &queue.Task{MessageID: m.ID, Priority: m.Priority}
	if req.ScheduledAt > 0 {
		task.ScheduledAt = time.UnixMilli(req.ScheduledAt)
	}
	if err := h.queue.Add(task); err != nil {
		if errors.Is(err, queue.ErrFull) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "send queue is full, try again later"})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusAccepted, sendResp{
		ID:       m.ID,
		Status:   m.Status,
		Phone:    m.Phone,
		Priority: m.Priority,
	})
}

func (h *Handler) getMessage(w http.ResponseWriter, r *http.Request) {
	m, err := h.store.GetMessage(r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) getMessageReports(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.store.GetMessage(id); err != nil {
		writeStoreError(w, err)
		return
	}
	reports, err := h.store.ReportsForMessage(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, reportsResp{MessageID: id, Reports: reports})
}

func (h *Handler) cancelMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.queue.Remove(id); err != nil {
		if errors.Is(err, queue.ErrNotQueued) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "message is not queued"})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	m, err := h.store.UpdateMessage(id, func(m *types.Message) error {
		m.Status = types.StatusFailed
		m.ErrorCode = "cancelled"
		m.ErrorMessage = "cancelled by operator"
		m.RetryCount = m.MaxRetries // no retry scan pickup
		m.FailedAt = time.Now().UnixMilli()
		return nil
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ─── Customers ───────────────────────────────────────────────────────────────

func (h *Handler) listCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := h.store.ListCustomers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, customerListResp{Customers: customers})
}

func (h *Handler) getCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.GetCustomer(r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ─── Templates ───────────────────────────────────────────────────────────────

func (h *Handler) listTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.store.ListTemplates()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, templateListResp{Templates: templates})
}

func (h *Handler) syncTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.provider.SyncTemplates(r.Context())
	if err != nil {
		writeProviderError(w, err)
		return
	}
	for _, t := range templates {
		if err := h.store.PutTemplate(t); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, templateSyncResp{Synced: len(templates)})
}

// ─── Media ───────────────────────────────────────────────────────────────────

func (h *Handler) uploadMedia(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field 'file' required"})
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	mediaID, err := h.provider.UploadMedia(r.Context(), header.Filename, mimeType, file)
	if err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mediaUploadResp{MediaID: mediaID})
}

func (h *Handler) downloadMedia(w http.ResponseWriter, r *http.Request) {
	data, mimeType, err := h.provider.DownloadMedia(r.Context(), r.PathValue("id"))
	if err != nil {
		writeProviderError(w, err)
		return
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ─── Campaigns ───────────────────────────────────────────────────────────────

func (h *Handler) createCampaign(w http.ResponseWriter, r *http.Request) {
	var c types.Campaign
	if !decodeJSON(w, r, &c) {
		return
	}
	created, err := h.campaigns.Create(&c)
	if err != nil {
		writeCampaignError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) listCampaigns(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	limit := maxListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		if n < limit {
			limit = n
		}
	}
	campaigns, err := h.campaigns.List(after, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, campaignListResp{Campaigns: campaigns})
}

func (h *Handler) getCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Get(r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) startCampaign(w http.ResponseWriter, r *http.Request) {
	h.campaignVerb(w, r, h.campaigns.Start)
}

func (h *Handler) pauseCampaign(w http.ResponseWriter, r *http.Request) {
	h.campaignVerb(w, r, h.campaigns.Pause)
}

func (h *Handler) resumeCampaign(w http.ResponseWriter, r *http.Request) {
	h.campaignVerb(w, r, h.campaigns.Resume)
}

func (h *Handler) cancelCampaign(w http.ResponseWriter, r *http.Request) {
	h.campaignVerb(w, r, h.campaigns.Cancel)
}

func (h *Handler) campaignVerb(w http.ResponseWriter, r *http.Request, verb func(string) error) {
	id := r.PathValue("id")
	if err := verb(id); err != nil {
		writeCampaignError(w, err)
		return
	}
	c, err := h.campaigns.Get(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) campaignProgress(w http.ResponseWriter, r *http.Request) {
	p, err := h.campaigns.Progress(r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) campaignAnalytics(w http.ResponseWriter, r *http.Request) {
	a, err := h.campaigns.Analytics(r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) exportCampaign(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.campaigns.Get(id); err != nil {
		writeStoreError(w, err)
		return
	}
	switch format := r.URL.Query().Get("format"); format {
	case "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "campaign-"+id+".csv"))
		if err := h.campaigns.ExportCSV(id, w); err != nil {
			// Headers are already out; log-and-truncate is all we can do.
			return
		}
	case "", "json":
		w.Header().Set("Content-Type", "application/json")
		if err := h.campaigns.ExportJSON(id, w); err != nil {
			return
		}
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "format must be json or csv"})
	}
}

// ─── Webhook ─────────────────────────────────────────────────────────────────

// verifyWebhook answers the provider's subscription handshake:
// GET ?hub.mode=subscribe&hub.verify_token=...&hub.challenge=... must echo
// the challenge in plain text when the token matches.
func (h *Handler) verifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, ok := h.webhook.HandleVerification(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
	if !ok {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "verification failed"})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, challenge)
}

// receiveWebhook ingests a provider callback. The provider retries on
// non-2xx, so structural problems are still answered 200 once the payload
// has been read; only signature mismatches are rejected outright.
func (h *Handler) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	err = h.webhook.Process(body, r.Header.Get("X-Hub-Signature-256"))
	switch {
	case errors.Is(err, webhook.ErrBadSignature):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "signature mismatch"})
	case errors.Is(err, webhook.ErrBadStructure):
		// Acknowledge so the provider stops retrying a payload that will
		// never parse.
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
	}
}

// ─── Error mapping / helpers ─────────────────────────────────────────────────

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func writeCampaignError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, campaign.ErrWrongState):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, campaign.ErrTemplateNotUsable), errors.Is(err, campaign.ErrNoRecipients):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, campaign.ErrInvalid):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeProviderError(w http.ResponseWriter, err error) {
	var pe *provider.Error
	if errors.As(err, &pe) {
		code := http.StatusBadGateway
		if pe.Throttled() {
			code = http.StatusTooManyRequests
		}
		writeJSON(w, code, map[string]string{
			"error":           pe.Title,
			"provider_code":   pe.Code,
			"provider_status": strconv.Itoa(pe.StatusCode),
		})
		return
	}
	var rle *ratelimit.RateLimitError
	if errors.As(err, &rle) {
		w.Header().Set("Retry-After", strconv.Itoa(int(rle.RetryAfter.Seconds())+1))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "outbound rate limit reached"})
		return
	}
	writeError(w, http.StatusBadGateway, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}
