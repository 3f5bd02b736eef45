// Package webhook processes provider callbacks: delivery status updates,
// inbound customer messages, template approval changes and account events.
// Payloads are authenticated with HMAC-SHA256 over the raw body, validated
// structurally, deduplicated, and routed to per-field handlers. Registered
// listeners (the live event stream, campaign bookkeeping) receive every
// accepted event.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/saharalabs/rasel/internal/ident"
	"github.com/saharalabs/rasel/internal/metrics"
	"github.com/saharalabs/rasel/internal/phone"
	"github.com/saharalabs/rasel/internal/store"
	"github.com/saharalabs/rasel/internal/types"
)

var (
	// ErrBadSignature is returned when the payload signature does not match.
	ErrBadSignature = errors.New("webhook: signature mismatch")
	// ErrBadStructure is returned when the payload is not a well-formed
	// provider notification.
	ErrBadStructure = errors.New("webhook: malformed payload")
)

// Event is what registered listeners receive for every accepted change.
type Event struct {
	Field     string          `json:"field"`
	MessageID string          `json:"message_id,omitempty"`
	Status    types.Status    `json:"status,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Listener receives accepted events. Listeners must not block.
type Listener func(Event)

// Options configures a Processor.
type Options struct {
	// AppSecret signs callback bodies. Empty disables signature checks
	// (dev mode only).
	AppSecret      string
	VerifyToken    string
	DedupWindow    time.Duration
	DedupMaxSize   int
	DefaultCountry string
}

// Processor handles provider callbacks. Safe for concurrent use.
type Processor struct {
	opts    Options
	store   *store.Store
	metrics *metrics.Registry
	log     *slog.Logger
	dedup   *dedupSet

	mu        sync.RWMutex
	listeners []Listener
}

// New builds a Processor. reg may be nil when metrics are disabled.
func New(opts Options, st *store.Store, reg *metrics.Registry, log *slog.Logger) *Processor {
	if reg == nil {
		reg = &metrics.Registry{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		opts:    opts,
		store:   st,
		metrics: reg,
		log:     log.With("component", "webhook"),
		dedup:   newDedupSet(opts.DedupWindow, opts.DedupMaxSize),
	}
}

// Subscribe registers a listener for accepted events.
func (p *Processor) Subscribe(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

func (p *Processor) emit(ev Event) {
	p.mu.RLock()
	listeners := p.listeners
	p.mu.RUnlock()
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.log.Error("event listener panicked", "panic", r)
				}
			}()
			l(ev)
		}()
	}
}

// ─── signature / verification ────────────────────────────────────────────────

// VerifySignature checks the X-Hub-Signature-256 header against the raw
// body. The header carries "sha256=" followed by a hex HMAC digest. The
// comparison is constant-time.
func (p *Processor) VerifySignature(body []byte, header string) bool {
	if p.opts.AppSecret == "" {
		return true
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(p.opts.AppSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(want), []byte(header[len(prefix):])) == 1
}

// HandleVerification answers the provider's GET subscription handshake.
// It returns the challenge to echo and whether the request is legitimate.
func (p *Processor) HandleVerification(mode, token, challenge string) (string, bool) {
	if mode != "subscribe" || token == "" || token != p.opts.VerifyToken {
		return "", false
	}
	return challenge, true
}

// ─── payload shapes ──────────────────────────────────────────────────────────

type payload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string          `json:"field"`
			Value json.RawMessage `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type messagesValue struct {
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []inboundMessage `json:"messages"`
	Statuses []statusItem     `json:"statuses"`
}

type statusItem struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Errors    []struct {
		Code  int    `json:"code"`
		Title string `json:"title"`
	} `json:"errors"`
}

type mediaRef struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type inboundMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image       *mediaRef `json:"image"`
	Video       *mediaRef `json:"video"`
	Audio       *mediaRef `json:"audio"`
	Document    *mediaRef `json:"document"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name"`
	} `json:"location"`
}

type templateStatusValue struct {
	Event        string `json:"event"`
	TemplateName string `json:"message_template_name"`
	Language     string `json:"message_template_language"`
	Reason       string `json:"reason"`
}

// ─── processing ──────────────────────────────────────────────────────────────

// Process authenticates, validates and routes one callback body. signature
// is the X-Hub-Signature-256 header value. Individual change failures are
// logged and skipped; the whole call only errors on authentication or
// structural problems, so the provider is not asked to redeliver a batch
// that half-succeeded.
func (p *Processor) Process(body []byte, signature string) error {
	if !p.VerifySignature(body, signature) {
		p.metrics.WebhookRejected.Inc("signature")
		return ErrBadSignature
	}

	var pl payload
	if err := json.Unmarshal(body, &pl); err != nil {
		p.metrics.WebhookRejected.Inc("structure")
		return fmt.Errorf("%w: %v", ErrBadStructure, err)
	}
	if pl.Object != "whatsapp_business_account" || len(pl.Entry) == 0 {
		p.metrics.WebhookRejected.Inc("structure")
		return ErrBadStructure
	}

	for _, entry := range pl.Entry {
		for _, change := range entry.Changes {
			p.metrics.WebhookEvents.Inc(change.Field)
			switch change.Field {
			case "messages":
				p.handleMessagesChange(change.Value)
			case "message_template_status_update":
				p.handleTemplateStatus(change.Value)
			case "account_update", "business_capability_update":
				p.log.Info("account event", "field", change.Field)
				p.emit(Event{Field: change.Field, Payload: change.Value, Timestamp: time.Now().UnixMilli()})
			default:
				p.log.Debug("unhandled webhook field", "field", change.Field)
			}
		}
	}
	return nil
}

// handleMessagesChange routes a "messages" change: delivery statuses for
// outbound sends plus inbound customer messages, possibly in one value.
func (p *Processor) handleMessagesChange(value json.RawMessage) {
	var v messagesValue
	if err := json.Unmarshal(value, &v); err != nil {
		p.log.Warn("bad messages value", "error", err)
		p.metrics.WebhookRejected.Inc("structure")
		return
	}

	names := make(map[string]string, len(v.Contacts))
	for _, c := range v.Contacts {
		names[c.WaID] = c.Profile.Name
	}

	for _, s := range v.Statuses {
		key := s.ID + ":" + s.Status
		if p.dedup.seen(key) {
			p.metrics.WebhookRejected.Inc("duplicate")
			continue
		}
		p.applyStatus(s)
	}

	for _, m := range v.Messages {
		if p.dedup.seen(m.ID) {
			p.metrics.WebhookRejected.Inc("duplicate")
			continue
		}
		p.ingestInbound(m, names[m.From])
	}
}

// applyStatus records a delivery report and advances the message lifecycle.
// Every status appends a report, even out-of-order or repeated ones; only
// valid forward transitions change the message itself.
func (p *Processor) applyStatus(s statusItem) {
	status := mapStatus(s.Status)
	if status == "" {
		p.log.Warn("unknown status value", "status", s.Status, "provider_message_id", s.ID)
		return
	}
	ts := parseTimestamp(s.Timestamp)

	var errCode, errTitle string
	if len(s.Errors) > 0 {
		errCode = strconv.Itoa(s.Errors[0].Code)
		errTitle = s.Errors[0].Title
	}

	m, err := p.store.GetMessageByProviderID(s.ID)
	if err != nil {
		// Status for a message this instance never sent. Not an error;
		// another system may share the number.
		p.log.Debug("status for unknown message", "provider_message_id", s.ID)
		return
	}

	raw, _ := json.Marshal(s)
	if err := p.store.AppendReport(&types.DeliveryReport{
		MessageID:  m.ID,
		Status:     status,
		Timestamp:  ts,
		ErrorCode:  errCode,
		RawPayload: raw,
	}); err != nil {
		p.log.Error("append delivery report", "message_id", m.ID, "error", err)
	}

	if !types.ValidTransition(m.Status, status) {
		p.log.Debug("status transition ignored",
			"message_id", m.ID, "from", string(m.Status), "to", string(status))
		return
	}

	updated, err := p.store.UpdateMessage(m.ID, func(m *types.Message) error {
		if !types.ValidTransition(m.Status, status) {
			return nil
		}
		m.Status = status
		m.AppendEvent(types.StatusEvent{
			Status: status, Timestamp: ts, ErrorCode: errCode, ErrorTitle: errTitle,
		})
		switch status {
		case types.StatusDelivered:
			m.DeliveredAt = ts
		case types.StatusRead:
			m.ReadAt = ts
		case types.StatusFailed, types.StatusUndelivered:
			m.FailedAt = ts
			m.ErrorCode = errCode
			m.ErrorMessage = errTitle
			// Stamp the retry schedule so the scanner picks it up.
			if status == types.StatusFailed && m.RetryCount < m.MaxRetries {
				delay := m.RetryDelay()
				m.RetryCount++
				m.NextRetryAt = ts + delay.Milliseconds()
			}
		}
		return nil
	})
	if err != nil {
		p.log.Error("apply status", "message_id", m.ID, "error", err)
		return
	}

	p.log.Info("delivery status applied",
		"message_id", m.ID, "status", string(status), "provider_message_id", s.ID)
	p.emit(Event{Field: "statuses", MessageID: updated.ID, Status: status, Timestamp: ts})
}

// ingestInbound stores an inbound customer message, upserting the customer
// by normalized phone and capturing the WhatsApp profile name.
func (p *Processor) ingestInbound(im inboundMessage, profileName string) {
	normalized, err := phone.Normalize(im.From, p.opts.DefaultCountry)
	if err != nil {
		p.log.Warn("inbound from unnormalizable phone", "from", im.From, "error", err)
		return
	}

	customer, err := p.store.UpsertCustomerByPhone(normalized, profileName)
	if err != nil {
		p.log.Error("upsert customer", "phone", normalized, "error", err)
		return
	}

	id, err := ident.NewID()
	if err != nil {
		p.log.Error("generate message id", "error", err)
		return
	}

	ts := parseTimestamp(im.Timestamp)
	msg := &types.Message{
		ID:                id,
		ProviderMessageID: im.ID,
		CustomerID:        customer.ID,
		Phone:             normalized,
		Direction:         types.DirectionInbound,
		Kind:              mapInboundKind(im.Type),
		Status:            types.StatusDelivered,
		CreatedAt:         ts,
		DeliveredAt:       ts,
	}
	fillInboundContent(msg, im)

	if err := p.store.PutMessage(msg); err != nil {
		p.log.Error("store inbound message", "provider_message_id", im.ID, "error", err)
		return
	}

	p.log.Info("inbound message stored",
		"message_id", id, "customer_id", customer.ID, "kind", string(msg.Kind))
	raw, _ := json.Marshal(im)
	p.emit(Event{Field: "messages", MessageID: id, Payload: raw, Timestamp: ts})
}

// handleTemplateStatus applies a template approval change to the registry.
func (p *Processor) handleTemplateStatus(value json.RawMessage) {
	var v templateStatusValue
	if err := json.Unmarshal(value, &v); err != nil || v.TemplateName == "" {
		p.log.Warn("bad template status value", "error", err)
		p.metrics.WebhookRejected.Inc("structure")
		return
	}

	var tpl *types.Template
	var err error
	if v.Language != "" {
		tpl, err = p.store.GetTemplate(v.TemplateName, v.Language)
	} else {
		tpl, err = p.store.GetTemplateByName(v.TemplateName)
	}
	now := time.Now().UnixMilli()
	if err != nil {
		// First sight of this template; register it from the event.
		tpl = &types.Template{Name: v.TemplateName, Language: v.Language}
	}

	tpl.Status = types.TemplateStatus(v.Event)
	tpl.UpdatedAt = now
	switch tpl.Status {
	case types.TemplateApproved:
		tpl.ApprovedAt = now
		tpl.RejectionReason = ""
	case types.TemplateRejected:
		tpl.RejectedAt = now
		tpl.RejectionReason = v.Reason
	}

	if err := p.store.PutTemplate(tpl); err != nil {
		p.log.Error("store template status", "template", tpl.Key(), "error", err)
		return
	}
	p.log.Info("template status updated", "template", tpl.Key(), "status", string(tpl.Status))
	p.emit(Event{Field: "message_template_status_update", Payload: value, Timestamp: now})
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func mapStatus(s string) types.Status {
	switch s {
	case "sent":
		return types.StatusSent
	case "delivered":
		return types.StatusDelivered
	case "read":
		return types.StatusRead
	case "failed":
		return types.StatusFailed
	case "undelivered":
		return types.StatusUndelivered
	default:
		return ""
	}
}

func mapInboundKind(t string) types.Kind {
	switch t {
	case "text":
		return types.KindText
	case "image":
		return types.KindImage
	case "video":
		return types.KindVideo
	case "audio":
		return types.KindAudio
	case "document":
		return types.KindDocument
	case "interactive", "button":
		return types.KindInteractive
	case "location":
		return types.KindLocation
	default:
		return types.KindText
	}
}

// fillInboundContent extracts the displayable content and media reference
// for each inbound kind.
func fillInboundContent(msg *types.Message, im inboundMessage) {
	setMedia := func(m *mediaRef) {
		msg.MediaRef = m.ID
		msg.MediaMIME = m.MimeType
		if m.Caption != "" {
			msg.Content = m.Caption
		} else if m.Filename != "" {
			msg.Content = m.Filename
		}
	}
	switch {
	case im.Text != nil:
		msg.Content = im.Text.Body
	case im.Image != nil:
		setMedia(im.Image)
	case im.Video != nil:
		setMedia(im.Video)
	case im.Audio != nil:
		setMedia(im.Audio)
	case im.Document != nil:
		setMedia(im.Document)
	case im.Interactive != nil:
		if im.Interactive.ButtonReply != nil {
			msg.Content = im.Interactive.ButtonReply.Title
		} else if im.Interactive.ListReply != nil {
			msg.Content = im.Interactive.ListReply.Title
		}
	case im.Location != nil:
		msg.Content = fmt.Sprintf("%f,%f %s",
			im.Location.Latitude, im.Location.Longitude, im.Location.Name)
	default:
		msg.Content = "[" + im.Type + "]"
	}
}

// parseTimestamp converts the provider's unix-seconds string to UTC
// milliseconds, falling back to now.
func parseTimestamp(s string) int64 {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil && secs > 0 {
		return secs * 1000
	}
	return time.Now().UnixMilli()
}
