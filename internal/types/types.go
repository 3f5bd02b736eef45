// Package types contains the core domain types shared across all rasel
// internal packages. It deliberately has zero imports of other rasel packages
// so that the store layer, the queue layer, and the webhook layer can all
// import from it without creating import cycles.
package types

import "time"

// ─── Message status ──────────────────────────────────────────────────────────

// Status is the delivery-lifecycle state of a persisted message.
type Status string

const (
	// StatusPending means the message record exists but no send attempt has
	// completed yet.
	StatusPending Status = "pending"
	// StatusSent means the provider accepted the message synchronously.
	StatusSent Status = "sent"
	// StatusDelivered means the provider reported delivery to the handset.
	StatusDelivered Status = "delivered"
	// StatusRead means the recipient opened the message.
	StatusRead Status = "read"
	// StatusFailed means the last attempt failed. Failed messages remain
	// retryable until RetryCount reaches MaxRetries.
	StatusFailed Status = "failed"
	// StatusUndelivered means the provider gave up on delivery.
	StatusUndelivered Status = "undelivered"
)

// rank orders the forward delivery lifecycle. Failed/undelivered sit outside
// the forward chain and are handled separately by ValidTransition.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return -1
	}
}

// ValidTransition reports whether from → to is a legal status change.
//
// The delivery lifecycle only moves forward (pending → sent → delivered →
// read). FAILED is reachable from any non-terminal state; a failed message
// may re-enter the forward chain via a retry. UNDELIVERED is terminal.
func ValidTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch to {
	case StatusFailed:
		return from != StatusRead && from != StatusUndelivered
	case StatusUndelivered:
		return from != StatusRead && from != StatusUndelivered
	}
	if from == StatusFailed {
		// Retry path: a failed message may be re-sent.
		return to == StatusSent || to == StatusPending
	}
	fr, tr := from.rank(), to.rank()
	return fr >= 0 && tr >= 0 && tr > fr
}

// ─── Message kind ────────────────────────────────────────────────────────────

// Kind is the wire type of a WhatsApp message.
type Kind string

const (
	KindText        Kind = "text"
	KindTemplate    Kind = "template"
	KindImage       Kind = "image"
	KindDocument    Kind = "document"
	KindAudio       Kind = "audio"
	KindVideo       Kind = "video"
	KindInteractive Kind = "interactive"
	KindLocation    Kind = "location"
)

// IsMedia reports whether the kind carries a media attachment.
func (k Kind) IsMedia() bool {
	switch k {
	case KindImage, KindDocument, KindAudio, KindVideo:
		return true
	}
	return false
}

// ─── Direction / priority ────────────────────────────────────────────────────

// Direction distinguishes outbound sends from inbound customer messages.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Priority orders tasks within the send queue. Higher values dequeue first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// ParsePriority maps the wire name to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

// ─── Retry strategy ──────────────────────────────────────────────────────────

// RetryStrategy selects the delay formula applied between send attempts.
type RetryStrategy string

const (
	RetryExponential RetryStrategy = "exponential"
	RetryLinear      RetryStrategy = "linear"
	RetryFixed       RetryStrategy = "fixed"
	RetryImmediate   RetryStrategy = "immediate"
)

// Delay returns the wait before attempt retryCount+1.
//
//	exponential: min(30·2^n, 3600) seconds
//	linear:      min(30+30n, 1800) seconds
//	fixed:       60 seconds
//	immediate:   0
func (s RetryStrategy) Delay(retryCount int) time.Duration {
	switch s {
	case RetryLinear:
		d := 30 + 30*retryCount
		if d > 1800 {
			d = 1800
		}
		return time.Duration(d) * time.Second
	case RetryFixed:
		return 60 * time.Second
	case RetryImmediate:
		return 0
	default: // exponential
		if retryCount > 6 {
			return 3600 * time.Second
		}
		d := 30 * (1 << retryCount)
		if d > 3600 {
			d = 3600
		}
		return time.Duration(d) * time.Second
	}
}

// ─── Message ─────────────────────────────────────────────────────────────────

// StatusEvent is one immutable entry in a message's delivery history.
// Entries are appended by the transport client and the webhook processor
// and never rewritten.
type StatusEvent struct {
	Status     Status `json:"status"`
	Timestamp  int64  `json:"timestamp"` // UTC milliseconds
	ErrorCode  string `json:"error_code,omitempty"`
	ErrorTitle string `json:"error_title,omitempty"`
	// RawPayload is the provider callback body that produced this entry,
	// kept verbatim for audit and analytics.
	RawPayload []byte `json:"raw_payload,omitempty"`
}

// Message is the durable record of one outbound or inbound WhatsApp message.
//
// Design rules carried over from the store layer:
//   - Fields are only added, never renamed or removed — persisted records
//     must always remain readable.
//   - All timestamps are UTC milliseconds since the Unix epoch; zero means
//     "not yet".
//   - IDs are ULID strings: time-sortable and globally unique.
type Message struct {
	ID string `json:"id"`

	// ProviderMessageID is the wamid assigned by the provider. Empty until
	// the synchronous send succeeds; inbound messages carry it from birth.
	ProviderMessageID string `json:"provider_message_id,omitempty"`

	CustomerID string    `json:"customer_id"`
	Phone      string    `json:"phone"`
	Direction  Direction `json:"direction"`
	Kind       Kind      `json:"kind"`
	Status     Status    `json:"status"`
	Priority   Priority  `json:"priority"`

	// Content is the text body, or the caption for media kinds.
	Content  string `json:"content,omitempty"`
	MediaURL string `json:"media_url,omitempty"`
	// MediaRef is the provider media ID for inbound attachments.
	MediaRef  string `json:"media_ref,omitempty"`
	MediaMIME string `json:"media_mime,omitempty"`

	TemplateName     string `json:"template_name,omitempty"`
	TemplateLanguage string `json:"template_language,omitempty"`
	// TemplateParams are the ordered body parameters ({{1}}, {{2}}, ...).
	TemplateParams []string `json:"template_params,omitempty"`

	// Correlation IDs.
	ConversationID string `json:"conversation_id,omitempty"`
	CampaignID     string `json:"campaign_id,omitempty"`
	AutomationID   string `json:"automation_id,omitempty"`

	RetryCount  int           `json:"retry_count"`
	MaxRetries  int           `json:"max_retries"`
	Strategy    RetryStrategy `json:"retry_strategy,omitempty"`
	NextRetryAt int64         `json:"next_retry_at,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt   int64 `json:"created_at"`
	SentAt      int64 `json:"sent_at,omitempty"`
	DeliveredAt int64 `json:"delivered_at,omitempty"`
	ReadAt      int64 `json:"read_at,omitempty"`
	FailedAt    int64 `json:"failed_at,omitempty"`

	History []StatusEvent `json:"history,omitempty"`
}

// CanRetry reports whether the message is failed with retry budget left.
func (m *Message) CanRetry() bool {
	return m.Status == StatusFailed && m.RetryCount < m.MaxRetries
}

// RetryDelay returns the delay before the next attempt, using the message's
// strategy (exponential when unset).
func (m *Message) RetryDelay() time.Duration {
	s := m.Strategy
	if s == "" {
		s = RetryExponential
	}
	return s.Delay(m.RetryCount)
}

// AppendEvent appends an immutable status event to the history.
func (m *Message) AppendEvent(ev StatusEvent) {
	m.History = append(m.History, ev)
}

// ─── Customer ────────────────────────────────────────────────────────────────

// Customer is the durable record of one WhatsApp contact.
type Customer struct {
	ID string `json:"id"`
	// Phone is stored normalized (E.164 digits without the plus sign).
	Phone        string `json:"phone"`
	Name         string `json:"name,omitempty"`
	WhatsAppName string `json:"whatsapp_name,omitempty"`
	Language     string `json:"language,omitempty"`
	IsActive     bool   `json:"is_active"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// ─── Template ────────────────────────────────────────────────────────────────

// TemplateStatus is the provider-side approval state of a message template.
type TemplateStatus string

const (
	TemplateApproved TemplateStatus = "APPROVED"
	TemplatePending  TemplateStatus = "PENDING"
	TemplateRejected TemplateStatus = "REJECTED"
	TemplatePaused   TemplateStatus = "PAUSED"
)

// Template is a provider-registered message template.
type Template struct {
	Name            string         `json:"name"`
	Language        string         `json:"language"`
	Category        string         `json:"category,omitempty"`
	Status          TemplateStatus `json:"status"`
	ParameterNames  []string       `json:"parameter_names,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	ApprovedAt      int64          `json:"approved_at,omitempty"`
	RejectedAt      int64          `json:"rejected_at,omitempty"`
	UpdatedAt       int64          `json:"updated_at,omitempty"`
}

// CanBeUsed reports whether the template may be sent.
func (t *Template) CanBeUsed() bool {
	return t.Status == TemplateApproved
}

// Key returns the composite store key "name/language".
func (t *Template) Key() string { return t.Name + "/" + t.Language }
