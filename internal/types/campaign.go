package types

// ─── Campaign ────────────────────────────────────────────────────────────────

// CampaignStatus is the lifecycle state of a bulk-send campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
	CampaignFailed    CampaignStatus = "failed"
)

// AudienceMode selects how campaign recipients are chosen.
type AudienceMode string

const (
	AudienceAll      AudienceMode = "all"
	AudienceLanguage AudienceMode = "language"
	AudienceActivity AudienceMode = "activity"
	AudienceCustom   AudienceMode = "custom"
)

// Audience describes the recipient selection for a campaign.
type Audience struct {
	Mode AudienceMode `json:"mode"`
	// Language filters customers by preferred language (mode "language").
	Language string `json:"language,omitempty"`
	// ActiveWithinDays filters by recency of last update (mode "activity").
	ActiveWithinDays int `json:"active_within_days,omitempty"`
	// IncludePhones / ExcludePhones apply in mode "custom". Phones are
	// matched after normalization.
	IncludePhones []string `json:"include_phones,omitempty"`
	ExcludePhones []string `json:"exclude_phones,omitempty"`
	// MaxRecipients truncates the selection after filtering; 0 = no cap.
	MaxRecipients int `json:"max_recipients,omitempty"`
	// TestRecipients, when non-empty, replaces the whole selection. Used
	// for dry runs against a known set of phones.
	TestRecipients []string `json:"test_recipients,omitempty"`
}

// Campaign is the durable record of one bulk send.
type Campaign struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	Kind             Kind     `json:"kind"`
	Content          string   `json:"content,omitempty"`
	MediaURL         string   `json:"media_url,omitempty"`
	TemplateName     string   `json:"template_name,omitempty"`
	TemplateLanguage string   `json:"template_language,omitempty"`
	TemplateParams   []string `json:"template_params,omitempty"`

	Audience  Audience `json:"audience"`
	PerMinute int      `json:"per_minute"`
	BatchSize int      `json:"batch_size"`

	Status          CampaignStatus `json:"status"`
	TotalRecipients int            `json:"total_recipients"`
	EnqueuedCount   int            `json:"enqueued_count"`
	LastError       string         `json:"last_error,omitempty"`

	CreatedAt   int64 `json:"created_at"`
	StartedAt   int64 `json:"started_at,omitempty"`
	CompletedAt int64 `json:"completed_at,omitempty"`
}

// Active reports whether the campaign still has work to do.
func (c *Campaign) Active() bool {
	return c.Status == CampaignRunning || c.Status == CampaignPaused
}

// ─── Delivery report ─────────────────────────────────────────────────────────

// DeliveryReport is one provider status callback recorded against a message.
// Reports are append-only: every callback produces a new row, even when it
// repeats an earlier status.
type DeliveryReport struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	Status    Status `json:"status"`
	Timestamp int64  `json:"timestamp"`
	ErrorCode string `json:"error_code,omitempty"`
	// RawPayload is the callback body verbatim, for audit.
	RawPayload []byte `json:"raw_payload,omitempty"`
}
