package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/saharalabs/rasel/internal/ident"
	"github.com/saharalabs/rasel/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "rasel.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustID(t *testing.T) string {
	t.Helper()
	id, err := ident.NewID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	return id
}

func newTestMessage(t *testing.T) *types.Message {
	t.Helper()
	return &types.Message{
		ID:         mustID(t),
		Phone:      "966501234567",
		Direction:  types.DirectionOutbound,
		Kind:       types.KindText,
		Status:     types.StatusPending,
		Priority:   types.PriorityNormal,
		Content:    "hello",
		MaxRetries: 3,
		CreatedAt:  time.Now().UnixMilli(),
	}
}

func TestMessageRoundTripAndIndexes(t *testing.T) {
	s := newTestStore(t)

	m := newTestMessage(t)
	m.ProviderMessageID = "wamid.test.1"
	m.CampaignID = mustID(t)
	if err := s.PutMessage(m); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.GetMessage(m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != "hello" || got.Status != types.StatusPending {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	byPMID, err := s.GetMessageByProviderID("wamid.test.1")
	if err != nil {
		t.Fatalf("get by provider id: %v", err)
	}
	if byPMID.ID != m.ID {
		t.Fatalf("provider index resolved %s, want %s", byPMID.ID, m.ID)
	}

	byCampaign, err := s.MessagesByCampaign(m.CampaignID)
	if err != nil {
		t.Fatalf("by campaign: %v", err)
	}
	if len(byCampaign) != 1 || byCampaign[0].ID != m.ID {
		t.Fatalf("campaign index returned %d messages", len(byCampaign))
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetMessage("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if _, err := s.GetCustomerByPhone("123"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestUpdateMessagePersists(t *testing.T) {
	s := newTestStore(t)
	m := newTestMessage(t)
	if err := s.PutMessage(m); err != nil {
		t.Fatalf("put: %v", err)
	}

	_, err := s.UpdateMessage(m.ID, func(m *types.Message) error {
		m.Status = types.StatusSent
		m.ProviderMessageID = "wamid.test.2"
		m.SentAt = time.Now().UnixMilli()
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetMessageByProviderID("wamid.test.2")
	if err != nil {
		t.Fatalf("provider index after update: %v", err)
	}
	if got.Status != types.StatusSent {
		t.Fatalf("status = %s, want sent", got.Status)
	}
}

func TestRetryCandidates(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UnixMilli()

	due := newTestMessage(t)
	due.Status = types.StatusFailed
	due.RetryCount = 1
	due.NextRetryAt = now - 1000

	notDue := newTestMessage(t)
	notDue.Status = types.StatusFailed
	notDue.NextRetryAt = now + 60_000

	exhausted := newTestMessage(t)
	exhausted.Status = types.StatusFailed
	exhausted.RetryCount = 3

	delivered := newTestMessage(t)
	delivered.Status = types.StatusDelivered

	neverStamped := newTestMessage(t)
	neverStamped.Status = types.StatusFailed

	for _, m := range []*types.Message{due, notDue, exhausted, delivered, neverStamped} {
		if err := s.PutMessage(m); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got, err := s.RetryCandidates(now, 100)
	if err != nil {
		t.Fatalf("retry candidates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2 (due + never stamped)", len(got))
	}
	for _, m := range got {
		if m.ID != due.ID && m.ID != neverStamped.ID {
			t.Fatalf("unexpected candidate %s", m.ID)
		}
	}

	limited, err := s.RetryCandidates(now, 1)
	if err != nil {
		t.Fatalf("retry candidates limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit ignored, got %d", len(limited))
	}
}

func TestUpsertCustomerByPhone(t *testing.T) {
	s := newTestStore(t)

	created, err := s.UpsertCustomerByPhone("966501234567", "Ali")
	if err != nil {
		t.Fatalf("upsert create: %v", err)
	}
	if created.ID == "" || !created.IsActive {
		t.Fatalf("bad created customer: %+v", created)
	}

	updated, err := s.UpsertCustomerByPhone("966501234567", "Ali M.")
	if err != nil {
		t.Fatalf("upsert update: %v", err)
	}
	if updated.ID != created.ID {
		t.Fatalf("upsert created a second customer: %s vs %s", updated.ID, created.ID)
	}
	if updated.WhatsAppName != "Ali M." {
		t.Fatalf("profile name not captured: %q", updated.WhatsAppName)
	}

	byPhone, err := s.GetCustomerByPhone("966501234567")
	if err != nil {
		t.Fatalf("get by phone: %v", err)
	}
	if byPhone.ID != created.ID {
		t.Fatalf("phone index resolved %s, want %s", byPhone.ID, created.ID)
	}
}

func TestReportsAppendInOrder(t *testing.T) {
	s := newTestStore(t)
	msgID := mustID(t)

	for _, st := range []types.Status{types.StatusSent, types.StatusDelivered, types.StatusRead} {
		r := &types.DeliveryReport{MessageID: msgID, Status: st, Timestamp: time.Now().UnixMilli()}
		if err := s.AppendReport(r); err != nil {
			t.Fatalf("append %s: %v", st, err)
		}
	}
	// A repeated status still appends a new row.
	if err := s.AppendReport(&types.DeliveryReport{MessageID: msgID, Status: types.StatusRead}); err != nil {
		t.Fatalf("append duplicate status: %v", err)
	}

	got, err := s.ReportsForMessage(msgID)
	if err != nil {
		t.Fatalf("reports: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d reports, want 4", len(got))
	}
	if got[0].Status != types.StatusSent || got[2].Status != types.StatusRead {
		t.Fatalf("reports out of order: %+v", got)
	}
}

func TestListCampaignsPaged(t *testing.T) {
	s := newTestStore(t)
	ids := make([]string, 3)
	for i := range ids {
		c := &types.Campaign{ID: mustID(t), Name: "c", Status: types.CampaignDraft}
		ids[i] = c.ID
		if err := s.PutCampaign(c); err != nil {
			t.Fatalf("put campaign: %v", err)
		}
	}

	page1, err := s.ListCampaigns("", 2)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(page1) != 2 {
		t.Fatalf("page 1 size = %d", len(page1))
	}

	page2, err := s.ListCampaigns(page1[1].ID, 2)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(page2) != 1 || page2[0].ID != ids[2] {
		t.Fatalf("page 2 = %+v", page2)
	}
}

func TestTemplateLookup(t *testing.T) {
	s := newTestStore(t)
	tpl := &types.Template{Name: "order_ready", Language: "ar", Status: types.TemplateApproved}
	if err := s.PutTemplate(tpl); err != nil {
		t.Fatalf("put template: %v", err)
	}

	got, err := s.GetTemplate("order_ready", "ar")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.CanBeUsed() {
		t.Fatal("approved template should be usable")
	}

	byName, err := s.GetTemplateByName("order_ready")
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if byName.Language != "ar" {
		t.Fatalf("language = %s", byName.Language)
	}

	if _, err := s.GetTemplate("order_ready", "en"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestPendingOutbound(t *testing.T) {
	s := newTestStore(t)

	pending := newTestMessage(t)

	sent := newTestMessage(t)
	sent.Status = types.StatusSent

	inbound := newTestMessage(t)
	inbound.Direction = types.DirectionInbound
	inbound.Status = types.StatusPending

	for _, m := range []*types.Message{pending, sent, inbound} {
		if err := s.PutMessage(m); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got, err := s.PendingOutbound(100)
	if err != nil {
		t.Fatalf("pending outbound: %v", err)
	}
	if len(got) != 1 || got[0].ID != pending.ID {
		t.Fatalf("got %d candidates, want only the pending outbound message", len(got))
	}
}
