// Package store is the persistence layer: a single bbolt file holding
// customers, messages, delivery reports, campaigns and templates, plus the
// secondary indexes the rest of the system queries through (phone → customer,
// provider message ID → message, campaign → messages).
//
// Values are JSON. Records are only extended, never rewritten incompatibly,
// so a store written by an older build always stays readable.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/saharalabs/rasel/internal/ident"
	"github.com/saharalabs/rasel/internal/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

var (
	bucketCustomers     = []byte("customers")
	bucketCustomerPhone = []byte("customers_phone")
	bucketMessages      = []byte("messages")
	bucketMsgProvider   = []byte("messages_provider")
	bucketMsgCampaign   = []byte("messages_campaign")
	bucketReports       = []byte("reports")
	bucketCampaigns     = []byte("campaigns")
	bucketTemplates     = []byte("templates")
)

// Store wraps the bbolt database. Safe for concurrent use; bbolt serializes
// writers internally.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketCustomers, bucketCustomerPhone,
			bucketMessages, bucketMsgProvider, bucketMsgCampaign,
			bucketReports, bucketCampaigns, bucketTemplates,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init: %w", err)
	}

	return &Store{db: db}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error { return s.db.Close() }

// ─── Customers ───────────────────────────────────────────────────────────────

// PutCustomer writes c and maintains the phone index.
func (s *Store) PutCustomer(c *types.Customer) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("store: marshal customer: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketCustomers).Put([]byte(c.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketCustomerPhone).Put([]byte(c.Phone), []byte(c.ID))
	})
}

// GetCustomer returns the customer with the given ID.
func (s *Store) GetCustomer(id string) (*types.Customer, error) {
	var c types.Customer
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketCustomers), []byte(id), &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCustomerByPhone resolves the normalized phone through the index.
func (s *Store) GetCustomerByPhone(phone string) (*types.Customer, error) {
	var c types.Customer
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketCustomerPhone).Get([]byte(phone))
		if id == nil {
			return ErrNotFound
		}
		return getJSON(tx.Bucket(bucketCustomers), id, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertCustomerByPhone finds or creates a customer for the normalized phone.
// The WhatsApp profile name is captured on both paths; an existing record is
// only rewritten when the name actually changed.
func (s *Store) UpsertCustomerByPhone(phone, whatsappName string) (*types.Customer, error) {
	now := time.Now().UnixMilli()
	var out types.Customer
	err := s.db.Update(func(tx *bolt.Tx) error {
		customers := tx.Bucket(bucketCustomers)
		phones := tx.Bucket(bucketCustomerPhone)

		if id := phones.Get([]byte(phone)); id != nil {
			if err := getJSON(customers, id, &out); err != nil {
				return err
			}
			if whatsappName == "" || out.WhatsAppName == whatsappName {
				return nil
			}
			out.WhatsAppName = whatsappName
			out.UpdatedAt = now
			return putJSON(customers, []byte(out.ID), &out)
		}

		id, err := ident.NewID()
		if err != nil {
			return err
		}
		out = types.Customer{
			ID:           id,
			Phone:        phone,
			WhatsAppName: whatsappName,
			IsActive:     true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := putJSON(customers, []byte(id), &out); err != nil {
			return err
		}
		return phones.Put([]byte(phone), []byte(id))
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListCustomers returns every customer. The dataset is bounded (one
// restaurant's contact book), so no pagination at this layer.
func (s *Store) ListCustomers() ([]*types.Customer, error) {
	var out []*types.Customer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCustomers).ForEach(func(_, v []byte) error {
			var c types.Customer
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, &c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ─── Messages ────────────────────────────────────────────────────────────────

// PutMessage writes m and maintains the provider-ID and campaign indexes.
func (s *Store) PutMessage(m *types.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("store: marshal message: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketMessages).Put([]byte(m.ID), data); err != nil {
			return err
		}
		if m.ProviderMessageID != "" {
			if err := tx.Bucket(bucketMsgProvider).Put([]byte(m.ProviderMessageID), []byte(m.ID)); err != nil {
				return err
			}
		}
		if m.CampaignID != "" {
			key := campaignMsgKey(m.CampaignID, m.ID)
			if err := tx.Bucket(bucketMsgCampaign).Put(key, []byte(m.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetMessage returns the message with the given ID.
func (s *Store) GetMessage(id string) (*types.Message, error) {
	var m types.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketMessages), []byte(id), &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessageByProviderID resolves a provider message ID (wamid) through the
// index.
func (s *Store) GetMessageByProviderID(pmid string) (*types.Message, error) {
	var m types.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketMsgProvider).Get([]byte(pmid))
		if id == nil {
			return ErrNotFound
		}
		return getJSON(tx.Bucket(bucketMessages), id, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateMessage applies fn to the stored message inside one write
// transaction, then persists the result and refreshes indexes. fn returning
// an error aborts the update.
func (s *Store) UpdateMessage(id string, fn func(*types.Message) error) (*types.Message, error) {
	var m types.Message
	err := s.db.Update(func(tx *bolt.Tx) error {
		messages := tx.Bucket(bucketMessages)
		if err := getJSON(messages, []byte(id), &m); err != nil {
			return err
		}
		if err := fn(&m); err != nil {
			return err
		}
		if err := putJSON(messages, []byte(id), &m); err != nil {
			return err
		}
		if m.ProviderMessageID != "" {
			return tx.Bucket(bucketMsgProvider).Put([]byte(m.ProviderMessageID), []byte(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// RetryCandidates returns up to limit failed messages whose retry budget is
// not exhausted and whose next_retry_at has passed (or was never set).
// now is UTC milliseconds.
func (s *Store) RetryCandidates(now int64, limit int) ([]*types.Message, error) {
	var out []*types.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMessages).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m types.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.Status != types.StatusFailed || m.RetryCount >= m.MaxRetries {
				continue
			}
			if m.NextRetryAt != 0 && m.NextRetryAt > now {
				continue
			}
			out = append(out, &m)
			if len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PendingOutbound returns up to limit outbound messages still in pending
// state. Used at startup to rebuild the in-memory send queue after a crash.
func (s *Store) PendingOutbound(limit int) ([]*types.Message, error) {
	var out []*types.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMessages).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m types.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.Status != types.StatusPending || m.Direction != types.DirectionOutbound {
				continue
			}
			out = append(out, &m)
			if len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MessagesByCampaign returns every message enqueued for the campaign, in
// creation order (message IDs are ULIDs).
func (s *Store) MessagesByCampaign(campaignID string) ([]*types.Message, error) {
	prefix := []byte(campaignID + "/")
	var out []*types.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		messages := tx.Bucket(bucketMessages)
		c := tx.Bucket(bucketMsgCampaign).Cursor()
		for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
			var m types.Message
			if err := getJSON(messages, id, &m); err != nil {
				return err
			}
			out = append(out, &m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountByCampaignStatus tallies the campaign's messages per status.
func (s *Store) CountByCampaignStatus(campaignID string) (map[types.Status]int, error) {
	counts := make(map[types.Status]int)
	msgs, err := s.MessagesByCampaign(campaignID)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		counts[m.Status]++
	}
	return counts, nil
}

// ─── Delivery reports ────────────────────────────────────────────────────────

// AppendReport stores r keyed under its message so reports for one message
// form a contiguous, time-ordered key range.
func (s *Store) AppendReport(r *types.DeliveryReport) error {
	if r.ID == "" {
		id, err := ident.NewID()
		if err != nil {
			return err
		}
		r.ID = id
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: marshal report: %w", err)
	}
	key := []byte(r.MessageID + "/" + r.ID)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReports).Put(key, data)
	})
}

// ReportsForMessage returns the message's delivery reports in append order.
func (s *Store) ReportsForMessage(messageID string) ([]*types.DeliveryReport, error) {
	prefix := []byte(messageID + "/")
	var out []*types.DeliveryReport
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketReports).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r types.DeliveryReport
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, &r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ─── Campaigns ───────────────────────────────────────────────────────────────

// PutCampaign writes c.
func (s *Store) PutCampaign(c *types.Campaign) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("store: marshal campaign: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaigns).Put([]byte(c.ID), data)
	})
}

// UpdateCampaign applies fn to the stored campaign inside one write
// transaction. Concurrent writers (executor progress vs. lifecycle verbs)
// must use this so neither overwrites the other's fields.
func (s *Store) UpdateCampaign(id string, fn func(*types.Campaign) error) (*types.Campaign, error) {
	var c types.Campaign
	err := s.db.Update(func(tx *bolt.Tx) error {
		campaigns := tx.Bucket(bucketCampaigns)
		if err := getJSON(campaigns, []byte(id), &c); err != nil {
			return err
		}
		if err := fn(&c); err != nil {
			return err
		}
		return putJSON(campaigns, []byte(id), &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCampaign returns the campaign with the given ID.
func (s *Store) GetCampaign(id string) (*types.Campaign, error) {
	var c types.Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketCampaigns), []byte(id), &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCampaigns returns a page of campaigns in ID (creation) order.
// afterID is exclusive; pass "" for the first page.
func (s *Store) ListCampaigns(afterID string, limit int) ([]*types.Campaign, error) {
	var out []*types.Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCampaigns).Cursor()
		var k, v []byte
		if afterID == "" {
			k, v = c.First()
		} else {
			k, v = c.Seek([]byte(afterID))
			if k != nil && string(k) == afterID {
				k, v = c.Next()
			}
		}
		for ; k != nil; k, v = c.Next() {
			var cam types.Campaign
			if err := json.Unmarshal(v, &cam); err != nil {
				return err
			}
			out = append(out, &cam)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ─── Templates ───────────────────────────────────────────────────────────────

// PutTemplate writes t keyed by name/language.
func (s *Store) PutTemplate(t *types.Template) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("store: marshal template: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).Put([]byte(t.Key()), data)
	})
}

// GetTemplate returns the template registered under name and language.
func (s *Store) GetTemplate(name, language string) (*types.Template, error) {
	var t types.Template
	key := name + "/" + language
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketTemplates), []byte(key), &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTemplateByName returns the first template with the given name in any
// language. Webhook template-status events carry no language field.
func (s *Store) GetTemplateByName(name string) (*types.Template, error) {
	prefix := []byte(name + "/")
	var t types.Template
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTemplates).Cursor()
		k, v := c.Seek(prefix)
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return ErrNotFound
		}
		found = true
		return json.Unmarshal(v, &t)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &t, nil
}

// ListTemplates returns every registered template.
func (s *Store) ListTemplates() ([]*types.Template, error) {
	var out []*types.Template
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).ForEach(func(_, v []byte) error {
			var t types.Template
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, &t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func campaignMsgKey(campaignID, messageID string) []byte {
	return []byte(campaignID + "/" + messageID)
}

func getJSON(b *bolt.Bucket, key []byte, dst any) error {
	v := b.Get(key)
	if v == nil {
		return ErrNotFound
	}
	return json.Unmarshal(v, dst)
}

func putJSON(b *bolt.Bucket, key []byte, src any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}
