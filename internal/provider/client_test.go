package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/saharalabs/rasel/internal/ratelimit"
	"github.com/saharalabs/rasel/internal/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *ratelimit.Limiter) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	limiter := ratelimit.New(ratelimit.Options{
		GlobalPerSecond: 10_000,
		GlobalBurst:     10_000,
		AcquireTimeout:  time.Second,
	})
	c := New(Options{
		BaseURL:       srv.URL,
		APIVersion:    "v18.0",
		PhoneNumberID: "12345",
		BusinessID:    "67890",
		AccessToken:   "token-abc",
	}, limiter, nil)
	return c, limiter
}

func TestSendTextSuccess(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "wamid.123"}},
		})
	})

	id, err := c.SendText(context.Background(), "966501234567", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "wamid.123" {
		t.Fatalf("id = %q", id)
	}
	if gotPath != "/v18.0/12345/messages" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer token-abc" {
		t.Fatalf("auth = %q", gotAuth)
	}
	if gotBody["messaging_product"] != "whatsapp" || gotBody["type"] != "text" {
		t.Fatalf("body = %v", gotBody)
	}
}

func TestSendTemplateParamsOrdered(t *testing.T) {
	var gotBody struct {
		Type     string `json:"type"`
		Template struct {
			Name     string `json:"name"`
			Language struct {
				Code string `json:"code"`
			} `json:"language"`
			Components []struct {
				Type       string `json:"type"`
				Parameters []struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"parameters"`
			} `json:"components"`
		} `json:"template"`
	}

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "wamid.tpl"}},
		})
	})

	_, err := c.SendTemplate(context.Background(), "966501234567", "order_ready", "ar", []string{"Ali", "42"})
	if err != nil {
		t.Fatalf("send template: %v", err)
	}
	if gotBody.Template.Name != "order_ready" || gotBody.Template.Language.Code != "ar" {
		t.Fatalf("template = %+v", gotBody.Template)
	}
	params := gotBody.Template.Components[0].Parameters
	if len(params) != 2 || params[0].Text != "Ali" || params[1].Text != "42" {
		t.Fatalf("params = %+v", params)
	}
}

func TestSendMediaRejectsNonMediaKind(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	if _, err := c.SendMedia(context.Background(), "966501234567", types.KindText, "http://x/img.jpg", ""); err == nil {
		t.Fatal("expected error for non-media kind")
	}
}

func TestProviderErrorParsed(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Recipient not valid","code":131026,"error_data":{"details":"not on whatsapp"}}}`))
	})

	_, err := c.SendText(context.Background(), "123", "hi")
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if pe.Code != "131026" || pe.Title != "Recipient not valid" {
		t.Fatalf("error = %+v", pe)
	}
	if pe.Retryable() {
		t.Fatal("4xx rejection must not be retryable")
	}
}

func TestThrottleFeedsBackoff(t *testing.T) {
	c, limiter := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"Too many requests","code":130429}}`))
	})

	_, err := c.SendText(context.Background(), "966501234567", "hi")
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if !pe.Retryable() || !pe.Throttled() {
		t.Fatalf("429 should be retryable and throttled: %+v", pe)
	}
	if b := limiter.StatsFor(ratelimit.CategoryMessaging).CurrentBackoff; b <= 0 {
		t.Fatalf("throttle did not arm the limiter backoff: %v", b)
	}
}

func TestServerErrorRetryable(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.SendText(context.Background(), "966501234567", "hi")
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if !pe.Retryable() {
		t.Fatal("5xx must be retryable")
	}
}

func TestUploadMedia(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if r.FormValue("messaging_product") != "whatsapp" {
			t.Errorf("messaging_product = %q", r.FormValue("messaging_product"))
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "media.99"})
	})

	id, err := c.UploadMedia(context.Background(), "menu.jpg", "image/jpeg", strings.NewReader("jpegbytes"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if id != "media.99" {
		t.Fatalf("media id = %q", id)
	}
}

func TestSyncTemplates(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v18.0/67890/message_templates") {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"name": "order_ready", "language": "ar", "category": "UTILITY", "status": "APPROVED"},
				{"name": "promo", "language": "en", "category": "MARKETING", "status": "REJECTED"},
			},
		})
	})

	tpls, err := c.SyncTemplates(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(tpls) != 2 {
		t.Fatalf("got %d templates", len(tpls))
	}
	if tpls[0].Status != types.TemplateApproved || !tpls[0].CanBeUsed() {
		t.Fatalf("template 0 = %+v", tpls[0])
	}
	if tpls[1].CanBeUsed() {
		t.Fatal("rejected template must not be usable")
	}
}
