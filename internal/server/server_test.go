package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/freeflowhq/marketplace/internal/config"
	"github.com/freeflowhq/marketplace/internal/payment"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Port:             "0",
		Env:              "development",
		LogLevel:         "error",
		ServiceFeeRate:   0.05,
		AutoAcceptGrace:  72 * time.Hour,
		ResponseDeadline: 48 * time.Hour,
		ProposalExpiry:   72 * time.Hour,
		AppealLimit:      2,
	}
	s, err := New(cfg, WithGateway(payment.NewFakeGateway()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func doJSON(t *testing.T, s *Server, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/health/live", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("liveness = %d, want 200", w.Code)
	}

	// No checkers registered in memory mode, so /health is healthy.
	w = doJSON(t, s, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("health = %d, want 200", w.Code)
	}
}

func TestIdentityRequired(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/v1/orders", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without X-User-ID", w.Code)
	}
}

func TestOrderFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)

	// Buyer orders the seeded demo listing.
	w := doJSON(t, s, http.MethodPost, "/v1/orders", "usr_httpbuyer",
		`{"listingId":"lst_demo_logo","packageName":"basic","requirements":"round logo, blue"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create order = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Order struct {
			ID         string `json:"id"`
			Status     string `json:"status"`
			TotalCents int64  `json:"totalCents"`
		} `json:"order"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	created := resp.Order
	if created.Status != "requirements_submitted" {
		t.Errorf("status = %s, want requirements_submitted with inline requirements", created.Status)
	}
	if created.TotalCents != 5250 {
		t.Errorf("total = %d, want 5250 (5000 + 5%% fee)", created.TotalCents)
	}

	// Seller starts work.
	w = doJSON(t, s, http.MethodPost, "/v1/orders/"+created.ID+"/start", "usr_demo_seller", "")
	if w.Code != http.StatusOK {
		t.Fatalf("start work = %d, body %s", w.Code, w.Body.String())
	}

	// A stranger cannot read the order.
	w = doJSON(t, s, http.MethodGet, "/v1/orders/"+created.ID, "usr_nobody", "")
	if w.Code != http.StatusForbidden {
		t.Errorf("stranger get = %d, want 403", w.Code)
	}

	// The buyer can.
	w = doJSON(t, s, http.MethodGet, "/v1/orders/"+created.ID, "usr_httpbuyer", "")
	if w.Code != http.StatusOK {
		t.Errorf("buyer get = %d, want 200", w.Code)
	}
}

func TestDisputeFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/v1/orders", "usr_httpbuyer",
		`{"listingId":"lst_demo_copy","packageName":"basic","requirements":"landing page"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create order = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Order struct {
			ID string `json:"id"`
		} `json:"order"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	created := resp.Order
	if w := doJSON(t, s, http.MethodPost, "/v1/orders/"+created.ID+"/start", "usr_demo_seller", ""); w.Code != http.StatusOK {
		t.Fatalf("start work = %d", w.Code)
	}

	w = doJSON(t, s, http.MethodPost, "/v1/disputes", "usr_httpbuyer",
		`{"orderId":"`+created.ID+`","type":"quality_issue","subject":"Wrong tone","description":"Copy ignores the brief","disputedAmountCents":4000}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("open dispute = %d, body %s", w.Code, w.Body.String())
	}
	var dresp struct {
		Dispute struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"dispute"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &dresp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dresp.Dispute.Status != "response_pending" {
		t.Errorf("dispute status = %s, want response_pending", dresp.Dispute.Status)
	}

	// A second dispute on the same order conflicts.
	w = doJSON(t, s, http.MethodPost, "/v1/disputes", "usr_demo_seller",
		`{"orderId":"`+created.ID+`","type":"other","subject":"x","description":"y","disputedAmountCents":1000}`)
	if w.Code != http.StatusConflict {
		t.Errorf("second dispute = %d, want 409", w.Code)
	}
}

func TestAdminReconciliationRoutes(t *testing.T) {
	s := newTestServer(t)

	// Development mode with no admin secret lets callers through.
	w := doJSON(t, s, http.MethodGet, "/v1/admin/reconciliation", "usr_ops", "")
	if w.Code != http.StatusOK {
		t.Fatalf("reconciliation status = %d, body %s", w.Code, w.Body.String())
	}
	var status struct {
		Depth int `json:"depth"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Depth != 0 {
		t.Errorf("depth = %d, want 0", status.Depth)
	}
}

func TestAdminSecretEnforced(t *testing.T) {
	cfg := &config.Config{
		Port:             "0",
		Env:              "development",
		LogLevel:         "error",
		ServiceFeeRate:   0.05,
		AutoAcceptGrace:  72 * time.Hour,
		ResponseDeadline: 48 * time.Hour,
		ProposalExpiry:   72 * time.Hour,
		AppealLimit:      2,
		AdminSecret:      "hunter2",
	}
	s, err := New(cfg, WithGateway(payment.NewFakeGateway()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	w := doJSON(t, s, http.MethodGet, "/v1/admin/reconciliation", "usr_ops", "")
	if w.Code != http.StatusForbidden {
		t.Errorf("no secret = %d, want 403", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation", nil)
	req.Header.Set("X-User-ID", "usr_ops")
	req.Header.Set("X-Admin-Secret", "hunter2")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("with secret = %d, want 200", rec.Code)
	}
}
