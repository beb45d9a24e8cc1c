package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/tradewire/p2p-escrow/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing.
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		LogFormat:           "text",
		TradeExpiryMinutes:  30,
		ReleaseGraceMinutes: 60,
		AutoRelease:         true,
		SweepIntervalSec:    30,
		PlatformAccount:     "platform",
		ArbiterIDs:          []string{"arbiter_01"},
		MaxTradesPerDay:     10,
		MaxCancelsPerDay:    5,
		MaxDisputesPerDay:   3,
		MaxTradeAmount:      "10000",
		FraudBlockThreshold: 0.8,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func do(s *Server, method, path, actorID string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actorID != "" {
		req.Header.Set("X-Actor-ID", actorID)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("health: expected 200, got %d", w.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}

	if w := do(s, "GET", "/health/live", "", nil); w.Code != http.StatusOK {
		t.Errorf("liveness: expected 200, got %d", w.Code)
	}
	if w := do(s, "GET", "/metrics", "", nil); w.Code != http.StatusOK {
		t.Errorf("metrics: expected 200, got %d", w.Code)
	}
}

func TestIdentityRequired(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/v1/trades/trd_missing", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without identity, got %d", w.Code)
	}

	w = do(s, "GET", "/v1/trades/trd_missing", "x!", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed actor id, got %d", w.Code)
	}
}

func TestAdminRoutesRequireArbiter(t *testing.T) {
	s := newTestServer(t)

	deposit := map[string]any{"actorId": "seller_01", "amount": "500"}
	if w := do(s, "POST", "/v1/admin/deposits", "seller_01", deposit); w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-arbiter, got %d", w.Code)
	}
	if w := do(s, "POST", "/v1/admin/deposits", "arbiter_01", deposit); w.Code != http.StatusCreated {
		t.Errorf("expected 201 for arbiter, got %d: %s", w.Code, w.Body.String())
	}
}

// seedCatalog provisions an offer, a payment method, and a seller balance
// through the admin routes.
func seedCatalog(t *testing.T, s *Server) {
	t.Helper()

	steps := []struct {
		path string
		body map[string]any
	}{
		{"/v1/admin/payment-methods", map[string]any{"id": "pm_bank", "name": "Bank transfer", "enabled": true}},
		{"/v1/admin/offers", map[string]any{
			"id": "off_01", "ownerId": "seller_01", "type": "SELL",
			"currency": "USDT", "priceCurrency": "USD", "price": "1.00",
			"minAmount": "1", "maxAmount": "1000",
			"paymentMethods": []string{"pm_bank"}, "active": true,
		}},
		{"/v1/admin/deposits", map[string]any{"actorId": "seller_01", "amount": "500"}},
	}
	for _, step := range steps {
		if w := do(s, "POST", step.path, "arbiter_01", step.body); w.Code != http.StatusCreated {
			t.Fatalf("seed %s: expected 201, got %d: %s", step.path, w.Code, w.Body.String())
		}
	}
}

func createTrade(t *testing.T, s *Server) string {
	t.Helper()
	w := do(s, "POST", "/v1/trades", "buyer_01", map[string]any{
		"offerId":         "off_01",
		"buyerId":         "buyer_01",
		"sellerId":        "seller_01",
		"amount":          "100",
		"paymentMethodId": "pm_bank",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create trade: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Trade struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"trade"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse create response: %v", err)
	}
	if resp.Trade.Status != "PENDING" {
		t.Fatalf("trade status = %s, want PENDING", resp.Trade.Status)
	}
	return resp.Trade.ID
}

func TestTradeLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	seedCatalog(t, s)
	id := createTrade(t, s)

	// Seller cannot confirm the buyer's payment.
	w := do(s, "POST", fmt.Sprintf("/v1/trades/%s/confirm-payment", id), "seller_01", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("seller confirm: expected 403, got %d", w.Code)
	}

	w = do(s, "POST", fmt.Sprintf("/v1/trades/%s/confirm-payment", id), "buyer_01",
		map[string]any{"paymentReference": "wire-123"})
	if w.Code != http.StatusOK {
		t.Fatalf("confirm: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Releasing twice conflicts.
	w = do(s, "POST", fmt.Sprintf("/v1/trades/%s/release", id), "seller_01", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("release: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = do(s, "POST", fmt.Sprintf("/v1/trades/%s/release", id), "seller_01", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("double release: expected 409, got %d", w.Code)
	}

	// Buyer's wallet now holds the escrowed amount.
	w = do(s, "GET", "/v1/actors/buyer_01/balance", "buyer_01", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("balance: expected 200, got %d", w.Code)
	}
	var balResp struct {
		Balance struct {
			Available string `json:"available"`
		} `json:"balance"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &balResp); err != nil {
		t.Fatalf("parse balance: %v", err)
	}
	if balResp.Balance.Available != "100.00000000" {
		t.Errorf("buyer available = %s, want 100.00000000", balResp.Balance.Available)
	}

	// Other actors cannot peek at the wallet.
	if w := do(s, "GET", "/v1/actors/buyer_01/balance", "seller_01", nil); w.Code != http.StatusForbidden {
		t.Errorf("foreign balance read: expected 403, got %d", w.Code)
	}
}

func TestCreateTradeCallerRules(t *testing.T) {
	s := newTestServer(t)
	seedCatalog(t, s)

	body := map[string]any{
		"offerId":         "off_01",
		"buyerId":         "buyer_01",
		"sellerId":        "seller_01",
		"amount":          "100",
		"paymentMethodId": "pm_bank",
	}

	// A caller outside the trade cannot open it.
	if w := do(s, "POST", "/v1/trades", "lurker_01", body); w.Code != http.StatusForbidden {
		t.Errorf("outsider create: expected 403, got %d: %s", w.Code, w.Body.String())
	}

	// The seller owns off_01, so only the buyer may respond to it.
	if w := do(s, "POST", "/v1/trades", "seller_01", body); w.Code != http.StatusForbidden {
		t.Errorf("sell offer owner create: expected 403, got %d: %s", w.Code, w.Body.String())
	}

	// A BUY offer reverses the roles: the seller opens the trade.
	w := do(s, "POST", "/v1/admin/offers", "arbiter_01", map[string]any{
		"id": "off_buy", "ownerId": "buyer_01", "type": "BUY",
		"currency": "USDT", "priceCurrency": "USD", "price": "1.00",
		"paymentMethods": []string{"pm_bank"}, "active": true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("seed buy offer: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	buyBody := map[string]any{
		"offerId":         "off_buy",
		"buyerId":         "buyer_01",
		"sellerId":        "seller_01",
		"amount":          "100",
		"paymentMethodId": "pm_bank",
	}
	if w := do(s, "POST", "/v1/trades", "buyer_01", buyBody); w.Code != http.StatusForbidden {
		t.Errorf("buy offer owner create: expected 403, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(s, "POST", "/v1/trades", "seller_01", buyBody); w.Code != http.StatusCreated {
		t.Errorf("seller create on buy offer: expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func TestDisputeFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)
	seedCatalog(t, s)
	id := createTrade(t, s)

	w := do(s, "POST", fmt.Sprintf("/v1/trades/%s/dispute", id), "buyer_01",
		map[string]any{"reason": "seller unresponsive"})
	if w.Code != http.StatusOK {
		t.Fatalf("dispute: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var dispResp struct {
		Trade struct {
			Status    string `json:"status"`
			DisputeID string `json:"disputeId"`
		} `json:"trade"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &dispResp); err != nil {
		t.Fatalf("parse dispute response: %v", err)
	}
	if dispResp.Trade.Status != "DISPUTED" || dispResp.Trade.DisputeID == "" {
		t.Fatalf("trade = %+v", dispResp.Trade)
	}
	disputeID := dispResp.Trade.DisputeID

	// The frozen trade rejects cancellation.
	if w := do(s, "POST", fmt.Sprintf("/v1/trades/%s/cancel", id), "buyer_01", nil); w.Code != http.StatusConflict {
		t.Errorf("cancel while disputed: expected 409, got %d", w.Code)
	}

	// Participants talk, arbiter resolves.
	w = do(s, "POST", fmt.Sprintf("/v1/disputes/%s/messages", disputeID), "seller_01",
		map[string]any{"body": "I am here, payment never arrived"})
	if w.Code != http.StatusCreated {
		t.Errorf("message: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	if w := do(s, "POST", fmt.Sprintf("/v1/disputes/%s/resolve", disputeID), "buyer_01",
		map[string]any{"outcome": "RESOLVED_BUYER"}); w.Code != http.StatusForbidden {
		t.Errorf("participant resolve: expected 403, got %d", w.Code)
	}

	w = do(s, "POST", fmt.Sprintf("/v1/disputes/%s/resolve", disputeID), "arbiter_01",
		map[string]any{"outcome": "RESOLVED_SPLIT", "splitRatio": 0.5})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Terminal: no more messages.
	w = do(s, "POST", fmt.Sprintf("/v1/disputes/%s/messages", disputeID), "buyer_01",
		map[string]any{"body": "one more thing"})
	if w.Code != http.StatusConflict {
		t.Errorf("post-resolve message: expected 409, got %d", w.Code)
	}

	// Trade ledger shows the settlement and a fully consumed escrow.
	w = do(s, "GET", fmt.Sprintf("/v1/trades/%s/ledger", id), "buyer_01", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("trade ledger: expected 200, got %d", w.Code)
	}
	var ledgerResp struct {
		Remaining string `json:"remaining"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &ledgerResp); err != nil {
		t.Fatalf("parse ledger: %v", err)
	}
	if ledgerResp.Remaining != "0.00000000" {
		t.Errorf("remaining = %s, want 0.00000000", ledgerResp.Remaining)
	}
}

func TestFraudBlockedOverHTTP(t *testing.T) {
	s := newTestServer(t)
	seedCatalog(t, s)

	// An unbounded offer so the fraud amount ceiling is the binding limit.
	w := do(s, "POST", "/v1/admin/offers", "arbiter_01", map[string]any{
		"id": "off_big", "ownerId": "seller_01", "type": "SELL",
		"currency": "USDT", "priceCurrency": "USD", "price": "1.00",
		"paymentMethods": []string{"pm_bank"}, "active": true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("seed big offer: %d", w.Code)
	}

	w = do(s, "POST", "/v1/trades", "buyer_01", map[string]any{
		"offerId":         "off_big",
		"buyerId":         "buyer_01",
		"sellerId":        "seller_01",
		"amount":          "10000.00000001",
		"paymentMethodId": "pm_bank",
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("fraud block: expected 403, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp["error"] != "fraud_blocked" {
		t.Errorf("error code = %v, want fraud_blocked", resp["error"])
	}
}
