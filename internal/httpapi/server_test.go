package httpapi_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	"github.com/teranga-mobility/driverledger/internal/httpapi"
	"github.com/teranga-mobility/driverledger/internal/store/gormstore"
	"github.com/teranga-mobility/driverledger/pkg/ledger"
)

const (
	webhookSecret = "webhook-secret"
	webhookIssuer = "payment-gateway"
	testDriverID  = "driver-1"
)

type apiFixture struct {
	server  *httptest.Server
	service *ledger.Service
	client  *http.Client
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(t.TempDir()+"/driverledger.db"), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open failed: %v", err)
	}
	store := gormstore.New(database)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	currentTime := func() int64 { return time.Now().UTC().Unix() }
	service, err := ledger.NewService(store, currentTime)
	if err != nil {
		t.Fatalf("service init failed: %v", err)
	}
	cfg := httpapi.Config{
		ListenAddr:     ":0",
		AllowedOrigins: []string{"http://localhost:3000"},
		WebhookSecret:  webhookSecret,
		WebhookIssuer:  webhookIssuer,
		RequestTimeout: 2 * time.Second,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	router := httpapi.NewRouter(cfg, service, nil)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &apiFixture{
		server:  server,
		service: service,
		client:  &http.Client{Timeout: 2 * time.Second},
	}
}

func (fixture *apiFixture) post(t *testing.T, path string, body map[string]any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	return fixture.do(t, http.MethodPost, path, body, headers)
}

func (fixture *apiFixture) do(t *testing.T, method string, path string, body map[string]any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	request, err := http.NewRequest(method, fixture.server.URL+path, &payload)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	response, err := fixture.client.Do(request)
	if err != nil {
		t.Fatalf("request %s %s: %v", method, path, err)
	}
	defer response.Body.Close()
	decoded := map[string]any{}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return response, decoded
}

func (fixture *apiFixture) enrollDriver(t *testing.T) {
	t.Helper()
	enrollPath := fmt.Sprintf("/v1/drivers/%s/prepaid-enrollment", testDriverID)
	response, _ := fixture.do(t, http.MethodPut, enrollPath, map[string]any{"enabled": true}, nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("enrollment failed with %d", response.StatusCode)
	}
	destinationPath := fmt.Sprintf("/v1/drivers/%s/destination", testDriverID)
	response, _ = fixture.do(t, http.MethodPut, destinationPath, map[string]any{
		"msisdn":      "+221770000000",
		"operator":    "wave",
		"holder_name": "Awa Diop",
	}, nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("destination setup failed with %d", response.StatusCode)
	}
}

func (fixture *apiFixture) topUp(t *testing.T, amountCents int64) {
	t.Helper()
	response, body := fixture.post(t, "/v1/recharges", map[string]any{
		"driver_id":    testDriverID,
		"amount_cents": amountCents,
		"method":       "wave",
	}, nil)
	if response.StatusCode != http.StatusAccepted {
		t.Fatalf("recharge initiation failed with %d: %v", response.StatusCode, body)
	}
	reference, _ := body["reference"].(string)
	if reference == "" {
		t.Fatalf("missing recharge reference in %v", body)
	}
	response, body = fixture.post(t, "/v1/webhooks/recharge", map[string]any{
		"reference": reference,
		"outcome":   "success",
	}, map[string]string{"Authorization": "Bearer " + signWebhookToken(t, webhookSecret, webhookIssuer)})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("recharge confirmation failed with %d: %v", response.StatusCode, body)
	}
}

func signWebhookToken(t *testing.T, secret string, issuer string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": issuer,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestCommissionSettlementOverHTTP(t *testing.T) {
	fixture := newAPIFixture(t)
	fixture.enrollDriver(t)
	fixture.topUp(t, 10_000)

	response, body := fixture.post(t, "/v1/commissions", map[string]any{
		"driver_id":           testDriverID,
		"amount_cents":        3_000,
		"ride_id":             "ride-1",
		"ride_reservation_id": "res-1",
	}, nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("commission failed with %d: %v", response.StatusCode, body)
	}
	account, _ := body["account"].(map[string]any)
	if account["balance_cents"] != float64(7_000) {
		t.Fatalf("unexpected balance %v", account["balance_cents"])
	}

	// Same ride settles once; the retry reports a replay.
	response, body = fixture.post(t, "/v1/commissions", map[string]any{
		"driver_id":           testDriverID,
		"amount_cents":        3_000,
		"ride_id":             "ride-1",
		"ride_reservation_id": "res-1",
	}, nil)
	if response.StatusCode != http.StatusOK || body["status"] != "replay" {
		t.Fatalf("expected replay, got %d: %v", response.StatusCode, body)
	}

	response, body = fixture.post(t, "/v1/commissions", map[string]any{
		"driver_id":           testDriverID,
		"amount_cents":        100_000,
		"ride_id":             "ride-2",
		"ride_reservation_id": "res-2",
	}, nil)
	if response.StatusCode != http.StatusConflict {
		t.Fatalf("expected insufficient funds conflict, got %d: %v", response.StatusCode, body)
	}
}

func TestUnenrolledDriverCannotOweCommission(t *testing.T) {
	fixture := newAPIFixture(t)

	response, body := fixture.post(t, "/v1/commissions", map[string]any{
		"driver_id":           testDriverID,
		"amount_cents":        3_000,
		"ride_id":             "ride-1",
		"ride_reservation_id": "res-1",
	}, nil)
	if response.StatusCode != http.StatusConflict {
		t.Fatalf("expected enrollment conflict, got %d: %v", response.StatusCode, body)
	}
	errorBody, _ := body["error"].(map[string]any)
	if errorBody["code"] != "not_enrolled" {
		t.Fatalf("unexpected error code %v", errorBody)
	}
}

func TestWebhookRequiresSignature(t *testing.T) {
	fixture := newAPIFixture(t)

	response, _ := fixture.post(t, "/v1/webhooks/recharge", map[string]any{
		"reference": "rc-whatever",
		"outcome":   "success",
	}, nil)
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unsigned webhook must be rejected, got %d", response.StatusCode)
	}

	response, _ = fixture.post(t, "/v1/webhooks/recharge", map[string]any{
		"reference": "rc-whatever",
		"outcome":   "success",
	}, map[string]string{"Authorization": "Bearer " + signWebhookToken(t, "wrong-secret", webhookIssuer)})
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("tampered webhook must be rejected, got %d", response.StatusCode)
	}
}

func TestRechargeWebhookReplayReportsSuccess(t *testing.T) {
	fixture := newAPIFixture(t)
	fixture.enrollDriver(t)

	response, body := fixture.post(t, "/v1/recharges", map[string]any{
		"driver_id":    testDriverID,
		"amount_cents": 5_000,
		"method":       "orange_money",
	}, nil)
	if response.StatusCode != http.StatusAccepted {
		t.Fatalf("recharge initiation failed with %d", response.StatusCode)
	}
	reference := body["reference"].(string)
	headers := map[string]string{"Authorization": "Bearer " + signWebhookToken(t, webhookSecret, webhookIssuer)}

	confirm := map[string]any{"reference": reference, "outcome": "success", "fee_cents": 50}
	response, body = fixture.post(t, "/v1/webhooks/recharge", confirm, headers)
	if response.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("confirmation failed with %d: %v", response.StatusCode, body)
	}
	account := body["account"].(map[string]any)
	if account["balance_cents"] != float64(4_950) {
		t.Fatalf("unexpected balance %v", account["balance_cents"])
	}

	response, body = fixture.post(t, "/v1/webhooks/recharge", confirm, headers)
	if response.StatusCode != http.StatusOK || body["status"] != "replay" {
		t.Fatalf("redelivery must report replay, got %d: %v", response.StatusCode, body)
	}

	response, body = fixture.post(t, "/v1/webhooks/recharge", map[string]any{
		"reference": "rc-unknown",
		"outcome":   "success",
	}, headers)
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown reference must 404, got %d: %v", response.StatusCode, body)
	}
}

func TestWithdrawalLifecycleOverHTTP(t *testing.T) {
	fixture := newAPIFixture(t)
	fixture.enrollDriver(t)
	fixture.topUp(t, 7_000)

	response, body := fixture.post(t, "/v1/withdrawals", map[string]any{
		"driver_id":    testDriverID,
		"amount_cents": 5_000,
	}, nil)
	if response.StatusCode != http.StatusAccepted {
		t.Fatalf("withdrawal request failed with %d: %v", response.StatusCode, body)
	}
	reservationID := body["reservation_id"].(string)
	account := body["account"].(map[string]any)
	if account["available_cents"] != float64(2_000) {
		t.Fatalf("unexpected available %v", account["available_cents"])
	}

	headers := map[string]string{"Authorization": "Bearer " + signWebhookToken(t, webhookSecret, webhookIssuer)}
	response, body = fixture.post(t, "/v1/webhooks/withdrawal", map[string]any{
		"reservation_id":     reservationID,
		"outcome":            "success",
		"provider_reference": "prov-42",
	}, headers)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("finalize failed with %d: %v", response.StatusCode, body)
	}
	account = body["account"].(map[string]any)
	if account["balance_cents"] != float64(2_000) || account["reserved_cents"] != float64(0) {
		t.Fatalf("unexpected account after payout %v", account)
	}

	summaryPath := fmt.Sprintf("/v1/drivers/%s/summary", testDriverID)
	response, body = fixture.do(t, http.MethodGet, summaryPath, nil, nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("summary failed with %d", response.StatusCode)
	}
	if body["available_cents"] != float64(2_000) {
		t.Fatalf("unexpected summary %v", body)
	}
}

func TestWithdrawalFailureReleasesFunds(t *testing.T) {
	fixture := newAPIFixture(t)
	fixture.enrollDriver(t)
	fixture.topUp(t, 7_000)

	_, body := fixture.post(t, "/v1/withdrawals", map[string]any{
		"driver_id":    testDriverID,
		"amount_cents": 4_000,
	}, nil)
	reservationID := body["reservation_id"].(string)

	headers := map[string]string{"Authorization": "Bearer " + signWebhookToken(t, webhookSecret, webhookIssuer)}
	response, body := fixture.post(t, "/v1/webhooks/withdrawal", map[string]any{
		"reservation_id": reservationID,
		"outcome":        "failure",
		"reason":         "operator timeout",
	}, headers)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("release failed with %d: %v", response.StatusCode, body)
	}
	account := body["account"].(map[string]any)
	if account["available_cents"] != float64(7_000) || account["reserved_cents"] != float64(0) {
		t.Fatalf("release must restore funds: %v", account)
	}

	entriesPath := fmt.Sprintf("/v1/drivers/%s/entries?kind=WITHDRAWAL_RELEASE", testDriverID)
	response, body = fixture.do(t, http.MethodGet, entriesPath, nil, nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("entries failed with %d", response.StatusCode)
	}
	entries := body["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("expected one release entry, got %d", len(entries))
	}
	entry := entries[0].(map[string]any)
	if entry["status"] != "FAILED" || entry["resolution_reason"] != "operator timeout" {
		t.Fatalf("unexpected release entry %v", entry)
	}
}

func TestAdminAdjustmentOverHTTP(t *testing.T) {
	fixture := newAPIFixture(t)
	fixture.enrollDriver(t)
	fixture.topUp(t, 2_000)

	response, body := fixture.post(t, "/v1/adjustments", map[string]any{
		"driver_id":    testDriverID,
		"amount_cents": 500,
		"direction":    "credit",
		"reason":       "support chargeback",
		"admin_id":     "admin-7",
	}, nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("adjustment failed with %d: %v", response.StatusCode, body)
	}
	account := body["account"].(map[string]any)
	if account["balance_cents"] != float64(2_500) {
		t.Fatalf("unexpected balance %v", account["balance_cents"])
	}

	response, body = fixture.post(t, "/v1/adjustments", map[string]any{
		"driver_id":    testDriverID,
		"amount_cents": 500,
		"direction":    "credit",
		"reason":       "",
		"admin_id":     "admin-7",
	}, nil)
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing reason must 400, got %d: %v", response.StatusCode, body)
	}
}
