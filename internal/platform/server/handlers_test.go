package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/venturahub/creditd/internal/platform/auth"
	"github.com/venturahub/creditd/internal/platform/credential"
	"github.com/venturahub/creditd/internal/platform/kv"
)

type testEnv struct {
	accounts   *AccountsService
	ledger     *LedgerService
	settlement *SettlementService
	gateway    *fakeGateway
	handler    http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	accounts := NewAccountsService(testClock)
	ledger := NewLedgerService(testClock, accounts)
	sessions := NewSessionsService(testClock, accounts)
	gateway := &fakeGateway{status: "PENDING"}
	settlement := NewSettlementService(testClock, accounts, ledger, gateway)
	signer := auth.NewTokenSigner("test-secret", time.Hour)
	identity := NewIdentityService(testClock, accounts, sessions, signer, &kv.Store{})

	router := mux.NewRouter()
	SystemHandler{}.Register(router)
	(&AuthHandler{Identity: identity}).Register(router)
	(&CreditsHandler{Identity: identity, Accounts: accounts, Ledger: ledger}).Register(router)
	(&AdminsHandler{Identity: identity, Accounts: accounts}).Register(router)
	payments := &PaymentsHandler{Identity: identity, Settlement: settlement}
	payments.Register(router)
	payments.RegisterWebhook(router, nil)

	handler := auth.HTTPJWTMiddlewareWithSkips(auth.NewJWTVerifier("test-secret"), router, []string{
		"/healthz",
		"/api/auth/login",
		"/api/payments/pix/webhook",
	})
	return &testEnv{accounts: accounts, ledger: ledger, settlement: settlement, gateway: gateway, handler: handler}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T, email, key string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": email, "key": key})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.AccessToken
}

func TestLoginAndBalanceOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	hash, _ := credential.Hash("master-key")
	seedAccount(t, env.accounts, "m1", "m1@panel.test", RankMaster, 75, hash)

	token := env.login(t, "m1@panel.test", "master-key")
	rec := env.do(t, http.MethodGet, "/api/credits/balance", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance status = %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Balance int64 `json:"balance"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Balance != 75 {
		t.Fatalf("balance = %d, want 75", resp.Balance)
	}
}

func TestHTTPRejectsMissingAndStaleTokens(t *testing.T) {
	env := newTestEnv(t)
	hash, _ := credential.Hash("master-key")
	seedAccount(t, env.accounts, "m1", "m1@panel.test", RankMaster, 0, hash)

	if rec := env.do(t, http.MethodGet, "/api/credits/balance", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", rec.Code)
	}

	first := env.login(t, "m1@panel.test", "master-key")
	second := env.login(t, "m1@panel.test", "master-key")

	// The older login's JWT still parses, but its session was displaced.
	if rec := env.do(t, http.MethodGet, "/api/credits/balance", first, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("stale token status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/credits/balance", second, nil); rec.Code != http.StatusOK {
		t.Fatalf("fresh token status = %d", rec.Code)
	}
}

func TestTransferOverHTTPScopedToOwnResellers(t *testing.T) {
	env := newTestEnv(t)
	hash, _ := credential.Hash("master-key")
	master := seedAccount(t, env.accounts, "m1", "m1@panel.test", RankMaster, 100, hash)
	reseller := seedAccount(t, env.accounts, "r1", "r1@panel.test", RankReseller, 0, "x")
	reseller.CreatedBy = master.ID
	foreign := seedAccount(t, env.accounts, "r2", "r2@panel.test", RankReseller, 0, "x")
	foreign.CreatedBy = "someone-else"

	token := env.login(t, "m1@panel.test", "master-key")

	rec := env.do(t, http.MethodPost, "/api/credits/transfer", token, map[string]any{
		"to_account_id": "r1", "amount": 40,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("transfer status = %d: %s", rec.Code, rec.Body)
	}
	if mustBalance(t, env.ledger, "m1") != 60 || mustBalance(t, env.ledger, "r1") != 40 {
		t.Fatal("transfer did not move credits")
	}

	rec = env.do(t, http.MethodPost, "/api/credits/transfer", token, map[string]any{
		"to_account_id": "r2", "amount": 10,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign transfer status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/credits/transfer", token, map[string]any{
		"to_account_id": "r1", "amount": 1000,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("overdraw status = %d: %s", rec.Code, rec.Body)
	}
}

func TestWebhookSettlesAndAlwaysAcknowledges(t *testing.T) {
	env := newTestEnv(t)
	hash, _ := credential.Hash("master-key")
	seedAccount(t, env.accounts, "m1", "m1@panel.test", RankMaster, 0, hash)

	intent, err := env.settlement.CreateIntent(context.Background(), "m1", 50, 0)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}

	// Unknown transaction: fast 200 so the provider stops retrying.
	rec := env.do(t, http.MethodPost, "/api/payments/pix/webhook", "", map[string]string{
		"transactionId": "gw-ghost", "status": "PAID",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("unknown txn status = %d", rec.Code)
	}

	for i := 0; i < 3; i++ {
		rec = env.do(t, http.MethodPost, "/api/payments/pix/webhook", "", map[string]string{
			"transactionId": intent.TransactionID, "status": "PAID",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("webhook %d status = %d", i, rec.Code)
		}
	}
	if got := mustBalance(t, env.ledger, "m1"); got != 50 {
		t.Fatalf("balance = %d, want 50 after repeated webhooks", got)
	}
}

func TestWebhookGuardBlocksUntrustedSource(t *testing.T) {
	guard, err := NewWebhookGuard(testClock, nil, []string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	var reached bool
	wrapped := guard.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/payments/pix/webhook", nil)
	req.RemoteAddr = "203.0.113.7:4411"
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden || reached {
		t.Fatalf("untrusted source: code=%d reached=%v", rec.Code, reached)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/payments/pix/webhook", nil)
	req.RemoteAddr = "10.1.2.3:4411"
	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !reached {
		t.Fatalf("trusted source: code=%d reached=%v", rec.Code, reached)
	}
}

func TestAdminCreateRankCascade(t *testing.T) {
	env := newTestEnv(t)
	ownerHash, _ := credential.Hash("owner-key")
	seedAccount(t, env.accounts, "own", "owner@panel.test", RankOwner, 0, ownerHash)

	ownerToken := env.login(t, "owner@panel.test", "owner-key")
	rec := env.do(t, http.MethodPost, "/api/admins", ownerToken, map[string]string{
		"name": "Master One", "email": "newmaster@panel.test", "key": "master-key",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("owner create status = %d: %s", rec.Code, rec.Body)
	}
	var created accountView
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	if created.Rank != RankMaster {
		t.Fatalf("owner created rank = %s, want master", created.Rank)
	}

	masterToken := env.login(t, "newmaster@panel.test", "master-key")
	rec = env.do(t, http.MethodPost, "/api/admins", masterToken, map[string]string{
		"name": "Res One", "email": "newres@panel.test", "key": "res-key",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("master create status = %d: %s", rec.Code, rec.Body)
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	if created.Rank != RankReseller || created.CreatedBy == "" {
		t.Fatalf("master created = %+v", created)
	}

	resToken := env.login(t, "newres@panel.test", "res-key")
	rec = env.do(t, http.MethodPost, "/api/admins", resToken, map[string]string{
		"name": "Nope", "email": "nope@panel.test", "key": "k",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("reseller create status = %d", rec.Code)
	}
}

func TestOwnerManualRechargeAndRevenue(t *testing.T) {
	env := newTestEnv(t)
	ownerHash, _ := credential.Hash("owner-key")
	masterHash, _ := credential.Hash("master-key")
	seedAccount(t, env.accounts, "own", "owner@panel.test", RankOwner, 0, ownerHash)
	seedAccount(t, env.accounts, "m1", "m1@panel.test", RankMaster, 0, masterHash)

	ownerToken := env.login(t, "owner@panel.test", "owner-key")
	rec := env.do(t, http.MethodPost, "/api/credits/recharge", ownerToken, map[string]any{
		"account_id": "m1", "amount": 50,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("recharge status = %d: %s", rec.Code, rec.Body)
	}
	if got := mustBalance(t, env.ledger, "m1"); got != 50 {
		t.Fatalf("balance after recharge = %d, want 50", got)
	}

	// 50 credits is a priced package, so the entry counts as revenue.
	rec = env.do(t, http.MethodGet, "/api/credits/revenue", ownerToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("revenue status = %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		RevenueMinor int64 `json:"revenue_minor"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	tier, ok := PriceFor(50)
	if !ok {
		t.Fatal("50 credits is not a priced package")
	}
	if resp.RevenueMinor != tier.TotalMinor {
		t.Fatalf("revenue = %d, want %d", resp.RevenueMinor, tier.TotalMinor)
	}

	// Masters cannot use the manual entry.
	masterToken := env.login(t, "m1@panel.test", "master-key")
	rec = env.do(t, http.MethodPost, "/api/credits/recharge", masterToken, map[string]any{
		"account_id": "m1", "amount": 50,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("master recharge status = %d", rec.Code)
	}
}

func TestAdminGetScopedByCreator(t *testing.T) {
	env := newTestEnv(t)
	masterHash, _ := credential.Hash("master-key")
	otherHash, _ := credential.Hash("other-key")
	master := seedAccount(t, env.accounts, "m1", "m1@panel.test", RankMaster, 0, masterHash)
	seedAccount(t, env.accounts, "m2", "m2@panel.test", RankMaster, 0, otherHash)

	res, err := env.accounts.Create(context.Background(), NewAccountParams{
		Name: "Res One", Email: "r1@panel.test", Key: "res-key",
		Rank: RankReseller, CreatedBy: master.ID,
	})
	if err != nil {
		t.Fatalf("create reseller: %v", err)
	}

	masterToken := env.login(t, "m1@panel.test", "master-key")
	rec := env.do(t, http.MethodGet, "/api/admins/"+res.ID, masterToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get own reseller status = %d: %s", rec.Code, rec.Body)
	}
	var view accountView
	_ = json.Unmarshal(rec.Body.Bytes(), &view)
	if view.ID != res.ID || view.Rank != RankReseller {
		t.Fatalf("unexpected view: %+v", view)
	}

	otherToken := env.login(t, "m2@panel.test", "other-key")
	if rec := env.do(t, http.MethodGet, "/api/admins/"+res.ID, otherToken, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign master get status = %d", rec.Code)
	}
}

func TestPaymentHistoryOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	masterHash, _ := credential.Hash("master-key")
	otherHash, _ := credential.Hash("other-key")
	seedAccount(t, env.accounts, "m1", "m1@panel.test", RankMaster, 0, masterHash)
	seedAccount(t, env.accounts, "m2", "m2@panel.test", RankMaster, 0, otherHash)

	masterToken := env.login(t, "m1@panel.test", "master-key")
	rec := env.do(t, http.MethodPost, "/api/payments/pix", masterToken, map[string]any{"credits": 50})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create intent status = %d: %s", rec.Code, rec.Body)
	}

	rec = env.do(t, http.MethodGet, "/api/payments/pix", masterToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Payments []map[string]any `json:"payments"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(resp.Payments) != 1 {
		t.Fatalf("payments = %d, want 1", len(resp.Payments))
	}
	if resp.Payments[0]["status"] != string(PaymentPending) {
		t.Fatalf("payment status = %v", resp.Payments[0]["status"])
	}

	// Another master cannot read m1's history via the owner override.
	otherToken := env.login(t, "m2@panel.test", "other-key")
	if rec := env.do(t, http.MethodGet, "/api/payments/pix?admin_id=m1", otherToken, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("override status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/payments/pix", otherToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("own history status = %d", rec.Code)
	}
	resp.Payments = nil
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Payments) != 0 {
		t.Fatalf("other master payments = %d, want 0", len(resp.Payments))
	}
}
