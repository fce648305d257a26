package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/venturahub/creditd/internal/platform/clock"
)

func newSettlementFixture(t *testing.T) (*AccountsService, *LedgerService, *SettlementService, *fakeGateway) {
	t.Helper()
	accounts := NewAccountsService(testClock)
	ledger := NewLedgerService(testClock, accounts)
	gateway := &fakeGateway{status: "PENDING"}
	settlement := NewSettlementService(testClock, accounts, ledger, gateway)
	seedAccount(t, accounts, "master-1", "master@panel.test", RankMaster, 10, "hash")
	return accounts, ledger, settlement, gateway
}

func TestCreateIntentUsesServerPrice(t *testing.T) {
	_, _, settlement, gateway := newSettlementFixture(t)

	intent, err := settlement.CreateIntent(context.Background(), "master-1", 50, 0)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if intent.AmountMinor != 65000 {
		t.Fatalf("amount = %d, want 65000", intent.AmountMinor)
	}
	if gateway.lastCharge.Load() != 65000 {
		t.Fatalf("gateway charged %d, want 65000", gateway.lastCharge.Load())
	}
	if intent.Status != PaymentPending {
		t.Fatalf("status = %s", intent.Status)
	}
	if !intent.ExpiresAt.Equal(testClock.Now().Add(10 * time.Minute)) {
		t.Fatalf("expires_at = %v", intent.ExpiresAt)
	}
}

func TestCreateIntentRejectsTamperedTotal(t *testing.T) {
	_, _, settlement, _ := newSettlementFixture(t)

	if _, err := settlement.CreateIntent(context.Background(), "master-1", 50, 100); !errors.Is(err, ErrPriceMismatch) {
		t.Fatalf("tampered total: got %v", err)
	}
	if _, err := settlement.CreateIntent(context.Background(), "master-1", 42, 0); !errors.Is(err, ErrInvalidPackage) {
		t.Fatalf("unknown package: got %v", err)
	}
}

func TestCreateIntentRequiresMasterRank(t *testing.T) {
	accounts, _, settlement, _ := newSettlementFixture(t)
	seedAccount(t, accounts, "res-1", "res@panel.test", RankReseller, 0, "hash")

	if _, err := settlement.CreateIntent(context.Background(), "res-1", 50, 0); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("reseller intent: got %v", err)
	}
}

func TestSettleIsIdempotent(t *testing.T) {
	_, ledger, settlement, _ := newSettlementFixture(t)
	intent, err := settlement.CreateIntent(context.Background(), "master-1", 50, 0)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}

	outcome, err := settlement.Settle(context.Background(), intent.TransactionID, "PAID")
	if err != nil || outcome != OutcomeSettled {
		t.Fatalf("first settle = %s, %v", outcome, err)
	}
	if got := mustBalance(t, ledger, "master-1"); got != 60 {
		t.Fatalf("balance after settle = %d, want 60", got)
	}

	for _, status := range []string{"PAID", "COMPLETED", "approved"} {
		outcome, err := settlement.Settle(context.Background(), intent.TransactionID, status)
		if err != nil || outcome != OutcomeDuplicate {
			t.Fatalf("repeat settle(%s) = %s, %v", status, outcome, err)
		}
	}
	if got := mustBalance(t, ledger, "master-1"); got != 60 {
		t.Fatalf("balance after repeats = %d, want 60", got)
	}
}

func TestConcurrentSettlementsCreditOnce(t *testing.T) {
	_, ledger, settlement, _ := newSettlementFixture(t)
	intent, err := settlement.CreateIntent(context.Background(), "master-1", 100, 0)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}

	const workers = 12
	outcomes := make(chan SettleOutcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := settlement.Settle(context.Background(), intent.TransactionID, "PAID")
			if err != nil {
				t.Errorf("settle err: %v", err)
				return
			}
			outcomes <- outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	var settled int
	for outcome := range outcomes {
		if outcome == OutcomeSettled {
			settled++
		}
	}
	if settled != 1 {
		t.Fatalf("settled outcomes = %d, want exactly 1", settled)
	}
	if got := mustBalance(t, ledger, "master-1"); got != 110 {
		t.Fatalf("balance = %d, want 110 (credited once)", got)
	}
}

func TestSettleUnknownTransactionIsAcknowledgedNoOp(t *testing.T) {
	_, ledger, settlement, _ := newSettlementFixture(t)

	outcome, err := settlement.Settle(context.Background(), "gw-txn-unknown", "PAID")
	if err != nil || outcome != OutcomeIgnored {
		t.Fatalf("unknown txn = %s, %v", outcome, err)
	}
	if got := mustBalance(t, ledger, "master-1"); got != 10 {
		t.Fatalf("balance changed on unknown txn: %d", got)
	}
}

func TestSettleIgnoresNonSuccessStatuses(t *testing.T) {
	_, ledger, settlement, _ := newSettlementFixture(t)
	intent, err := settlement.CreateIntent(context.Background(), "master-1", 50, 0)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}

	for _, status := range []string{"PENDING", "CANCELLED", "REFUNDED", ""} {
		outcome, err := settlement.Settle(context.Background(), intent.TransactionID, status)
		if err != nil || outcome != OutcomeIgnored {
			t.Fatalf("settle(%q) = %s, %v", status, outcome, err)
		}
	}
	if got := mustBalance(t, ledger, "master-1"); got != 10 {
		t.Fatalf("non-success status moved credits: %d", got)
	}
}

func TestLateConfirmationStillSettles(t *testing.T) {
	_, ledger, settlement, _ := newSettlementFixture(t)
	intent, err := settlement.CreateIntent(context.Background(), "master-1", 50, 0)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}

	// Confirmation lands well past the checkout screen's 10 minute window.
	settlement.Clock = clock.Fixed{T: testClock.Now().Add(2 * time.Hour)}
	outcome, err := settlement.Settle(context.Background(), intent.TransactionID, "PAID")
	if err != nil || outcome != OutcomeSettled {
		t.Fatalf("late settle = %s, %v", outcome, err)
	}
	if got := mustBalance(t, ledger, "master-1"); got != 60 {
		t.Fatalf("balance = %d, want 60", got)
	}
}

func TestResellerSettlementProvisionsAccount(t *testing.T) {
	accounts, ledger, settlement, _ := newSettlementFixture(t)
	intent, err := settlement.CreateResellerIntent(context.Background(), "master-1", 50, 0, ResellerProvisioning{
		Name:  "New Reseller",
		Email: "newres@panel.test",
		Key:   "reseller-secret",
	})
	if err != nil {
		t.Fatalf("create reseller intent: %v", err)
	}
	if intent.Status != PaymentPendingReseller {
		t.Fatalf("status = %s", intent.Status)
	}

	outcome, err := settlement.Settle(context.Background(), intent.TransactionID, "PAID")
	if err != nil || outcome != OutcomeSettled {
		t.Fatalf("settle = %s, %v", outcome, err)
	}

	reseller, err := accounts.GetByEmail(context.Background(), "newres@panel.test")
	if err != nil {
		t.Fatalf("provisioned account missing: %v", err)
	}
	if reseller.Rank != RankReseller || reseller.CreatedBy != "master-1" {
		t.Fatalf("provisioned account = %+v", reseller)
	}
	if reseller.Balance != 50 {
		t.Fatalf("provisioned balance = %d, want 50", reseller.Balance)
	}
	if !strings.HasPrefix(reseller.Key, "$2") {
		t.Fatalf("provisioned key stored unhashed: %q", reseller.Key)
	}
	// The master paid money, not credits.
	if got := mustBalance(t, ledger, "master-1"); got != 10 {
		t.Fatalf("master balance = %d, want 10", got)
	}

	txs, _ := ledger.Transactions(context.Background(), reseller.ID, 10)
	if len(txs) != 1 || txs[0].Type != TransactionResellerCreation {
		t.Fatalf("missing reseller_creation row: %+v", txs)
	}

	// The held credential is consumed by settlement.
	status, err := settlement.Status(context.Background(), "master-1", intent.PaymentID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Provisioning != nil && status.Provisioning.Key != "" {
		t.Fatal("provisioning key survived settlement")
	}
}

func TestResellerSettlementDuplicateEmailStillPays(t *testing.T) {
	accounts, ledger, settlement, _ := newSettlementFixture(t)
	intent, err := settlement.CreateResellerIntent(context.Background(), "master-1", 50, 0, ResellerProvisioning{
		Name:  "New Reseller",
		Email: "taken@panel.test",
		Key:   "reseller-secret",
	})
	if err != nil {
		t.Fatalf("create reseller intent: %v", err)
	}
	// Address registered between intent and settlement.
	existing := seedAccount(t, accounts, "res-existing", "taken@panel.test", RankReseller, 7, "hash")

	outcome, err := settlement.Settle(context.Background(), intent.TransactionID, "PAID")
	if err != nil || outcome != OutcomeSettled {
		t.Fatalf("settle = %s, %v", outcome, err)
	}
	status, err := settlement.Status(context.Background(), "master-1", intent.PaymentID)
	if err != nil || status.Status != PaymentPaid {
		t.Fatalf("payment status = %+v, %v", status, err)
	}
	got, err := accounts.Get(context.Background(), existing.ID)
	if err != nil {
		t.Fatalf("existing account: %v", err)
	}
	if got.Balance != 7 {
		t.Fatalf("existing account balance touched: %d", got.Balance)
	}

	// The skipped provisioning is still written to the ledger, pointed at
	// the account that holds the address.
	txs, err := ledger.Transactions(context.Background(), existing.ID, 10)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	var creation *CreditTransaction
	for _, tx := range txs {
		if tx.Type == TransactionResellerCreation {
			creation = tx
		}
	}
	if creation == nil {
		t.Fatal("no reseller_creation row after duplicate-email settlement")
	}
	if creation.FromAccountID != "master-1" || creation.ToAccountID != existing.ID || creation.Amount != 50 {
		t.Fatalf("unexpected reseller_creation row: %+v", creation)
	}
}

func TestResellerIntentRejectsRegisteredEmail(t *testing.T) {
	accounts, _, settlement, _ := newSettlementFixture(t)
	seedAccount(t, accounts, "res-1", "dupe@panel.test", RankReseller, 0, "hash")

	_, err := settlement.CreateResellerIntent(context.Background(), "master-1", 50, 0, ResellerProvisioning{
		Name:  "Dupe",
		Email: "dupe@panel.test",
		Key:   "secret",
	})
	if !errors.Is(err, ErrEmailExists) {
		t.Fatalf("registered email: got %v", err)
	}
}

func TestStatusHidesOtherAdminsPayments(t *testing.T) {
	accounts, _, settlement, _ := newSettlementFixture(t)
	seedAccount(t, accounts, "master-2", "master2@panel.test", RankMaster, 0, "hash")
	intent, err := settlement.CreateIntent(context.Background(), "master-1", 10, 0)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}

	if _, err := settlement.Status(context.Background(), "master-2", intent.PaymentID); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("foreign status: got %v", err)
	}
	if _, err := settlement.Status(context.Background(), "master-1", "pay-ghost"); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("missing payment: got %v", err)
	}
}

func TestCheckAndSettleFollowsProviderStatus(t *testing.T) {
	_, ledger, settlement, gateway := newSettlementFixture(t)
	intent, err := settlement.CreateIntent(context.Background(), "master-1", 50, 0)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}

	payment, err := settlement.CheckAndSettle(context.Background(), "master-1", intent.PaymentID)
	if err != nil {
		t.Fatalf("check pending: %v", err)
	}
	if payment.Status != PaymentPending {
		t.Fatalf("status = %s, want PENDING", payment.Status)
	}

	gateway.status = "PAID"
	payment, err = settlement.CheckAndSettle(context.Background(), "master-1", intent.PaymentID)
	if err != nil {
		t.Fatalf("check paid: %v", err)
	}
	if payment.Status != PaymentPaid {
		t.Fatalf("status = %s, want PAID", payment.Status)
	}
	if got := mustBalance(t, ledger, "master-1"); got != 60 {
		t.Fatalf("balance = %d, want 60", got)
	}
}

func TestListPaymentsScopedToAdmin(t *testing.T) {
	accounts, _, settlement, _ := newSettlementFixture(t)
	seedAccount(t, accounts, "master-2", "m2@panel.test", RankMaster, 0, "hash")

	first, err := settlement.CreateIntent(context.Background(), "master-1", 50, 0)
	if err != nil {
		t.Fatalf("first intent: %v", err)
	}
	second, err := settlement.CreateResellerIntent(context.Background(), "master-1", 100, 0, ResellerProvisioning{
		Name:  "New Reseller",
		Email: "newres@panel.test",
		Key:   "reseller-secret",
	})
	if err != nil {
		t.Fatalf("second intent: %v", err)
	}
	if _, err := settlement.CreateIntent(context.Background(), "master-2", 50, 0); err != nil {
		t.Fatalf("other admin intent: %v", err)
	}

	payments, err := settlement.ListPayments(context.Background(), "master-1", 0)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if len(payments) != 2 {
		t.Fatalf("payments = %d, want 2", len(payments))
	}
	seen := map[string]bool{}
	for _, p := range payments {
		if p.AdminID != "master-1" {
			t.Fatalf("foreign payment listed: %+v", p)
		}
		if p.Provisioning != nil && p.Provisioning.Key != "" {
			t.Fatal("provisioning key leaked in listing")
		}
		seen[p.ID] = true
	}
	if !seen[first.PaymentID] || !seen[second.PaymentID] {
		t.Fatalf("missing payments, saw %v", seen)
	}

	other, err := settlement.ListPayments(context.Background(), "master-2", 0)
	if err != nil || len(other) != 1 {
		t.Fatalf("other admin payments = %d, %v", len(other), err)
	}
}
