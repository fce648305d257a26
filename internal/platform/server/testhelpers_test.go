package server

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/venturahub/creditd/internal/platform/clock"
)

// Anchored to the real clock because signed access tokens carry exp
// claims that the JWT library checks against wall time.
var testClock = clock.Fixed{T: time.Now().UTC().Truncate(time.Second)}

// seedAccount installs an account directly in the in-memory store so
// tests skip the bcrypt cost of Create. Key is stored as given: pass a
// plaintext value to model a legacy row, a bcrypt hash for a current one.
func seedAccount(t *testing.T, accounts *AccountsService, id, email string, rank Rank, balance int64, key string) *AdminAccount {
	t.Helper()
	acct := &AdminAccount{
		ID:        id,
		Name:      "acct " + id,
		Email:     email,
		Rank:      rank,
		Balance:   balance,
		Key:       key,
		CreatedAt: testClock.Now(),
	}
	accounts.mu.Lock()
	defer accounts.mu.Unlock()
	if _, exists := accounts.accounts[id]; exists {
		t.Fatalf("account %s already seeded", id)
	}
	accounts.accounts[id] = acct
	accounts.emails[acct.Email] = id
	return acct
}

func mustBalance(t *testing.T, ledger *LedgerService, accountID string) int64 {
	t.Helper()
	balance, err := ledger.Balance(context.Background(), accountID)
	if err != nil {
		t.Fatalf("balance %s: %v", accountID, err)
	}
	return balance
}

// fakeGateway scripts the payment provider. Status is what PaymentStatus
// reports; CreatePayment hands out sequential transaction ids.
type fakeGateway struct {
	status     string
	createErr  error
	statusErr  error
	nextTxn    atomic.Int64
	lastCharge atomic.Int64
}

func (g *fakeGateway) CreatePayment(_ context.Context, amountMinor int64, _, _, _ string) (*PixCharge, error) {
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.lastCharge.Store(amountMinor)
	n := g.nextTxn.Add(1)
	return &PixCharge{
		TransactionID: fmt.Sprintf("gw-txn-%d", n),
		QRCode:        "00020126qr",
		CopyPaste:     "00020126copy",
	}, nil
}

func (g *fakeGateway) PaymentStatus(_ context.Context, _ string) (string, error) {
	if g.statusErr != nil {
		return "", g.statusErr
	}
	return g.status, nil
}
