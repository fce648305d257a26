package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/venturahub/creditd/internal/platform/audit"
	"github.com/venturahub/creditd/internal/platform/clock"
)

// LedgerService is the only path by which account balances change and the
// sole producer of credit_transactions rows. Every mutation pairs a
// balance write with exactly one ledger append; both commit together or
// not at all.
type LedgerService struct {
	Clock      clock.Clock
	AuditStore *audit.InMemoryStore
	Metrics    *Metrics

	mu           sync.Mutex
	accounts     *AccountsService
	transactions []*CreditTransaction
	nextAuditID  int64
	db           *sql.DB
}

func NewLedgerService(clk clock.Clock, accounts *AccountsService, db ...*sql.DB) *LedgerService {
	var handle *sql.DB
	if len(db) > 0 {
		handle = db[0]
	}
	return &LedgerService{
		Clock:        clk,
		AuditStore:   audit.NewInMemoryStore(),
		accounts:     accounts,
		transactions: make([]*CreditTransaction, 0),
		db:           handle,
	}
}

func (s *LedgerService) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

func (s *LedgerService) nextAuditIDLocked() string {
	s.nextAuditID++
	return "ledger-audit-" + strconv.FormatInt(s.nextAuditID, 10)
}

func transactionSnapshot(tx *CreditTransaction) []byte {
	if tx == nil {
		return []byte(`{}`)
	}
	b, _ := json.Marshal(tx)
	return b
}

func (s *LedgerService) appendAuditLocked(actorID string, tx *CreditTransaction, action string, result audit.Result, reason string) {
	if s.AuditStore == nil {
		return
	}
	now := s.now()
	objectID := ""
	if tx != nil {
		objectID = tx.ID
	}
	_, _ = s.AuditStore.Append(audit.Event{
		AuditID:      s.nextAuditIDLocked(),
		OccurredAt:   now,
		RecordedAt:   now,
		ActorID:      actorID,
		ObjectType:   "credit_transaction",
		ObjectID:     objectID,
		Action:       action,
		Before:       []byte(`{}`),
		After:        transactionSnapshot(tx),
		Result:       result,
		Reason:       reason,
		PartitionDay: now.Format("2006-01-02"),
	})
}

// Transfer moves credits between two distinct accounts. The payer balance
// is read under an exclusive lock so two concurrent transfers can never
// both debit a stale balance; the debit, the credit and the ledger row are
// one atomic unit.
func (s *LedgerService) Transfer(ctx context.Context, fromID, toID string, amount int64) (*CreditTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if fromID == "" || toID == "" {
		return nil, ErrAccountNotFound
	}
	if fromID == toID {
		return nil, ErrSameAccount
	}

	if s.db != nil {
		tx, err := s.transferDB(ctx, fromID, toID, amount)
		s.observeTransfer(tx, err)
		return tx, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts.mu.Lock()
	defer s.accounts.mu.Unlock()

	payer, ok := s.accounts.accounts[fromID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	payee, ok := s.accounts.accounts[toID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if payer.Balance < amount {
		err := &InsufficientFundsError{Requested: amount, Available: payer.Balance}
		s.appendAuditLocked(fromID, nil, "transfer", audit.ResultDenied, err.Error())
		s.observeTransfer(nil, err)
		return nil, err
	}

	now := s.now()
	payer.Balance -= amount
	payer.LastActive = now
	payee.Balance += amount
	row := &CreditTransaction{
		ID:            "txn-" + uuid.NewString(),
		FromAccountID: fromID,
		ToAccountID:   toID,
		Amount:        amount,
		Type:          TransactionTransfer,
		CreatedAt:     now,
	}
	s.transactions = append(s.transactions, row)
	s.appendAuditLocked(fromID, row, "transfer", audit.ResultSuccess, "")
	s.observeTransfer(row, nil)
	return cloneTransaction(row), nil
}

// Recharge credits an account from external funding and records the
// pricing for audit. Monotonic increase needs no payer lock, but the
// balance write and the ledger append are still atomic.
func (s *LedgerService) Recharge(ctx context.Context, accountID string, amount, unitPriceMinor, totalMinor int64) (*CreditTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	if s.db != nil {
		tx, err := s.rechargeDB(ctx, accountID, amount, unitPriceMinor, totalMinor)
		s.observeRecharge(tx, err)
		return tx, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts.mu.Lock()
	defer s.accounts.mu.Unlock()

	acct, ok := s.accounts.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	now := s.now()
	acct.Balance += amount
	acct.LastActive = now
	row := &CreditTransaction{
		ID:             "txn-" + uuid.NewString(),
		ToAccountID:    accountID,
		Amount:         amount,
		UnitPriceMinor: unitPriceMinor,
		TotalMinor:     totalMinor,
		Type:           TransactionRecharge,
		CreatedAt:      now,
	}
	s.transactions = append(s.transactions, row)
	s.appendAuditLocked(accountID, row, "recharge", audit.ResultSuccess, "")
	s.observeRecharge(row, nil)
	return cloneTransaction(row), nil
}

// RecordResellerCreation appends the audit row written when a settled
// payment provisions a reseller account. It does not move a balance; the
// provisioned account was created with its purchased credits. Settlement
// tolerates this append failing.
func (s *LedgerService) RecordResellerCreation(ctx context.Context, masterID, resellerID string, credits, unitPriceMinor, totalMinor int64) (*CreditTransaction, error) {
	if credits <= 0 {
		return nil, ErrInvalidAmount
	}

	if s.db != nil {
		return s.recordResellerCreationDB(ctx, masterID, resellerID, credits, unitPriceMinor, totalMinor)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	row := &CreditTransaction{
		ID:             "txn-" + uuid.NewString(),
		FromAccountID:  masterID,
		ToAccountID:    resellerID,
		Amount:         credits,
		UnitPriceMinor: unitPriceMinor,
		TotalMinor:     totalMinor,
		Type:           TransactionResellerCreation,
		CreatedAt:      s.now(),
	}
	s.transactions = append(s.transactions, row)
	s.appendAuditLocked(masterID, row, "reseller_creation", audit.ResultSuccess, "")
	return cloneTransaction(row), nil
}

func (s *LedgerService) Balance(ctx context.Context, accountID string) (int64, error) {
	if s.db != nil {
		return s.balanceDB(ctx, accountID)
	}
	s.accounts.mu.Lock()
	defer s.accounts.mu.Unlock()
	acct, ok := s.accounts.accounts[accountID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	return acct.Balance, nil
}

// Transactions lists the account's ledger history, newest first.
func (s *LedgerService) Transactions(ctx context.Context, accountID string, limit int) ([]*CreditTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if s.db != nil {
		return s.listTransactionsDB(ctx, accountID, limit)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*CreditTransaction, 0)
	for i := len(s.transactions) - 1; i >= 0 && len(out) < limit; i-- {
		tx := s.transactions[i]
		if accountID == "" || tx.FromAccountID == accountID || tx.ToAccountID == accountID {
			out = append(out, cloneTransaction(tx))
		}
	}
	return out, nil
}

func (s *LedgerService) AllTransactions(ctx context.Context, limit int) ([]*CreditTransaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.Transactions(ctx, "", limit)
}

// MonthlyRevenue sums the recorded prices of recharge rows in the given
// calendar month (UTC).
func (s *LedgerService) MonthlyRevenue(ctx context.Context, year int, month time.Month) (int64, error) {
	if s.db != nil {
		return s.monthlyRevenueDB(ctx, year, month)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, tx := range s.transactions {
		if tx.Type != TransactionRecharge {
			continue
		}
		t := tx.CreatedAt.UTC()
		if t.Year() == year && t.Month() == month {
			total += tx.TotalMinor
		}
	}
	return total, nil
}

// LedgerReport aggregates deposit and transfer activity for the dashboard.
type LedgerReport struct {
	TotalDeposits          int64
	TotalDepositValueMinor int64
	TotalTransfers         int64
	TotalTransferCredits   int64
	AvgTicketMinor         int64
}

func (s *LedgerService) Report(ctx context.Context) (LedgerReport, error) {
	if s.db != nil {
		return s.reportDB(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var r LedgerReport
	for _, tx := range s.transactions {
		switch tx.Type {
		case TransactionRecharge:
			r.TotalDeposits++
			r.TotalDepositValueMinor += tx.TotalMinor
		case TransactionTransfer:
			r.TotalTransfers++
			r.TotalTransferCredits += tx.Amount
		}
	}
	if r.TotalDeposits > 0 {
		r.AvgTicketMinor = r.TotalDepositValueMinor / r.TotalDeposits
	}
	return r, nil
}

func (s *LedgerService) observeTransfer(tx *CreditTransaction, err error) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.ObserveTransfer(tx, err)
}

func (s *LedgerService) observeRecharge(tx *CreditTransaction, err error) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.ObserveRecharge(tx, err)
}
