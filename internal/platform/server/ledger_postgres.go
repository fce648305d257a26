package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const creditTransactionColumns = `id, from_account_id, to_account_id, amount, unit_price_minor, total_minor, tx_type, created_at`

func scanCreditTransaction(row interface{ Scan(...any) error }) (*CreditTransaction, error) {
	var (
		tx   CreditTransaction
		from sql.NullString
		to   sql.NullString
	)
	if err := row.Scan(&tx.ID, &from, &to, &tx.Amount, &tx.UnitPriceMinor, &tx.TotalMinor, &tx.Type, &tx.CreatedAt); err != nil {
		return nil, err
	}
	tx.FromAccountID = from.String
	tx.ToAccountID = to.String
	return &tx, nil
}

// transferDB serializes concurrent transfers on the payer row. Both
// balances are locked FOR UPDATE in a fixed order before the debit is
// decided, so the sufficiency check can never read a balance another
// in-flight transfer is about to change.
func (s *LedgerService) transferDB(ctx context.Context, fromID, toID string, amount int64) (*CreditTransaction, error) {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin transfer: %v", ErrPersistence, err)
	}
	defer dbtx.Rollback()

	firstID, secondID := fromID, toID
	if secondID < firstID {
		firstID, secondID = secondID, firstID
	}
	balances := make(map[string]int64, 2)
	for _, id := range []string{firstID, secondID} {
		var balance int64
		err := dbtx.QueryRowContext(ctx,
			`SELECT balance FROM admin_accounts WHERE id = $1 FOR UPDATE`, id,
		).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("%w: lock account: %v", ErrPersistence, err)
		}
		balances[id] = balance
	}
	if balances[fromID] < amount {
		return nil, &InsufficientFundsError{Requested: amount, Available: balances[fromID]}
	}

	now := s.now()
	if _, err := dbtx.ExecContext(ctx,
		`UPDATE admin_accounts SET balance = balance - $2, last_active = $3 WHERE id = $1`,
		fromID, amount, now,
	); err != nil {
		return nil, fmt.Errorf("%w: debit payer: %v", ErrPersistence, err)
	}
	if _, err := dbtx.ExecContext(ctx,
		`UPDATE admin_accounts SET balance = balance + $2 WHERE id = $1`,
		toID, amount,
	); err != nil {
		return nil, fmt.Errorf("%w: credit payee: %v", ErrPersistence, err)
	}

	row := &CreditTransaction{
		ID:            "txn-" + uuid.NewString(),
		FromAccountID: fromID,
		ToAccountID:   toID,
		Amount:        amount,
		Type:          TransactionTransfer,
		CreatedAt:     now,
	}
	if err := insertCreditTransaction(ctx, dbtx, row); err != nil {
		return nil, err
	}
	if err := dbtx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit transfer: %v", ErrPersistence, err)
	}
	return row, nil
}

func (s *LedgerService) rechargeDB(ctx context.Context, accountID string, amount, unitPriceMinor, totalMinor int64) (*CreditTransaction, error) {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin recharge: %v", ErrPersistence, err)
	}
	defer dbtx.Rollback()

	row, err := rechargeInTx(ctx, dbtx, s.now(), accountID, amount, unitPriceMinor, totalMinor)
	if err != nil {
		return nil, err
	}
	if err := dbtx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit recharge: %v", ErrPersistence, err)
	}
	return row, nil
}

// rechargeInTx applies a recharge inside a caller-owned transaction so
// settlement can commit the status transition and the credit as one unit.
func rechargeInTx(ctx context.Context, dbtx *sql.Tx, now time.Time, accountID string, amount, unitPriceMinor, totalMinor int64) (*CreditTransaction, error) {
	res, err := dbtx.ExecContext(ctx,
		`UPDATE admin_accounts SET balance = balance + $2, last_active = $3 WHERE id = $1`,
		accountID, amount, now,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: credit account: %v", ErrPersistence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrAccountNotFound
	}
	row := &CreditTransaction{
		ID:             "txn-" + uuid.NewString(),
		ToAccountID:    accountID,
		Amount:         amount,
		UnitPriceMinor: unitPriceMinor,
		TotalMinor:     totalMinor,
		Type:           TransactionRecharge,
		CreatedAt:      now,
	}
	if err := insertCreditTransaction(ctx, dbtx, row); err != nil {
		return nil, err
	}
	return row, nil
}

func insertCreditTransaction(ctx context.Context, db interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, row *CreditTransaction) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO credit_transactions (`+creditTransactionColumns+`)
		 VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, $8)`,
		row.ID, row.FromAccountID, row.ToAccountID, row.Amount,
		row.UnitPriceMinor, row.TotalMinor, row.Type, row.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: insert transaction: %v", ErrPersistence, err)
	}
	return nil
}

func (s *LedgerService) recordResellerCreationDB(ctx context.Context, masterID, resellerID string, credits, unitPriceMinor, totalMinor int64) (*CreditTransaction, error) {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin reseller record: %v", ErrPersistence, err)
	}
	defer dbtx.Rollback()

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
	if err := insertCreditTransaction(ctx, dbtx, row); err != nil {
		return nil, err
	}
	if err := dbtx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit reseller record: %v", ErrPersistence, err)
	}
	return row, nil
}

func (s *LedgerService) balanceDB(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM admin_accounts WHERE id = $1`, accountID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("%w: query balance: %v", ErrPersistence, err)
	}
	return balance, nil
}

func (s *LedgerService) listTransactionsDB(ctx context.Context, accountID string, limit int) ([]*CreditTransaction, error) {
	query := `SELECT ` + creditTransactionColumns + ` FROM credit_transactions`
	args := []any{}
	if accountID != "" {
		query += ` WHERE from_account_id = $1 OR to_account_id = $1`
		args = append(args, accountID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list transactions: %v", ErrPersistence, err)
	}
	defer rows.Close()

	out := make([]*CreditTransaction, 0, limit)
	for rows.Next() {
		tx, err := scanCreditTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan transaction: %v", ErrPersistence, err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate transactions: %v", ErrPersistence, err)
	}
	return out, nil
}

func (s *LedgerService) monthlyRevenueDB(ctx context.Context, year int, month time.Month) (int64, error) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_minor), 0) FROM credit_transactions
		 WHERE tx_type = $1 AND created_at >= $2 AND created_at < $3`,
		TransactionRecharge, start, end,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("%w: monthly revenue: %v", ErrPersistence, err)
	}
	return total.Int64, nil
}

func (s *LedgerService) reportDB(ctx context.Context) (LedgerReport, error) {
	var r LedgerReport
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE tx_type = $1),
		   COALESCE(SUM(total_minor) FILTER (WHERE tx_type = $1), 0),
		   COUNT(*) FILTER (WHERE tx_type = $2),
		   COALESCE(SUM(amount) FILTER (WHERE tx_type = $2), 0)
		 FROM credit_transactions`,
		TransactionRecharge, TransactionTransfer,
	).Scan(&r.TotalDeposits, &r.TotalDepositValueMinor, &r.TotalTransfers, &r.TotalTransferCredits)
	if err != nil {
		return LedgerReport{}, fmt.Errorf("%w: ledger report: %v", ErrPersistence, err)
	}
	if r.TotalDeposits > 0 {
		r.AvgTicketMinor = r.TotalDepositValueMinor / r.TotalDeposits
	}
	return r, nil
}
