package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/venturahub/creditd/internal/platform/audit"
	"github.com/venturahub/creditd/internal/platform/credential"
)

const pixPaymentColumns = `
id, admin_id, payer_name, credits, amount_minor, transaction_id, status,
provisioning_name, provisioning_email, provisioning_key, created_at, paid_at`

func scanPixPayment(row interface{ Scan(...any) error }) (*PixPayment, error) {
	var (
		p         PixPayment
		provName  sql.NullString
		provEmail sql.NullString
		provKey   sql.NullString
		paidAt    sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.AdminID, &p.PayerName, &p.Credits, &p.AmountMinor,
		&p.TransactionID, &p.Status, &provName, &provEmail, &provKey, &p.CreatedAt, &paidAt); err != nil {
		return nil, err
	}
	if provName.Valid || provEmail.Valid {
		p.Provisioning = &ResellerProvisioning{
			Name:  provName.String,
			Email: provEmail.String,
			Key:   provKey.String,
		}
	}
	if paidAt.Valid {
		p.PaidAt = paidAt.Time
	}
	return &p, nil
}

func (s *SettlementService) insertPaymentDB(ctx context.Context, p *PixPayment) error {
	var provName, provEmail, provKey any
	if p.Provisioning != nil {
		provName = p.Provisioning.Name
		provEmail = p.Provisioning.Email
		provKey = p.Provisioning.Key
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pix_payments (`+pixPaymentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULL)`,
		p.ID, p.AdminID, p.PayerName, p.Credits, p.AmountMinor,
		p.TransactionID, p.Status, provName, provEmail, provKey, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: insert payment: %v", ErrPersistence, err)
	}
	return nil
}

func (s *SettlementService) getPaymentDB(ctx context.Context, paymentID string) (*PixPayment, error) {
	p, err := scanPixPayment(s.db.QueryRowContext(ctx,
		`SELECT `+pixPaymentColumns+` FROM pix_payments WHERE id = $1`, paymentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query payment: %v", ErrPersistence, err)
	}
	return p, nil
}

func (s *SettlementService) listPendingDB(ctx context.Context, limit int) ([]*PixPayment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pixPaymentColumns+` FROM pix_payments
		 WHERE status IN ($1, $2)
		 ORDER BY created_at ASC
		 LIMIT $3`,
		PaymentPending, PaymentPendingReseller, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list pending payments: %v", ErrPersistence, err)
	}
	defer rows.Close()

	out := make([]*PixPayment, 0, limit)
	for rows.Next() {
		p, err := scanPixPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan payment: %v", ErrPersistence, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate payments: %v", ErrPersistence, err)
	}
	return out, nil
}

func (s *SettlementService) listPaymentsDB(ctx context.Context, adminID string, limit int) ([]*PixPayment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pixPaymentColumns+` FROM pix_payments
		 WHERE admin_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		adminID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list payments: %v", ErrPersistence, err)
	}
	defer rows.Close()

	out := make([]*PixPayment, 0, limit)
	for rows.Next() {
		p, err := scanPixPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan payment: %v", ErrPersistence, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate payments: %v", ErrPersistence, err)
	}
	return out, nil
}

// settleDB performs the whole settlement in one transaction. The payment
// row is locked FOR UPDATE, so of any number of racing webhook deliveries
// and status polls exactly one observes a pending status; the status
// flip, the credit and any reseller row commit together.
func (s *SettlementService) settleDB(ctx context.Context, transactionID string) (SettleOutcome, error) {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("%w: begin settlement: %v", ErrPersistence, err)
	}
	defer dbtx.Rollback()

	payment, err := scanPixPayment(dbtx.QueryRowContext(ctx,
		`SELECT `+pixPaymentColumns+` FROM pix_payments WHERE transaction_id = $1 FOR UPDATE`,
		transactionID))
	if errors.Is(err, sql.ErrNoRows) {
		return OutcomeIgnored, nil
	}
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("%w: lock payment: %v", ErrPersistence, err)
	}
	if payment.settled() {
		return OutcomeDuplicate, nil
	}

	now := s.now()
	tier, _ := PriceFor(payment.Credits)
	var deferredRow *CreditTransaction
	switch payment.Status {
	case PaymentPending:
		if _, err := rechargeInTx(ctx, dbtx, now, payment.AdminID, payment.Credits, tier.UnitPriceMinor, payment.AmountMinor); err != nil {
			return OutcomeIgnored, err
		}
	case PaymentPendingReseller:
		row, err := s.provisionResellerInTx(ctx, dbtx, now, payment, tier)
		if err != nil {
			return OutcomeIgnored, err
		}
		deferredRow = row
	default:
		return OutcomeIgnored, nil
	}

	if _, err := dbtx.ExecContext(ctx,
		`UPDATE pix_payments
		 SET status = $2, paid_at = $3, provisioning_key = NULL
		 WHERE id = $1 AND status IN ($4, $5)`,
		payment.ID, PaymentPaid, now, PaymentPending, PaymentPendingReseller,
	); err != nil {
		return OutcomeIgnored, fmt.Errorf("%w: mark paid: %v", ErrPersistence, err)
	}
	if err := dbtx.Commit(); err != nil {
		return OutcomeIgnored, fmt.Errorf("%w: commit settlement: %v", ErrPersistence, err)
	}
	s.mu.Lock()
	s.appendSettleAuditLocked(payment)
	s.mu.Unlock()
	if deferredRow != nil {
		// The skipped-provisioning ledger row runs outside the settlement
		// transaction so its failure cannot undo a settled payment.
		if err := insertCreditTransaction(ctx, s.db, deferredRow); err != nil {
			s.Logger.Warn("reseller creation ledger row failed",
				"payment_id", payment.ID, "reseller_id", deferredRow.ToAccountID, "error", err)
		}
	}
	return OutcomeSettled, nil
}

// provisionResellerInTx creates the paid-for reseller inside the
// settlement transaction. When the address is already registered it
// returns the ledger row to attempt after commit instead of inserting it.
func (s *SettlementService) provisionResellerInTx(ctx context.Context, dbtx *sql.Tx, now time.Time, payment *PixPayment, tier PriceTier) (*CreditTransaction, error) {
	prov := payment.Provisioning
	if prov == nil {
		return nil, ErrPaymentNotFound
	}

	var existingID string
	err := dbtx.QueryRowContext(ctx,
		`SELECT id FROM admin_accounts WHERE email = $1`, prov.Email,
	).Scan(&existingID)
	if err == nil {
		// Address taken between intent and settlement. The payment still
		// settles; the skip is logged for manual reconciliation.
		s.Logger.Warn("reseller provisioning skipped",
			"payment_id", payment.ID, "email", prov.Email, "reason", "email already registered")
		s.appendAudit(payment.AdminID, payment.ID, "provision_reseller", audit.ResultDenied, "email already registered")
		return &CreditTransaction{
			ID:             "txn-" + uuid.NewString(),
			FromAccountID:  payment.AdminID,
			ToAccountID:    existingID,
			Amount:         payment.Credits,
			UnitPriceMinor: tier.UnitPriceMinor,
			TotalMinor:     payment.AmountMinor,
			Type:           TransactionResellerCreation,
			CreatedAt:      now,
		}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: check reseller email: %v", ErrPersistence, err)
	}

	keyHash, err := credential.Hash(prov.Key)
	if err != nil {
		return nil, err
	}
	resellerID := "adm-" + uuid.NewString()
	if _, err := dbtx.ExecContext(ctx,
		`INSERT INTO admin_accounts (id, name, email, rank, created_by, balance, key_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		resellerID, prov.Name, prov.Email, RankReseller, payment.AdminID,
		payment.Credits, keyHash, now,
	); err != nil {
		return nil, fmt.Errorf("%w: insert reseller: %v", ErrPersistence, err)
	}

	row := &CreditTransaction{
		ID:             "txn-" + uuid.NewString(),
		FromAccountID:  payment.AdminID,
		ToAccountID:    resellerID,
		Amount:         payment.Credits,
		UnitPriceMinor: tier.UnitPriceMinor,
		TotalMinor:     payment.AmountMinor,
		Type:           TransactionResellerCreation,
		CreatedAt:      now,
	}
	return nil, insertCreditTransaction(ctx, dbtx, row)
}
