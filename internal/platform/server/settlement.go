package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/venturahub/creditd/internal/platform/audit"
	"github.com/venturahub/creditd/internal/platform/clock"
)

// intentDisplayWindow is how long the checkout screen shows the QR code
// as valid. It is advisory only; a confirmation that arrives later is
// still settled.
const intentDisplayWindow = 10 * time.Minute

// SettleOutcome reports what a settlement attempt did.
type SettleOutcome string

const (
	OutcomeSettled   SettleOutcome = "settled"
	OutcomeDuplicate SettleOutcome = "duplicate"
	OutcomeIgnored   SettleOutcome = "ignored"
)

// settlementStatuses are the provider statuses that mean the money
// arrived. Anything else leaves the payment pending.
var settlementStatuses = map[string]bool{
	"PAID":      true,
	"COMPLETED": true,
	"APPROVED":  true,
}

// SettlementService owns the payment lifecycle: intent creation against
// the provider, then exactly-once transition to PAID no matter how many
// webhook deliveries and status polls race for the same payment.
type SettlementService struct {
	Clock      clock.Clock
	AuditStore *audit.InMemoryStore
	Metrics    *Metrics
	Logger     *slog.Logger

	accounts *AccountsService
	ledger   *LedgerService
	gateway  PixGateway

	mu            sync.Mutex
	payments      map[string]*PixPayment
	byTransaction map[string]string
	nextAuditID   int64
	db            *sql.DB
}

func NewSettlementService(clk clock.Clock, accounts *AccountsService, ledger *LedgerService, gateway PixGateway, db ...*sql.DB) *SettlementService {
	var handle *sql.DB
	if len(db) > 0 {
		handle = db[0]
	}
	return &SettlementService{
		Clock:         clk,
		AuditStore:    audit.NewInMemoryStore(),
		Logger:        slog.Default(),
		accounts:      accounts,
		ledger:        ledger,
		gateway:       gateway,
		payments:      make(map[string]*PixPayment),
		byTransaction: make(map[string]string),
		db:            handle,
	}
}

func (s *SettlementService) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

func (s *SettlementService) appendAudit(actorID, paymentID, action string, result audit.Result, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendAuditLocked(actorID, paymentID, action, result, reason)
}

// appendAuditLocked assumes s.mu is held.
func (s *SettlementService) appendAuditLocked(actorID, paymentID, action string, result audit.Result, reason string) {
	if s.AuditStore == nil {
		return
	}
	s.nextAuditID++
	id := "settlement-audit-" + strconv.FormatInt(s.nextAuditID, 10)
	now := s.now()
	after, _ := json.Marshal(map[string]string{"action": action})
	_, _ = s.AuditStore.Append(audit.Event{
		AuditID:      id,
		OccurredAt:   now,
		RecordedAt:   now,
		ActorID:      actorID,
		ObjectType:   "pix_payment",
		ObjectID:     paymentID,
		Action:       action,
		Before:       []byte(`{}`),
		After:        after,
		Result:       result,
		Reason:       reason,
		PartitionDay: now.Format("2006-01-02"),
	})
}

// PixIntent is the checkout artifact handed back to the client.
type PixIntent struct {
	PaymentID     string        `json:"payment_id"`
	TransactionID string        `json:"transaction_id"`
	Credits       int64         `json:"credits"`
	AmountMinor   int64         `json:"amount_minor"`
	QRCode        string        `json:"qr_code"`
	QRCodeBase64  string        `json:"qr_code_base64"`
	CopyPaste     string        `json:"copy_paste"`
	ExpiresAt     time.Time     `json:"expires_at"`
	Status        PaymentStatus `json:"status"`
}

func (s *SettlementService) requireMaster(ctx context.Context, adminID string) (*AdminAccount, error) {
	acct, err := s.accounts.Get(ctx, adminID)
	if err != nil {
		return nil, err
	}
	if acct.Rank != RankMaster {
		return nil, ErrNotAuthorized
	}
	return acct, nil
}

// CreateIntent opens a payment for a credit package. The charge amount is
// taken from the server price table; a client-reported total that
// disagrees is rejected, never honored.
func (s *SettlementService) CreateIntent(ctx context.Context, adminID string, credits, reportedTotalMinor int64) (*PixIntent, error) {
	acct, err := s.requireMaster(ctx, adminID)
	if err != nil {
		return nil, err
	}
	tier, ok := PriceFor(credits)
	if !ok {
		return nil, ErrInvalidPackage
	}
	if reportedTotalMinor != 0 && reportedTotalMinor != tier.TotalMinor {
		s.appendAudit(adminID, "", "create_intent", audit.ResultDenied, "reported total disagrees with price table")
		return nil, ErrPriceMismatch
	}

	charge, err := s.gateway.CreatePayment(ctx, tier.TotalMinor, acct.Name, acct.Email,
		"Recarga de "+strconv.FormatInt(credits, 10)+" creditos")
	if err != nil {
		return nil, err
	}

	payment := &PixPayment{
		ID:            "pay-" + uuid.NewString(),
		AdminID:       adminID,
		PayerName:     acct.Name,
		Credits:       credits,
		AmountMinor:   tier.TotalMinor,
		TransactionID: charge.TransactionID,
		Status:        PaymentPending,
		CreatedAt:     s.now(),
	}
	if err := s.storePayment(ctx, payment); err != nil {
		return nil, err
	}
	s.appendAudit(adminID, payment.ID, "create_intent", audit.ResultSuccess, "")
	return s.intentFrom(payment, charge), nil
}

// CreateResellerIntent opens a payment that, once settled, provisions a
// reseller account loaded with the purchased credits. The credential for
// the future account is held on the payment until settlement consumes it.
func (s *SettlementService) CreateResellerIntent(ctx context.Context, adminID string, credits, reportedTotalMinor int64, prov ResellerProvisioning) (*PixIntent, error) {
	acct, err := s.requireMaster(ctx, adminID)
	if err != nil {
		return nil, err
	}
	if prov.Name == "" || normalizeEmail(prov.Email) == "" || prov.Key == "" {
		return nil, ErrInvalidAmount
	}
	tier, ok := PriceFor(credits)
	if !ok {
		return nil, ErrInvalidPackage
	}
	if reportedTotalMinor != 0 && reportedTotalMinor != tier.TotalMinor {
		s.appendAudit(adminID, "", "create_reseller_intent", audit.ResultDenied, "reported total disagrees with price table")
		return nil, ErrPriceMismatch
	}
	if _, err := s.accounts.GetByEmail(ctx, prov.Email); err == nil {
		return nil, ErrEmailExists
	}

	charge, err := s.gateway.CreatePayment(ctx, tier.TotalMinor, acct.Name, acct.Email,
		"Criacao de revendedor com "+strconv.FormatInt(credits, 10)+" creditos")
	if err != nil {
		return nil, err
	}

	payment := &PixPayment{
		ID:            "pay-" + uuid.NewString(),
		AdminID:       adminID,
		PayerName:     acct.Name,
		Credits:       credits,
		AmountMinor:   tier.TotalMinor,
		TransactionID: charge.TransactionID,
		Status:        PaymentPendingReseller,
		Provisioning: &ResellerProvisioning{
			Name:  strings.TrimSpace(prov.Name),
			Email: normalizeEmail(prov.Email),
			Key:   prov.Key,
		},
		CreatedAt: s.now(),
	}
	if err := s.storePayment(ctx, payment); err != nil {
		return nil, err
	}
	s.appendAudit(adminID, payment.ID, "create_reseller_intent", audit.ResultSuccess, "")
	return s.intentFrom(payment, charge), nil
}

func (s *SettlementService) intentFrom(p *PixPayment, charge *PixCharge) *PixIntent {
	return &PixIntent{
		PaymentID:     p.ID,
		TransactionID: p.TransactionID,
		Credits:       p.Credits,
		AmountMinor:   p.AmountMinor,
		QRCode:        charge.QRCode,
		QRCodeBase64:  charge.QRCodeBase64,
		CopyPaste:     charge.CopyPaste,
		ExpiresAt:     p.CreatedAt.Add(intentDisplayWindow),
		Status:        p.Status,
	}
}

func (s *SettlementService) storePayment(ctx context.Context, p *PixPayment) error {
	if s.db != nil {
		return s.insertPaymentDB(ctx, p)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = p
	s.byTransaction[p.TransactionID] = p.ID
	return nil
}

// Settle applies a provider confirmation. It is safe to call any number
// of times with the same transaction: the first success status wins, every
// later call is a no-op, and an unknown transaction is acknowledged
// without effect so the provider stops retrying.
func (s *SettlementService) Settle(ctx context.Context, transactionID, reportedStatus string) (SettleOutcome, error) {
	normalized := strings.ToUpper(strings.TrimSpace(reportedStatus))
	if transactionID == "" || !settlementStatuses[normalized] {
		s.observeSettle(OutcomeIgnored, nil)
		return OutcomeIgnored, nil
	}

	if s.db != nil {
		outcome, err := s.settleDB(ctx, transactionID)
		s.observeSettle(outcome, err)
		return outcome, err
	}

	outcome, err := s.settleInMemory(ctx, transactionID)
	s.observeSettle(outcome, err)
	return outcome, err
}

func (s *SettlementService) settleInMemory(ctx context.Context, transactionID string) (SettleOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paymentID, ok := s.byTransaction[transactionID]
	if !ok {
		return OutcomeIgnored, nil
	}
	payment := s.payments[paymentID]
	if payment.settled() {
		return OutcomeDuplicate, nil
	}

	switch payment.Status {
	case PaymentPending:
		tier, _ := PriceFor(payment.Credits)
		if _, err := s.ledger.Recharge(ctx, payment.AdminID, payment.Credits, tier.UnitPriceMinor, payment.AmountMinor); err != nil {
			return OutcomeIgnored, err
		}
	case PaymentPendingReseller:
		if err := s.provisionResellerLocked(ctx, payment); err != nil {
			return OutcomeIgnored, err
		}
	default:
		return OutcomeIgnored, nil
	}

	payment.Status = PaymentPaid
	payment.PaidAt = s.now()
	if payment.Provisioning != nil {
		payment.Provisioning.Key = ""
	}
	s.appendSettleAuditLocked(payment)
	return OutcomeSettled, nil
}

func (s *SettlementService) provisionResellerLocked(ctx context.Context, payment *PixPayment) error {
	prov := payment.Provisioning
	if prov == nil {
		return ErrPaymentNotFound
	}
	tier, _ := PriceFor(payment.Credits)
	reseller, err := s.accounts.Create(ctx, NewAccountParams{
		Name:           prov.Name,
		Email:          prov.Email,
		Key:            prov.Key,
		Rank:           RankReseller,
		CreatedBy:      payment.AdminID,
		InitialBalance: payment.Credits,
	})
	if errors.Is(err, ErrEmailExists) {
		// The address was taken between intent and settlement. The money
		// arrived, so the payment still settles; the skip is recorded for
		// manual reconciliation, and the ledger row is still attempted
		// against the account that holds the address.
		s.Logger.Warn("reseller provisioning skipped",
			"payment_id", payment.ID, "email", prov.Email, "reason", "email already registered")
		s.appendAuditLocked(payment.AdminID, payment.ID, "provision_reseller", audit.ResultDenied, "email already registered")
		if existing, lookupErr := s.accounts.GetByEmail(ctx, prov.Email); lookupErr == nil {
			if _, err := s.ledger.RecordResellerCreation(ctx, payment.AdminID, existing.ID, payment.Credits, tier.UnitPriceMinor, payment.AmountMinor); err != nil {
				s.Logger.Warn("reseller creation ledger row failed",
					"payment_id", payment.ID, "reseller_id", existing.ID, "error", err)
			}
		}
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := s.ledger.RecordResellerCreation(ctx, payment.AdminID, reseller.ID, payment.Credits, tier.UnitPriceMinor, payment.AmountMinor); err != nil {
		// The account exists and holds its credits; the missing ledger
		// row is an audit gap, not a reason to fail the settlement.
		s.Logger.Warn("reseller creation ledger row failed",
			"payment_id", payment.ID, "reseller_id", reseller.ID, "error", err)
	}
	return nil
}

func (s *SettlementService) appendSettleAuditLocked(payment *PixPayment) {
	if s.AuditStore == nil {
		return
	}
	s.nextAuditID++
	id := "settlement-audit-" + strconv.FormatInt(s.nextAuditID, 10)
	now := s.now()
	after, _ := json.Marshal(map[string]any{
		"status":       payment.Status,
		"credits":      payment.Credits,
		"amount_minor": payment.AmountMinor,
	})
	_, _ = s.AuditStore.Append(audit.Event{
		AuditID:      id,
		OccurredAt:   now,
		RecordedAt:   now,
		ActorID:      payment.AdminID,
		ObjectType:   "pix_payment",
		ObjectID:     payment.ID,
		Action:       "settle",
		Before:       []byte(`{}`),
		After:        after,
		Result:       audit.ResultSuccess,
		PartitionDay: now.Format("2006-01-02"),
	})
}

// Status returns the payment as the owning admin may see it. The
// provisioning credential never leaves the service.
func (s *SettlementService) Status(ctx context.Context, adminID, paymentID string) (*PixPayment, error) {
	payment, err := s.getPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.AdminID != adminID {
		return nil, ErrNotAuthorized
	}
	if payment.Provisioning != nil {
		payment.Provisioning.Key = ""
	}
	return payment, nil
}

// ListPayments returns an admin's payment history, newest first.
// Provisioning keys are never included.
func (s *SettlementService) ListPayments(ctx context.Context, adminID string, limit int) ([]*PixPayment, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []*PixPayment
	if s.db != nil {
		rows, err := s.listPaymentsDB(ctx, adminID, limit)
		if err != nil {
			return nil, err
		}
		out = rows
	} else {
		s.mu.Lock()
		for _, p := range s.payments {
			if p.AdminID == adminID {
				out = append(out, clonePayment(p))
			}
		}
		s.mu.Unlock()
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
		if len(out) > limit {
			out = out[:limit]
		}
	}
	for _, p := range out {
		if p.Provisioning != nil {
			p.Provisioning.Key = ""
		}
	}
	return out, nil
}

func (s *SettlementService) getPayment(ctx context.Context, paymentID string) (*PixPayment, error) {
	if s.db != nil {
		return s.getPaymentDB(ctx, paymentID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	payment, ok := s.payments[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(payment), nil
}

// CheckAndSettle asks the provider for the current status and settles on
// confirmation. It backs the client-driven poll and the background worker.
func (s *SettlementService) CheckAndSettle(ctx context.Context, adminID, paymentID string) (*PixPayment, error) {
	payment, err := s.getPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if adminID != "" && payment.AdminID != adminID {
		return nil, ErrNotAuthorized
	}
	if payment.settled() {
		return payment, nil
	}
	status, err := s.gateway.PaymentStatus(ctx, payment.TransactionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.Settle(ctx, payment.TransactionID, status); err != nil {
		return nil, err
	}
	return s.Status(ctx, payment.AdminID, paymentID)
}

// StartStatusPollWorker reconciles pending payments against the provider
// until the context ends. Webhooks are the fast path; the poll catches
// deliveries that never arrived.
func (s *SettlementService) StartStatusPollWorker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.pollPending(ctx)
			}
		}
	}()
}

func (s *SettlementService) pollPending(ctx context.Context) {
	pending, err := s.listPending(ctx, 100)
	if err != nil {
		s.Logger.Warn("pending payment poll failed", "error", err)
		return
	}
	for _, payment := range pending {
		status, err := s.gateway.PaymentStatus(ctx, payment.TransactionID)
		if err != nil {
			s.Logger.Warn("payment status check failed",
				"payment_id", payment.ID, "error", err)
			continue
		}
		if _, err := s.Settle(ctx, payment.TransactionID, status); err != nil {
			s.Logger.Warn("poll settlement failed",
				"payment_id", payment.ID, "error", err)
		}
	}
}

func (s *SettlementService) listPending(ctx context.Context, limit int) ([]*PixPayment, error) {
	if s.db != nil {
		return s.listPendingDB(ctx, limit)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PixPayment, 0)
	for _, p := range s.payments {
		if p.settled() {
			continue
		}
		out = append(out, clonePayment(p))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *SettlementService) observeSettle(outcome SettleOutcome, err error) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.ObserveSettlement(outcome, err)
}
