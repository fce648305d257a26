package server

import "time"

type Rank string

const (
	RankOwner    Rank = "owner"
	RankMaster   Rank = "master"
	RankReseller Rank = "reseller"
)

func rankFromString(v string) Rank {
	switch v {
	case string(RankOwner):
		return RankOwner
	case string(RankMaster):
		return RankMaster
	case string(RankReseller):
		return RankReseller
	default:
		return ""
	}
}

// AdminAccount is one panel administrator. Balance is mutated only through
// the ledger; SessionToken only through the sessions service. Key and PIN
// hold either a bcrypt hash or a legacy plaintext secret, decoded by the
// credential package.
type AdminAccount struct {
	ID           string
	Name         string
	Email        string
	Rank         Rank
	CreatedBy    string
	Balance      int64
	Key          string
	PIN          string
	SessionToken string
	LastActive   time.Time
	LastIP       string
	ProfilePhoto string
	CreatedAt    time.Time
}

type TransactionType string

const (
	TransactionTransfer         TransactionType = "transfer"
	TransactionRecharge         TransactionType = "recharge"
	TransactionResellerCreation TransactionType = "reseller_creation"
)

// CreditTransaction is an append-only ledger row. FromAccountID is empty
// for external funding (recharges); price fields are zero except on
// recharge and reseller_creation rows. reseller_creation rows are audit
// entries for settlement-time provisioning and do not themselves move a
// balance (the provisioned account is created with its purchased credits).
type CreditTransaction struct {
	ID             string
	FromAccountID  string
	ToAccountID    string
	Amount         int64
	UnitPriceMinor int64
	TotalMinor     int64
	Type           TransactionType
	CreatedAt      time.Time
}

type PaymentStatus string

const (
	PaymentPending         PaymentStatus = "PENDING"
	PaymentPendingReseller PaymentStatus = "PENDING_RESELLER"
	PaymentPaid            PaymentStatus = "PAID"
)

// ResellerProvisioning is the structured sub-record embedded in a
// PENDING_RESELLER payment at intent time and consumed exactly once at
// settlement.
type ResellerProvisioning struct {
	Name  string
	Email string
	Key   string
}

// PixPayment tracks one external payment from intent to settlement.
// AmountMinor is always the server-computed price in centavos; the
// gateway's reported payload never dictates the credited amount.
type PixPayment struct {
	ID            string
	AdminID       string
	PayerName     string
	Credits       int64
	AmountMinor   int64
	TransactionID string
	Status        PaymentStatus
	Provisioning  *ResellerProvisioning
	CreatedAt     time.Time
	PaidAt        time.Time
}

func (p *PixPayment) settled() bool {
	return p != nil && p.Status == PaymentPaid
}

func clonePayment(in *PixPayment) *PixPayment {
	if in == nil {
		return nil
	}
	cp := *in
	if in.Provisioning != nil {
		prov := *in.Provisioning
		cp.Provisioning = &prov
	}
	return &cp
}

func cloneAccount(in *AdminAccount) *AdminAccount {
	if in == nil {
		return nil
	}
	cp := *in
	return &cp
}

func cloneTransaction(in *CreditTransaction) *CreditTransaction {
	if in == nil {
		return nil
	}
	cp := *in
	return &cp
}
