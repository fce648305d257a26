package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

type CreditsHandler struct {
	Identity *IdentityService
	Accounts *AccountsService
	Ledger   *LedgerService
}

func (h *CreditsHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/credits/transfer", h.transfer).Methods(http.MethodPost)
	r.HandleFunc("/api/credits/recharge", h.recharge).Methods(http.MethodPost)
	r.HandleFunc("/api/credits/balance", h.balance).Methods(http.MethodGet)
	r.HandleFunc("/api/credits/revenue", h.revenue).Methods(http.MethodGet)
	r.HandleFunc("/api/credits/transactions", h.transactions).Methods(http.MethodGet)
	r.HandleFunc("/api/credits/pricing", h.pricing).Methods(http.MethodGet)
	r.HandleFunc("/api/dashboard", h.dashboard).Methods(http.MethodGet)
}

// transfer sends credits from the caller to one of their resellers.
// Owners may move credits between any two accounts.
func (h *CreditsHandler) transfer(w http.ResponseWriter, r *http.Request) {
	p, err := requirePrincipal(r, h.Identity)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		FromAccountID string `json:"from_account_id,omitempty"`
		ToAccountID   string `json:"to_account_id"`
		Amount        int64  `json:"amount"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, ErrInvalidAmount)
		return
	}

	fromID := p.AdminID
	if req.FromAccountID != "" && req.FromAccountID != p.AdminID {
		if p.Rank != string(RankOwner) {
			writeError(w, ErrNotAuthorized)
			return
		}
		fromID = req.FromAccountID
	}
	if p.Rank != string(RankOwner) {
		target, err := h.Accounts.Get(r.Context(), req.ToAccountID)
		if err != nil {
			writeError(w, err)
			return
		}
		if target.CreatedBy != p.AdminID {
			writeError(w, ErrNotAuthorized)
			return
		}
	}

	tx, err := h.Ledger.Transfer(r.Context(), fromID, req.ToAccountID, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transactionViewsOf([]*CreditTransaction{tx})[0])
}

// recharge is the owner's manual credit entry, used for adjustments made
// outside the payment gateway. Tier pricing is applied when the amount is
// a known package so revenue reporting stays consistent.
func (h *CreditsHandler) recharge(w http.ResponseWriter, r *http.Request) {
	p, err := requirePrincipal(r, h.Identity)
	if err != nil {
		writeError(w, err)
		return
	}
	if p.Rank != string(RankOwner) {
		writeError(w, ErrNotAuthorized)
		return
	}
	var req struct {
		AccountID string `json:"account_id"`
		Amount    int64  `json:"amount"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, ErrInvalidAmount)
		return
	}
	var unitMinor, totalMinor int64
	if tier, ok := PriceFor(req.Amount); ok {
		unitMinor, totalMinor = tier.UnitPriceMinor, tier.TotalMinor
	}
	tx, err := h.Ledger.Recharge(r.Context(), req.AccountID, req.Amount, unitMinor, totalMinor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transactionViewsOf([]*CreditTransaction{tx})[0])
}

func (h *CreditsHandler) balance(w http.ResponseWriter, r *http.Request) {
	p, err := requirePrincipal(r, h.Identity)
	if err != nil {
		writeError(w, err)
		return
	}
	balance, err := h.Ledger.Balance(r.Context(), p.AdminID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

func (h *CreditsHandler) transactions(w http.ResponseWriter, r *http.Request) {
	p, err := requirePrincipal(r, h.Identity)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	var txs []*CreditTransaction
	if p.Rank == string(RankOwner) {
		txs, err = h.Ledger.AllTransactions(r.Context(), limit)
	} else {
		txs, err = h.Ledger.Transactions(r.Context(), p.AdminID, limit)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": transactionViewsOf(txs)})
}

// revenue reports recharge revenue for one calendar month. Defaults to
// the current month when no query parameters are given.
func (h *CreditsHandler) revenue(w http.ResponseWriter, r *http.Request) {
	p, err := requirePrincipal(r, h.Identity)
	if err != nil {
		writeError(w, err)
		return
	}
	if p.Rank != string(RankOwner) {
		writeError(w, ErrNotAuthorized)
		return
	}
	now := h.Ledger.now()
	year, month := now.Year(), now.Month()
	if v := r.URL.Query().Get("year"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			year = n
		}
	}
	if v := r.URL.Query().Get("month"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 && n <= 12 {
			month = time.Month(n)
		}
	}
	total, err := h.Ledger.MonthlyRevenue(r.Context(), year, month)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"year":          year,
		"month":         int(month),
		"revenue_minor": total,
	})
}

func (h *CreditsHandler) pricing(w http.ResponseWriter, r *http.Request) {
	if _, err := requirePrincipal(r, h.Identity); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tiers": PriceTiers()})
}

// dashboard aggregates the owner's panel numbers. Account totals come
// from the account store, money movement from the ledger.
func (h *CreditsHandler) dashboard(w http.ResponseWriter, r *http.Request) {
	p, err := requirePrincipal(r, h.Identity)
	if err != nil {
		writeError(w, err)
		return
	}
	if p.Rank != string(RankOwner) {
		writeError(w, ErrNotAuthorized)
		return
	}
	stats, err := h.Accounts.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	report, err := h.Ledger.Report(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	now := h.Ledger.now()
	revenue, err := h.Ledger.MonthlyRevenue(r.Context(), now.Year(), now.Month())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_masters":             stats.TotalMasters,
		"total_resellers":           stats.TotalResellers,
		"total_credits":             stats.TotalCredits,
		"total_deposits":            report.TotalDeposits,
		"total_deposit_value_minor": report.TotalDepositValueMinor,
		"total_transfers":           report.TotalTransfers,
		"total_transfer_credits":    report.TotalTransferCredits,
		"avg_ticket_minor":          report.AvgTicketMinor,
		"monthly_revenue_minor":     revenue,
	})
}
