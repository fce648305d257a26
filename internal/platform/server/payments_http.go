package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

type PaymentsHandler struct {
	Identity   *IdentityService
	Settlement *SettlementService
}

func (h *PaymentsHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/payments/pix", h.createIntent).Methods(http.MethodPost)
	r.HandleFunc("/api/payments/pix", h.history).Methods(http.MethodGet)
	r.HandleFunc("/api/payments/pix/reseller", h.createResellerIntent).Methods(http.MethodPost)
	r.HandleFunc("/api/payments/pix/{id}", h.status).Methods(http.MethodGet)
	r.HandleFunc("/api/payments/pix/{id}/check", h.check).Methods(http.MethodPost)
}

// RegisterWebhook mounts the provider callback, optionally behind a
// source network guard. The route skips JWT auth; the webhook carries no
// credentials and its payload is never trusted beyond the transaction id.
func (h *PaymentsHandler) RegisterWebhook(r *mux.Router, guard *WebhookGuard) {
	var handler http.Handler = http.HandlerFunc(h.webhook)
	if guard != nil {
		handler = guard.Wrap(handler)
	}
	r.Handle("/api/payments/pix/webhook", handler).Methods(http.MethodPost)
}

func (h *PaymentsHandler) createIntent(w http.ResponseWriter, r *http.Request) {
	p, err := requirePrincipal(r, h.Identity)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Credits    int64 `json:"credits"`
		TotalMinor int64 `json:"total_minor,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, ErrInvalidPackage)
		return
	}
	intent, err := h.Settlement.CreateIntent(r.Context(), p.AdminID, req.Credits, req.TotalMinor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, intent)
}

func (h *PaymentsHandler) createResellerIntent(w http.ResponseWriter, r *http.Request) {
	p, err := requirePrincipal(r, h.Identity)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Credits       int64  `json:"credits"`
		TotalMinor    int64  `json:"total_minor,omitempty"`
		ResellerName  string `json:"reseller_name"`
		ResellerEmail string `json:"reseller_email"`
		ResellerKey   string `json:"reseller_key"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, ErrInvalidPackage)
		return
	}
	intent, err := h.Settlement.CreateResellerIntent(r.Context(), p.AdminID, req.Credits, req.TotalMinor, ResellerProvisioning{
		Name:  req.ResellerName,
		Email: req.ResellerEmail,
		Key:   req.ResellerKey,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, intent)
}

func paymentView(p *PixPayment) map[string]any {
	v := map[string]any{
		"payment_id":   p.ID,
		"credits":      p.Credits,
		"amount_minor": p.AmountMinor,
		"status":       p.Status,
		"created_at":   p.CreatedAt.UTC().Format(time.RFC3339),
	}
	if !p.PaidAt.IsZero() {
		v["paid_at"] = p.PaidAt.UTC().Format(time.RFC3339)
	}
	return v
}

// history lists the caller's payments, newest first. Owners may inspect
// another admin's history with the admin_id query parameter.
func (h *PaymentsHandler) history(w http.ResponseWriter, r *http.Request) {
	p, err := requirePrincipal(r, h.Identity)
	if err != nil {
		writeError(w, err)
		return
	}
	adminID := p.AdminID
	if v := r.URL.Query().Get("admin_id"); v != "" && v != p.AdminID {
		if p.Rank != string(RankOwner) {
			writeError(w, ErrNotAuthorized)
			return
		}
		adminID = v
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	payments, err := h.Settlement.ListPayments(r.Context(), adminID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(payments))
	for _, payment := range payments {
		views = append(views, paymentView(payment))
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": views})
}

func (h *PaymentsHandler) status(w http.ResponseWriter, r *http.Request) {
	p, err := requirePrincipal(r, h.Identity)
	if err != nil {
		writeError(w, err)
		return
	}
	payment, err := h.Settlement.Status(r.Context(), p.AdminID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentView(payment))
}

// check asks the provider for the live status and settles if confirmed.
// It backs the checkout screen's poll loop.
func (h *PaymentsHandler) check(w http.ResponseWriter, r *http.Request) {
	p, err := requirePrincipal(r, h.Identity)
	if err != nil {
		writeError(w, err)
		return
	}
	payment, err := h.Settlement.CheckAndSettle(r.Context(), p.AdminID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentView(payment))
}

// webhook acknowledges every delivery quickly. Unknown transactions and
// repeats are fine; settlement absorbs them without effect, so the
// provider never needs to retry a delivery that already landed.
func (h *PaymentsHandler) webhook(w http.ResponseWriter, r *http.Request) {
	// Provider payloads carry fields beyond the two we use; decode
	// leniently so delivery format drift never drops a confirmation.
	var req struct {
		TransactionID string `json:"transactionId"`
		Status        string `json:"status"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}
	if _, err := h.Settlement.Settle(r.Context(), req.TransactionID, req.Status); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
