package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/venturahub/creditd/internal/platform/auth"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// writeError maps domain errors onto status codes. Authentication and
// session failures all surface as the same generic 401 so callers cannot
// probe which part of a credential was wrong.
func writeError(w http.ResponseWriter, err error) {
	var insufficient *InsufficientFundsError
	var gateway *GatewayError

	switch {
	case errors.Is(err, ErrAuthenticationFailed),
		errors.Is(err, ErrSessionInvalid):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication failed"})
	case errors.Is(err, ErrAccountLocked):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "account temporarily locked"})
	case errors.Is(err, ErrNotAuthorized):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not authorized"})
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrPaymentNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": insufficient.Error()})
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrSameAccount),
		errors.Is(err, ErrInvalidPackage),
		errors.Is(err, ErrPriceMismatch),
		errors.Is(err, ErrInvalidPIN),
		errors.Is(err, ErrEmailExists):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.As(err, &gateway):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "payment provider unavailable"})
	default:
		slog.Default().Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func decodeBody(r *http.Request, into any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(into)
}

// requirePrincipal returns the JWT principal after confirming its session
// token is still the account's live one. A principal whose session was
// displaced by a newer login fails here on its next request.
func requirePrincipal(r *http.Request, identity *IdentityService) (auth.Principal, error) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return auth.Principal{}, ErrSessionInvalid
	}
	valid, err := identity.ValidateSession(r.Context(), p.AdminID, p.SessionToken)
	if err != nil {
		return auth.Principal{}, err
	}
	if !valid {
		return auth.Principal{}, ErrSessionInvalid
	}
	return p, nil
}

// accountView is the wire shape for an admin account. Secrets and the
// live session token are never serialized.
type accountView struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	Rank         Rank   `json:"rank"`
	CreatedBy    string `json:"created_by,omitempty"`
	Balance      int64  `json:"balance"`
	LastActive   string `json:"last_active,omitempty"`
	LastIP       string `json:"last_ip,omitempty"`
	ProfilePhoto string `json:"profile_photo,omitempty"`
	CreatedAt    string `json:"created_at"`
}

func viewOf(a *AdminAccount) accountView {
	v := accountView{
		ID:           a.ID,
		Name:         a.Name,
		Email:        a.Email,
		Rank:         a.Rank,
		CreatedBy:    a.CreatedBy,
		Balance:      a.Balance,
		LastIP:       a.LastIP,
		ProfilePhoto: a.ProfilePhoto,
		CreatedAt:    a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if !a.LastActive.IsZero() {
		v.LastActive = a.LastActive.UTC().Format(time.RFC3339)
	}
	return v
}

func viewsOf(accounts []*AdminAccount) []accountView {
	out := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, viewOf(a))
	}
	return out
}

type transactionView struct {
	ID             string          `json:"id"`
	FromAccountID  string          `json:"from_account_id,omitempty"`
	ToAccountID    string          `json:"to_account_id,omitempty"`
	Amount         int64           `json:"amount"`
	UnitPriceMinor int64           `json:"unit_price_minor,omitempty"`
	TotalMinor     int64           `json:"total_minor,omitempty"`
	Type           TransactionType `json:"type"`
	CreatedAt      string          `json:"created_at"`
}

func transactionViewsOf(txs []*CreditTransaction) []transactionView {
	out := make([]transactionView, 0, len(txs))
	for _, tx := range txs {
		out = append(out, transactionView{
			ID:             tx.ID,
			FromAccountID:  tx.FromAccountID,
			ToAccountID:    tx.ToAccountID,
			Amount:         tx.Amount,
			UnitPriceMinor: tx.UnitPriceMinor,
			TotalMinor:     tx.TotalMinor,
			Type:           tx.Type,
			CreatedAt:      tx.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}
