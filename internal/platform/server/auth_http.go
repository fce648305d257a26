package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

type AuthHandler struct {
	Identity *IdentityService
}

func (h *AuthHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/auth/login", h.login).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/logout", h.logout).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/session", h.session).Methods(http.MethodGet)
	r.HandleFunc("/api/auth/pin/verify", h.verifyPIN).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/pin", h.setPIN).Methods(http.MethodPost)
}

func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Key   string `json:"key"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, ErrAuthenticationFailed)
		return
	}
	result, err := h.Identity.Login(r.Context(), req.Email, req.Key, sourceIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"admin":        viewOf(result.Admin),
		"access_token": result.AccessToken,
		"expires_at":   result.ExpiresAt.UTC().Format(time.RFC3339),
		"pin_required": result.PINRequired,
	})
}

func (h *AuthHandler) logout(w http.ResponseWriter, r *http.Request) {
	p, err := requirePrincipal(r, h.Identity)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Identity.Logout(r.Context(), p.AdminID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// session lets a client confirm its token survived any later login on the
// same account.
func (h *AuthHandler) session(w http.ResponseWriter, r *http.Request) {
	if _, err := requirePrincipal(r, h.Identity); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

func (h *AuthHandler) verifyPIN(w http.ResponseWriter, r *http.Request) {
	p, err := requirePrincipal(r, h.Identity)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		PIN string `json:"pin"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, ErrInvalidPIN)
		return
	}
	ok, err := h.Identity.VerifyPIN(r.Context(), p.AdminID, req.PIN)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": ok})
}

func (h *AuthHandler) setPIN(w http.ResponseWriter, r *http.Request) {
	p, err := requirePrincipal(r, h.Identity)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		PIN string `json:"pin"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, ErrInvalidPIN)
		return
	}
	if err := h.Identity.SetPIN(r.Context(), p.AdminID, req.PIN); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
