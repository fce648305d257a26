package server

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

type AdminsHandler struct {
	Identity *IdentityService
	Accounts *AccountsService
}

func (h *AdminsHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/admins", h.create).Methods(http.MethodPost)
	r.HandleFunc("/api/admins/resellers", h.listResellers).Methods(http.MethodGet)
	r.HandleFunc("/api/admins/masters", h.listMasters).Methods(http.MethodGet)
	r.HandleFunc("/api/admins/search", h.search).Methods(http.MethodGet)
	r.HandleFunc("/api/admins/{id}", h.get).Methods(http.MethodGet)
	r.HandleFunc("/api/admins/{id}", h.update).Methods(http.MethodPut)
	r.HandleFunc("/api/admins/{id}", h.remove).Methods(http.MethodDelete)
}

// create provisions an account one rank below the caller: owners create
// masters, masters create resellers. New accounts start at zero balance
// and are funded by transfer or by a paid reseller package.
func (h *AdminsHandler) create(w http.ResponseWriter, r *http.Request) {
	p, err := requirePrincipal(r, h.Identity)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Name  string `json:"name"`
		Email string `json:"email"`
		Key   string `json:"key"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, ErrInvalidAmount)
		return
	}

	var rank Rank
	switch Rank(p.Rank) {
	case RankOwner:
		rank = RankMaster
	case RankMaster:
		rank = RankReseller
	default:
		writeError(w, ErrNotAuthorized)
		return
	}

	acct, err := h.Accounts.Create(r.Context(), NewAccountParams{
		Name:      req.Name,
		Email:     req.Email,
		Key:       req.Key,
		Rank:      rank,
		CreatedBy: p.AdminID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(acct))
}

func (h *AdminsHandler) listResellers(w http.ResponseWriter, r *http.Request) {
	p, err := requirePrincipal(r, h.Identity)
	if err != nil {
		writeError(w, err)
		return
	}
	accounts, err := h.Accounts.ListResellers(r.Context(), p.AdminID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resellers": viewsOf(accounts)})
}

func (h *AdminsHandler) listMasters(w http.ResponseWriter, r *http.Request) {
	p, err := requirePrincipal(r, h.Identity)
	if err != nil {
		writeError(w, err)
		return
	}
	if p.Rank != string(RankOwner) {
		writeError(w, ErrNotAuthorized)
		return
	}
	accounts, err := h.Accounts.ListMasters(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"masters": viewsOf(accounts)})
}

func (h *AdminsHandler) search(w http.ResponseWriter, r *http.Request) {
	p, err := requirePrincipal(r, h.Identity)
	if err != nil {
		writeError(w, err)
		return
	}
	if p.Rank != string(RankOwner) {
		writeError(w, ErrNotAuthorized)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	accounts, err := h.Accounts.Search(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": viewsOf(accounts)})
}

// canManage reports whether the caller may modify the target account.
// Owners manage everyone; everyone manages themselves and the accounts
// they created.
func (h *AdminsHandler) get(w http.ResponseWriter, r *http.Request) {
	p, err := requirePrincipal(r, h.Identity)
	if err != nil {
		writeError(w, err)
		return
	}
	targetID := mux.Vars(r)["id"]
	ok, err := h.canManage(r, p.AdminID, p.Rank, targetID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, ErrNotAuthorized)
		return
	}
	acct, err := h.Accounts.Get(r.Context(), targetID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(acct))
}

func (h *AdminsHandler) canManage(r *http.Request, callerID, callerRank, targetID string) (bool, error) {
	if callerRank == string(RankOwner) || callerID == targetID {
		return true, nil
	}
	target, err := h.Accounts.Get(r.Context(), targetID)
	if err != nil {
		return false, err
	}
	return target.CreatedBy == callerID, nil
}

func (h *AdminsHandler) update(w http.ResponseWriter, r *http.Request) {
	p, err := requirePrincipal(r, h.Identity)
	if err != nil {
		writeError(w, err)
		return
	}
	targetID := mux.Vars(r)["id"]
	ok, err := h.canManage(r, p.AdminID, p.Rank, targetID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, ErrNotAuthorized)
		return
	}
	var req struct {
		Name  string `json:"name,omitempty"`
		Email string `json:"email,omitempty"`
		Key   string `json:"key,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, ErrInvalidAmount)
		return
	}
	if err := h.Accounts.UpdateProfile(r.Context(), targetID, req.Name, req.Email, req.Key); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *AdminsHandler) remove(w http.ResponseWriter, r *http.Request) {
	p, err := requirePrincipal(r, h.Identity)
	if err != nil {
		writeError(w, err)
		return
	}
	targetID := mux.Vars(r)["id"]
	if targetID == p.AdminID {
		writeError(w, ErrNotAuthorized)
		return
	}
	ok, err := h.canManage(r, p.AdminID, p.Rank, targetID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, ErrNotAuthorized)
		return
	}
	if err := h.Accounts.Delete(r.Context(), targetID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
