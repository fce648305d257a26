package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/venturahub/creditd/internal/platform/audit"
	"github.com/venturahub/creditd/internal/platform/clock"
	"github.com/venturahub/creditd/internal/platform/credential"
)

// AccountsService owns admin account records. Balances and session tokens
// live on the account row but are written only by the ledger and sessions
// services; everything else here is last-write-wins profile data.
type AccountsService struct {
	Clock      clock.Clock
	AuditStore *audit.InMemoryStore

	mu          sync.Mutex
	accounts    map[string]*AdminAccount
	emails      map[string]string
	nextAuditID int64
	db          *sql.DB
}

func NewAccountsService(clk clock.Clock, db ...*sql.DB) *AccountsService {
	var handle *sql.DB
	if len(db) > 0 {
		handle = db[0]
	}
	return &AccountsService{
		Clock:      clk,
		AuditStore: audit.NewInMemoryStore(),
		accounts:   make(map[string]*AdminAccount),
		emails:     make(map[string]string),
		db:         handle,
	}
}

func (s *AccountsService) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

func (s *AccountsService) nextAuditIDLocked() string {
	s.nextAuditID++
	return "accounts-audit-" + strconv.FormatInt(s.nextAuditID, 10)
}

func accountSnapshot(a *AdminAccount) []byte {
	if a == nil {
		return []byte(`{}`)
	}
	// Secrets and the live session token never enter the audit trail.
	b, _ := json.Marshal(map[string]any{
		"id":         a.ID,
		"name":       a.Name,
		"email":      a.Email,
		"rank":       a.Rank,
		"created_by": a.CreatedBy,
		"balance":    a.Balance,
	})
	return b
}

func (s *AccountsService) appendAudit(actorID, objectID, action string, before, after []byte, result audit.Result, reason string) {
	if s.AuditStore == nil {
		return
	}
	now := s.now()
	_, _ = s.AuditStore.Append(audit.Event{
		AuditID:      s.nextAuditIDLocked(),
		OccurredAt:   now,
		RecordedAt:   now,
		ActorID:      actorID,
		ObjectType:   "admin_account",
		ObjectID:     objectID,
		Action:       action,
		Before:       before,
		After:        after,
		Result:       result,
		Reason:       reason,
		PartitionDay: now.Format("2006-01-02"),
	})
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NewAccountParams carries the fields for account creation. Key arrives in
// plaintext and is stored bcrypt-hashed; legacy plaintext rows only exist
// for accounts imported from the old panel.
type NewAccountParams struct {
	Name           string
	Email          string
	Key            string
	Rank           Rank
	CreatedBy      string
	InitialBalance int64
}

func (s *AccountsService) Create(ctx context.Context, p NewAccountParams) (*AdminAccount, error) {
	if p.Name == "" || normalizeEmail(p.Email) == "" || p.Key == "" {
		return nil, ErrAuthenticationFailed
	}
	if rankFromString(string(p.Rank)) == "" {
		return nil, ErrNotAuthorized
	}
	if p.InitialBalance < 0 {
		return nil, ErrInvalidAmount
	}
	keyHash, err := credential.Hash(p.Key)
	if err != nil {
		return nil, err
	}
	acct := &AdminAccount{
		ID:        "adm-" + uuid.NewString(),
		Name:      strings.TrimSpace(p.Name),
		Email:     normalizeEmail(p.Email),
		Rank:      p.Rank,
		CreatedBy: p.CreatedBy,
		Balance:   p.InitialBalance,
		Key:       keyHash,
		CreatedAt: s.now(),
	}

	if s.db != nil {
		if err := s.insertAccountDB(ctx, acct); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.appendAudit(p.CreatedBy, acct.ID, "create_account", []byte(`{}`), accountSnapshot(acct), audit.ResultSuccess, "")
		s.mu.Unlock()
		return cloneAccount(acct), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.emails[acct.Email]; exists {
		s.appendAudit(p.CreatedBy, "", "create_account", []byte(`{}`), []byte(`{}`), audit.ResultDenied, "email already registered")
		return nil, ErrEmailExists
	}
	s.accounts[acct.ID] = acct
	s.emails[acct.Email] = acct.ID
	s.appendAudit(p.CreatedBy, acct.ID, "create_account", []byte(`{}`), accountSnapshot(acct), audit.ResultSuccess, "")
	return cloneAccount(acct), nil
}

func (s *AccountsService) Get(ctx context.Context, id string) (*AdminAccount, error) {
	if s.db != nil {
		return s.getAccountDB(ctx, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return cloneAccount(acct), nil
}

func (s *AccountsService) GetByEmail(ctx context.Context, email string) (*AdminAccount, error) {
	if s.db != nil {
		return s.getAccountByEmailDB(ctx, normalizeEmail(email))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.emails[normalizeEmail(email)]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return cloneAccount(s.accounts[id]), nil
}

func (s *AccountsService) ListResellers(ctx context.Context, masterID string) ([]*AdminAccount, error) {
	if s.db != nil {
		return s.listAccountsDB(ctx, "created_by", masterID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*AdminAccount, 0)
	for _, acct := range s.accounts {
		if acct.CreatedBy == masterID {
			out = append(out, cloneAccount(acct))
		}
	}
	sortAccounts(out)
	return out, nil
}

func (s *AccountsService) ListMasters(ctx context.Context) ([]*AdminAccount, error) {
	if s.db != nil {
		return s.listAccountsDB(ctx, "rank", string(RankMaster))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*AdminAccount, 0)
	for _, acct := range s.accounts {
		if acct.Rank == RankMaster {
			out = append(out, cloneAccount(acct))
		}
	}
	sortAccounts(out)
	return out, nil
}

func (s *AccountsService) Search(ctx context.Context, q string, limit int) ([]*AdminAccount, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if s.db != nil {
		return s.searchAccountsDB(ctx, q, limit)
	}
	needle := strings.ToLower(strings.TrimSpace(q))
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*AdminAccount, 0)
	for _, acct := range s.accounts {
		if strings.Contains(strings.ToLower(acct.Name), needle) || strings.Contains(acct.Email, needle) {
			out = append(out, cloneAccount(acct))
		}
	}
	sortAccounts(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateProfile applies the non-empty fields with last-write-wins
// semantics. A new key is stored bcrypt-hashed.
func (s *AccountsService) UpdateProfile(ctx context.Context, id, name, email, key string) error {
	var keyHash string
	if key != "" {
		var err error
		keyHash, err = credential.Hash(key)
		if err != nil {
			return err
		}
	}
	if s.db != nil {
		return s.updateProfileDB(ctx, id, strings.TrimSpace(name), normalizeEmail(email), keyHash)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	before := accountSnapshot(acct)
	if name != "" {
		acct.Name = strings.TrimSpace(name)
	}
	if normalized := normalizeEmail(email); normalized != "" && normalized != acct.Email {
		if _, exists := s.emails[normalized]; exists {
			return ErrEmailExists
		}
		delete(s.emails, acct.Email)
		acct.Email = normalized
		s.emails[normalized] = id
	}
	if keyHash != "" {
		acct.Key = keyHash
	}
	s.appendAudit(id, id, "update_profile", before, accountSnapshot(acct), audit.ResultSuccess, "")
	return nil
}

func (s *AccountsService) Delete(ctx context.Context, id string) error {
	if s.db != nil {
		return s.deleteAccountDB(ctx, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	delete(s.emails, acct.Email)
	delete(s.accounts, id)
	s.appendAudit(id, id, "delete_account", accountSnapshot(acct), []byte(`{}`), audit.ResultSuccess, "")
	return nil
}

// SetPIN stores an already-hashed PIN. Callers validate the raw digits and
// hash before handing it over.
func (s *AccountsService) SetPIN(ctx context.Context, id, hashedPIN string) error {
	if s.db != nil {
		return s.setPINDB(ctx, id, hashedPIN)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	acct.PIN = hashedPIN
	s.appendAudit(id, id, "set_pin", []byte(`{}`), []byte(`{}`), audit.ResultSuccess, "")
	return nil
}

// MigrateKeyHash upgrades a legacy plaintext key to a bcrypt hash after a
// successful login. Best-effort: a concurrent login migrating the same row
// first wins and this call becomes a no-op.
func (s *AccountsService) MigrateKeyHash(ctx context.Context, id, oldStored, newHash string) error {
	if s.db != nil {
		return s.migrateKeyHashDB(ctx, id, oldStored, newHash)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	if acct.Key == oldStored {
		acct.Key = newHash
		s.appendAudit(id, id, "migrate_key_hash", []byte(`{}`), []byte(`{}`), audit.ResultSuccess, "")
	}
	return nil
}

type DashboardStats struct {
	TotalMasters   int64
	TotalResellers int64
	TotalCredits   int64
}

func (s *AccountsService) Stats(ctx context.Context) (DashboardStats, error) {
	if s.db != nil {
		return s.statsDB(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var st DashboardStats
	for _, acct := range s.accounts {
		switch acct.Rank {
		case RankMaster:
			st.TotalMasters++
		case RankReseller:
			st.TotalResellers++
		}
		st.TotalCredits += acct.Balance
	}
	return st, nil
}

func sortAccounts(accts []*AdminAccount) {
	sort.Slice(accts, func(i, j int) bool {
		if accts[i].CreatedAt.Equal(accts[j].CreatedAt) {
			return accts[i].ID < accts[j].ID
		}
		return accts[i].CreatedAt.Before(accts[j].CreatedAt)
	})
}
