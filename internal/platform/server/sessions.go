package server

import (
	"context"
	"database/sql"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/venturahub/creditd/internal/platform/audit"
	"github.com/venturahub/creditd/internal/platform/clock"
)

// SessionsService enforces the panel's at-most-one-active-session model.
// The session token column on the account row is the whole mechanism:
// issuing overwrites the previous token, so the last login wins and every
// older device observes a mismatch on its next validate. This is the
// documented behavior, not a defect; do not grow it into a multi-session
// model.
type SessionsService struct {
	Clock      clock.Clock
	AuditStore *audit.InMemoryStore

	mu          sync.Mutex
	accounts    *AccountsService
	nextAuditID int64
	db          *sql.DB
}

func NewSessionsService(clk clock.Clock, accounts *AccountsService, db ...*sql.DB) *SessionsService {
	var handle *sql.DB
	if len(db) > 0 {
		handle = db[0]
	}
	return &SessionsService{
		Clock:      clk,
		AuditStore: audit.NewInMemoryStore(),
		accounts:   accounts,
		db:         handle,
	}
}

func (s *SessionsService) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

func (s *SessionsService) appendAudit(accountID, action string, result audit.Result, reason string) {
	if s.AuditStore == nil {
		return
	}
	s.mu.Lock()
	s.nextAuditID++
	id := "sessions-audit-" + strconv.FormatInt(s.nextAuditID, 10)
	s.mu.Unlock()
	now := s.now()
	_, _ = s.AuditStore.Append(audit.Event{
		AuditID:      id,
		OccurredAt:   now,
		RecordedAt:   now,
		ActorID:      accountID,
		ObjectType:   "admin_session",
		ObjectID:     accountID,
		Action:       action,
		Before:       []byte(`{}`),
		After:        []byte(`{}`),
		Result:       result,
		Reason:       reason,
		PartitionDay: now.Format("2006-01-02"),
	})
}

// Issue creates a fresh opaque token for the account and stores it,
// stamping last-active time and origin IP. Any prior token is overwritten
// and becomes invalid immediately.
func (s *SessionsService) Issue(ctx context.Context, accountID, ip string) (string, error) {
	token := uuid.NewString()
	if s.db != nil {
		if err := s.issueDB(ctx, accountID, token, ip); err != nil {
			return "", err
		}
		s.appendAudit(accountID, "issue_session", audit.ResultSuccess, "")
		return token, nil
	}

	s.accounts.mu.Lock()
	acct, ok := s.accounts.accounts[accountID]
	if !ok {
		s.accounts.mu.Unlock()
		return "", ErrAccountNotFound
	}
	acct.SessionToken = token
	acct.LastActive = s.now()
	acct.LastIP = ip
	s.accounts.mu.Unlock()
	s.appendAudit(accountID, "issue_session", audit.ResultSuccess, "")
	return token, nil
}

// Validate reports whether the token is the account's current session. A
// successful validation refreshes last-active; the refresh racing another
// operation is benign.
func (s *SessionsService) Validate(ctx context.Context, accountID, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	if s.db != nil {
		return s.validateDB(ctx, accountID, token)
	}

	s.accounts.mu.Lock()
	defer s.accounts.mu.Unlock()
	acct, ok := s.accounts.accounts[accountID]
	if !ok || acct.SessionToken == "" || acct.SessionToken != token {
		return false, nil
	}
	acct.LastActive = s.now()
	return true, nil
}

// Revoke clears the account's session token unconditionally.
func (s *SessionsService) Revoke(ctx context.Context, accountID string) error {
	if s.db != nil {
		if err := s.revokeDB(ctx, accountID); err != nil {
			return err
		}
		s.appendAudit(accountID, "revoke_session", audit.ResultSuccess, "")
		return nil
	}

	s.accounts.mu.Lock()
	acct, ok := s.accounts.accounts[accountID]
	if ok {
		acct.SessionToken = ""
	}
	s.accounts.mu.Unlock()
	s.appendAudit(accountID, "revoke_session", audit.ResultSuccess, "")
	return nil
}
