package server

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"
	"unicode"

	"github.com/venturahub/creditd/internal/platform/audit"
	"github.com/venturahub/creditd/internal/platform/auth"
	"github.com/venturahub/creditd/internal/platform/clock"
	"github.com/venturahub/creditd/internal/platform/credential"
	"github.com/venturahub/creditd/internal/platform/kv"
)

const (
	loginFailureThreshold = 5
	loginLockoutWindow    = 15 * time.Minute
)

// IdentityService authenticates admins against stored credentials and
// issues the session token plus access token a successful login carries.
// Failures are reported with a single generic error so callers learn
// nothing about which part of the credentials was wrong.
type IdentityService struct {
	Clock      clock.Clock
	AuditStore *audit.InMemoryStore
	Metrics    *Metrics

	accounts *AccountsService
	sessions *SessionsService
	signer   *auth.TokenSigner
	locks    *kv.Store

	mu          sync.Mutex
	failures    map[string]int
	lockedUntil map[string]time.Time
	nextAuditID int64
}

func NewIdentityService(clk clock.Clock, accounts *AccountsService, sessions *SessionsService, signer *auth.TokenSigner, locks *kv.Store) *IdentityService {
	return &IdentityService{
		Clock:       clk,
		AuditStore:  audit.NewInMemoryStore(),
		accounts:    accounts,
		sessions:    sessions,
		signer:      signer,
		locks:       locks,
		failures:    make(map[string]int),
		lockedUntil: make(map[string]time.Time),
	}
}

func (s *IdentityService) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

func (s *IdentityService) appendAudit(actorID, objectID, action string, result audit.Result, reason string) {
	if s.AuditStore == nil {
		return
	}
	s.mu.Lock()
	s.nextAuditID++
	id := "identity-audit-" + strconv.FormatInt(s.nextAuditID, 10)
	s.mu.Unlock()
	now := s.now()
	after, _ := json.Marshal(map[string]string{"action": action})
	_, _ = s.AuditStore.Append(audit.Event{
		AuditID:      id,
		OccurredAt:   now,
		RecordedAt:   now,
		ActorID:      actorID,
		ObjectType:   "admin_session",
		ObjectID:     objectID,
		Action:       action,
		Before:       []byte(`{}`),
		After:        after,
		Result:       result,
		Reason:       reason,
		PartitionDay: now.Format("2006-01-02"),
	})
}

// LoginResult is what a successful authentication returns. PINRequired
// tells the client to demand a second factor before showing privileged
// screens; the owner rank skips it.
type LoginResult struct {
	Admin        *AdminAccount
	SessionToken string
	AccessToken  string
	ExpiresAt    time.Time
	PINRequired  bool
}

func (s *IdentityService) isLocked(ctx context.Context, email string) bool {
	if s.locks.Available() {
		locked, err := s.locks.IsLocked(ctx, "login:lock:"+email)
		if err == nil {
			return locked
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.lockedUntil[email]
	return ok && s.now().Before(until)
}

func (s *IdentityService) recordFailure(ctx context.Context, email string) {
	if s.locks.Available() {
		count, err := s.locks.IncrWindow(ctx, "login:fail:"+email, loginLockoutWindow)
		if err == nil {
			if count >= loginFailureThreshold {
				_ = s.locks.SetLock(ctx, "login:lock:"+email, loginLockoutWindow)
			}
			return
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[email]++
	if s.failures[email] >= loginFailureThreshold {
		s.lockedUntil[email] = s.now().Add(loginLockoutWindow)
		s.failures[email] = 0
	}
}

func (s *IdentityService) clearFailures(ctx context.Context, email string) {
	s.locks.Del(ctx, "login:fail:"+email, "login:lock:"+email)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, email)
	delete(s.lockedUntil, email)
}

// Login verifies the credential, rotates the account's session token and
// signs an access token bound to it. A stored plaintext key that matches
// is replaced with its bcrypt hash before the call returns.
func (s *IdentityService) Login(ctx context.Context, email, key, ip string) (*LoginResult, error) {
	if email == "" || key == "" {
		s.observeLogin("failed")
		return nil, ErrAuthenticationFailed
	}
	if s.isLocked(ctx, email) {
		s.appendAudit(email, "", "login", audit.ResultDenied, "account locked")
		s.observeLogin("locked")
		return nil, ErrAccountLocked
	}

	acct, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		s.recordFailure(ctx, email)
		s.appendAudit(email, "", "login", audit.ResultDenied, "unknown account")
		s.observeLogin("failed")
		return nil, ErrAuthenticationFailed
	}

	stored := credential.Decode(acct.Key)
	if !stored.Matches(key) {
		s.recordFailure(ctx, email)
		s.appendAudit(acct.ID, acct.ID, "login", audit.ResultDenied, "credential mismatch")
		s.observeLogin("failed")
		return nil, ErrAuthenticationFailed
	}

	if !stored.Hashed() {
		if hashed, err := credential.Hash(key); err == nil {
			// Best effort: a concurrent login may have migrated first,
			// in which case the guarded update is a no-op.
			_ = s.accounts.MigrateKeyHash(ctx, acct.ID, acct.Key, hashed)
		}
	}

	s.clearFailures(ctx, email)

	sessionToken, err := s.sessions.Issue(ctx, acct.ID, ip)
	if err != nil {
		return nil, err
	}
	accessToken, expiresAt, err := s.signer.Sign(auth.Principal{
		AdminID:      acct.ID,
		Rank:         string(acct.Rank),
		SessionToken: sessionToken,
	}, s.now())
	if err != nil {
		return nil, err
	}

	s.appendAudit(acct.ID, acct.ID, "login", audit.ResultSuccess, "")
	s.observeLogin("success")

	sanitized := cloneAccount(acct)
	sanitized.Key = ""
	sanitized.PIN = ""
	sanitized.SessionToken = ""
	return &LoginResult{
		Admin:        sanitized,
		SessionToken: sessionToken,
		AccessToken:  accessToken,
		ExpiresAt:    expiresAt,
		PINRequired:  acct.Rank != RankOwner,
	}, nil
}

// VerifyPIN checks the second factor. Owners pass without one; every
// other rank must have a PIN set and present the matching value.
func (s *IdentityService) VerifyPIN(ctx context.Context, adminID, pin string) (bool, error) {
	acct, err := s.accounts.Get(ctx, adminID)
	if err != nil {
		return false, err
	}
	if acct.Rank == RankOwner {
		return true, nil
	}
	if acct.PIN == "" {
		s.appendAudit(adminID, adminID, "verify_pin", audit.ResultDenied, "no pin set")
		return false, nil
	}
	ok := credential.Verify(pin, acct.PIN)
	if ok {
		s.appendAudit(adminID, adminID, "verify_pin", audit.ResultSuccess, "")
	} else {
		s.appendAudit(adminID, adminID, "verify_pin", audit.ResultDenied, "pin mismatch")
	}
	return ok, nil
}

func validPIN(pin string) bool {
	if len(pin) != 4 {
		return false
	}
	for _, r := range pin {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// SetPIN stores a bcrypt hash of a four digit PIN.
func (s *IdentityService) SetPIN(ctx context.Context, adminID, pin string) error {
	if !validPIN(pin) {
		return ErrInvalidPIN
	}
	hashed, err := credential.Hash(pin)
	if err != nil {
		return err
	}
	if err := s.accounts.SetPIN(ctx, adminID, hashed); err != nil {
		return err
	}
	s.appendAudit(adminID, adminID, "set_pin", audit.ResultSuccess, "")
	return nil
}

func (s *IdentityService) Logout(ctx context.Context, adminID string) error {
	if err := s.sessions.Revoke(ctx, adminID); err != nil {
		return err
	}
	s.appendAudit(adminID, adminID, "logout", audit.ResultSuccess, "")
	return nil
}

// ValidateSession reports whether the presented session token is still
// the live one for the account.
func (s *IdentityService) ValidateSession(ctx context.Context, adminID, token string) (bool, error) {
	return s.sessions.Validate(ctx, adminID, token)
}

func (s *IdentityService) observeLogin(result string) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.ObserveLogin(result)
}
