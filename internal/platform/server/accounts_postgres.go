package server

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

func scanAccount(row interface{ Scan(...any) error }) (*AdminAccount, error) {
	var (
		acct                    AdminAccount
		rank                    string
		createdBy, pin, session sql.NullString
		lastIP, photo           sql.NullString
		lastActive              sql.NullTime
	)
	err := row.Scan(
		&acct.ID,
		&acct.Name,
		&acct.Email,
		&rank,
		&createdBy,
		&acct.Balance,
		&acct.Key,
		&pin,
		&session,
		&lastActive,
		&lastIP,
		&photo,
		&acct.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	acct.Rank = rankFromString(rank)
	acct.CreatedBy = createdBy.String
	acct.PIN = pin.String
	acct.SessionToken = session.String
	if lastActive.Valid {
		acct.LastActive = lastActive.Time.UTC()
	}
	acct.LastIP = lastIP.String
	acct.ProfilePhoto = photo.String
	return &acct, nil
}

const accountColumns = `
id, name, email, rank, created_by, balance, key_hash, pin_hash,
session_token, last_active, last_ip, profile_photo, created_at`

func (s *AccountsService) insertAccountDB(ctx context.Context, acct *AdminAccount) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	const existsQ = `
SELECT 1 FROM admin_accounts WHERE email = $1
`
	var one int
	err = tx.QueryRowContext(ctx, existsQ, acct.Email).Scan(&one)
	if err == nil {
		return ErrEmailExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	const insQ = `
INSERT INTO admin_accounts (
  id, name, email, rank, created_by, balance, key_hash, created_at
)
VALUES ($1, $2, $3, $4, NULLIF($5,''), $6, $7, $8::timestamptz)
`
	_, err = tx.ExecContext(ctx, insQ,
		acct.ID,
		acct.Name,
		acct.Email,
		string(acct.Rank),
		acct.CreatedBy,
		acct.Balance,
		acct.Key,
		acct.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *AccountsService) getAccountDB(ctx context.Context, id string) (*AdminAccount, error) {
	const q = `
SELECT ` + accountColumns + `
FROM admin_accounts
WHERE id = $1
`
	return scanAccount(s.db.QueryRowContext(ctx, q, id))
}

func (s *AccountsService) getAccountByEmailDB(ctx context.Context, email string) (*AdminAccount, error) {
	const q = `
SELECT ` + accountColumns + `
FROM admin_accounts
WHERE email = $1
`
	return scanAccount(s.db.QueryRowContext(ctx, q, email))
}

func (s *AccountsService) listAccountsDB(ctx context.Context, field, value string) ([]*AdminAccount, error) {
	q := `
SELECT ` + accountColumns + `
FROM admin_accounts
WHERE created_by = $1
ORDER BY created_at ASC
`
	if field == "rank" {
		q = `
SELECT ` + accountColumns + `
FROM admin_accounts
WHERE rank = $1
ORDER BY created_at ASC
`
	}
	rows, err := s.db.QueryContext(ctx, q, value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*AdminAccount, 0)
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (s *AccountsService) searchAccountsDB(ctx context.Context, q string, limit int) ([]*AdminAccount, error) {
	const query = `
SELECT ` + accountColumns + `
FROM admin_accounts
WHERE name ILIKE '%' || $1 || '%' OR email ILIKE '%' || $1 || '%'
ORDER BY created_at ASC
LIMIT $2
`
	rows, err := s.db.QueryContext(ctx, query, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*AdminAccount, 0)
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (s *AccountsService) updateProfileDB(ctx context.Context, id, name, email, keyHash string) error {
	const q = `
UPDATE admin_accounts
SET name = COALESCE(NULLIF($2,''), name),
    email = COALESCE(NULLIF($3,''), email),
    key_hash = COALESCE(NULLIF($4,''), key_hash),
    updated_at = NOW()
WHERE id = $1
`
	res, err := s.db.ExecContext(ctx, q, id, name, email, keyHash)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *AccountsService) deleteAccountDB(ctx context.Context, id string) error {
	const q = `
DELETE FROM admin_accounts WHERE id = $1
`
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *AccountsService) setPINDB(ctx context.Context, id, hashedPIN string) error {
	const q = `
UPDATE admin_accounts
SET pin_hash = $2, updated_at = NOW()
WHERE id = $1
`
	res, err := s.db.ExecContext(ctx, q, id, hashedPIN)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *AccountsService) statsDB(ctx context.Context) (DashboardStats, error) {
	const q = `
SELECT
  COUNT(*) FILTER (WHERE rank = 'master') AS masters,
  COUNT(*) FILTER (WHERE rank = 'reseller') AS resellers,
  COALESCE(SUM(balance), 0) AS total_credits
FROM admin_accounts
`
	var st DashboardStats
	if err := s.db.QueryRowContext(ctx, q).Scan(&st.TotalMasters, &st.TotalResellers, &st.TotalCredits); err != nil {
		return DashboardStats{}, err
	}
	return st, nil
}

// migrateKeyHashDB upgrades a legacy plaintext key to its bcrypt hash. The
// WHERE clause re-checks the stored value so a concurrent login that
// already migrated the row is not overwritten.
func (s *AccountsService) migrateKeyHashDB(ctx context.Context, id, oldStored, newHash string) error {
	const q = `
UPDATE admin_accounts
SET key_hash = $3, updated_at = NOW()
WHERE id = $1 AND key_hash = $2
`
	_, err := s.db.ExecContext(ctx, q, id, oldStored, newHash)
	return err
}
