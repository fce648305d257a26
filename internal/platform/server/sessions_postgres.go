package server

import "context"

func (s *SessionsService) issueDB(ctx context.Context, accountID, token, ip string) error {
	const q = `
UPDATE admin_accounts
SET session_token = $2, last_active = NOW(), last_ip = NULLIF($3,''), updated_at = NOW()
WHERE id = $1
`
	res, err := s.db.ExecContext(ctx, q, accountID, token, ip)
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

// validateDB checks and refreshes in one statement so the token compare
// and the last-active stamp cannot diverge.
func (s *SessionsService) validateDB(ctx context.Context, accountID, token string) (bool, error) {
	const q = `
UPDATE admin_accounts
SET last_active = NOW()
WHERE id = $1 AND session_token = $2 AND session_token IS NOT NULL
`
	res, err := s.db.ExecContext(ctx, q, accountID, token)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *SessionsService) revokeDB(ctx context.Context, accountID string) error {
	const q = `
UPDATE admin_accounts
SET session_token = NULL, updated_at = NOW()
WHERE id = $1
`
	_, err := s.db.ExecContext(ctx, q, accountID)
	return err
}
