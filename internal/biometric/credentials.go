package biometric

import (
	"bytes"
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"attendguard/internal/store"
)

// MemoryCredentialStore keeps credentials in process.
type MemoryCredentialStore struct {
	mu    sync.Mutex
	creds []Credential
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{}
}

func (m *MemoryCredentialStore) Create(_ context.Context, c Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.creds {
		if bytes.Equal(existing.ID, c.ID) {
			return ErrCredentialExists
		}
	}
	m.creds = append(m.creds, c)
	return nil
}

func (m *MemoryCredentialStore) ListByUser(_ context.Context, userID string) ([]Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Credential
	for _, c := range m.creds {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemoryCredentialStore) AdvanceCounter(_ context.Context, id []byte, count uint32, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.creds {
		if !bytes.Equal(m.creds[i].ID, id) {
			continue
		}
		if count <= m.creds[i].SignCount {
			return ErrCounterRegression
		}
		m.creds[i].SignCount = count
		m.creds[i].LastUsedAt = at
		return nil
	}
	return ErrCredentialNotFound
}

// PostgresCredentialStore persists credentials in webauthn_credentials.
type PostgresCredentialStore struct {
	db *sql.DB
}

func NewPostgresCredentialStore(db *sql.DB) *PostgresCredentialStore {
	return &PostgresCredentialStore{db: db}
}

func (s *PostgresCredentialStore) Create(ctx context.Context, c Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webauthn_credentials (id, user_id, public_key, sign_count, transports, aaguid, attestation_type, backup_eligible, backup_state, device, created_at, last_used_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, c.ID, c.UserID, c.PublicKey, int64(c.SignCount), strings.Join(c.Transports, ","), c.AAGUID, c.AttestationType, c.BackupEligible, c.BackupState, c.Device, c.CreatedAt, c.LastUsedAt)
	if store.IsUniqueViolation(err) {
		return ErrCredentialExists
	}
	return err
}

func (s *PostgresCredentialStore) ListByUser(ctx context.Context, userID string) ([]Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, public_key, sign_count, transports, aaguid, attestation_type, backup_eligible, backup_state, device, created_at, last_used_at
		FROM webauthn_credentials WHERE user_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		var (
			c          Credential
			count      int64
			transports string
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.PublicKey, &count, &transports, &c.AAGUID, &c.AttestationType, &c.BackupEligible, &c.BackupState, &c.Device, &c.CreatedAt, &c.LastUsedAt); err != nil {
			return nil, err
		}
		c.SignCount = uint32(count)
		if transports != "" {
			c.Transports = strings.Split(transports, ",")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AdvanceCounter is a conditional update; zero affected rows means another
// request already used an equal or higher counter.
func (s *PostgresCredentialStore) AdvanceCounter(ctx context.Context, id []byte, count uint32, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webauthn_credentials
		SET sign_count = $2, last_used_at = $3
		WHERE id = $1 AND sign_count < $2
	`, id, int64(count), at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM webauthn_credentials WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrCredentialNotFound
		}
		return ErrCounterRegression
	}
	return nil
}
