package store

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"

	"reportflow/internal/domain"
)

// CredentialStore holds opaque encrypted blobs, one per owner. The blob
// is write-only from the API's point of view; read paths go through the
// vault and never expose it unredacted.
type CredentialStore struct{ db *sql.DB }

func NewCredentialStore(db *sql.DB) *CredentialStore { return &CredentialStore{db: db} }

func (s *CredentialStore) PutBlob(ctx context.Context, ownerID, blob string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO credentials (owner_id, blob, updated_at) VALUES (?,?,CURRENT_TIMESTAMP)
ON CONFLICT(owner_id) DO UPDATE SET blob=excluded.blob, updated_at=CURRENT_TIMESTAMP`,
		ownerID, blob)
	return err
}

func (s *CredentialStore) GetBlob(ctx context.Context, ownerID string) (string, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM credentials WHERE owner_id=?`, ownerID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.Mark(errors.Newf("credentials for %s", ownerID), domain.ErrNotFound)
	}
	return blob, err
}
