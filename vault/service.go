package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"credflow/fault"
)

// Service encrypts and stores per-listing credential payloads. At most one
// payload exists per listing; Store replaces any prior one.
type Service struct {
	pool   *pgxpool.Pool
	cipher *Cipher
}

// NewService builds a vault service over the ledger pool and master key.
func NewService(pool *pgxpool.Pool, masterKey []byte) (*Service, error) {
	c, err := NewCipher(masterKey)
	if err != nil {
		return nil, err
	}
	return &Service{pool: pool, cipher: c}, nil
}

// Store encrypts plaintext and upserts it for the seller's own listing,
// flipping the listing's has_secure_payload flag in the same transaction.
func (s *Service) Store(ctx context.Context, listingID, sellerID, plaintext string) error {
	if plaintext == "" {
		return fmt.Errorf("vault: empty payload: %w", fault.ErrInvalidAmount)
	}

	ciphertext, nonce, err := s.cipher.Seal([]byte(plaintext))
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("vault: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var ownerID string
	if err := tx.QueryRow(ctx, `SELECT seller_id FROM listings WHERE id = $1 FOR UPDATE`, listingID).Scan(&ownerID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fault.NotFound("listing")
		}
		return fmt.Errorf("vault: lock listing: %w", err)
	}
	if ownerID != sellerID {
		return fault.Forbidden("store payload")
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO secure_payloads (listing_id, ciphertext, nonce)
		VALUES ($1, $2, $3)
		ON CONFLICT (listing_id) DO UPDATE
		SET ciphertext = EXCLUDED.ciphertext,
		    nonce = EXCLUDED.nonce,
		    updated_at = get_tx_timestamp()
	`, listingID, ciphertext, nonce); err != nil {
		return fmt.Errorf("vault: upsert payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE listings
		SET has_secure_payload = true, updated_at = get_tx_timestamp()
		WHERE id = $1
	`, listingID); err != nil {
		return fmt.Errorf("vault: flag listing: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("vault: commit: %w", err)
	}
	return nil
}

// Reveal decrypts the payload for a listing. Callers gate access: only the
// order engine invokes this, on behalf of a disclosure-eligible buyer.
func (s *Service) Reveal(ctx context.Context, listingID string) (string, error) {
	var ciphertext, nonce []byte
	err := s.pool.QueryRow(ctx, `
		SELECT ciphertext, nonce FROM secure_payloads WHERE listing_id = $1
	`, listingID).Scan(&ciphertext, &nonce)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fault.NotFound("secure payload")
		}
		return "", fmt.Errorf("vault: query payload: %w", err)
	}

	plaintext, err := s.cipher.Open(ciphertext, nonce)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
