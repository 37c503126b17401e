package statekeys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const keyColumns = `id, target_type, target_id, identity, public_key, private_key, created_at`

// PostgresRepository persists keypairs in the state_keys table.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create implements Repository.
func (r *PostgresRepository) Create(ctx context.Context, k *KeyPair) error {
	k.CreatedAt = time.Now().UTC()
	q := `
		INSERT INTO state_keys (target_type, target_id, identity, public_key, private_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`
	err := r.db.QueryRow(ctx, q,
		k.TargetType, k.TargetID, k.Identity, k.PublicKey, k.PrivateKey, k.CreatedAt,
	).Scan(&k.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("create state key: %w", err)
	}
	return nil
}

// GetByID implements Repository.
func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*KeyPair, error) {
	return r.scanOne(ctx, `SELECT `+keyColumns+` FROM state_keys WHERE id = $1`, id)
}

// GetByTarget implements Repository.
func (r *PostgresRepository) GetByTarget(ctx context.Context, targetType string, targetID int64) (*KeyPair, error) {
	return r.scanOne(ctx,
		`SELECT `+keyColumns+` FROM state_keys WHERE target_type = $1 AND target_id = $2 AND target_type <> 'party'`,
		targetType, targetID,
	)
}

// GetByPublicKey implements Repository.
func (r *PostgresRepository) GetByPublicKey(ctx context.Context, publicKey string) (*KeyPair, error) {
	if publicKey == "" {
		return nil, ErrNotFound
	}
	return r.scanOne(ctx, `SELECT `+keyColumns+` FROM state_keys WHERE public_key = $1`, publicKey)
}

// GetByIdentity implements Repository.
func (r *PostgresRepository) GetByIdentity(ctx context.Context, targetType, identity string) (*KeyPair, error) {
	return r.scanOne(ctx,
		`SELECT `+keyColumns+` FROM state_keys WHERE target_type = $1 AND identity = $2`,
		targetType, identity,
	)
}

func (r *PostgresRepository) scanOne(ctx context.Context, q string, args ...any) (*KeyPair, error) {
	var k KeyPair
	err := r.db.QueryRow(ctx, q, args...).Scan(
		&k.ID, &k.TargetType, &k.TargetID, &k.Identity,
		&k.PublicKey, &k.PrivateKey, &k.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan state key: %w", err)
	}
	return &k, nil
}
