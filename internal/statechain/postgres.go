package statechain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	costCodeColumns = `id, from_party, to_party, amount, currency, domain, description,
		previous, state_key_id, signature, request_signature, created_at`
	costRequestColumns = `id, cost_code, status, requested_by, amount, currency, origin,
		previous, state_key_id, signature, request_signature, created_at`
)

// PostgresStore persists entities and chains to PostgreSQL. It implements
// EntityStore and ChainStore.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

func tableFor(kind Kind) (string, error) {
	switch kind {
	case KindCostCode:
		return "cost_codes", nil
	case KindCostRequest:
		return "cost_requests", nil
	}
	return "", fmt.Errorf("unknown entity kind %q", kind)
}

// Insert implements EntityStore.
func (s *PostgresStore) Insert(ctx context.Context, e Entity) error {
	h := e.Head()
	if h.Signed() {
		return ErrImmutable
	}
	var row pgx.Row
	switch v := e.(type) {
	case *CostCode:
		row = s.pool.QueryRow(ctx, `
			INSERT INTO cost_codes (from_party, to_party, amount, currency, domain, description, previous, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
			v.From, v.To, v.Amount, v.Currency, v.Domain, v.Description, h.Previous, h.CreatedAt,
		)
	case *CostRequest:
		row = s.pool.QueryRow(ctx, `
			INSERT INTO cost_requests (cost_code, status, requested_by, amount, currency, origin, previous, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
			v.CostCode, string(v.Status), v.RequestedBy, v.Amount, v.Currency, v.Origin, h.Previous, h.CreatedAt,
		)
	default:
		return fmt.Errorf("unknown entity kind %q", e.Kind())
	}
	if err := row.Scan(&h.ID); err != nil {
		return fmt.Errorf("insert %s: %w", e.Kind(), err)
	}
	return nil
}

// Get implements EntityLoader.
func (s *PostgresStore) Get(ctx context.Context, kind Kind, id int64) (Entity, error) {
	found, err := s.Find(ctx, kind, []int64{id}, Filter{})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return found[0], nil
}

// Seal implements EntityStore. The signature column is only written while
// empty, so a signed row can never be re-signed.
func (s *PostgresStore) Seal(ctx context.Context, kind Kind, id, stateKeyID int64, signature string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+table+` SET state_key_id = $2, signature = $3 WHERE id = $1 AND signature = ''`,
		id, stateKeyID, signature,
	)
	if err != nil {
		return fmt.Errorf("seal %s %d: %w", kind, id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, kind, id); err != nil {
			return err
		}
		return ErrImmutable
	}
	return nil
}

// SetRequestSignature implements EntityStore.
func (s *PostgresStore) SetRequestSignature(ctx context.Context, kind Kind, id int64, token string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE `+table+` SET request_signature = $2 WHERE id = $1`, id, token)
	if err != nil {
		return fmt.Errorf("set request signature %s %d: %w", kind, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return nil
}

// Discard implements EntityStore. Rows referenced by a block are kept.
func (s *PostgresStore) Discard(ctx context.Context, kind Kind, id int64) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		DELETE FROM `+table+` t WHERE t.id = $1
		AND NOT EXISTS (SELECT 1 FROM state_blocks b WHERE b.kind = $2 AND b.target_id = t.id)`,
		id, string(kind),
	)
	if err != nil {
		return fmt.Errorf("discard %s %d: %w", kind, id, err)
	}
	return nil
}

// Find implements EntityStore.
func (s *PostgresStore) Find(ctx context.Context, kind Kind, ids []int64, f Filter) ([]Entity, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if ids != nil {
		add("id = ANY($%d)", ids)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at < $%d", f.Until)
	}
	if f.Currency != "" {
		add("currency = $%d", f.Currency)
	}

	var q string
	switch kind {
	case KindCostCode:
		if f.Party != "" {
			args = append(args, f.Party)
			where = append(where, fmt.Sprintf("(from_party = $%d OR to_party = $%d)", len(args), len(args)))
		}
		if f.From != "" {
			add("from_party = $%d", f.From)
		}
		if f.To != "" {
			add("to_party = $%d", f.To)
		}
		q = `SELECT ` + costCodeColumns + ` FROM cost_codes`
	case KindCostRequest:
		if f.CostCode != "" {
			add("cost_code = $%d", f.CostCode)
		}
		if f.Status != "" {
			add("status = $%d", string(f.Status))
		}
		if f.Origin != nil {
			add("origin = $%d", *f.Origin)
		}
		q = `SELECT ` + costRequestColumns + ` FROM cost_requests`
	default:
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id ASC"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", kind, err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(kind, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntity(kind Kind, rows pgx.Rows) (Entity, error) {
	switch kind {
	case KindCostCode:
		c := &CostCode{}
		if err := rows.Scan(
			&c.ID, &c.From, &c.To, &c.Amount, &c.Currency, &c.Domain, &c.Description,
			&c.Previous, &c.StateKeyID, &c.Signature, &c.RequestSignature, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan cost code: %w", err)
		}
		return c, nil
	default:
		r := &CostRequest{}
		var status string
		if err := rows.Scan(
			&r.ID, &r.CostCode, &status, &r.RequestedBy, &r.Amount, &r.Currency, &r.Origin,
			&r.Previous, &r.StateKeyID, &r.Signature, &r.RequestSignature, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan cost request: %w", err)
		}
		r.Status = Status(status)
		return r, nil
	}
}

// ActiveChain implements ChainStore.
func (s *PostgresStore) ActiveChain(ctx context.Context, contextKey string, kind Kind) (*Chain, error) {
	return s.loadChain(ctx,
		`SELECT id, context_key, kind, retired, created_at FROM state_chains
		 WHERE context_key = $1 AND kind = $2 AND NOT retired`,
		contextKey, string(kind),
	)
}

// CreateChain implements ChainStore.
func (s *PostgresStore) CreateChain(ctx context.Context, c *Chain) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO state_chains (context_key, kind) VALUES ($1, $2) RETURNING id, created_at`,
		c.ContextKey, string(c.Kind),
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("create chain: %w", err)
	}
	return nil
}

// GetChain implements ChainStore.
func (s *PostgresStore) GetChain(ctx context.Context, id int64) (*Chain, error) {
	return s.loadChain(ctx,
		`SELECT id, context_key, kind, retired, created_at FROM state_chains WHERE id = $1`, id,
	)
}

// ListChains implements ChainStore.
func (s *PostgresStore) ListChains(ctx context.Context, contextKey string) ([]*Chain, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM state_chains WHERE context_key = $1 ORDER BY id ASC`, contextKey,
	)
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}

	out := make([]*Chain, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetChain(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ContextKeys implements ChainStore.
func (s *PostgresStore) ContextKeys(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT context_key FROM state_chains ORDER BY context_key ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	return keys, nil
}

// AppendBlock implements ChainStore.
// It locks the chain row, re-reads the chain tail and inserts the block only
// if the tail is still expectedLast, all within a single transaction.
func (s *PostgresStore) AppendBlock(ctx context.Context, chainID, expectedLast int64, b *Block) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var retired bool
	if err := tx.QueryRow(ctx,
		`SELECT retired FROM state_chains WHERE id = $1 FOR UPDATE`, chainID,
	).Scan(&retired); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("chain %d: %w", chainID, ErrNotFound)
		}
		return fmt.Errorf("lock chain %d: %w", chainID, err)
	}
	if retired {
		return ErrChainRetired
	}

	var last int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM state_blocks WHERE chain_id = $1`, chainID,
	).Scan(&last); err != nil {
		return fmt.Errorf("read chain tail: %w", err)
	}
	if last != expectedLast {
		return ErrConflict
	}

	if err := tx.QueryRow(ctx,
		`INSERT INTO state_blocks (chain_id, kind, target_id) VALUES ($1, $2, $3) RETURNING id`,
		chainID, string(b.Kind), b.TargetID,
	).Scan(&b.ID); err != nil {
		return fmt.Errorf("insert block: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit block tx: %w", err)
	}
	s.logger.Debug("state block appended",
		zap.Int64("chain_id", chainID),
		zap.Int64("block_id", b.ID),
		zap.Int64("target_id", b.TargetID),
	)
	return nil
}

// Retire implements ChainStore.
func (s *PostgresStore) Retire(ctx context.Context, chainID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE state_chains SET retired = true WHERE id = $1 AND NOT retired`, chainID,
	)
	if err != nil {
		return false, fmt.Errorf("retire chain %d: %w", chainID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) loadChain(ctx context.Context, q string, args ...any) (*Chain, error) {
	c := &Chain{}
	var kind string
	if err := s.pool.QueryRow(ctx, q, args...).Scan(&c.ID, &c.ContextKey, &kind, &c.Retired, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load chain: %w", err)
	}
	c.Kind = Kind(kind)

	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, target_id FROM state_blocks WHERE chain_id = $1 ORDER BY id ASC`, c.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var b Block
		var bk string
		if err := rows.Scan(&b.ID, &bk, &b.TargetID); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		b.Kind = Kind(bk)
		c.Blocks = append(c.Blocks, b)
	}
	return c, rows.Err()
}
