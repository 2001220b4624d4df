package policystore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
}

// PostgresStore keeps rules in the authz_rules table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore constructs a store over an existing pool. The schema is
// created by db.Migrate.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// LoadRules returns every persisted rule.
func (s *PostgresStore) LoadRules(ctx context.Context) ([]Rule, error) {
	return queryRules(ctx, s.pool, `SELECT ptype, v0, v1, v2 FROM authz_rules ORDER BY id`)
}

// FindRules returns the rules of one kind matching the filter.
func (s *PostgresStore) FindRules(ctx context.Context, ptype string, filter Filter) ([]Rule, error) {
	const q = `SELECT ptype, v0, v1, v2 FROM authz_rules
		WHERE ptype = $1 AND ($2 = '' OR v0 = $2) AND ($3 = '' OR v1 = $3) AND ($4 = '' OR v2 = $4)
		ORDER BY id`
	return queryRules(ctx, s.pool, q, ptype, filter.V0, filter.V1, filter.V2)
}

// AddRules inserts rules, skipping ones already present.
func (s *PostgresStore) AddRules(ctx context.Context, rules ...Rule) error {
	if err := validateAll(rules); err != nil {
		return err
	}
	if len(rules) == 0 {
		return nil
	}
	return mapPGError(db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return insertRules(ctx, tx, rules)
	}))
}

// RemoveRules deletes exactly the given rules.
func (s *PostgresStore) RemoveRules(ctx context.Context, rules ...Rule) (int64, error) {
	var removed int64
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, r := range rules {
			tag, err := tx.Exec(ctx, `DELETE FROM authz_rules WHERE ptype = $1 AND v0 = $2 AND v1 = $3 AND v2 = $4`, r.PType, r.V0, r.V1, r.V2)
			if err != nil {
				return err
			}
			removed += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, mapPGError(err)
	}
	return removed, nil
}

// RemoveFiltered deletes rules of one kind matching a non-empty filter.
func (s *PostgresStore) RemoveFiltered(ctx context.Context, ptype string, filter Filter) (int64, error) {
	if filter.empty() {
		return 0, fmt.Errorf("%w: refusing unfiltered delete of %s rules", ErrInvalidRule, ptype)
	}
	tag, err := deleteFiltered(ctx, s.pool, ptype, filter)
	if err != nil {
		return 0, mapPGError(err)
	}
	return tag.RowsAffected(), nil
}

// ReplaceGrouping swaps a member's grouping rows for one scope under an
// advisory lock so concurrent replacements for the same pair serialize.
func (s *PostgresStore) ReplaceGrouping(ctx context.Context, ptype, member, scope string, replacement ...Rule) error {
	if err := validateAll(replacement); err != nil {
		return err
	}
	err := db.WithLockedTx(ctx, s.pool, lockKey(ptype, member, scope), func(tx pgx.Tx) error {
		if _, err := deleteFiltered(ctx, tx, ptype, Filter{V0: member, V2: scope}); err != nil {
			return err
		}
		return insertRules(ctx, tx, replacement)
	})
	return mapPGError(err)
}

// ReplaceAll atomically swaps the whole table content.
func (s *PostgresStore) ReplaceAll(ctx context.Context, rules []Rule) error {
	if err := validateAll(rules); err != nil {
		return err
	}
	rules = dedupe(rules)
	err := db.WithLockedTx(ctx, s.pool, "authz_rules|all", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM authz_rules`); err != nil {
			return err
		}
		rows := make([][]interface{}, 0, len(rules))
		for _, r := range rules {
			rows = append(rows, []interface{}{r.PType, r.V0, r.V1, r.V2})
		}
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"authz_rules"}, []string{"ptype", "v0", "v1", "v2"}, pgx.CopyFromRows(rows))
		return err
	})
	return mapPGError(err)
}

// Close is a no-op; the pool is owned by the caller.
func (s *PostgresStore) Close() error {
	return nil
}

func insertRules(ctx context.Context, tx dbtx, rules []Rule) error {
	for _, r := range rules {
		_, err := tx.Exec(ctx, `INSERT INTO authz_rules (ptype, v0, v1, v2) VALUES ($1, $2, $3, $4)
			ON CONFLICT (ptype, v0, v1, v2) DO NOTHING`, r.PType, r.V0, r.V1, r.V2)
		if err != nil {
			return err
		}
	}
	return nil
}

func deleteFiltered(ctx context.Context, tx dbtx, ptype string, filter Filter) (pgconn.CommandTag, error) {
	const q = `DELETE FROM authz_rules
		WHERE ptype = $1 AND ($2 = '' OR v0 = $2) AND ($3 = '' OR v1 = $3) AND ($4 = '' OR v2 = $4)`
	return tx.Exec(ctx, q, ptype, filter.V0, filter.V1, filter.V2)
}

func queryRules(ctx context.Context, q dbtx, sql string, args ...interface{}) ([]Rule, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()
	var rules []Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.PType, &r.V0, &r.V1, &r.V2); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPGError(err)
	}
	return rules, nil
}

func mapPGError(err error) error {
	if err == nil {
		return nil
	}
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("policystore: %w: %v", shared.ErrConflict, err)
	}
	return fmt.Errorf("policystore: %w: %v", shared.ErrStoreUnavailable, err)
}
