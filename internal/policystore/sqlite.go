package policystore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStore keeps rules in an embedded SQLite database. All access goes
// through a single connection, which serializes transactions.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (and migrates) a store at path; ":memory:" is accepted.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("policystore: sqlite path required")
	}
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("policystore: open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if _, err := sqlDB.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("policystore: sqlite pragma: %w", err)
	}
	if _, err := sqlDB.ExecContext(ctx, sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("policystore: migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: sqlDB}, nil
}

// LoadRules returns every persisted rule.
func (s *SQLiteStore) LoadRules(ctx context.Context) ([]Rule, error) {
	return s.query(ctx, `SELECT ptype, v0, v1, v2 FROM authz_rules ORDER BY id`)
}

// FindRules returns the rules of one kind matching the filter.
func (s *SQLiteStore) FindRules(ctx context.Context, ptype string, filter Filter) ([]Rule, error) {
	const q = `SELECT ptype, v0, v1, v2 FROM authz_rules
		WHERE ptype = ?1 AND (?2 = '' OR v0 = ?2) AND (?3 = '' OR v1 = ?3) AND (?4 = '' OR v2 = ?4)
		ORDER BY id`
	return s.query(ctx, q, ptype, filter.V0, filter.V1, filter.V2)
}

// AddRules inserts rules, skipping ones already present.
func (s *SQLiteStore) AddRules(ctx context.Context, rules ...Rule) error {
	if err := validateAll(rules); err != nil {
		return err
	}
	if len(rules) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return sqliteInsert(ctx, tx, rules)
	})
}

// RemoveRules deletes exactly the given rules.
func (s *SQLiteStore) RemoveRules(ctx context.Context, rules ...Rule) (int64, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rules {
			res, err := tx.ExecContext(ctx, `DELETE FROM authz_rules WHERE ptype = ? AND v0 = ? AND v1 = ? AND v2 = ?`, r.PType, r.V0, r.V1, r.V2)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			removed += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// RemoveFiltered deletes rules of one kind matching a non-empty filter.
func (s *SQLiteStore) RemoveFiltered(ctx context.Context, ptype string, filter Filter) (int64, error) {
	if filter.empty() {
		return 0, fmt.Errorf("%w: refusing unfiltered delete of %s rules", ErrInvalidRule, ptype)
	}
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := sqliteDeleteFiltered(ctx, tx, ptype, filter)
		removed = n
		return err
	})
	return removed, err
}

// ReplaceGrouping swaps a member's grouping rows for one scope in one transaction.
func (s *SQLiteStore) ReplaceGrouping(ctx context.Context, ptype, member, scope string, replacement ...Rule) error {
	if err := validateAll(replacement); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := sqliteDeleteFiltered(ctx, tx, ptype, Filter{V0: member, V2: scope}); err != nil {
			return err
		}
		return sqliteInsert(ctx, tx, replacement)
	})
}

// ReplaceAll atomically swaps the whole table content.
func (s *SQLiteStore) ReplaceAll(ctx context.Context, rules []Rule) error {
	if err := validateAll(rules); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM authz_rules`); err != nil {
			return err
		}
		return sqliteInsert(ctx, tx, dedupe(rules))
	})
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteError(fmt.Errorf("begin tx: %w", err))
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return mapSQLiteError(err)
	}
	if err := tx.Commit(); err != nil {
		return mapSQLiteError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...interface{}) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapSQLiteError(err)
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
		return nil, mapSQLiteError(err)
	}
	return rules, nil
}

func sqliteInsert(ctx context.Context, tx *sql.Tx, rules []Rule) error {
	for _, r := range rules {
		_, err := tx.ExecContext(ctx, `INSERT INTO authz_rules (ptype, v0, v1, v2) VALUES (?, ?, ?, ?)
			ON CONFLICT (ptype, v0, v1, v2) DO NOTHING`, r.PType, r.V0, r.V1, r.V2)
		if err != nil {
			return err
		}
	}
	return nil
}

func sqliteDeleteFiltered(ctx context.Context, tx *sql.Tx, ptype string, filter Filter) (int64, error) {
	const q = `DELETE FROM authz_rules
		WHERE ptype = ?1 AND (?2 = '' OR v0 = ?2) AND (?3 = '' OR v1 = ?3) AND (?4 = '' OR v2 = ?4)`
	res, err := tx.ExecContext(ctx, q, ptype, filter.V0, filter.V1, filter.V2)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func mapSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *sqlite.Error
	// Primary and extended result codes share the low byte.
	if errors.As(err, &sqliteErr) && sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return fmt.Errorf("policystore: %w: %v", shared.ErrConflict, err)
	}
	return fmt.Errorf("policystore: %w: %v", shared.ErrStoreUnavailable, err)
}
