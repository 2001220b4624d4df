package policystore

import "context"

// Store is a tuple-oriented persistent table queried by exact match.
type Store interface {
	// LoadRules returns every persisted rule.
	LoadRules(ctx context.Context) ([]Rule, error)
	// FindRules returns the rules of one kind matching the filter.
	FindRules(ctx context.Context, ptype string, filter Filter) ([]Rule, error)
	// AddRules inserts rules, skipping ones already present.
	AddRules(ctx context.Context, rules ...Rule) error
	// RemoveRules deletes exactly the given rules and reports how many existed.
	RemoveRules(ctx context.Context, rules ...Rule) (int64, error)
	// RemoveFiltered deletes rules of one kind matching a non-empty filter.
	RemoveFiltered(ctx context.Context, ptype string, filter Filter) (int64, error)
	// ReplaceGrouping atomically deletes every ptype row for (member, scope)
	// and inserts the replacement rules in the same transaction. Concurrent
	// replaces for one (member, scope) serialize.
	ReplaceGrouping(ctx context.Context, ptype, member, scope string, replacement ...Rule) error
	// ReplaceAll atomically swaps the whole table content.
	ReplaceAll(ctx context.Context, rules []Rule) error
	// Close releases the underlying connection.
	Close() error
}
