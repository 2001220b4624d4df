package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casbin/casbin/v2"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
	"github.com/casbin/casbin/v2/persist"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-access/internal/policystore"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Recorder observes enforcer rebuilds.
type Recorder interface {
	ObserveRebuild(duration time.Duration, err error)
}

// Options configures an Enforcer.
type Options struct {
	Logger *slog.Logger
	// StoreTimeout bounds each store call; zero means 2s.
	StoreTimeout time.Duration
	// Watcher propagates invalidations to other processes.
	Watcher persist.Watcher
	Metrics Recorder
}

// Enforcer owns the lifecycle of the casbin instance evaluating requests.
//
// The casbin instance is never mutated in place: every write goes to the
// store first, then the instance is discarded and lazily rebuilt from the
// store on the next decision.
type Enforcer struct {
	source       ModelSource
	store        policystore.Store
	logger       *slog.Logger
	storeTimeout time.Duration
	watcher      persist.Watcher
	metrics      Recorder

	current atomic.Pointer[snapshot]
	builds  singleflight.Group

	// installMu orders generation bumps against snapshot installs so a build
	// that started before a write never replaces the post-write state.
	installMu  sync.Mutex
	generation uint64

	writeMu sync.Mutex
}

type snapshot struct {
	enforcer   *casbin.SyncedEnforcer
	generation uint64
	rules      int
}

// NewEnforcer wires an enforcer. Nothing is loaded until the first decision
// or an explicit Rebuild.
func NewEnforcer(source ModelSource, store policystore.Store, opts Options) *Enforcer {
	if source == nil {
		source = FromInlineDefault()
	}
	timeout := opts.StoreTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Enforcer{
		source:       source,
		store:        store,
		logger:       logger,
		storeTimeout: timeout,
		watcher:      opts.Watcher,
		metrics:      opts.Metrics,
	}
	if e.watcher != nil {
		if err := e.watcher.SetUpdateCallback(func(origin string) {
			e.logger.Debug("policy invalidated remotely", slog.String("origin", origin))
			e.invalidateLocal()
		}); err != nil {
			e.logger.Warn("policy watcher callback", slog.Any("error", err))
		}
	}
	return e
}

// Allowed reports whether subject, holding role in organization org and
// acting through portalGroup, may perform action on resource. Failures to
// build the policy fail closed: the result is false with a non-nil error
// wrapping shared.ErrStoreUnavailable.
func (e *Enforcer) Allowed(ctx context.Context, subject, resource, action, org, portalGroup, role string) (bool, error) {
	if subject == "" || role == "" || org == "" || portalGroup == "" {
		return false, nil
	}
	snap, err := e.snapshot(ctx)
	if err != nil {
		return false, err
	}
	ok, err := snap.enforcer.Enforce(subject, resource, action, org, portalGroup, role)
	if err != nil {
		return false, fmt.Errorf("policy: enforce: %w", err)
	}
	return ok, nil
}

// Rebuild discards the current instance and loads a fresh one immediately.
func (e *Enforcer) Rebuild(ctx context.Context) error {
	e.Invalidate()
	_, err := e.snapshot(ctx)
	return err
}

// Invalidate discards the current instance locally and notifies other
// processes through the watcher.
func (e *Enforcer) Invalidate() {
	e.invalidateLocal()
	e.broadcast()
}

func (e *Enforcer) broadcast() {
	if e.watcher == nil {
		return
	}
	if err := e.watcher.Update(); err != nil {
		e.logger.Warn("policy broadcast invalidation", slog.Any("error", err))
	}
}

func (e *Enforcer) invalidateLocal() {
	e.installMu.Lock()
	e.generation++
	e.current.Store(nil)
	e.installMu.Unlock()
}

// AddPolicy grants role the action on resource.
func (e *Enforcer) AddPolicy(ctx context.Context, role, resource, action string) error {
	return e.AddPolicies(ctx, []policystore.Rule{policystore.PolicyRule(role, resource, action)})
}

// AddPolicies persists several allow tuples in one write.
func (e *Enforcer) AddPolicies(ctx context.Context, rules []policystore.Rule) error {
	for _, r := range rules {
		if r.PType != policystore.PTypePolicy {
			return fmt.Errorf("%w: %s is not a policy tuple", policystore.ErrInvalidRule, r)
		}
	}
	return e.mutate(ctx, "add policies", func(ctx context.Context) error {
		return e.store.AddRules(ctx, rules...)
	})
}

// RevokePolicy deletes an allow tuple.
func (e *Enforcer) RevokePolicy(ctx context.Context, role, resource, action string) error {
	return e.mutate(ctx, "revoke policy", func(ctx context.Context) error {
		_, err := e.store.RemoveRules(ctx, policystore.PolicyRule(role, resource, action))
		return err
	})
}

// AddGroupingPolicy links a user to a role inside an organization.
func (e *Enforcer) AddGroupingPolicy(ctx context.Context, userID, roleKey, org string) error {
	return e.mutate(ctx, "add grouping policy", func(ctx context.Context) error {
		return e.store.AddRules(ctx, policystore.UserRoleRule(userID, roleKey, org))
	})
}

// AddRoleBinding links member to group inside a portal group. Binding a role
// to itself places it in the portal; binding to another role inherits that
// role's policies.
func (e *Enforcer) AddRoleBinding(ctx context.Context, member, group, portalGroup string) error {
	return e.mutate(ctx, "add role binding", func(ctx context.Context) error {
		return e.store.AddRules(ctx, policystore.RoleGroupRule(member, group, portalGroup))
	})
}

// RemoveGroupingPolicies drops every user→role link of userID in org.
func (e *Enforcer) RemoveGroupingPolicies(ctx context.Context, userID, org string) (int64, error) {
	var removed int64
	err := e.mutate(ctx, "remove grouping policies", func(ctx context.Context) error {
		n, err := e.store.RemoveFiltered(ctx, policystore.PTypeUserRole, policystore.Filter{V0: userID, V2: org})
		removed = n
		return err
	})
	return removed, err
}

// ReplaceGrouping makes roleKey the only role of userID in org and ensures
// the role is bound to portalGroup, in one store transaction.
func (e *Enforcer) ReplaceGrouping(ctx context.Context, userID, roleKey, org, portalGroup string) error {
	return e.mutate(ctx, "replace grouping", func(ctx context.Context) error {
		return e.store.ReplaceGrouping(ctx, policystore.PTypeUserRole, userID, org,
			policystore.UserRoleRule(userID, roleKey, org),
			policystore.RoleGroupRule(roleKey, roleKey, portalGroup),
		)
	})
}

// SavePolicy flushes the currently loaded policy back to the store,
// replacing its content.
func (e *Enforcer) SavePolicy(ctx context.Context) error {
	snap, err := e.snapshot(ctx)
	if err != nil {
		return err
	}
	rules, err := rulesFromModel(snap.enforcer.GetModel())
	if err != nil {
		return err
	}
	return e.mutate(ctx, "save policy", func(ctx context.Context) error {
		return e.store.ReplaceAll(ctx, rules)
	})
}

// ImportFile replaces the stored policy with the content of a casbin policy
// CSV file.
func (e *Enforcer) ImportFile(ctx context.Context, path string) (int, error) {
	m, err := e.source.Load()
	if err != nil {
		return 0, err
	}
	loader, err := casbin.NewEnforcer(m, fileadapter.NewAdapter(path))
	if err != nil {
		return 0, fmt.Errorf("policy: read %s: %w", path, err)
	}
	rules, err := rulesFromModel(loader.GetModel())
	if err != nil {
		return 0, err
	}
	err = e.mutate(ctx, "import policy", func(ctx context.Context) error {
		return e.store.ReplaceAll(ctx, rules)
	})
	if err != nil {
		return 0, err
	}
	return len(rules), nil
}

// mutate runs a store write and invalidates only after it committed. Other
// processes are notified once writeMu is released.
func (e *Enforcer) mutate(ctx context.Context, op string, write func(context.Context) error) error {
	if err := e.commit(ctx, op, write); err != nil {
		return err
	}
	e.broadcast()
	return nil
}

func (e *Enforcer) commit(ctx context.Context, op string, write func(context.Context) error) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	if err := write(ctx); err != nil {
		return fmt.Errorf("policy: %s: %w", op, err)
	}
	e.invalidateLocal()
	return nil
}

func (e *Enforcer) snapshot(ctx context.Context) (*snapshot, error) {
	if snap := e.current.Load(); snap != nil {
		return snap, nil
	}
	e.installMu.Lock()
	gen := e.generation
	e.installMu.Unlock()

	ch := e.builds.DoChan(strconv.FormatUint(gen, 10), func() (interface{}, error) {
		return e.build(context.WithoutCancel(ctx), gen)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*snapshot), nil
	}
}

func (e *Enforcer) build(ctx context.Context, gen uint64) (snap *snapshot, err error) {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.ObserveRebuild(time.Since(start), err)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	rules, err := e.store.LoadRules(ctx)
	if err != nil {
		if !errors.Is(err, shared.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %v", shared.ErrStoreUnavailable, err)
		}
		e.logger.Error("policy rebuild failed", slog.Any("error", err))
		return nil, fmt.Errorf("policy: load rules: %w", err)
	}

	m, err := e.source.Load()
	if err != nil {
		return nil, err
	}
	if err := checkModel(m); err != nil {
		return nil, err
	}
	ce, err := casbin.NewSyncedEnforcer(m, &snapshotAdapter{rules: rules})
	if err != nil {
		return nil, fmt.Errorf("policy: build enforcer: %w", err)
	}
	bound := portalBindings(rules)
	ce.AddFunction("portalBound", func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return false, fmt.Errorf("portalBound expects 2 arguments, got %d", len(args))
		}
		role, _ := args[0].(string)
		group, _ := args[1].(string)
		_, ok := bound[bindingKey(role, group)]
		return ok, nil
	})

	snap = &snapshot{enforcer: ce, generation: gen, rules: len(rules)}
	e.installMu.Lock()
	if e.generation == gen {
		e.current.Store(snap)
	}
	e.installMu.Unlock()
	e.logger.Debug("policy rebuilt", slog.Int("rules", len(rules)), slog.Duration("took", time.Since(start)))
	return snap, nil
}

// portalBindings indexes which roles are members of which portal group. A
// role without a binding never passes, even though casbin treats a name as
// linked to itself.
func portalBindings(rules []policystore.Rule) map[string]struct{} {
	bound := make(map[string]struct{})
	for _, r := range rules {
		if r.PType == policystore.PTypeRoleGroup {
			bound[bindingKey(r.V0, r.V2)] = struct{}{}
		}
	}
	return bound
}

func bindingKey(role, group string) string {
	return role + "\x00" + group
}
