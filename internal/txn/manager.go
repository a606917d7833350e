package txn

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/aonescu/kubefacts/internal/types"
)

var (
	ErrNotReady           = errors.New("transaction manager is not ready")
	ErrAlreadyInitialized = errors.New("transaction manager already initialized")
)

// Store is the transactional fact store the manager owns.
type Store interface {
	Begin() error
	Apply(updates []types.Update) error
	Commit() (types.Delta, error)
	Rollback()
}

// DeltaSink receives every successful commit, in commit order.
type DeltaSink interface {
	Publish(ctx context.Context, commit types.Commit) error
}

type State int32

const (
	Uninitialized State = iota
	Initializing
	Ready
	Committing
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Committing:
		return "committing"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Manager serializes batches of fact updates into atomic store transactions.
// Callers are admitted one at a time in arrival order.
type Manager struct {
	store  Store
	logger *zap.Logger
	sem    *semaphore.Weighted
	state  atomic.Int32
	sinks  []DeltaSink
	now    func() time.Time

	// last committed version per relation and identity, guarded by sem.
	// Deleted identities move to tombstones and are forgotten after tombstoneTTL.
	versions     map[string]uint64
	tombstones   map[string]tombstone
	graveyard    []tombstone
	tombstoneTTL time.Duration
	skipped      atomic.Uint64
}

type tombstone struct {
	key     string
	version uint64
	at      time.Time
}

// DefaultTombstoneTTL is how long the version of a deleted object keeps
// older notifications for it from resurrecting the fact.
const DefaultTombstoneTTL = 10 * time.Minute

type Option func(*Manager)

func WithSink(s DeltaSink) Option {
	return func(m *Manager) { m.sinks = append(m.sinks, s) }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTombstoneTTL sets how long deleted identities are remembered.
func WithTombstoneTTL(d time.Duration) Option {
	return func(m *Manager) { m.tombstoneTTL = d }
}

func New(store Store, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		logger:       logger.Named("txn"),
		sem:          semaphore.NewWeighted(1),
		now:          time.Now,
		versions:     make(map[string]uint64),
		tombstones:   make(map[string]tombstone),
		tombstoneTTL: DefaultTombstoneTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

// Skipped is the number of stale updates dropped since start.
func (m *Manager) Skipped() uint64 {
	return m.skipped.Load()
}

// Init applies the optional seed batch and opens the manager for Apply. A
// failed seed leaves the manager uninitialized.
func (m *Manager) Init(ctx context.Context, seed []types.Update) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to acquire store: %w", err)
	}
	defer m.sem.Release(1)

	if m.State() != Uninitialized {
		return ErrAlreadyInitialized
	}
	m.state.Store(int32(Initializing))

	if len(seed) > 0 {
		c, err := m.commit(ctx, "seed", seed)
		if err != nil {
			m.state.Store(int32(Uninitialized))
			return fmt.Errorf("failed to apply seed batch: %w", err)
		}
		m.logger.Info("Seed batch committed",
			zap.String("tx", c.TxID),
			zap.Int("updates", c.Updates),
			zap.Int("changes", c.Delta.Size()),
		)
	}

	m.state.Store(int32(Ready))
	return nil
}

// Apply commits updates as one transaction. Either every update is visible
// after the call or none is. Engine errors are returned as
// *types.EngineFailure and leave the manager Ready for the next batch.
func (m *Manager) Apply(ctx context.Context, source string, updates []types.Update) (types.Commit, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return types.Commit{}, fmt.Errorf("failed to acquire store: %w", err)
	}
	defer m.sem.Release(1)

	if m.State() != Ready {
		return types.Commit{}, ErrNotReady
	}
	m.state.Store(int32(Committing))
	defer m.state.Store(int32(Ready))

	return m.commit(ctx, source, updates)
}

func (m *Manager) commit(ctx context.Context, source string, updates []types.Update) (types.Commit, error) {
	fresh, skipped := m.filterStale(updates)
	c := types.Commit{
		TxID:      uuid.NewString(),
		Timestamp: m.now(),
		Source:    source,
		Updates:   len(fresh),
		Skipped:   skipped,
	}
	if skipped > 0 {
		m.skipped.Add(uint64(skipped))
		m.logger.Debug("Dropped stale updates", zap.String("source", source), zap.Int("skipped", skipped))
	}
	if len(fresh) == 0 {
		// nothing reached the store, but sinks still account for the drops
		if skipped > 0 {
			m.publish(ctx, c)
		}
		return c, nil
	}

	if err := m.store.Begin(); err != nil {
		return c, err
	}
	if err := m.store.Apply(fresh); err != nil {
		m.store.Rollback()
		return c, err
	}
	delta, err := m.store.Commit()
	if err != nil {
		return c, err
	}
	m.recordVersions(fresh, c.Timestamp)
	c.Delta = delta

	m.publish(ctx, c)
	return c, nil
}

func (m *Manager) publish(ctx context.Context, c types.Commit) {
	for _, sink := range m.sinks {
		if err := sink.Publish(ctx, c); err != nil {
			m.logger.Warn("Delta sink failed", zap.String("tx", c.TxID), zap.Error(err))
		}
	}
}

func versionKey(u types.Update) (string, uint64, bool) {
	if u.Fact == nil {
		return "", 0, false
	}
	v, err := strconv.ParseUint(u.Version, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return string(u.Relation) + "|" + u.Fact.Identity().Key(), v, true
}

// lastVersion is the newest committed version of key, live or deleted.
func (m *Manager) lastVersion(key string) (uint64, bool) {
	if v, ok := m.versions[key]; ok {
		return v, true
	}
	if ts, ok := m.tombstones[key]; ok {
		return ts.version, true
	}
	return 0, false
}

// filterStale drops updates whose version is older than the last committed
// version of the same identity. Versions that do not parse as integers are
// never compared.
func (m *Manager) filterStale(updates []types.Update) ([]types.Update, int) {
	fresh := make([]types.Update, 0, len(updates))
	seen := make(map[string]uint64)
	skipped := 0

	for _, u := range updates {
		key, v, ok := versionKey(u)
		if !ok {
			fresh = append(fresh, u)
			continue
		}
		last, ok := seen[key]
		if !ok {
			last, ok = m.lastVersion(key)
		}
		if ok && v < last {
			skipped++
			continue
		}
		seen[key] = v
		fresh = append(fresh, u)
	}
	return fresh, skipped
}

// recordVersions remembers the versions of a committed batch. Live
// identities are kept until deleted; deleted ones for tombstoneTTL.
func (m *Manager) recordVersions(committed []types.Update, now time.Time) {
	for _, u := range committed {
		key, v, ok := versionKey(u)
		if !ok {
			continue
		}
		switch u.Op {
		case types.OpDelete:
			delete(m.versions, key)
			ts := tombstone{key: key, version: v, at: now}
			m.tombstones[key] = ts
			m.graveyard = append(m.graveyard, ts)
		default:
			delete(m.tombstones, key)
			m.versions[key] = v
		}
	}
	m.pruneTombstones(now)
}

func (m *Manager) pruneTombstones(now time.Time) {
	for len(m.graveyard) > 0 && now.Sub(m.graveyard[0].at) >= m.tombstoneTTL {
		ts := m.graveyard[0]
		m.graveyard = m.graveyard[1:]
		// a newer delete of the same key has its own entry further back
		if cur, ok := m.tombstones[ts.key]; ok && cur.at.Equal(ts.at) && cur.version == ts.version {
			delete(m.tombstones, ts.key)
		}
	}
}

// TrackedVersions is the number of identities whose last version is
// remembered, live and deleted.
func (m *Manager) TrackedVersions() int {
	if err := m.sem.Acquire(context.Background(), 1); err != nil {
		return 0
	}
	defer m.sem.Release(1)
	return len(m.versions) + len(m.tombstones)
}
