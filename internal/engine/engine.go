package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"go.uber.org/zap"

	"github.com/aonescu/kubefacts/internal/engine/rules"
	"github.com/aonescu/kubefacts/internal/types"
)

const defaultFactLimit = 500000

var (
	ErrNoTransaction     = errors.New("no transaction in progress")
	ErrTransactionActive = errors.New("transaction already in progress")
)

// Engine is the fact store in front of a Datalog rule program. Input facts
// are kept by relation and identity; every commit re-evaluates the program to
// fixpoint and reports what changed in each relation.
//
// Begin, Apply, Commit and Rollback belong to a single writer at a time (the
// transaction manager). Read methods are safe for concurrent use.
type Engine struct {
	logger    *zap.Logger
	source    string
	program   *analysis.ProgramInfo
	factLimit int

	mu       sync.RWMutex
	facts    map[types.Relation]map[string]types.Fact
	snapshot map[string]map[string]struct{}
	stats    Stats

	pending *transaction
}

type transaction struct {
	facts   map[types.Relation]map[string]types.Fact
	touched map[types.Relation]map[string]struct{}
}

// Stats summarizes the engine state after the last commit.
type Stats struct {
	Commits         uint64         `json:"commits"`
	Failures        uint64         `json:"failures"`
	Facts           map[string]int `json:"facts"`
	Atoms           int            `json:"atoms"`
	Strata          int            `json:"strata"`
	LastEvalMs      int64          `json:"last_eval_ms"`
	LastCommittedAt time.Time      `json:"last_committed_at"`
}

type Option func(*Engine)

// WithProgram replaces the embedded rule program.
func WithProgram(src string) Option {
	return func(e *Engine) { e.source = src }
}

// WithFactLimit caps the number of facts a single evaluation may derive.
func WithFactLimit(n int) Option {
	return func(e *Engine) { e.factLimit = n }
}

// ReadProgram loads a rule program from disk.
func ReadProgram(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read rule program %s: %w", path, err)
	}
	return string(b), nil
}

func New(logger *zap.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		logger:    logger.Named("engine"),
		source:    rules.Placement,
		factLimit: defaultFactLimit,
		facts: map[types.Relation]map[string]types.Fact{
			types.RelWorkload: {},
			types.RelHost:     {},
		},
		snapshot: map[string]map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(e)
	}

	unit, err := parse.Unit(strings.NewReader(e.source))
	if err != nil {
		return nil, fmt.Errorf("failed to parse rule program: %w", err)
	}
	program, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze rule program: %w", err)
	}
	e.program = program
	e.stats.Facts = e.factCounts(e.facts)

	e.logger.Info("Rule program loaded",
		zap.Int("clauses", len(unit.Clauses)),
		zap.Int("predicates", len(program.Decls)),
	)
	return e, nil
}

// Begin opens a transaction over a private copy of the committed facts.
func (e *Engine) Begin() error {
	if e.pending != nil {
		return &types.EngineFailure{Op: "begin", Err: ErrTransactionActive}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	tx := &transaction{
		facts:   make(map[types.Relation]map[string]types.Fact, len(e.facts)),
		touched: make(map[types.Relation]map[string]struct{}),
	}
	for rel, byKey := range e.facts {
		cp := make(map[string]types.Fact, len(byKey))
		for k, f := range byKey {
			cp[k] = f
		}
		tx.facts[rel] = cp
	}
	e.pending = tx
	return nil
}

// Apply stages updates in order. Inserts replace any fact with the same
// identity; deletes remove it and are a no-op when nothing is stored.
func (e *Engine) Apply(updates []types.Update) error {
	if e.pending == nil {
		return &types.EngineFailure{Op: "apply", Err: ErrNoTransaction}
	}
	for i, u := range updates {
		if err := e.pending.apply(u); err != nil {
			return &types.EngineFailure{Op: "apply", Err: fmt.Errorf("update %d: %w", i, err)}
		}
	}
	return nil
}

func (tx *transaction) apply(u types.Update) error {
	if u.Fact == nil {
		return errors.New("update carries no fact")
	}
	byKey, ok := tx.facts[u.Relation]
	if !ok {
		return fmt.Errorf("unknown relation %q", u.Relation)
	}
	if u.Fact.Relation() != u.Relation {
		return fmt.Errorf("fact of relation %q tagged as %q", u.Fact.Relation(), u.Relation)
	}
	id := u.Fact.Identity()
	if id.IsZero() {
		return errors.New("fact has no identity")
	}
	key := id.Key()

	switch u.Op {
	case types.OpInsert:
		byKey[key] = u.Fact
	case types.OpDelete:
		delete(byKey, key)
	default:
		return fmt.Errorf("unknown operation %q", u.Op)
	}
	if tx.touched[u.Relation] == nil {
		tx.touched[u.Relation] = map[string]struct{}{}
	}
	tx.touched[u.Relation][key] = struct{}{}
	return nil
}

// Rollback discards the open transaction, if any.
func (e *Engine) Rollback() {
	e.pending = nil
}

// Commit evaluates the program over the staged facts and publishes them.
// On failure the committed state is unchanged and the transaction is closed.
func (e *Engine) Commit() (types.Delta, error) {
	tx := e.pending
	if tx == nil {
		return nil, &types.EngineFailure{Op: "commit", Err: ErrNoTransaction}
	}
	e.pending = nil

	store := factstore.NewSimpleInMemoryStore()
	for _, byKey := range tx.facts {
		for _, f := range byKey {
			atoms, err := encode(f)
			if err != nil {
				e.recordFailure()
				return nil, &types.EngineFailure{Op: "commit", Err: err}
			}
			for _, a := range atoms {
				store.Add(a)
			}
		}
	}

	start := time.Now()
	evalStats, err := mengine.EvalProgramWithStats(e.program, store, mengine.WithCreatedFactLimit(e.factLimit))
	if err != nil {
		e.recordFailure()
		return nil, &types.EngineFailure{Op: "commit", Err: fmt.Errorf("failed to evaluate program: %w", err)}
	}
	elapsed := time.Since(start)

	next, atoms := e.collect(store)

	e.mu.Lock()
	defer e.mu.Unlock()

	delta, err := e.inputDelta(tx)
	if err != nil {
		e.stats.Failures++
		return nil, &types.EngineFailure{Op: "commit", Err: err}
	}
	delta = append(delta, diff(e.snapshot, next)...)
	sort.Slice(delta, func(i, j int) bool { return delta[i].Relation < delta[j].Relation })

	e.facts = tx.facts
	e.snapshot = next
	e.stats.Commits++
	e.stats.Facts = e.factCounts(tx.facts)
	e.stats.Atoms = atoms
	e.stats.Strata = len(evalStats.Strata)
	e.stats.LastEvalMs = elapsed.Milliseconds()
	e.stats.LastCommittedAt = time.Now()

	e.logger.Debug("Transaction committed",
		zap.Int("atoms", atoms),
		zap.Int("changed_relations", len(delta)),
		zap.Duration("eval", elapsed),
	)
	return delta, nil
}

func (e *Engine) recordFailure() {
	e.mu.Lock()
	e.stats.Failures++
	e.mu.Unlock()
}

// collect reads every relation of an evaluated store.
func (e *Engine) collect(store factstore.FactStore) (map[string]map[string]struct{}, int) {
	out := make(map[string]map[string]struct{}, len(e.program.Decls))
	total := 0
	for pred := range e.program.Decls {
		store.GetFacts(ast.NewQuery(pred), func(a ast.Atom) error {
			set, ok := out[pred.Symbol]
			if !ok {
				set = map[string]struct{}{}
				out[pred.Symbol] = set
			}
			set[a.String()] = struct{}{}
			total++
			return nil
		})
	}
	return out, total
}

// inputDelta reports touched facts of each input relation: the replaced or
// deleted value with weight -1 and the new value with weight +1.
func (e *Engine) inputDelta(tx *transaction) (types.Delta, error) {
	var delta types.Delta
	for rel, keys := range tx.touched {
		var changes []types.Change
		for key := range keys {
			before, hadBefore := e.facts[rel][key]
			after, hasAfter := tx.facts[rel][key]
			var bv, av string
			var err error
			if hadBefore {
				if bv, err = factValue(before); err != nil {
					return nil, err
				}
			}
			if hasAfter {
				if av, err = factValue(after); err != nil {
					return nil, err
				}
			}
			if hadBefore && hasAfter && bv == av {
				continue
			}
			if hadBefore {
				changes = append(changes, types.Change{Value: bv, Weight: -1})
			}
			if hasAfter {
				changes = append(changes, types.Change{Value: av, Weight: 1})
			}
		}
		if len(changes) > 0 {
			sortChanges(changes)
			delta = append(delta, types.RelationDelta{Relation: string(rel), Changes: changes})
		}
	}
	return delta, nil
}

func factValue(f types.Fact) (string, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("failed to encode fact %s: %w", f.Identity().Key(), err)
	}
	return string(b), nil
}

func diff(before, after map[string]map[string]struct{}) types.Delta {
	names := map[string]struct{}{}
	for n := range before {
		names[n] = struct{}{}
	}
	for n := range after {
		names[n] = struct{}{}
	}

	var delta types.Delta
	for n := range names {
		var changes []types.Change
		for v := range before[n] {
			if _, ok := after[n][v]; !ok {
				changes = append(changes, types.Change{Value: v, Weight: -1})
			}
		}
		for v := range after[n] {
			if _, ok := before[n][v]; !ok {
				changes = append(changes, types.Change{Value: v, Weight: 1})
			}
		}
		if len(changes) > 0 {
			sortChanges(changes)
			delta = append(delta, types.RelationDelta{Relation: n, Changes: changes})
		}
	}
	return delta
}

func sortChanges(changes []types.Change) {
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Value != changes[j].Value {
			return changes[i].Value < changes[j].Value
		}
		return changes[i].Weight < changes[j].Weight
	})
}

func (e *Engine) factCounts(facts map[types.Relation]map[string]types.Fact) map[string]int {
	counts := make(map[string]int, len(facts))
	for rel, byKey := range facts {
		counts[string(rel)] = len(byKey)
	}
	return counts
}

// Facts returns the committed facts of a relation ordered by identity.
func (e *Engine) Facts(rel types.Relation) []types.Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	byKey := e.facts[rel]
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]types.Fact, 0, len(keys))
	for _, k := range keys {
		out = append(out, byKey[k])
	}
	return out
}

// Lookup returns the committed fact for an identity.
func (e *Engine) Lookup(rel types.Relation, id types.Identity) (types.Fact, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.facts[rel][id.Key()]
	return f, ok
}

// Query returns the contents of a relation as of the last commit.
func (e *Engine) Query(relation string) ([]string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	set, ok := e.snapshot[relation]
	if !ok {
		if !e.declared(relation) {
			return nil, false
		}
		return []string{}, true
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, true
}

func (e *Engine) declared(relation string) bool {
	for pred := range e.program.Decls {
		if pred.Symbol == relation {
			return true
		}
	}
	return false
}

// Relations lists every relation the program declares or derives.
func (e *Engine) Relations() []string {
	seen := map[string]struct{}{}
	for pred := range e.program.Decls {
		seen[pred.Symbol] = struct{}{}
	}
	e.mu.RLock()
	for n := range e.snapshot {
		seen[n] = struct{}{}
	}
	e.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := e.stats
	s.Facts = make(map[string]int, len(e.stats.Facts))
	for k, v := range e.stats.Facts {
		s.Facts[k] = v
	}
	return s
}
