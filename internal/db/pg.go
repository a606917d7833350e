package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/aonescu/kubefacts/internal/state"
	"github.com/aonescu/kubefacts/internal/types"
)

// PostgresStore journals commits to PostgreSQL. Recent commits are served
// from an in-memory ring filled at startup.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
	mu     sync.Mutex
	cache  *state.MemoryStore
}

// NewPostgresStore connects and keeps the newest cacheSize commits in memory.
// A non-positive cacheSize uses state.DefaultCapacity.
func NewPostgresStore(ctx context.Context, connStr string, cacheSize int, logger *zap.Logger) (*PostgresStore, error) {
	if cacheSize <= 0 {
		cacheSize = state.DefaultCapacity
	}
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &PostgresStore{
		db:     db,
		logger: logger.Named("db"),
		cache:  state.NewMemoryStore(cacheSize),
	}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := store.loadCache(ctx, cacheSize); err != nil {
		store.logger.Warn("Failed to load commit cache", zap.Error(err))
	}

	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	-- Commits: one row per committed transaction
	CREATE TABLE IF NOT EXISTS commits (
		tx_id TEXT PRIMARY KEY,
		seq BIGSERIAL UNIQUE,
		committed_at TIMESTAMPTZ NOT NULL,
		source TEXT NOT NULL,
		updates INT NOT NULL,
		skipped INT NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_commits_committed_at ON commits(committed_at DESC);

	-- Relation changes: the delta of each commit
	CREATE TABLE IF NOT EXISTS relation_changes (
		tx_id TEXT NOT NULL REFERENCES commits(tx_id) ON DELETE CASCADE,
		position INT NOT NULL,
		relation TEXT NOT NULL,
		value TEXT NOT NULL,
		weight INT NOT NULL,
		PRIMARY KEY (tx_id, position)
	);
	CREATE INDEX IF NOT EXISTS idx_relation_changes_relation ON relation_changes(relation);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Record writes a commit and its delta in one SQL transaction.
func (s *PostgresStore) Record(commit types.Commit) error {
	return s.Publish(context.Background(), commit)
}

func (s *PostgresStore) Publish(ctx context.Context, commit types.Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO commits (tx_id, committed_at, source, updates, skipped)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tx_id) DO NOTHING
	`, commit.TxID, commit.Timestamp, commit.Source, commit.Updates, commit.Skipped)
	if err != nil {
		return fmt.Errorf("failed to insert commit: %w", err)
	}

	pos := 0
	for _, rd := range commit.Delta {
		for _, ch := range rd.Changes {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO relation_changes (tx_id, position, relation, value, weight)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (tx_id, position) DO NOTHING
			`, commit.TxID, pos, rd.Relation, ch.Value, ch.Weight)
			if err != nil {
				return fmt.Errorf("failed to insert relation change: %w", err)
			}
			pos++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return s.cache.Record(commit)
}

func (s *PostgresStore) Recent(limit int) []types.Commit {
	return s.cache.Recent(limit)
}

// ByTxID serves from the cache and falls back to the database for commits
// that have been evicted.
func (s *PostgresStore) ByTxID(txID string) (types.Commit, bool) {
	if c, ok := s.cache.ByTxID(txID); ok {
		return c, true
	}
	c, err := s.load(context.Background(), txID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Failed to load commit", zap.String("tx", txID), zap.Error(err))
		}
		return types.Commit{}, false
	}
	return c, true
}

// History returns commits touching a relation, newest first.
func (s *PostgresStore) History(ctx context.Context, relation string, limit int) ([]types.Commit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT c.tx_id, c.seq
		FROM commits c
		JOIN relation_changes r ON r.tx_id = c.tx_id
		WHERE r.relation = $1
		ORDER BY c.seq DESC
		LIMIT $2
	`, relation, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		var seq int64
		if err := rows.Scan(&id, &seq); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	commits := make([]types.Commit, 0, len(ids))
	for _, id := range ids {
		c, err := s.load(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load commit %s: %w", id, err)
		}
		commits = append(commits, c)
	}
	return commits, nil
}

func (s *PostgresStore) load(ctx context.Context, txID string) (types.Commit, error) {
	var c types.Commit
	err := s.db.QueryRowContext(ctx, `
		SELECT tx_id, committed_at, source, updates, skipped
		FROM commits WHERE tx_id = $1
	`, txID).Scan(&c.TxID, &c.Timestamp, &c.Source, &c.Updates, &c.Skipped)
	if err != nil {
		return c, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT relation, value, weight
		FROM relation_changes
		WHERE tx_id = $1
		ORDER BY position
	`, txID)
	if err != nil {
		return c, err
	}
	defer rows.Close()

	for rows.Next() {
		var rel, value string
		var weight int
		if err := rows.Scan(&rel, &value, &weight); err != nil {
			return c, err
		}
		if n := len(c.Delta); n == 0 || c.Delta[n-1].Relation != rel {
			c.Delta = append(c.Delta, types.RelationDelta{Relation: rel})
		}
		last := &c.Delta[len(c.Delta)-1]
		last.Changes = append(last.Changes, types.Change{Value: value, Weight: weight})
	}
	return c, rows.Err()
}

func (s *PostgresStore) loadCache(ctx context.Context, limit int) error {
	ids, err := s.recentIDs(ctx, limit)
	if err != nil {
		return err
	}

	// oldest first so the ring keeps newest-first order
	for i := len(ids) - 1; i >= 0; i-- {
		c, err := s.load(ctx, ids[i])
		if err != nil {
			return err
		}
		s.cache.Record(c)
	}

	s.logger.Info("Loaded commits into cache", zap.Int("commits", len(ids)))
	return nil
}

func (s *PostgresStore) recentIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_id FROM commits ORDER BY seq DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan commit id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read commit ids: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
