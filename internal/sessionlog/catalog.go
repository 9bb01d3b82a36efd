package sessionlog

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/skylightos/skylight/internal/common/logger"
	"github.com/skylightos/skylight/internal/db"
	v1 "github.com/skylightos/skylight/pkg/api/v1"
)

const catalogSchema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		dir TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		last_activity TIMESTAMP NOT NULL,
		agent_count INTEGER NOT NULL DEFAULT 0,
		message_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);
`

// Catalog is the queryable index of session log directories, backed by
// SQLite or PostgreSQL depending on the pool it is given.
type Catalog struct {
	pool   *db.Pool
	logger *logger.Logger
}

// NewCatalog creates the catalog and its schema.
func NewCatalog(pool *db.Pool, log *logger.Logger) (*Catalog, error) {
	if _, err := pool.Writer().Exec(catalogSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize session catalog schema: %w", err)
	}
	return &Catalog{
		pool:   pool,
		logger: log.WithFields(zap.String("component", "session-catalog")),
	}, nil
}

// Upsert inserts or refreshes one catalog row.
func (c *Catalog) Upsert(ctx context.Context, s v1.SessionSummary) error {
	w := c.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO sessions (id, dir, created_at, provider, last_activity, agent_count, message_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			dir = excluded.dir,
			created_at = excluded.created_at,
			provider = excluded.provider,
			last_activity = excluded.last_activity,
			agent_count = excluded.agent_count,
			message_count = excluded.message_count
	`), s.ID, s.Dir, s.CreatedAt, s.Provider, s.LastActivity, s.AgentCount, s.MessageCount)
	if err != nil {
		return fmt.Errorf("failed to upsert session %s: %w", s.ID, err)
	}
	return nil
}

// List returns catalog rows newest first. A non-positive limit selects the
// default page size of 50.
func (c *Catalog) List(ctx context.Context, limit int) ([]v1.SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	r := c.pool.Reader()
	sessions := []v1.SessionSummary{}
	err := r.SelectContext(ctx, &sessions, r.Rebind(`
		SELECT id, dir, created_at, provider, last_activity, agent_count, message_count
		FROM sessions
		ORDER BY created_at DESC
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// Get returns one catalog row by session id.
func (c *Catalog) Get(ctx context.Context, id string) (*v1.SessionSummary, error) {
	r := c.pool.Reader()
	var s v1.SessionSummary
	err := r.GetContext(ctx, &s, r.Rebind(`
		SELECT id, dir, created_at, provider, last_activity, agent_count, message_count
		FROM sessions WHERE id = ?
	`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return &s, nil
}

// ScanRoot walks the session root and upserts a row for every session
// directory found, so logs written by earlier runs (or copied in from
// another machine) become listable. Returns the number of rows upserted.
func (c *Catalog) ScanRoot(ctx context.Context, root string) (int, error) {
	dirs, err := ListSessionDirs(root)
	if err != nil {
		return 0, err
	}

	indexed := 0
	for _, dir := range dirs {
		meta, err := ReadMetadata(dir)
		if err != nil {
			c.logger.Warn("skipping session with unreadable metadata",
				zap.String("dir", dir),
				zap.Error(err))
			continue
		}
		count, err := countEntries(dir)
		if err != nil {
			c.logger.Warn("skipping session with unreadable log",
				zap.String("dir", dir),
				zap.Error(err))
			continue
		}
		summary := v1.SessionSummary{
			ID:           filepath.Base(dir),
			Dir:          dir,
			CreatedAt:    meta.CreatedAt,
			Provider:     meta.Provider,
			LastActivity: meta.LastActivity,
			AgentCount:   len(meta.Agents),
			MessageCount: count,
		}
		if err := c.Upsert(ctx, summary); err != nil {
			return indexed, err
		}
		indexed++
	}
	return indexed, nil
}

// countEntries counts log lines without decoding them.
func countEntries(dir string) (int, error) {
	f, err := os.Open(filepath.Join(dir, messagesFile))
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	count := 0
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return count, nil
}
