package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Usage is the token accounting reported for one completion.
type Usage struct {
	CompletionTokens int64 `json:"completion_tokens"`
	PromptTokens     int64 `json:"prompt_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Record is the running total for one user.
type Record struct {
	ID               string
	UserName         string
	CompletionTokens int64
	PromptTokens     int64
	TotalTokens      int64
	Remark           string
}

// Directory resolves a display name for a user id on some platform.
type Directory interface {
	LookupName(ctx context.Context, userID string) (string, error)
}

// Identity names the account a usage delta is charged to. NameHint is the
// display name the host reported, which may just repeat UserID. Directory
// is optional.
type Identity struct {
	UserID    string
	NameHint  string
	Directory Directory
}

// Ledger accumulates token usage per user in SQLite.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

const createUsageTable = `
CREATE TABLE IF NOT EXISTS usage (
	id TEXT PRIMARY KEY,
	userName TEXT NOT NULL DEFAULT '',
	completionTokens INTEGER NOT NULL DEFAULT 0,
	promptTokens INTEGER NOT NULL DEFAULT 0,
	totalTokens INTEGER NOT NULL DEFAULT 0,
	remark TEXT NOT NULL DEFAULT ''
);`

// Counters only ever grow; an existing name is never replaced.
const mergeUsage = `
INSERT INTO usage (id, userName, completionTokens, promptTokens, totalTokens, remark)
VALUES (?, ?, ?, ?, ?, '')
ON CONFLICT(id) DO UPDATE SET
	userName = CASE WHEN usage.userName = '' THEN excluded.userName ELSE usage.userName END,
	completionTokens = usage.completionTokens + excluded.completionTokens,
	promptTokens = usage.promptTokens + excluded.promptTokens,
	totalTokens = usage.totalTokens + excluded.totalTokens;`

// Open opens (or creates) the usage database at path.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create usage directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite has a single writer; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createUsageTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create usage table: %w", err)
	}

	return &Ledger{db: db, logger: logger}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Get returns the record for id, or a zeroed record when none exists.
func (l *Ledger) Get(ctx context.Context, id string) (Record, error) {
	rec := Record{ID: id}
	err := l.db.QueryRowContext(ctx,
		"SELECT userName, completionTokens, promptTokens, totalTokens, remark FROM usage WHERE id = ?", id,
	).Scan(&rec.UserName, &rec.CompletionTokens, &rec.PromptTokens, &rec.TotalTokens, &rec.Remark)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{ID: id}, nil
	}
	if err != nil {
		return Record{ID: id}, fmt.Errorf("failed to read usage for %q: %w", id, err)
	}
	return rec, nil
}

// Merge adds delta to the running totals of who.UserID, creating the record
// on first use. Merge does not deduplicate: each call adds its delta once.
func (l *Ledger) Merge(ctx context.Context, who Identity, delta Usage) error {
	existing, err := l.Get(ctx, who.UserID)
	if err != nil {
		return err
	}

	name := existing.UserName
	if name == "" {
		name = l.resolveName(ctx, who)
	}

	_, err = l.db.ExecContext(ctx, mergeUsage,
		who.UserID, name,
		nonNegative(delta.CompletionTokens),
		nonNegative(delta.PromptTokens),
		nonNegative(delta.TotalTokens),
	)
	if err != nil {
		return fmt.Errorf("failed to merge usage for %q: %w", who.UserID, err)
	}

	l.logger.Debug("usage merged",
		"user_id", who.UserID,
		"prompt_tokens", delta.PromptTokens,
		"completion_tokens", delta.CompletionTokens,
		"total_tokens", delta.TotalTokens)
	return nil
}

// resolveName prefers the host's hint when it is a real name, then the
// platform directory, then the raw id.
func (l *Ledger) resolveName(ctx context.Context, who Identity) string {
	if who.NameHint != "" && who.NameHint != who.UserID {
		return who.NameHint
	}
	if who.Directory == nil {
		return who.UserID
	}

	name, err := who.Directory.LookupName(ctx, who.UserID)
	if err != nil {
		l.logger.Warn("directory lookup failed", "user_id", who.UserID, "error", err)
		return who.UserID
	}
	if name == "" {
		return who.UserID
	}
	return name
}

// dsn builds a URI filename for path. The path is percent-escaped so that
// '?', '#' and '%' in it are not read as query or fragment delimiters.
func dsn(path string) string {
	return "file:" + (&url.URL{Path: path}).EscapedPath() + "?_busy_timeout=5000&_journal_mode=WAL"
}

func nonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
