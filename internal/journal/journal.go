package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/treemirror/internal/db"
	"github.com/openmined/treemirror/internal/dispatch"
	"github.com/openmined/treemirror/internal/mirror"
	"github.com/openmined/treemirror/internal/znode"
)

var (
	ErrNotOpen     = errors.New("journal: not open")
	ErrAlreadyOpen = errors.New("journal: already open")
)

const schema = `
CREATE TABLE IF NOT EXISTS change_journal (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    mirror TEXT NOT NULL,
    path TEXT NOT NULL,
    kind TEXT NOT NULL,
    version INTEGER NOT NULL DEFAULT -1,
    mzxid INTEGER NOT NULL DEFAULT 0,
    size INTEGER NOT NULL DEFAULT 0,
    data BLOB,
    recorded_at TEXT NOT NULL -- RFC3339Nano
);

CREATE INDEX IF NOT EXISTS idx_change_journal_path ON change_journal(path);
CREATE INDEX IF NOT EXISTS idx_change_journal_mirror ON change_journal(mirror);
`

// Entry is one recorded change.
type Entry struct {
	ID         int64     `json:"id" yaml:"id"`
	Mirror     string    `json:"mirror" yaml:"mirror"`
	Path       string    `json:"path" yaml:"path"`
	Kind       string    `json:"kind" yaml:"kind"`
	Version    int32     `json:"version" yaml:"version"`
	Mzxid      int64     `json:"mzxid" yaml:"mzxid"`
	Size       int       `json:"size" yaml:"size"`
	Data       []byte    `json:"data,omitempty" yaml:"data,omitempty"`
	RecordedAt time.Time `json:"recordedAt" yaml:"recordedAt"`
}

type dbEntry struct {
	ID         int64  `db:"id"`
	Mirror     string `db:"mirror"`
	Path       string `db:"path"`
	Kind       string `db:"kind"`
	Version    int32  `db:"version"`
	Mzxid      int64  `db:"mzxid"`
	Size       int    `db:"size"`
	Data       []byte `db:"data"`
	RecordedAt string `db:"recorded_at"`
}

// Query selects entries for List.
type Query struct {
	// Prefix keeps entries at or below this path.
	Prefix znode.Path
	Mirror string
	// Limit caps the result to the most recent entries. Zero means no limit.
	Limit int
}

// Journal persists mirror change events in sqlite.
type Journal struct {
	path string
	now  func() time.Time
	db   *sqlx.DB
}

// New returns a journal stored at path. Use db.MemoryPath for a throwaway journal.
func New(path string) *Journal {
	return &Journal{path: path, now: time.Now}
}

// Open opens the database and applies the schema.
func (j *Journal) Open() error {
	if j.db != nil {
		return ErrAlreadyOpen
	}

	conn, err := db.NewSqliteDB(db.WithPath(j.path), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return fmt.Errorf("init journal schema: %w", err)
	}

	j.db = conn
	slog.Debug("journal open", "path", j.path)
	return nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j.db == nil {
		return ErrNotOpen
	}
	err := j.db.Close()
	j.db = nil
	return err
}

// Record appends ev under the given mirror name.
func (j *Journal) Record(ctx context.Context, mirrorName string, ev mirror.ChangeEvent) error {
	if j.db == nil {
		return ErrNotOpen
	}

	row := dbEntry{
		Mirror:     mirrorName,
		Path:       ev.Path.String(),
		Kind:       ev.Kind.String(),
		Version:    -1,
		RecordedAt: j.now().UTC().Format(time.RFC3339Nano),
	}
	switch {
	case ev.Snapshot != nil:
		row.Version = ev.Snapshot.Stat.Version
		row.Mzxid = ev.Snapshot.Stat.Mzxid
		row.Size = int(ev.Snapshot.Stat.DataLength)
		row.Data = ev.Snapshot.Data
	case ev.Kind == mirror.InitialSyncComplete:
		row.Size = len(ev.Initial)
	}

	query := `INSERT INTO change_journal (mirror, path, kind, version, mzxid, size, data, recorded_at)
	          VALUES (:mirror, :path, :kind, :version, :mzxid, :size, :data, :recorded_at)`
	if _, err := j.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("record %s %s: %w", row.Kind, row.Path, err)
	}
	return nil
}

// List returns matching entries, oldest first.
func (j *Journal) List(ctx context.Context, q Query) ([]*Entry, error) {
	if j.db == nil {
		return nil, ErrNotOpen
	}

	var (
		where []string
		args  []any
	)
	if q.Prefix != "" && !q.Prefix.IsRoot() {
		where = append(where, `(path = ? OR path LIKE ? ESCAPE '\')`)
		args = append(args, q.Prefix.String(), likeEscaper.Replace(q.Prefix.String())+"/%")
	}
	if q.Mirror != "" {
		where = append(where, "mirror = ?")
		args = append(args, q.Mirror)
	}

	query := "SELECT id, mirror, path, kind, version, mzxid, size, data, recorded_at FROM change_journal"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	var rows []dbEntry
	if err := j.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}

	entries := make([]*Entry, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		ts, err := time.Parse(time.RFC3339Nano, row.RecordedAt)
		if err != nil {
			slog.Warn("journal bad timestamp", "id", row.ID, "value", row.RecordedAt, "error", err)
		}
		entries = append(entries, &Entry{
			ID:         row.ID,
			Mirror:     row.Mirror,
			Path:       row.Path,
			Kind:       row.Kind,
			Version:    row.Version,
			Mzxid:      row.Mzxid,
			Size:       row.Size,
			Data:       row.Data,
			RecordedAt: ts,
		})
	}
	return entries, nil
}

// Count returns the number of recorded entries.
func (j *Journal) Count(ctx context.Context) (int, error) {
	if j.db == nil {
		return 0, ErrNotOpen
	}
	var n int
	if err := j.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM change_journal"); err != nil {
		return 0, fmt.Errorf("count journal: %w", err)
	}
	return n, nil
}

// Listener returns a mirror listener that records every event under mirrorName.
func (j *Journal) Listener(mirrorName string) dispatch.Listener[mirror.ChangeEvent] {
	return dispatch.ListenerFunc[mirror.ChangeEvent](func(ctx context.Context, ev mirror.ChangeEvent) error {
		return j.Record(ctx, mirrorName, ev)
	})
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
