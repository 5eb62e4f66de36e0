// Package journal keeps a local SQLite record of every event the gateway
// sends upstream, so site history survives hub outages.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"minefleet/internal/data"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    recorded_at TEXT NOT NULL,
    kind TEXT NOT NULL,
    payload TEXT NOT NULL
);`

const timeLayout = "2006-01-02 15:04:05.000"

// Entry is one journaled event.
type Entry struct {
	RecordedAt time.Time
	Kind       data.MessageType
	Payload    string
}

// Journal is an events.Sink backed by a single writer goroutine.
type Journal struct {
	db     *sql.DB
	ch     chan data.Message
	logger *slog.Logger
	now    func() time.Time
}

func Open(path string, buffer int, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 256
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal table: %w", err)
	}
	return &Journal{
		db:     db,
		ch:     make(chan data.Message, buffer),
		logger: logger.With(slog.String("component", "journal")),
		now:    time.Now,
	}, nil
}

// Publish hands msg to the writer. A full buffer drops the event.
func (j *Journal) Publish(msg data.Message) {
	select {
	case j.ch <- msg:
	default:
		j.logger.Warn("journal buffer full, event not recorded", slog.String("kind", string(msg.Kind())))
	}
}

// Run writes events until ctx is cancelled, then flushes what is buffered
// and closes the database.
func (j *Journal) Run(ctx context.Context) {
	defer func() {
		if err := j.db.Close(); err != nil {
			j.logger.Error("close journal", slog.String("error", err.Error()))
		}
	}()
	for {
		select {
		case msg := <-j.ch:
			j.write(msg)
		case <-ctx.Done():
			for len(j.ch) > 0 {
				j.write(<-j.ch)
			}
			return
		}
	}
}

func (j *Journal) write(msg data.Message) {
	payload, err := data.Encode(msg)
	if err != nil {
		j.logger.Error("encode journal event", slog.String("error", err.Error()))
		return
	}
	_, err = j.db.Exec("INSERT INTO events(recorded_at, kind, payload) VALUES(?, ?, ?)",
		j.now().UTC().Format(timeLayout), string(msg.Kind()), string(payload))
	if err != nil {
		j.logger.Error("insert journal event", slog.String("error", err.Error()))
	}
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, "SELECT recorded_at, kind, payload FROM events ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var at, kind string
		var e Entry
		if err := rows.Scan(&at, &kind, &e.Payload); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		e.RecordedAt, _ = time.Parse(timeLayout, at)
		e.Kind = data.MessageType(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}
