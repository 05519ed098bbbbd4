package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flitsinc/inboxwatch/internal/monitor"
)

// Store persists items in SQLite. Arrival order is the autoincrement seq.
type Store struct {
	db *sql.DB
}

var (
	_ monitor.Store  = (*Store)(nil)
	_ monitor.Lister = (*Store)(nil)
)

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const itemColumns = `id, key, from_addr, subject, date, body, metadata, received_at`

func (s *Store) Append(ctx context.Context, key monitor.Key, item monitor.Item) error {
	metadataJSON, err := encodeMetadata(item.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	receivedAt := item.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO items (`+itemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, string(key), nullString(item.From), nullString(item.Subject), nullString(item.Date),
		nullString(item.Body), metadataJSON, receivedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

func (s *Store) Last(ctx context.Context, key monitor.Key) (monitor.Item, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE key = ? ORDER BY seq DESC LIMIT 1`, string(key))
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.Item{}, false, nil
	}
	if err != nil {
		return monitor.Item{}, false, fmt.Errorf("load last item: %w", err)
	}
	return item, true, nil
}

func (s *Store) List(ctx context.Context, key monitor.Key, limit int) ([]monitor.Item, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM (
			SELECT seq, `+itemColumns+` FROM items WHERE key = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, string(key), limit)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	out := []monitor.Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return out, nil
}

// Keys returns the distinct keys that have stored items.
func (s *Store) Keys(ctx context.Context) ([]monitor.Key, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT key FROM items ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var out []monitor.Key
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		out = append(out, monitor.Key(key))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (monitor.Item, error) {
	var item monitor.Item
	var key, receivedAtStr string
	var from, subject, date, body, metadataStr sql.NullString
	if err := row.Scan(&item.ID, &key, &from, &subject, &date, &body, &metadataStr, &receivedAtStr); err != nil {
		return monitor.Item{}, err
	}
	item.Key = monitor.Key(key)
	item.From = from.String
	item.Subject = subject.String
	item.Date = date.String
	item.Body = body.String
	item.Metadata = decodeMetadata(metadataStr.String)
	receivedAt, err := time.Parse(time.RFC3339Nano, receivedAtStr)
	if err != nil {
		return monitor.Item{}, fmt.Errorf("item %s: bad received_at %q: %w", item.ID, receivedAtStr, err)
	}
	item.ReceivedAt = receivedAt
	return item, nil
}
