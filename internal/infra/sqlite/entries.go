package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/meshlog-network/meshlog/internal/domain"
)

// EntryStore implements the entry repository and the channel catalog on
// top of SQLite.
type EntryStore struct {
	db *DB
}

// NewEntryStore creates the store over an open database.
func NewEntryStore(db *DB) *EntryStore {
	return &EntryStore{db: db}
}

// ─── Channel Catalog ────────────────────────────────────────────────────────

// AddChannel registers a channel for syncing. Idempotent.
func (s *EntryStore) AddChannel(ctx context.Context, ch domain.ChannelID) error {
	_, err := s.db.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO channels (channel_id) VALUES (?)`, string(ch))
	if err != nil {
		return fmt.Errorf("add channel %s: %w", ch, err)
	}
	return nil
}

// RemoveChannel drops a channel, its streams and its entries.
func (s *EntryStore) RemoveChannel(ctx context.Context, ch domain.ChannelID) error {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM log_entries WHERE channel_id = ?`,
		`DELETE FROM streams WHERE channel_id = ?`,
		`DELETE FROM channels WHERE channel_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, string(ch)); err != nil {
			return fmt.Errorf("remove channel %s: %w", ch, err)
		}
	}
	return tx.Commit()
}

// AddStream registers a stream within a channel. Idempotent.
func (s *EntryStore) AddStream(ctx context.Context, ch domain.ChannelID, st domain.StreamID) error {
	if err := s.AddChannel(ctx, ch); err != nil {
		return err
	}
	_, err := s.db.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO streams (channel_id, stream_id) VALUES (?, ?)`,
		string(ch), string(st))
	if err != nil {
		return fmt.Errorf("add stream %s/%s: %w", ch, st, err)
	}
	return nil
}

// Channels lists registered channels in creation order.
func (s *EntryStore) Channels(ctx context.Context) ([]domain.ChannelID, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT channel_id FROM channels ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []domain.ChannelID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, domain.ChannelID(id))
	}
	return out, rows.Err()
}

// Streams lists a channel's registered streams in creation order.
func (s *EntryStore) Streams(ctx context.Context, ch domain.ChannelID) ([]domain.StreamID, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT stream_id FROM streams WHERE channel_id = ? ORDER BY rowid`, string(ch))
	if err != nil {
		return nil, fmt.Errorf("list streams of %s: %w", ch, err)
	}
	defer rows.Close()

	var out []domain.StreamID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, domain.StreamID(id))
	}
	return out, rows.Err()
}

// ─── Entry Repository ───────────────────────────────────────────────────────

// Append stores one entry. Idempotent: an existing (author, seq) wins and
// the call succeeds without writing. A sequence that would leave a gap
// behind it is rejected with ErrSequenceGap.
func (s *EntryStore) Append(ctx context.Context, ch domain.ChannelID, st domain.StreamID, entry domain.LogEntry) error {
	if !entry.Author.Valid() {
		return domain.ErrEmptyAuthor
	}

	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var max uint64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM log_entries
		 WHERE channel_id = ? AND stream_id = ? AND author = ?`,
		string(ch), string(st), string(entry.Author)).Scan(&max)
	if err != nil {
		return fmt.Errorf("query max seq: %w", err)
	}

	if entry.Sequence <= max {
		// Already stored (or superseded): the existing entry wins.
		return nil
	}
	if entry.Sequence != max+1 {
		return fmt.Errorf("append %s/%s author %s seq %d after %d: %w",
			ch, st, entry.Author, entry.Sequence, max, domain.ErrSequenceGap)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO streams (channel_id, stream_id) VALUES (?, ?)`,
		string(ch), string(st)); err != nil {
		return fmt.Errorf("register stream: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO log_entries
		 (channel_id, stream_id, author, seq, ts_physical_ms, ts_logical, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(ch), string(st), string(entry.Author), entry.Sequence,
		entry.Timestamp.PhysicalMillis, entry.Timestamp.Logical, entry.Payload); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return tx.Commit()
}

// VersionVector reports the highest stored sequence per author.
func (s *EntryStore) VersionVector(ctx context.Context, ch domain.ChannelID, st domain.StreamID) (domain.VersionVector, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT author, MAX(seq) FROM log_entries
		 WHERE channel_id = ? AND stream_id = ?
		 GROUP BY author`,
		string(ch), string(st))
	if err != nil {
		return nil, fmt.Errorf("version vector: %w", err)
	}
	defer rows.Close()

	vv := make(domain.VersionVector)
	for rows.Next() {
		var author string
		var seq uint64
		if err := rows.Scan(&author, &seq); err != nil {
			return nil, err
		}
		vv[domain.NodeID(author)] = seq
	}
	return vv, rows.Err()
}

// EntriesSince returns entries not covered by since, in (author, seq)
// ascending order.
func (s *EntryStore) EntriesSince(ctx context.Context, ch domain.ChannelID, st domain.StreamID, since domain.VersionVector) ([]domain.LogEntry, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT author, seq, ts_physical_ms, ts_logical, payload FROM log_entries
		 WHERE channel_id = ? AND stream_id = ?
		 ORDER BY author, seq`,
		string(ch), string(st))
	if err != nil {
		return nil, fmt.Errorf("entries since: %w", err)
	}
	defer rows.Close()

	var out []domain.LogEntry
	for rows.Next() {
		var entry domain.LogEntry
		var author string
		var payload []byte
		if err := rows.Scan(&author, &entry.Sequence, &entry.Timestamp.PhysicalMillis, &entry.Timestamp.Logical, &payload); err != nil {
			return nil, err
		}
		entry.Author = domain.NodeID(author)
		entry.Payload = payload
		if entry.Sequence > since.Get(entry.Author) {
			out = append(out, entry)
		}
	}
	return out, rows.Err()
}

// EntryCount reports the number of stored entries for one stream.
func (s *EntryStore) EntryCount(ctx context.Context, ch domain.ChannelID, st domain.StreamID) (int, error) {
	var n int
	err := s.db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM log_entries WHERE channel_id = ? AND stream_id = ?`,
		string(ch), string(st)).Scan(&n)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("entry count: %w", err)
	}
	return n, nil
}
