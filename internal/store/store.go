// Package store persists local rooms in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"chatchannel/internal/domain"
)

// SQLiteStore implements domain.MessageStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	// Single connection keeps per-room index assignment serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) CreateRoom(ctx context.Context, room domain.Room) error {
	if room.Name == "" {
		return errors.New("room name is required")
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO rooms (name, topic, created_at) VALUES (?, ?, ?)`,
		room.Name, room.Topic, room.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create room %s: %w", room.Name, err)
	}
	return nil
}

func (s *SQLiteStore) ListRooms(ctx context.Context) ([]domain.Room, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, topic, created_at FROM rooms ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []domain.Room
	for rows.Next() {
		var r domain.Room
		var topic sql.NullString
		if err := rows.Scan(&r.Name, &topic, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Topic = topic.String
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// AppendMessage stores msg as the next message of room, creating the room
// when it does not exist. Index, SID and Timestamp are filled in when unset.
func (s *SQLiteStore) AppendMessage(ctx context.Context, room string, msg domain.Message) (domain.Message, error) {
	if msg.SID == "" {
		msg.SID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.ContentType == "" {
		msg.ContentType = domain.ContentTypeText
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO rooms (name, created_at) VALUES (?, ?)`, room, msg.Timestamp,
	); err != nil {
		return domain.Message{}, fmt.Errorf("ensure room %s: %w", room, err)
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(idx) + 1, 0) FROM messages WHERE room = ?`, room,
	).Scan(&msg.Index); err != nil {
		return domain.Message{}, fmt.Errorf("next index: %w", err)
	}

	var mediaName, mediaType, mediaURL sql.NullString
	var mediaSize int64
	if msg.Media != nil {
		mediaName = sql.NullString{String: msg.Media.Filename, Valid: true}
		mediaType = sql.NullString{String: msg.Media.ContentType, Valid: true}
		mediaURL = sql.NullString{String: msg.Media.URL, Valid: msg.Media.URL != ""}
		mediaSize = msg.Media.Size
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (room, idx, sid, author, content_type, body, created_at,
		 media_filename, media_type, media_size, media_url)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		room, msg.Index, msg.SID, msg.Author, msg.ContentType, msg.Body, msg.Timestamp,
		mediaName, mediaType, mediaSize, mediaURL,
	); err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, fmt.Errorf("commit append: %w", err)
	}
	return msg, nil
}

// ListMessages returns the last limit messages of room, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, room string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, sid, author, content_type, body, created_at,
		 media_filename, media_type, media_size, media_url
		 FROM messages WHERE room = ?
		 ORDER BY idx DESC LIMIT ?`, room, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var body, mediaName, mediaType, mediaURL sql.NullString
		var mediaSize sql.NullInt64
		if err := rows.Scan(&m.Index, &m.SID, &m.Author, &m.ContentType, &body, &m.Timestamp,
			&mediaName, &mediaType, &mediaSize, &mediaURL); err != nil {
			return nil, err
		}
		m.Body = body.String
		if mediaName.Valid {
			m.Media = &domain.Media{
				Filename:    mediaName.String,
				ContentType: mediaType.String,
				Size:        mediaSize.Int64,
				URL:         mediaURL.String,
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Ping checks that the database answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
