package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/course-assistant/backend/internal/storage/models"
	"github.com/course-assistant/backend/pkg/logger"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

const dateLayout = "2006-01-02"

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err = db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err = db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		user_question TEXT NOT NULL,
		ai_response TEXT NOT NULL,
		last_response_date TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_user ON chat_history(user_id);
	CREATE INDEX IF NOT EXISTS idx_history_chat ON chat_history(chat_id);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		corpus TEXT NOT NULL,
		file_name TEXT NOT NULL,
		chunk_count INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents(owner);

	CREATE TABLE IF NOT EXISTS document_chunks (
		id TEXT PRIMARY KEY,
		doc_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (doc_id) REFERENCES documents(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_doc ON document_chunks(doc_id);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) CreateUser(ctx context.Context, user *models.User) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		user.Username, user.PasswordHash, user.CreatedAt.Unix(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	logger.Info("User created", zap.String("username", user.Username))
	return nil
}

func (c *Client) GetUser(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	var createdAt int64

	err := c.db.QueryRowContext(ctx,
		`SELECT username, password_hash, created_at FROM users WHERE username = ?`, username,
	).Scan(&user.Username, &user.PasswordHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	user.CreatedAt = time.Unix(createdAt, 0)
	return &user, nil
}

func (c *Client) AppendTurn(ctx context.Context, turn *models.ChatTurn) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO chat_history (user_id, chat_id, user_question, ai_response, last_response_date)
		VALUES (?, ?, ?, ?, ?)`,
		turn.UserID, turn.ChatID, turn.Question, turn.Answer, turn.ResponseDate.Format(dateLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to append chat turn: %w", err)
	}

	logger.Debug("Chat turn stored", zap.String("chat_id", turn.ChatID), zap.String("user_id", turn.UserID))
	return nil
}

// ListByChat returns the transcript of a chat in insertion order.
func (c *Client) ListByChat(ctx context.Context, chatID string) ([]models.ChatTurn, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT user_id, chat_id, user_question, ai_response, last_response_date
		FROM chat_history WHERE chat_id = ? ORDER BY id ASC`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat turns: %w", err)
	}
	defer rows.Close()

	var turns []models.ChatTurn
	for rows.Next() {
		var t models.ChatTurn
		var date string
		if err := rows.Scan(&t.UserID, &t.ChatID, &t.Question, &t.Answer, &date); err != nil {
			return nil, fmt.Errorf("failed to scan chat turn: %w", err)
		}
		t.ResponseDate, err = time.ParseInLocation(dateLayout, date, time.Local)
		if err != nil {
			return nil, fmt.Errorf("failed to parse response date %q: %w", date, err)
		}
		turns = append(turns, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chat turns: %w", err)
	}
	return turns, nil
}

// ListByUser returns one summary per chat, ordered by the chat's first turn.
func (c *Client) ListByUser(ctx context.Context, userID string) ([]models.SessionSummary, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT chat_id, MAX(last_response_date)
		FROM chat_history WHERE user_id = ?
		GROUP BY chat_id
		ORDER BY MIN(id) ASC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.SessionSummary
	for rows.Next() {
		var s models.SessionSummary
		var date string
		if err := rows.Scan(&s.ChatID, &date); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.LastDate, err = time.ParseInLocation(dateLayout, date, time.Local)
		if err != nil {
			return nil, fmt.Errorf("failed to parse response date %q: %w", date, err)
		}
		sessions = append(sessions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

func (c *Client) DeleteChat(ctx context.Context, userID, chatID string) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM chat_history WHERE user_id = ? AND chat_id = ?`, userID, chatID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chat: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted turns: %w", err)
	}

	logger.Info("Chat deleted", zap.String("chat_id", chatID), zap.Int64("turns", n))
	return n, nil
}

// InsertDocument writes the document row and its chunks in one transaction.
func (c *Client) InsertDocument(ctx context.Context, doc *models.Document, chunks []models.DocumentChunk) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (id, owner, corpus, file_name, chunk_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			chunk_count = excluded.chunk_count,
			created_at = excluded.created_at`,
		doc.ID, doc.Owner, doc.Corpus, doc.FileName, doc.ChunkCount, doc.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE doc_id = ?`, doc.ID); err != nil {
		return fmt.Errorf("failed to clear previous chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO document_chunks (id, doc_id, chunk_index, text, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, chunk := range chunks {
		if _, err := stmt.ExecContext(ctx, chunk.ID, doc.ID, chunk.ChunkIndex, chunk.Text, chunk.CreatedAt.Unix()); err != nil {
			return fmt.Errorf("failed to insert chunk: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit document: %w", err)
	}

	logger.Debug("Document recorded",
		zap.String("doc_id", doc.ID),
		zap.String("file", doc.FileName),
		zap.Int("chunks", len(chunks)),
	)
	return nil
}

func (c *Client) ListDocuments(ctx context.Context, owner string) ([]models.Document, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, owner, corpus, file_name, chunk_count, created_at
		FROM documents WHERE owner = ? ORDER BY created_at ASC, file_name ASC`, owner,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		var d models.Document
		var createdAt int64
		if err := rows.Scan(&d.ID, &d.Owner, &d.Corpus, &d.FileName, &d.ChunkCount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		d.CreatedAt = time.Unix(createdAt, 0)
		docs = append(docs, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return docs, nil
}

func (c *Client) GetChunks(ctx context.Context, docID string) ([]models.DocumentChunk, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, doc_id, chunk_index, text, created_at FROM document_chunks WHERE doc_id = ? ORDER BY chunk_index`, docID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.DocumentChunk
	for rows.Next() {
		var ch models.DocumentChunk
		var createdAt int64
		if err := rows.Scan(&ch.ID, &ch.DocID, &ch.ChunkIndex, &ch.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		ch.CreatedAt = time.Unix(createdAt, 0)
		chunks = append(chunks, ch)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chunks: %w", err)
	}
	return chunks, nil
}
