package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/chatpact/internal/domain"
	"github.com/ashureev/chatpact/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeMaxRetries = 3
	writeBaseDelay  = 50 * time.Millisecond
	maxPageSize     = 1000
)

// ErrAgentNotFound is returned when a lock change targets an unknown agent.
var ErrAgentNotFound = errors.New("agent not found")

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single writer keeps seq assignment and the room log strictly ordered.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		text TEXT NOT NULL,
		source TEXT NOT NULL,
		metadata_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_room_seq ON messages(room_id, seq);

	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		external_ref TEXT NOT NULL UNIQUE,
		username TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		created_by TEXT NOT NULL,
		name TEXT NOT NULL,
		locked INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS wallets (
		agent_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		public_key TEXT NOT NULL,
		tx_hash TEXT,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (agent_id, kind)
	);

	CREATE TABLE IF NOT EXISTS rooms (
		room_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	INSERT OR IGNORE INTO rooms (room_id, agent_id, created_at)
	SELECT m.room_id, m.agent_id, m.created_at / 1000
	FROM messages m
	JOIN (SELECT room_id, MIN(seq) AS seq FROM messages GROUP BY room_id) head
		ON head.seq = m.seq;
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// withRetry retries a write with exponential backoff while SQLite reports
// SQLITE_BUSY or a locked database.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, f func() error) error {
	var err error
	for i := 0; i < writeMaxRetries; i++ {
		err = f()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == writeMaxRetries-1 {
			break
		}
		delay := writeBaseDelay * time.Duration(1<<i) // 50ms, 100ms
		slog.Debug("SQLite write conflict, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// AppendMessage appends msg to its room log and sets msg.Seq.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	if msg.ID == "" || msg.RoomID == "" {
		return fmt.Errorf("append message: id and room_id are required")
	}
	meta, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	query := `
	INSERT INTO messages (id, room_id, user_id, agent_id, created_at, text, source, metadata_json)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	return s.withRetry(ctx, "append_message", func() error {
		result, err := s.db.ExecContext(ctx, query,
			msg.ID, msg.RoomID, msg.UserID, msg.AgentID,
			msg.CreatedAt.UnixMilli(), msg.Text, msg.Source, string(meta),
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		seq, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("get message seq: %w", err)
		}
		msg.Seq = seq
		return nil
	})
}

// RecentMessages returns up to limit messages of a room created at or after
// since, newest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, roomID string, since time.Time, limit int) ([]domain.Message, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = 100
	}
	query := `
		SELECT seq, id, room_id, user_id, agent_id, created_at, text, source, metadata_json
		FROM messages
		WHERE room_id = ? AND created_at >= ?
		ORDER BY seq DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, roomID, since.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	return scanMessages(rows)
}

// MessagesAfter returns up to limit messages of a room with seq greater than
// afterSeq, oldest first.
func (s *SQLiteStore) MessagesAfter(ctx context.Context, roomID string, afterSeq int64, limit int) ([]domain.Message, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = 100
	}
	query := `
		SELECT seq, id, room_id, user_id, agent_id, created_at, text, source, metadata_json
		FROM messages
		WHERE room_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, roomID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages after seq: %w", err)
	}
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]domain.Message, error) {
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var out []domain.Message
	for rows.Next() {
		var msg domain.Message
		var createdAt int64
		var meta string
		if err := rows.Scan(
			&msg.Seq, &msg.ID, &msg.RoomID, &msg.UserID, &msg.AgentID,
			&createdAt, &msg.Text, &msg.Source, &meta,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.CreatedAt = time.UnixMilli(createdAt)
		if err := json.Unmarshal([]byte(meta), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of message %s: %w", msg.ID, err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, external_ref, username, created_at, updated_at
		FROM users WHERE user_id = ?`
	return scanUser(s.db.QueryRowContext(ctx, query, userID))
}

// GetUserByRef retrieves a user by the opaque external reference.
func (s *SQLiteStore) GetUserByRef(ctx context.Context, externalRef string) (*domain.User, error) {
	query := `
		SELECT user_id, external_ref, username, created_at, updated_at
		FROM users WHERE external_ref = ?`
	return scanUser(s.db.QueryRowContext(ctx, query, externalRef))
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var user domain.User
	var createdAt, updatedAt int64
	err := row.Scan(&user.UserID, &user.ExternalRef, &user.Username, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, external_ref, username, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		external_ref = excluded.external_ref,
		username = excluded.username,
		updated_at = excluded.updated_at`

	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	return s.withRetry(ctx, "upsert_user", func() error {
		if _, err := s.db.ExecContext(ctx, query,
			user.UserID, user.ExternalRef, user.Username,
			user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		); err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

// RoomAgent returns the agent a room is bound to, or "" for an unbound room.
func (s *SQLiteStore) RoomAgent(ctx context.Context, roomID string) (string, error) {
	var agentID string
	err := s.db.QueryRowContext(ctx, `SELECT agent_id FROM rooms WHERE room_id = ?`, roomID).Scan(&agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get room agent: %w", err)
	}
	return agentID, nil
}

// BindRoom binds an unbound room to agentID and returns the agent the room
// is bound to afterwards. An existing binding is never replaced.
func (s *SQLiteStore) BindRoom(ctx context.Context, roomID, agentID string) (string, error) {
	if roomID == "" || agentID == "" {
		return "", fmt.Errorf("bind room: room_id and agent_id are required")
	}
	query := `
	INSERT INTO rooms (room_id, agent_id, created_at) VALUES (?, ?, ?)
	ON CONFLICT(room_id) DO NOTHING`

	err := s.withRetry(ctx, "bind_room", func() error {
		if _, err := s.db.ExecContext(ctx, query, roomID, agentID, time.Now().Unix()); err != nil {
			return fmt.Errorf("insert room: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return s.RoomAgent(ctx, roomID)
}

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	query := `
		SELECT agent_id, created_by, name, locked, created_at, updated_at
		FROM agents WHERE agent_id = ?`

	var agent domain.Agent
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, agentID).Scan(
		&agent.AgentID, &agent.CreatedBy, &agent.Name, &agent.Locked, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent row: %w", err)
	}
	agent.CreatedAt = time.Unix(createdAt, 0)
	agent.UpdatedAt = time.Unix(updatedAt, 0)
	return &agent, nil
}

// UpsertAgent creates or updates an agent record.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *domain.Agent) error {
	query := `
	INSERT INTO agents (agent_id, created_by, name, locked, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(agent_id) DO UPDATE SET
		created_by = excluded.created_by,
		name = excluded.name,
		updated_at = excluded.updated_at`

	now := time.Now()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	return s.withRetry(ctx, "upsert_agent", func() error {
		if _, err := s.db.ExecContext(ctx, query,
			agent.AgentID, agent.CreatedBy, agent.Name, agent.Locked,
			agent.CreatedAt.Unix(), agent.UpdatedAt.Unix(),
		); err != nil {
			return fmt.Errorf("upsert agent: %w", err)
		}
		return nil
	})
}

// SetAgentLocked sets the lock flag and reports whether the value changed.
func (s *SQLiteStore) SetAgentLocked(ctx context.Context, agentID string, locked bool) (bool, error) {
	query := `UPDATE agents SET locked = ?, updated_at = ? WHERE agent_id = ? AND locked <> ?`

	var changed bool
	err := s.withRetry(ctx, "set_agent_locked", func() error {
		result, err := s.db.ExecContext(ctx, query, locked, time.Now().Unix(), agentID, locked)
		if err != nil {
			return fmt.Errorf("update agent lock: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		changed = rows > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		return true, nil
	}

	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return false, err
	}
	if agent == nil {
		return false, ErrAgentNotFound
	}
	return false, nil
}

// GetWallet fetches the wallet of the given kind owned by an agent.
func (s *SQLiteStore) GetWallet(ctx context.Context, agentID string, kind domain.WalletKind) (*domain.Wallet, error) {
	query := `
		SELECT agent_id, kind, public_key, tx_hash, created_at
		FROM wallets WHERE agent_id = ? AND kind = ?`

	var wallet domain.Wallet
	var txHash sql.NullString
	var createdAt int64
	err := s.db.QueryRowContext(ctx, query, agentID, string(kind)).Scan(
		&wallet.AgentID, &wallet.Kind, &wallet.PublicKey, &txHash, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan wallet row: %w", err)
	}
	wallet.TxHash = txHash.String
	wallet.CreatedAt = time.Unix(createdAt, 0)
	return &wallet, nil
}

// ListWallets returns all wallets owned by an agent.
func (s *SQLiteStore) ListWallets(ctx context.Context, agentID string) ([]domain.Wallet, error) {
	query := `
		SELECT agent_id, kind, public_key, tx_hash, created_at
		FROM wallets WHERE agent_id = ? ORDER BY created_at ASC, kind ASC`

	rows, err := s.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("query wallets: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close wallet rows", "error", closeErr)
		}
	}()

	var wallets []domain.Wallet
	for rows.Next() {
		var wallet domain.Wallet
		var txHash sql.NullString
		var createdAt int64
		if err := rows.Scan(&wallet.AgentID, &wallet.Kind, &wallet.PublicKey, &txHash, &createdAt); err != nil {
			return nil, fmt.Errorf("scan wallet row: %w", err)
		}
		wallet.TxHash = txHash.String
		wallet.CreatedAt = time.Unix(createdAt, 0)
		wallets = append(wallets, wallet)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate wallets: %w", err)
	}
	return wallets, nil
}

// CreateWalletIfNotExists inserts the wallet unless one of the same kind
// already exists for the agent.
func (s *SQLiteStore) CreateWalletIfNotExists(ctx context.Context, wallet *domain.Wallet) (bool, error) {
	query := `
	INSERT INTO wallets (agent_id, kind, public_key, tx_hash, created_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(agent_id, kind) DO NOTHING`

	if wallet.CreatedAt.IsZero() {
		wallet.CreatedAt = time.Now()
	}
	var txHash interface{}
	if wallet.TxHash != "" {
		txHash = wallet.TxHash
	}

	var created bool
	err := s.withRetry(ctx, "create_wallet", func() error {
		result, err := s.db.ExecContext(ctx, query,
			wallet.AgentID, string(wallet.Kind), wallet.PublicKey, txHash, wallet.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert wallet: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		created = rows == 1
		return nil
	})
	return created, err
}

// Ensure SQLiteStore implements Repository.
var _ Repository = (*SQLiteStore)(nil)
