// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists conversation records as rows with JSON-encoded ordered collections

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			conversation_uuid TEXT PRIMARY KEY,
			state             TEXT NOT NULL,
			user_details      TEXT,
			csr_info          TEXT,
			csr_hand_off      INTEGER NOT NULL DEFAULT 0,
			stats             TEXT,
			feedback          TEXT,
			task_details      TEXT,
			summary           TEXT,
			application_uuid  TEXT,
			customer_uuid     TEXT,
			channel_id        TEXT,
			ticket_ref        TEXT,
			previous_intent   TEXT,
			messages          TEXT,
			inserted_ts       DATETIME NOT NULL,

			CHECK (state IN ('BOT_ONGOING', 'CSR_ONGOING', 'CSR_RESOLVED', 'BOT_RESOLVED', 'CLOSED'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_customer
			ON conversations(customer_uuid, inserted_ts);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveConversation upserts the full conversation record in one statement.
func (s *SQLiteStore) SaveConversation(ctx context.Context, conv *Conversation) error {
	userDetails, err := json.Marshal(conv.UserDetails)
	if err != nil {
		return fmt.Errorf("encoding user details: %w", err)
	}
	csrInfo, err := json.Marshal(conv.CSRAssignments)
	if err != nil {
		return fmt.Errorf("encoding csr assignments: %w", err)
	}
	stats, err := json.Marshal(conv.Stats)
	if err != nil {
		return fmt.Errorf("encoding stats: %w", err)
	}
	messages, err := json.Marshal(conv.Messages)
	if err != nil {
		return fmt.Errorf("encoding messages: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (
			conversation_uuid, state, user_details, csr_info, csr_hand_off,
			stats, feedback, task_details, summary, application_uuid,
			customer_uuid, channel_id, ticket_ref, previous_intent, messages, inserted_ts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_uuid) DO UPDATE SET
			state = excluded.state,
			user_details = excluded.user_details,
			csr_info = excluded.csr_info,
			csr_hand_off = excluded.csr_hand_off,
			stats = excluded.stats,
			feedback = excluded.feedback,
			task_details = excluded.task_details,
			summary = excluded.summary,
			application_uuid = excluded.application_uuid,
			customer_uuid = excluded.customer_uuid,
			channel_id = excluded.channel_id,
			ticket_ref = excluded.ticket_ref,
			previous_intent = excluded.previous_intent,
			messages = excluded.messages,
			inserted_ts = excluded.inserted_ts
	`,
		conv.ConversationID, string(conv.State), string(userDetails), string(csrInfo), conv.CSRHandOff,
		string(stats), conv.Feedback, conv.TaskDetails, conv.Summary, conv.ApplicationID,
		conv.CustomerID, conv.ChannelID, conv.TicketRef, conv.LastIntent, string(messages), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}

	s.logger.Debug("conversation persisted",
		"conversation_id", conv.ConversationID,
		"state", conv.State,
		"messages", len(conv.Messages))
	return nil
}

// GetConversation loads a persisted conversation by id.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_uuid, state, user_details, csr_info, csr_hand_off,
		       stats, feedback, task_details, summary, application_uuid,
		       customer_uuid, channel_id, ticket_ref, previous_intent, messages
		FROM conversations
		WHERE conversation_uuid = ?
	`, conversationID)

	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	return conv, nil
}

// ListConversationsByCustomer returns persisted conversations for a customer,
// newest first.
func (s *SQLiteStore) ListConversationsByCustomer(ctx context.Context, customerID string, limit int) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_uuid, state, user_details, csr_info, csr_hand_off,
		       stats, feedback, task_details, summary, application_uuid,
		       customer_uuid, channel_id, ticket_ref, previous_intent, messages
		FROM conversations
		WHERE customer_uuid = ?
		ORDER BY inserted_ts DESC
		LIMIT ?
	`, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner abstracts sql.Row and sql.Rows for scanConversation.
type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var (
		conv        Conversation
		state       string
		userDetails sql.NullString
		csrInfo     sql.NullString
		stats       sql.NullString
		messages    sql.NullString
	)

	err := row.Scan(
		&conv.ConversationID, &state, &userDetails, &csrInfo, &conv.CSRHandOff,
		&stats, &conv.Feedback, &conv.TaskDetails, &conv.Summary, &conv.ApplicationID,
		&conv.CustomerID, &conv.ChannelID, &conv.TicketRef, &conv.LastIntent, &messages,
	)
	if err != nil {
		return nil, err
	}

	conv.State = State(state)
	if userDetails.Valid && userDetails.String != "" {
		if err := json.Unmarshal([]byte(userDetails.String), &conv.UserDetails); err != nil {
			return nil, fmt.Errorf("decoding user details: %w", err)
		}
	}
	if csrInfo.Valid && csrInfo.String != "" {
		if err := json.Unmarshal([]byte(csrInfo.String), &conv.CSRAssignments); err != nil {
			return nil, fmt.Errorf("decoding csr assignments: %w", err)
		}
	}
	if stats.Valid && stats.String != "" {
		if err := json.Unmarshal([]byte(stats.String), &conv.Stats); err != nil {
			return nil, fmt.Errorf("decoding stats: %w", err)
		}
	}
	if messages.Valid && messages.String != "" {
		if err := json.Unmarshal([]byte(messages.String), &conv.Messages); err != nil {
			return nil, fmt.Errorf("decoding messages: %w", err)
		}
	}
	return &conv, nil
}
