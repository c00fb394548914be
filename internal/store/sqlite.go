package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/gogo/voicebridge/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db             *sql.DB
	defaultAgentID string
}

var _ Store = (*SQLiteStore)(nil)

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithDefaultAgent makes ResolveAgent fall back to agentID for calls without a record.
func WithDefaultAgent(agentID string) Option {
	return func(s *SQLiteStore) {
		s.defaultAgentID = agentID
	}
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	// Many sessions append turns concurrently.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	store := &SQLiteStore{db: db}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			voice_name TEXT,
			language TEXT,
			system_prompt TEXT,
			greeting TEXT,
			evi_config_id TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS calls (
			call_sid TEXT PRIMARY KEY,
			agent_id TEXT,
			stream_sid TEXT,
			status TEXT NOT NULL DEFAULT 'initiated',
			chat_group_id TEXT,
			started_at DATETIME,
			ended_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_status ON calls(status)`,
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			turn_id TEXT PRIMARY KEY,
			call_sid TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			sentiment TEXT,
			emotion_scores TEXT,
			ts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_call ON conversation_turns(call_sid, ts)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertAgent creates or replaces an agent.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent domain.AgentConfig) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (agent_id, name, voice_name, language, system_prompt, greeting, evi_config_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET
			name = excluded.name,
			voice_name = excluded.voice_name,
			language = excluded.language,
			system_prompt = excluded.system_prompt,
			greeting = excluded.greeting,
			evi_config_id = excluded.evi_config_id,
			updated_at = CURRENT_TIMESTAMP`,
		agent.AgentID, agent.Name, nullString(agent.VoiceName), nullString(agent.Language),
		nullString(agent.SystemPrompt), nullString(agent.Greeting), nullString(agent.EVIConfigID))
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	return nil
}

const agentColumns = `a.agent_id, a.name, a.voice_name, a.language, a.system_prompt, a.greeting, a.evi_config_id`

// GetAgent retrieves an active agent by ID. Returns nil when absent.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*domain.AgentConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents a WHERE a.agent_id = ? AND a.status = 'active'`, agentID)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// ResolveAgent returns the agent assigned to callSID, falling back to the default
// agent. ErrNotFound when neither exists.
func (s *SQLiteStore) ResolveAgent(ctx context.Context, callSID string) (domain.AgentConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM calls c JOIN agents a ON a.agent_id = c.agent_id
		 WHERE c.call_sid = ? AND a.status = 'active'`, callSID)
	agent, err := scanAgent(row)
	if err == nil {
		return *agent, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.AgentConfig{}, fmt.Errorf("failed to resolve agent: %w", err)
	}

	if s.defaultAgentID != "" {
		fallback, err := s.GetAgent(ctx, s.defaultAgentID)
		if err != nil {
			return domain.AgentConfig{}, fmt.Errorf("failed to load default agent: %w", err)
		}
		if fallback != nil {
			return *fallback, nil
		}
	}
	return domain.AgentConfig{}, fmt.Errorf("agent for call %s: %w", callSID, ErrNotFound)
}

func scanAgent(row *sql.Row) (*domain.AgentConfig, error) {
	var agent domain.AgentConfig
	var voice, lang, prompt, greeting, configID sql.NullString
	if err := row.Scan(&agent.AgentID, &agent.Name, &voice, &lang, &prompt, &greeting, &configID); err != nil {
		return nil, err
	}
	agent.VoiceName = voice.String
	agent.Language = lang.String
	agent.SystemPrompt = prompt.String
	agent.Greeting = greeting.String
	agent.EVIConfigID = configID.String
	return &agent, nil
}

// CreateCall creates a call record ahead of its media stream.
func (s *SQLiteStore) CreateCall(ctx context.Context, call *CallRecord) error {
	status := call.Status
	if status == "" {
		status = CallRecordInitiated
	}
	createdAt := call.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (call_sid, agent_id, stream_sid, status, chat_group_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		call.CallSID, nullString(call.AgentID), nullString(call.StreamSID), status, nullString(call.ChatGroupID), createdAt)
	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}
	return nil
}

// GetCall retrieves a call record. Returns nil when absent.
func (s *SQLiteStore) GetCall(ctx context.Context, callSID string) (*CallRecord, error) {
	var call CallRecord
	var agentID, streamSID, chatGroupID sql.NullString
	var startedAt, endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT call_sid, agent_id, stream_sid, status, chat_group_id, started_at, ended_at, created_at FROM calls WHERE call_sid = ?`,
		callSID).Scan(&call.CallSID, &agentID, &streamSID, &call.Status, &chatGroupID, &startedAt, &endedAt, &call.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	call.AgentID = agentID.String
	call.StreamSID = streamSID.String
	call.ChatGroupID = chatGroupID.String
	if startedAt.Valid {
		call.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		call.EndedAt = &endedAt.Time
	}
	return &call, nil
}

// MarkCallStarted records that the media stream for callSID is live. Calls
// resolved through the default agent get their record created here.
func (s *SQLiteStore) MarkCallStarted(ctx context.Context, callSID, agentID, streamSID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (call_sid, agent_id, stream_sid, status, started_at, created_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(call_sid) DO UPDATE SET
			stream_sid = excluded.stream_sid,
			status = excluded.status,
			started_at = excluded.started_at,
			agent_id = COALESCE(calls.agent_id, excluded.agent_id)`,
		callSID, nullString(agentID), nullString(streamSID), CallRecordInProgress, at, at)
	if err != nil {
		return fmt.Errorf("failed to mark call started: %w", err)
	}
	return nil
}

// MarkCallEnded records the call outcome.
func (s *SQLiteStore) MarkCallEnded(ctx context.Context, callSID string, status domain.CallStatus, chatGroupID string, at time.Time) error {
	record := CallRecordCompleted
	if status == domain.CallStatusFailed {
		record = CallRecordFailed
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE calls SET status = ?, ended_at = ?, chat_group_id = COALESCE(?, chat_group_id) WHERE call_sid = ?`,
		record, at, nullString(chatGroupID), callSID)
	if err != nil {
		return fmt.Errorf("failed to mark call ended: %w", err)
	}
	return nil
}

// AppendTurn persists one conversation turn.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn domain.ConversationTurn) error {
	var scores sql.NullString
	if len(turn.EmotionScores) > 0 {
		data, err := json.Marshal(turn.EmotionScores)
		if err != nil {
			return fmt.Errorf("failed to marshal emotion scores: %w", err)
		}
		scores = nullStringBytes(data)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_turns (turn_id, call_sid, role, content, sentiment, emotion_scores, ts) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.SessionID, string(turn.Role), turn.Text, nullString(turn.Sentiment), scores, turn.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}
	return nil
}

// ListTurns returns the turns of a call in the order they were spoken.
func (s *SQLiteStore) ListTurns(ctx context.Context, callSID string, limit int) ([]domain.ConversationTurn, error) {
	query := `SELECT turn_id, call_sid, role, content, sentiment, emotion_scores, ts FROM conversation_turns WHERE call_sid = ? ORDER BY ts ASC, rowid ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, callSID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []domain.ConversationTurn
	for rows.Next() {
		var turn domain.ConversationTurn
		var role string
		var sentiment, scores sql.NullString
		var ts int64
		if err := rows.Scan(&turn.ID, &turn.SessionID, &role, &turn.Text, &sentiment, &scores, &ts); err != nil {
			return nil, err
		}
		turn.Role = domain.Role(role)
		turn.Sentiment = sentiment.String
		turn.Timestamp = time.UnixMilli(ts)
		if scores.Valid {
			if err := json.Unmarshal([]byte(scores.String), &turn.EmotionScores); err != nil {
				return nil, fmt.Errorf("failed to decode emotion scores: %w", err)
			}
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
