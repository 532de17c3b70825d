// Package session implements the orchestrator-facing SessionStore: a durable,
// append-mostly log of messages with interleaved segments, per-mode model
// preferences, cost-breakdown accounting, and plan metadata.
//
// It is distinct from internal/store, which remains the teacher's original
// SQLite-backed fetch/search result cache. Each package opens its own
// *sql.DB handle: cmd/agentcore keeps sessions in its own sessions.db file,
// separate from the cache.db that cmd/symb's store and delta tracker share.
package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/sacenox-fork/agentcore/internal/provider"
)

// Mode is the coarse capability tier gating which tools are visible.
type Mode string

const (
	ModeAsk   Mode = "ask"
	ModePlan  Mode = "plan"
	ModeBuild Mode = "build"
)

// TrustLevel gates which tools require human approval.
type TrustLevel string

const (
	TrustManual   TrustLevel = "manual"
	TrustBalanced TrustLevel = "balanced"
	TrustCareful  TrustLevel = "careful"
)

// Role identifies who produced a Message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// SegmentKind distinguishes the two Segment variants.
type SegmentKind string

const (
	SegmentText SegmentKind = "text"
	SegmentTool SegmentKind = "tool"
)

// Segment is one interleaved unit of assistant output: either literal text
// or a reference by index into the owning message's ToolCalls slice. This
// preserves "text, tool, more text, another tool" emission order for replay.
type Segment struct {
	Kind      SegmentKind `json:"kind"`
	Text      string      `json:"text,omitempty"`
	ToolIndex int         `json:"tool_index,omitempty"`
}

// ToolCallState is the lifecycle state of a ToolCall.
type ToolCallState string

const (
	ToolCallRunning   ToolCallState = "running"
	ToolCallCompleted ToolCallState = "completed"
	ToolCallFailed    ToolCallState = "failed"
)

// ToolCall is one tool invocation inside an assistant message. Terminal
// states are sticky: ResultPreview is set iff Completed, Error iff Failed.
type ToolCall struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Args          json.RawMessage `json:"args"`
	State         ToolCallState   `json:"state"`
	ResultPreview string          `json:"result_preview,omitempty"`
	Error         string          `json:"error,omitempty"`
	BlockID       string          `json:"block_id"`
	StartedAt     time.Time       `json:"started_at"`
	EndedAt       *time.Time      `json:"ended_at,omitempty"`
}

// AttachmentKind enumerates the attachment variants.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentText     AttachmentKind = "text"
	AttachmentDocument AttachmentKind = "document"
	AttachmentData     AttachmentKind = "data"
)

// Attachment is a file-like payload sent to the LLM.
type Attachment struct {
	Kind     AttachmentKind `json:"kind"`
	MimeType string         `json:"mime_type,omitempty"`
	Language string         `json:"language,omitempty"`
	Content  string         `json:"content,omitempty"`
	Bytes    []byte         `json:"bytes,omitempty"`
	Name     string         `json:"name,omitempty"`
}

// Message is one turn in a session.
type Message struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Timestamp    time.Time    `json:"timestamp"`
	Segments     []Segment    `json:"segments"`
	Thinking     string       `json:"thinking,omitempty"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	ToolCallID   string       `json:"tool_call_id,omitempty"` // set on tool-role messages
	InputTokens  int          `json:"input_tokens,omitempty"`
	OutputTokens int          `json:"output_tokens,omitempty"`
}

// Text concatenates the message's Text segments in emission order.
func (m Message) Text() string {
	var b strings.Builder
	for _, s := range m.Segments {
		if s.Kind == SegmentText {
			b.WriteString(s.Text)
		}
	}
	return b.String()
}

// ModelPreference pins a provider/model pair for a mode.
type ModelPreference struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// PlanProgress is the (completed, total) status of a directed task tree.
type PlanProgress struct {
	ID        string    `json:"id"`
	Completed int       `json:"completed"`
	Total     int       `json:"total"`
	Archived  bool      `json:"archived"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is the persistent container for one conversation.
type Session struct {
	ID               string                     `json:"id"`
	Name             string                     `json:"name"`
	CreatedAt        time.Time                  `json:"created_at"`
	UpdatedAt        time.Time                  `json:"updated_at"`
	Provider         string                     `json:"provider"`
	Model            string                     `json:"model"`
	Mode             Mode                       `json:"mode"`
	TrustLevel       TrustLevel                 `json:"trust_level"`
	ModePreferences  map[Mode]ModelPreference   `json:"mode_preferences"`
	Messages         []Message                  `json:"messages"`
	TotalInputTokens int                        `json:"total_input_tokens"`
	TotalOutputTokens int                       `json:"total_output_tokens"`
	CostBreakdown    map[string]float64         `json:"cost_breakdown"` // key "provider/model"
	CurrentPlanID    string                     `json:"current_plan_id,omitempty"`
}

// TotalCost sums CostBreakdown.
func (s Session) TotalCost() float64 {
	var total float64
	for _, c := range s.CostBreakdown {
		total += c
	}
	return total
}

// CostKey builds the cost_breakdown map key for a provider/model pair.
func CostKey(providerName, model string) string {
	return providerName + "/" + model
}

// Summary is a lightweight listing row.
type Summary struct {
	ID           string
	Name         string
	Provider     string
	Model        string
	MessageCount int
	IsCurrent    bool
}

// SQLite busy-retry tuning, grounded on internal/store/session.go.
const (
	busyMaxRetries    = 10
	busyBackoffStepMs = 50
	busyMaxBackoff    = time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS agent_sessions (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL DEFAULT '',
	created             INTEGER NOT NULL,
	updated             INTEGER NOT NULL,
	provider            TEXT NOT NULL DEFAULT '',
	model               TEXT NOT NULL DEFAULT '',
	mode                TEXT NOT NULL DEFAULT 'build',
	trust_level         TEXT NOT NULL DEFAULT 'balanced',
	mode_preferences    TEXT NOT NULL DEFAULT '{}',
	total_input_tokens  INTEGER NOT NULL DEFAULT 0,
	total_output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_breakdown      TEXT NOT NULL DEFAULT '{}',
	current_plan_id     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS agent_messages (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	seq           INTEGER NOT NULL,
	role          TEXT NOT NULL,
	segments      TEXT NOT NULL DEFAULT '[]',
	thinking      TEXT NOT NULL DEFAULT '',
	tool_calls    TEXT NOT NULL DEFAULT '[]',
	attachments   TEXT NOT NULL DEFAULT '[]',
	tool_call_id  TEXT NOT NULL DEFAULT '',
	created       INTEGER NOT NULL,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_agent_messages_session ON agent_messages(session_id, seq);

CREATE TABLE IF NOT EXISTS agent_plans (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	completed  INTEGER NOT NULL DEFAULT 0,
	total      INTEGER NOT NULL DEFAULT 0,
	archived   INTEGER NOT NULL DEFAULT 0,
	updated    INTEGER NOT NULL
);
`

// Store is the SQLite-backed SessionStore.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens a session store at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (st *Store) Close() error {
	if st == nil {
		return nil
	}
	return st.db.Close()
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func withBusyRetry(op func() error) error {
	var err error
	for attempt := 0; attempt <= busyMaxRetries; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if !isBusy(err) || attempt == busyMaxRetries {
			return err
		}
		backoff := time.Duration((attempt+1)*busyBackoffStepMs) * time.Millisecond
		if backoff > busyMaxBackoff {
			backoff = busyMaxBackoff
		}
		time.Sleep(backoff)
	}
	return err
}

// New constructs a fresh, unsaved Session.
func New(name string) Session {
	now := time.Now()
	return Session{
		ID:              uuid.NewString(),
		Name:            name,
		CreatedAt:       now,
		UpdatedAt:       now,
		Mode:            ModeBuild,
		TrustLevel:      TrustBalanced,
		ModePreferences: make(map[Mode]ModelPreference),
		CostBreakdown:   make(map[string]float64),
	}
}

// Save persists a session atomically: the header row and its full message
// log are written inside one transaction, so a crash never leaves a
// partially-written session. After Save returns, a subsequent Load observes
// the written state.
func (st *Store) Save(s *Session) error {
	if st == nil {
		return nil
	}
	s.UpdatedAt = time.Now()
	return withBusyRetry(func() error { return st.saveOnce(s) })
}

func (st *Store) saveOnce(s *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	tx, err := st.db.Begin()
	if err != nil {
		return err
	}
	rollback := func() {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Warn().Err(rbErr).Msg("failed to rollback session save")
		}
	}

	modePrefs, err := json.Marshal(s.ModePreferences)
	if err != nil {
		rollback()
		return err
	}
	costBreakdown, err := json.Marshal(s.CostBreakdown)
	if err != nil {
		rollback()
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO agent_sessions (id, name, created, updated, provider, model, mode, trust_level, mode_preferences, total_input_tokens, total_output_tokens, cost_breakdown, current_plan_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, updated=excluded.updated, provider=excluded.provider, model=excluded.model,
			mode=excluded.mode, trust_level=excluded.trust_level, mode_preferences=excluded.mode_preferences,
			total_input_tokens=excluded.total_input_tokens, total_output_tokens=excluded.total_output_tokens,
			cost_breakdown=excluded.cost_breakdown, current_plan_id=excluded.current_plan_id`,
		s.ID, s.Name, s.CreatedAt.Unix(), s.UpdatedAt.Unix(), s.Provider, s.Model, string(s.Mode), string(s.TrustLevel),
		string(modePrefs), s.TotalInputTokens, s.TotalOutputTokens, string(costBreakdown), s.CurrentPlanID,
	)
	if err != nil {
		rollback()
		return err
	}

	if _, err := tx.Exec("DELETE FROM agent_messages WHERE session_id = ?", s.ID); err != nil {
		rollback()
		return err
	}
	for i, m := range s.Messages {
		if m.ID == "" {
			m.ID = uuid.NewString()
			s.Messages[i] = m
		}
		segs, err := json.Marshal(m.Segments)
		if err != nil {
			rollback()
			return err
		}
		tcs, err := json.Marshal(m.ToolCalls)
		if err != nil {
			rollback()
			return err
		}
		atts, err := json.Marshal(m.Attachments)
		if err != nil {
			rollback()
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO agent_messages (id, session_id, seq, role, segments, thinking, tool_calls, attachments, tool_call_id, created, input_tokens, output_tokens)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, s.ID, i, m.Role, string(segs), m.Thinking, string(tcs), string(atts), m.ToolCallID,
			m.Timestamp.Unix(), m.InputTokens, m.OutputTokens,
		); err != nil {
			rollback()
			return err
		}
	}

	return tx.Commit()
}

// ErrNotFound is returned by Load/Delete for an unknown session id.
var ErrNotFound = fmt.Errorf("session not found")

// Load reconstructs a session, including interleaved segments, in full.
func (st *Store) Load(id string) (*Session, error) {
	if st == nil {
		return nil, ErrNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	var s Session
	var created, updated int64
	var modePrefsJSON, costJSON string
	row := st.db.QueryRow(`
		SELECT id, name, created, updated, provider, model, mode, trust_level, mode_preferences, total_input_tokens, total_output_tokens, cost_breakdown, current_plan_id
		FROM agent_sessions WHERE id = ?`, id)
	if err := row.Scan(&s.ID, &s.Name, &created, &updated, &s.Provider, &s.Model, &s.Mode, &s.TrustLevel,
		&modePrefsJSON, &s.TotalInputTokens, &s.TotalOutputTokens, &costJSON, &s.CurrentPlanID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.CreatedAt = time.Unix(created, 0)
	s.UpdatedAt = time.Unix(updated, 0)
	s.ModePreferences = make(map[Mode]ModelPreference)
	_ = json.Unmarshal([]byte(modePrefsJSON), &s.ModePreferences)
	s.CostBreakdown = make(map[string]float64)
	_ = json.Unmarshal([]byte(costJSON), &s.CostBreakdown)

	rows, err := st.db.Query(`
		SELECT id, role, segments, thinking, tool_calls, attachments, tool_call_id, created, input_tokens, output_tokens
		FROM agent_messages WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var m Message
		var segsJSON, tcsJSON, attsJSON string
		var createdMsg int64
		if err := rows.Scan(&m.ID, &m.Role, &segsJSON, &m.Thinking, &tcsJSON, &attsJSON, &m.ToolCallID, &createdMsg, &m.InputTokens, &m.OutputTokens); err != nil {
			continue
		}
		m.Timestamp = time.Unix(createdMsg, 0)
		_ = json.Unmarshal([]byte(segsJSON), &m.Segments)
		_ = json.Unmarshal([]byte(tcsJSON), &m.ToolCalls)
		_ = json.Unmarshal([]byte(attsJSON), &m.Attachments)
		s.Messages = append(s.Messages, m)
	}
	return &s, rows.Err()
}

// List returns summaries of every known session.
func (st *Store) List(currentID string) ([]Summary, error) {
	if st == nil {
		return nil, nil
	}
	st.mu.Lock()
	rows, err := st.db.Query(`
		SELECT s.id, s.name, s.provider, s.model, COUNT(m.id)
		FROM agent_sessions s LEFT JOIN agent_messages m ON m.session_id = s.id
		GROUP BY s.id ORDER BY s.updated DESC`)
	st.mu.Unlock()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.Name, &sum.Provider, &sum.Model, &sum.MessageCount); err != nil {
			continue
		}
		sum.IsCurrent = sum.ID == currentID
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Delete permanently removes a session and its messages.
func (st *Store) Delete(id string) error {
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	tx, err := st.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM agent_messages WHERE session_id = ?", id); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec("DELETE FROM agent_plans WHERE session_id = ?", id); err != nil {
		tx.Rollback()
		return err
	}
	res, err := tx.Exec("DELETE FROM agent_sessions WHERE id = ?", id)
	if err != nil {
		tx.Rollback()
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		tx.Rollback()
		return ErrNotFound
	}
	return tx.Commit()
}

// ArchivePlan moves a plan out of the active set.
func (st *Store) ArchivePlan(s *Session, planID string) error {
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	_, err := st.db.Exec("UPDATE agent_plans SET archived = 1, updated = ? WHERE id = ? AND session_id = ?",
		now.Unix(), planID, s.ID)
	if err != nil {
		return err
	}
	if s.CurrentPlanID == planID {
		s.CurrentPlanID = ""
	}
	s.UpdatedAt = now
	_, err = st.db.Exec("UPDATE agent_sessions SET updated = ?, current_plan_id = ? WHERE id = ?",
		now.Unix(), s.CurrentPlanID, s.ID)
	return err
}

// ToProviderMessages converts stored messages into provider-agnostic chat
// messages by flattening each message's segments into its Content field and
// rebuilding tool_calls/tool_call_id — the shape internal/provider and
// internal/llm already expect.
func ToProviderMessages(msgs []Message) []provider.Message {
	out := make([]provider.Message, 0, len(msgs))
	for _, m := range msgs {
		pm := provider.Message{
			Role:         m.Role,
			Content:      m.Text(),
			Reasoning:    m.Thinking,
			ToolCallID:   m.ToolCallID,
			CreatedAt:    m.Timestamp,
			InputTokens:  m.InputTokens,
			OutputTokens: m.OutputTokens,
		}
		for _, tc := range m.ToolCalls {
			pm.ToolCalls = append(pm.ToolCalls, provider.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Args})
		}
		out = append(out, pm)
	}
	return out
}
