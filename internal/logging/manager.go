package logging

import (
	"container/ring"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxBufferSize is the maximum number of log entries to keep in memory
	MaxBufferSize = 5000

	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// LogEntry represents a single log entry
type LogEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Source    string                 `json:"source"`
	Message   string                 `json:"message"`
	AgentType string                 `json:"agent_type,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Filter selects log entries. Zero fields match everything.
type Filter struct {
	Limit     int
	Level     string
	Source    string
	AgentType string
	Since     time.Time
	Until     time.Time
}

func (f Filter) matches(e LogEntry) bool {
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if f.AgentType != "" && e.AgentType != f.AgentType {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > MaxBufferSize {
		return 100
	}
	return f.Limit
}

// Manager handles log collection, buffering, and persistence
type Manager struct {
	mu       sync.RWMutex
	buffer   *ring.Ring
	db       *sql.DB
	handlers []func(LogEntry)
	agents   []string
}

// NewManager creates a new logging manager. db may be nil for an
// in-memory only buffer.
func NewManager(db *sql.DB) *Manager {
	m := &Manager{
		buffer: ring.New(MaxBufferSize),
		db:     db,
	}
	if err := m.initSchema(); err != nil {
		log.Printf("Warning: Failed to initialize logging schema: %v", err)
	}
	return m
}

// SetKnownAgents lets the manager tag entries that mention an agent type.
func (m *Manager) SetKnownAgents(agentTypes []string) {
	m.mu.Lock()
	m.agents = append([]string(nil), agentTypes...)
	m.mu.Unlock()
}

func (m *Manager) initSchema() error {
	if m.db == nil {
		return nil
	}
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS autorun_logs (
			id TEXT PRIMARY KEY,
			timestamp TIMESTAMP NOT NULL,
			level TEXT NOT NULL,
			source TEXT NOT NULL,
			message TEXT NOT NULL,
			agent_type TEXT,
			metadata_json TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create logs table: %w", err)
	}
	for _, indexSQL := range []string{
		"CREATE INDEX IF NOT EXISTS idx_autorun_logs_timestamp ON autorun_logs(timestamp DESC)",
		"CREATE INDEX IF NOT EXISTS idx_autorun_logs_agent_type ON autorun_logs(agent_type)",
	} {
		if _, err := m.db.Exec(indexSQL); err != nil {
			log.Printf("Warning: Failed to create index: %v", err)
		}
	}
	return nil
}

// Log adds a log entry to the buffer and optionally persists it
func (m *Manager) Log(level, source, message string, metadata map[string]interface{}) {
	entry := LogEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Level:     level,
		Source:    source,
		Message:   message,
		Metadata:  metadata,
	}
	if v, ok := metadata["agent_type"].(string); ok {
		entry.AgentType = v
	}

	m.mu.Lock()
	if entry.AgentType == "" {
		entry.AgentType = mentionedAgent(message, m.agents)
	}
	m.buffer.Value = entry
	m.buffer = m.buffer.Next()
	handlers := m.handlers
	m.mu.Unlock()

	for _, handler := range handlers {
		go handler(entry)
	}
	if m.db != nil {
		go m.persistLog(entry)
	}
}

func mentionedAgent(message string, agents []string) string {
	for _, a := range agents {
		if strings.Contains(message, a) {
			return a
		}
	}
	return ""
}

func (m *Manager) persistLog(entry LogEntry) {
	var metadataJSON *string
	if len(entry.Metadata) > 0 {
		if data, err := json.Marshal(entry.Metadata); err == nil {
			s := string(data)
			metadataJSON = &s
		}
	}
	_, err := m.db.Exec(`
		INSERT INTO autorun_logs (id, timestamp, level, source, message, agent_type, metadata_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.Timestamp, entry.Level, entry.Source, entry.Message, entry.AgentType, metadataJSON)
	if err != nil {
		// Not through log: the interceptor would loop back here.
		fmt.Printf("failed to persist log entry: %v\n", err)
	}
}

// GetRecent returns the newest buffered entries matching f, newest first.
func (m *Manager) GetRecent(f Filter) []LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []LogEntry
	m.buffer.Do(func(v interface{}) {
		entry, ok := v.(LogEntry)
		if ok && f.matches(entry) {
			matched = append(matched, entry)
		}
	})

	// ring.Do walks oldest to newest starting at the write cursor.
	limit := f.limit()
	out := make([]LogEntry, 0, limit)
	for i := len(matched) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, matched[i])
	}
	return out
}

// Query returns entries from the database, or the buffer when no
// database is configured.
func (m *Manager) Query(f Filter) ([]LogEntry, error) {
	if m.db == nil {
		return m.GetRecent(f), nil
	}

	query := `SELECT id, timestamp, level, source, message, agent_type, metadata_json FROM autorun_logs WHERE 1=1`
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}
	if !f.Since.IsZero() {
		add("timestamp >=", f.Since)
	}
	if !f.Until.IsZero() {
		add("timestamp <=", f.Until)
	}
	if f.Level != "" {
		add("level =", f.Level)
	}
	if f.Source != "" {
		add("source =", f.Source)
	}
	if f.AgentType != "" {
		add("agent_type =", f.AgentType)
	}
	args = append(args, f.limit())
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d", len(args))

	rows, err := m.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	logs := make([]LogEntry, 0)
	for rows.Next() {
		var entry LogEntry
		var agentType, metadataJSON sql.NullString
		if err := rows.Scan(&entry.ID, &entry.Timestamp, &entry.Level, &entry.Source, &entry.Message, &agentType, &metadataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		entry.AgentType = agentType.String
		if metadataJSON.Valid && metadataJSON.String != "" {
			_ = json.Unmarshal([]byte(metadataJSON.String), &entry.Metadata)
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// AddHandler registers a handler to be called for each new log entry
func (m *Manager) AddHandler(handler func(LogEntry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

func (m *Manager) Info(source, message string, metadata map[string]interface{}) {
	m.Log(LogLevelInfo, source, message, metadata)
}

func (m *Manager) Warn(source, message string, metadata map[string]interface{}) {
	m.Log(LogLevelWarn, source, message, metadata)
}

func (m *Manager) Error(source, message string, metadata map[string]interface{}) {
	m.Log(LogLevelError, source, message, metadata)
}

// logInterceptWriter routes the standard log package into the manager
// and still copies every line to out.
type logInterceptWriter struct {
	manager *Manager
	out     io.Writer
}

// Write parses "[Component] message" and "autorun: message" lines.
func (w *logInterceptWriter) Write(p []byte) (int, error) {
	if w.out != nil {
		_, _ = w.out.Write(p)
	}
	level, source, msg := parseLine(strings.TrimSpace(string(p)))
	w.manager.Log(level, source, msg, nil)
	return len(p), nil
}

func parseLine(msg string) (level, source, text string) {
	// Standard log prefix: "2006/01/02 15:04:05 message"
	if len(msg) > 20 && msg[4] == '/' && msg[7] == '/' && msg[10] == ' ' {
		msg = strings.TrimSpace(msg[20:])
	}
	level = LogLevelInfo
	source = "system"

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "error") || strings.Contains(lower, "fail"):
		level = LogLevelError
	case strings.Contains(lower, "warn") || strings.Contains(lower, "timeout"):
		level = LogLevelWarn
	}

	if len(msg) > 2 && msg[0] == '[' {
		if end := strings.Index(msg, "]"); end > 1 {
			source = strings.ToLower(msg[1:end])
			msg = strings.TrimSpace(msg[end+1:])
		}
	}
	if rest, ok := strings.CutPrefix(msg, "autorun:"); ok {
		source = "autorun"
		msg = strings.TrimSpace(rest)
	}
	return level, source, msg
}

// InstallLogInterceptor redirects the standard log package through this
// manager, copying raw output to out (nil to discard).
func (m *Manager) InstallLogInterceptor(out io.Writer) {
	log.SetOutput(&logInterceptWriter{manager: m, out: out})
	log.SetFlags(log.LstdFlags)
}
