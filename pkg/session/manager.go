// Package session persists conversation history, one record-stream
// file per session key. Sessions are loaded on first access and cached
// in memory; they are created on first touch and never destroyed
// implicitly.
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pincerlabs/pincer/pkg/logger"
)

// Message is one persisted turn record.
type Message struct {
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	Timestamp  time.Time       `json:"timestamp"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
}

// Session holds the ordered turn records for one conversation key.
type Session struct {
	Key       string
	CreatedAt time.Time
	UpdatedAt time.Time
	Metadata  map[string]string
	Messages  []Message
}

// metadataRecord is the first line of every session file.
type metadataRecord struct {
	Type      string            `json:"_type"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type Manager struct {
	dir      string
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sessions dir: %w", err)
	}
	return &Manager{
		dir:      dir,
		sessions: make(map[string]*Session),
	}, nil
}

// GetOrCreate returns the cached session for key, loading it from disk
// on first access or creating a fresh one.
func (m *Manager) GetOrCreate(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateLocked(key)
}

func (m *Manager) getOrCreateLocked(key string) *Session {
	if s, ok := m.sessions[key]; ok {
		return s
	}

	s, err := m.loadLocked(key)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.WarnCF("session", "Failed to load session, starting fresh", map[string]any{
				"key": key, "error": err.Error(),
			})
		}
		now := time.Now().UTC()
		s = &Session{
			Key:       key,
			CreatedAt: now,
			UpdatedAt: now,
			Metadata:  map[string]string{},
		}
	}
	m.sessions[key] = s
	return s
}

// AddMessage appends a record to the session, loading it from disk
// first if it is not cached yet. Appending to an uncached key must
// never shadow records already persisted for it.
func (m *Manager) AddMessage(key, role, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getOrCreateLocked(key)
	s.Messages = append(s.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	s.UpdatedAt = time.Now().UTC()
}

// History returns up to limit most recent records (all when limit <= 0).
func (m *Manager) History(key string, limit int) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[key]
	if !ok {
		return nil
	}
	msgs := s.Messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Save writes the session file atomically: all records in append order
// behind the metadata line, to a temp file renamed into place.
func (m *Manager) Save(key string) error {
	m.mu.RLock()
	s, ok := m.sessions[key]
	var snapshot Session
	if ok {
		snapshot = *s
		snapshot.Messages = make([]Message, len(s.Messages))
		copy(snapshot.Messages, s.Messages)
	}
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("session %s not loaded", key)
	}

	var sb strings.Builder
	meta, err := json.Marshal(metadataRecord{
		Type:      "metadata",
		CreatedAt: snapshot.CreatedAt,
		UpdatedAt: snapshot.UpdatedAt,
		Metadata:  snapshot.Metadata,
	})
	if err != nil {
		return fmt.Errorf("encoding session metadata: %w", err)
	}
	sb.Write(meta)
	sb.WriteByte('\n')

	for _, msg := range snapshot.Messages {
		line, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encoding session record: %w", err)
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}

	path := m.pathFor(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o600); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing session file: %w", err)
	}
	return nil
}

func (m *Manager) loadLocked(key string) (*Session, error) {
	f, err := os.Open(m.pathFor(key))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	now := time.Now().UTC()
	s := &Session{Key: key, CreatedAt: now, UpdatedAt: now, Metadata: map[string]string{}}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if first {
			first = false
			var meta metadataRecord
			if err := json.Unmarshal([]byte(line), &meta); err == nil && meta.Type == "metadata" {
				s.CreatedAt = meta.CreatedAt
				s.UpdatedAt = meta.UpdatedAt
				if meta.Metadata != nil {
					s.Metadata = meta.Metadata
				}
				continue
			}
			// No metadata line; fall through and treat it as a record.
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			logger.WarnCF("session", "Skipping corrupt session record", map[string]any{
				"key": key, "error": err.Error(),
			})
			continue
		}
		s.Messages = append(s.Messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}
	return s, nil
}

func (m *Manager) pathFor(key string) string {
	return filepath.Join(m.dir, sanitizeKey(key)+".jsonl")
}

// sanitizeKey maps a session key to a filesystem-safe name: every rune
// outside [A-Za-z0-9._-] becomes '_'. The ':' separating channel and
// chat id is always escaped.
func sanitizeKey(key string) string {
	var sb strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}
