package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ConversationLogger records chat transcripts.
type ConversationLogger interface {
	Log(event ConversationLogEvent)
	Close() error
}

// ConversationLogConfig controls where transcripts are written.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	QueueSize     int
	GlobalEnabled bool
	GlobalPath    string
}

// ConversationLogEvent is one NDJSON transcript line.
type ConversationLogEvent struct {
	Timestamp      string         `json:"ts"`
	TenantID       string         `json:"tenant_id,omitempty"`
	UserID         string         `json:"user_id"`
	ConversationID string         `json:"conversation_id"`
	Channel        string         `json:"channel"`
	Direction      string         `json:"direction"`
	EventType      string         `json:"event_type"`
	ContentRaw     string         `json:"content_raw,omitempty"`
	Content        string         `json:"content,omitempty"`
	Meta           map[string]any `json:"meta,omitempty"`
}

type noopConversationLogger struct{}

func (noopConversationLogger) Log(ConversationLogEvent) {}
func (noopConversationLogger) Close() error             { return nil }

var (
	ansiPattern     = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)
	pathSafePattern = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

// cleanForReadability strips terminal escapes and control characters and
// collapses runs of spaces.
func cleanForReadability(raw string) string {
	s := ansiPattern.ReplaceAllString(raw, "")
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, s)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func safePathComponent(s string) string {
	s = pathSafePattern.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "unknown"
	}
	return s
}

// fileConversationLogger writes events asynchronously from a bounded queue.
// Events are dropped when the queue is full so chat latency never depends on
// disk speed.
type fileConversationLogger struct {
	cfg    ConversationLogConfig
	queue  chan ConversationLogEvent
	logger *slog.Logger
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewConversationLogger creates a transcript logger writing
// dir/<user>/<conversation>.ndjson and, optionally, one global file. A
// disabled config returns a logger that discards everything.
func NewConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) (ConversationLogger, error) {
	if !cfg.Enabled {
		return noopConversationLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create global conversation log dir: %w", err)
		}
	}

	l := &fileConversationLogger{
		cfg:    cfg,
		queue:  make(chan ConversationLogEvent, cfg.QueueSize),
		logger: logger,
	}
	l.wg.Add(1)
	go l.writeLoop()
	return l, nil
}

// Log enqueues event without blocking.
func (l *fileConversationLogger) Log(event ConversationLogEvent) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if event.Content == "" && event.ContentRaw != "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- event:
	default:
		l.logger.Warn("conversation log queue full, dropping event",
			"user_id", event.UserID,
			"conversation_id", event.ConversationID,
			"event_type", event.EventType,
		)
	}
}

// Close drains the queue and waits for pending writes.
func (l *fileConversationLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	l.wg.Wait()
	return nil
}

func (l *fileConversationLogger) writeLoop() {
	defer l.wg.Done()
	for event := range l.queue {
		line, err := json.Marshal(event)
		if err != nil {
			l.logger.Warn("failed to marshal conversation log event", "error", err)
			continue
		}
		line = append(line, '\n')

		path := filepath.Join(l.cfg.Dir, safePathComponent(event.UserID), safePathComponent(event.ConversationID)+".ndjson")
		if err := appendLine(path, line); err != nil {
			l.logger.Warn("failed to write conversation log", "path", path, "error", err)
		}
		if l.cfg.GlobalEnabled {
			if err := appendLine(l.cfg.GlobalPath, line); err != nil {
				l.logger.Warn("failed to write global conversation log", "path", l.cfg.GlobalPath, "error", err)
			}
		}
	}
}

func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
