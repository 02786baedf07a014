package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// LogEvent is one NDJSON line in a session's conversation log.
type LogEvent struct {
	Timestamp  string         `json:"ts"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	Phase      string         `json:"phase,omitempty"`
	ContentRaw string         `json:"content_raw,omitempty"`
	Content    string         `json:"content,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Logger records conversation turns.
type Logger interface {
	Log(event LogEvent)
	Close() error
}

// LogConfig controls the NDJSON logger.
type LogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

type noopLogger struct{}

func (noopLogger) Log(LogEvent)  {}
func (noopLogger) Close() error { return nil }

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return noopLogger{} }

// FileLogger appends events to <Dir>/<session_id>.ndjson from a single
// background goroutine. Events are dropped with a warning when the queue is full.
type FileLogger struct {
	dir    string
	queue  chan LogEvent
	logger *slog.Logger
	wg     sync.WaitGroup

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewLogger creates a Logger from cfg. A disabled config yields NopLogger.
func NewLogger(cfg LogConfig, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return NopLogger(), nil
	}
	if cfg.Dir == "" {
		return nil, errors.New("conversation log dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1000
	}
	l := &FileLogger{
		dir:    cfg.Dir,
		queue:  make(chan LogEvent, size),
		logger: logger,
	}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Log enqueues event without blocking.
func (l *FileLogger) Log(event LogEvent) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	if event.Content == "" && event.ContentRaw != "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}
	select {
	case l.queue <- event:
	default:
		l.logger.Warn("Conversation log queue full, dropping event",
			"session_id", event.SessionID,
			"event_type", event.EventType,
		)
	}
}

// Close drains pending events and stops the writer.
func (l *FileLogger) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
	})
	l.wg.Wait()
	return nil
}

func (l *FileLogger) run() {
	defer l.wg.Done()
	for event := range l.queue {
		if err := l.write(event); err != nil {
			l.logger.Warn("Failed to write conversation log",
				"session_id", event.SessionID,
				"error", err,
			)
		}
	}
}

func (l *FileLogger) write(event LogEvent) error {
	name := safeFileName(event.SessionID)
	if name == "" {
		return errors.New("missing session id")
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal log event: %w", err)
	}
	path := filepath.Join(l.dir, name+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return nil
}

var (
	ansiPattern     = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	fileNamePattern = regexp.MustCompile(`[^A-Za-z0-9_.-]`)
)

func cleanForReadability(raw string) string {
	s := ansiPattern.ReplaceAllString(raw, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

func safeFileName(id string) string {
	return strings.Trim(fileNamePattern.ReplaceAllString(id, "_"), ".")
}
