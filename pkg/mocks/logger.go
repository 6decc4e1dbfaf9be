package mocks

import (
	"fmt"
	"sync"

	"github.com/user/avflow/pkg/ports"
)

// LogEntry records one logged message.
type LogEntry struct {
	Level     ports.LogLevel
	Component string
	Message   string
}

// Logger is a mock implementation of ports.Logger that records messages.
type Logger struct {
	mu        *sync.Mutex
	entries   *[]LogEntry
	component string
}

// NewLogger creates a new recording Logger.
func NewLogger() *Logger {
	return &Logger{mu: &sync.Mutex{}, entries: &[]LogEntry{}}
}

func (m *Logger) record(level ports.LogLevel, msg string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*m.entries = append(*m.entries, LogEntry{
		Level:     level,
		Component: m.component,
		Message:   fmt.Sprintf(msg, args...),
	})
}

func (m *Logger) Debug(msg string, args ...interface{}) { m.record(ports.LevelDebug, msg, args...) }
func (m *Logger) Info(msg string, args ...interface{})  { m.record(ports.LevelInfo, msg, args...) }
func (m *Logger) Warn(msg string, args ...interface{})  { m.record(ports.LevelWarn, msg, args...) }
func (m *Logger) Error(msg string, args ...interface{}) { m.record(ports.LevelError, msg, args...) }

func (m *Logger) WithComponent(component string) ports.Logger {
	return &Logger{mu: m.mu, entries: m.entries, component: component}
}

// Entries returns the recorded messages at or above level.
func (m *Logger) Entries(level ports.LogLevel) []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LogEntry
	for _, e := range *m.entries {
		if e.Level >= level {
			out = append(out, e)
		}
	}
	return out
}

var _ ports.Logger = (*Logger)(nil)
