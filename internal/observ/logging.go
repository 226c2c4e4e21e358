// Package observ provides structured logging and metrics shared across
// the engine. Every component tags its log lines per spec.md §4.7
// ([SWING], [FILTER], [ORDER], [FILL], [EXIT], [RISK], [RECONCILE]) so
// operators can grep a single log stream for one subsystem.
package observ

import (
	"sync"

	"go.uber.org/zap"
)

// Tag is one of the fixed markers spec.md §4.7 requires on every
// internal state transition log line.
type Tag string

const (
	TagSwing     Tag = "[SWING]"
	TagFilter    Tag = "[FILTER]"
	TagOrder     Tag = "[ORDER]"
	TagFill      Tag = "[FILL]"
	TagExit      Tag = "[EXIT]"
	TagRisk      Tag = "[RISK]"
	TagReconcile Tag = "[RECONCILE]"
	TagFeed      Tag = "[FEED]"
	TagEngine    Tag = "[ENGINE]"
)

var (
	mu     sync.RWMutex
	logger *zap.Logger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	logger = l
}

// SetLogger swaps the process-wide logger (used by cmd/agent to install
// a dev logger in paper mode).
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Log emits a structured info-level event with its tag and key/value
// fields. Credentials must never be passed in fields; callers are
// responsible for redacting secrets before they reach this call per
// spec.md §6.
func Log(tag Tag, event string, kv map[string]any) {
	current().Info(event, fieldsFor(tag, kv)...)
}

// Warn emits a structured warning-level event.
func Warn(tag Tag, event string, kv map[string]any) {
	current().Warn(event, fieldsFor(tag, kv)...)
}

// Error emits a structured error-level event. Used for critical alerts
// (protective-stop arming failure, invariant violations) per spec.md §7.
func Error(tag Tag, event string, err error, kv map[string]any) {
	fields := fieldsFor(tag, kv)
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	current().Error(event, fields...)
}

func fieldsFor(tag Tag, kv map[string]any) []zap.Field {
	fields := make([]zap.Field, 0, len(kv)+1)
	fields = append(fields, zap.String("tag", string(tag)))
	for k, v := range kv {
		fields = append(fields, zap.Any(k, v))
	}
	return fields
}

// Sync flushes any buffered log entries; call on shutdown.
func Sync() {
	_ = current().Sync()
}
