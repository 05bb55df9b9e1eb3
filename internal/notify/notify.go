// Package notify delivers user-facing messages from the editor: save
// failures, recoveries and blocked section switches.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Kind is the severity of a notification.
type Kind string

const (
	Info    Kind = "info"
	Warning Kind = "warning"
	Error   Kind = "error"
)

// Notifier shows a message to the user. Implementations must not block.
type Notifier interface {
	Notify(kind Kind, msg string)
}

// Func adapts a function to Notifier.
type Func func(kind Kind, msg string)

func (f Func) Notify(kind Kind, msg string) { f(kind, msg) }

// Discard drops every notification.
var Discard Notifier = Func(func(Kind, string) {})

// Log writes notifications to a structured logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(kind Kind, msg string) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	switch kind {
	case Warning:
		level = slog.LevelWarn
	case Error:
		level = slog.LevelError
	}
	logger.Log(context.Background(), level, msg, "event", "notification", "kind", string(kind))
}

// Multi fans a notification out to several notifiers in order.
type Multi []Notifier

func (m Multi) Notify(kind Kind, msg string) {
	for _, n := range m {
		if n != nil {
			n.Notify(kind, msg)
		}
	}
}

// Note is one recorded notification.
type Note struct {
	Kind    Kind   `json:"kind" yaml:"kind"`
	Message string `json:"message" yaml:"message"`
}

func (n Note) String() string {
	return fmt.Sprintf("%s: %s", n.Kind, n.Message)
}

// Recorder keeps notifications in memory.
//
// Thread-safety: Recorder is safe for concurrent use via internal mutex.
type Recorder struct {
	mu    sync.Mutex
	notes []Note
}

func (r *Recorder) Notify(kind Kind, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, Note{Kind: kind, Message: msg})
}

// Notes returns a copy of everything recorded so far.
func (r *Recorder) Notes() []Note {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Note(nil), r.notes...)
}

// Reset forgets recorded notifications.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = nil
}
