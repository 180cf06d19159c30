// Package announce delivers user-facing notices. Every notice reaches the
// accessibility live region; warnings are additionally shown as toasts.
package announce

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// Politeness mirrors the live-region urgency levels.
type Politeness string

const (
	// PolitenessPolite waits for the screen reader to become idle.
	PolitenessPolite Politeness = "polite"
	// PolitenessAssertive interrupts the current utterance.
	PolitenessAssertive Politeness = "assertive"
)

// Notice is one message for the user.
type Notice struct {
	Message    string
	Politeness Politeness
	Toast      bool
}

// Announcer receives notices from the core components.
type Announcer interface {
	Announce(notice Notice)
}

// Info builds a polite live-region notice.
func Info(message string) Notice {
	return Notice{Message: message, Politeness: PolitenessPolite}
}

// Warning builds an assertive notice that is also shown as a toast.
func Warning(message string) Notice {
	return Notice{Message: message, Politeness: PolitenessAssertive, Toast: true}
}

// Nop discards notices.
type Nop struct{}

// Announce implements Announcer.
func (Nop) Announce(Notice) {}

// WriterAnnouncer prints notices line by line and mirrors them to the log.
type WriterAnnouncer struct {
	mu     sync.Mutex
	out    io.Writer
	logger *zap.Logger
}

// NewWriterAnnouncer constructs an announcer writing to out.
func NewWriterAnnouncer(out io.Writer, logger *zap.Logger) *WriterAnnouncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WriterAnnouncer{out: out, logger: logger}
}

// Announce implements Announcer.
func (a *WriterAnnouncer) Announce(notice Notice) {
	if notice.Message == "" {
		return
	}
	prefix := "[live]"
	if notice.Toast {
		prefix = "[toast]"
	}
	a.mu.Lock()
	if a.out != nil {
		_, _ = fmt.Fprintf(a.out, "%s %s\n", prefix, notice.Message)
	}
	a.mu.Unlock()
	a.logger.Debug("notice announced",
		zap.String("message", notice.Message),
		zap.String("politeness", string(notice.Politeness)),
		zap.Bool("toast", notice.Toast))
}
