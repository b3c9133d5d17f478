package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ashureev/shsh-chat/internal/protocol"
	"github.com/ashureev/shsh-chat/internal/session"
)

// renderer prints what changed between snapshots: new messages, delivery
// failures, run activity and the rate-limit banner.
type renderer struct {
	mu       sync.Mutex
	out      io.Writer
	printed  map[string]session.MessageStatus
	activity string
	limited  bool
	paused   bool
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out, printed: make(map[string]session.MessageStatus)}
}

// pause stops rendering while the conversation is being replaced.
func (r *renderer) pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

// resume continues rendering the current conversation.
func (r *renderer) resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
}

// restart forgets what was printed and replays snap.
func (r *renderer) restart(snap session.Snapshot) {
	r.mu.Lock()
	clear(r.printed)
	r.activity = ""
	r.paused = false
	r.mu.Unlock()
	r.replay(snap)
}

// replay prints the whole conversation, user turns included, and marks it
// printed. Used after loading a stored conversation.
func (r *renderer) replay(snap session.Snapshot) {
	r.mu.Lock()
	for _, m := range snap.Messages {
		if m.Role == protocol.RoleUser {
			fmt.Fprintf(r.out, "you> %s\n", m.Content)
			r.printed[m.ID] = m.Status
		}
	}
	r.mu.Unlock()
	r.render(snap)
}

func (r *renderer) render(snap session.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused {
		return
	}

	for _, m := range snap.Messages {
		prev, seen := r.printed[m.ID]
		switch {
		case !seen && m.Role == protocol.RoleAssistant:
			fmt.Fprintf(r.out, "%s> %s\n", speaker(m), m.Content)
		case m.Role == protocol.RoleUser && m.Status == session.StatusError && prev != session.StatusError:
			fmt.Fprintf(r.out, "! not delivered: %s (/retry to resend)\n", m.ErrorMessage)
		}
		r.printed[m.ID] = m.Status
	}

	if activity := describeActivity(snap.AgentRunState); activity != r.activity {
		r.activity = activity
		if activity != "" {
			fmt.Fprintf(r.out, "  … %s\n", activity)
		}
	}

	if snap.RateLimit.IsLimited != r.limited {
		r.limited = snap.RateLimit.IsLimited
		if r.limited {
			fmt.Fprintf(r.out, "! rate limited, try again in %s\n", snap.RateLimit.FormattedTime)
		} else {
			fmt.Fprintln(r.out, "rate limit lifted")
		}
	}
}

func describeActivity(s session.AgentRunState) string {
	switch {
	case s.LastError != nil && !s.IsRunning:
		return fmt.Sprintf("error %s: %s", s.LastError.Code, s.LastError.Message)
	case s.CurrentTool != nil:
		return "running tool " + s.CurrentTool.Name
	case s.IsThinking:
		return strings.ToLower(s.ThinkingMessage)
	case s.CurrentStep != "":
		return "step " + s.CurrentStep
	}
	return ""
}

// lastFailed returns the newest user message whose delivery failed.
func lastFailed(snap session.Snapshot) (session.Message, bool) {
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		m := snap.Messages[i]
		if m.Role == protocol.RoleUser && m.Status == session.StatusError {
			return m, true
		}
	}
	return session.Message{}, false
}

func speaker(m session.Message) string {
	if m.AgentID != "" {
		return m.AgentID
	}
	return "agent"
}
