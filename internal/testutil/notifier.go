package testutil

import (
	"sync"

	"rsched/internal/sched"
)

// Notification is one message captured by RecordingNotifier.
type Notification struct {
	Title string
	Body  string
}

// RecordingNotifier captures notifications instead of delivering them.
type RecordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

var _ sched.Notifier = (*RecordingNotifier)(nil)

func (n *RecordingNotifier) Notify(title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, Notification{Title: title, Body: body})
	return nil
}

// Sent returns the captured notifications in order.
func (n *RecordingNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

// Titles returns the titles of the captured notifications.
func (n *RecordingNotifier) Titles() []string {
	var out []string
	for _, s := range n.Sent() {
		out = append(out, s.Title)
	}
	return out
}
