package store

import (
	"sync"

	"github.com/npezzotti/go-chatclient/internal/gateway"
)

const (
	StatusOnline    = "online"
	StatusOffline   = "offline"
	StatusDnd       = "dnd"
	StatusInvisible = "invisible"
)

func validStatus(status string) bool {
	switch status {
	case StatusOnline, StatusOffline, StatusDnd, StatusInvisible:
		return true
	}
	return false
}

// PresenceTracker maps userId -> status, fed only by PRESENCE_UPDATE
// push events. There is no polling; a user nobody has reported on is
// offline.
type PresenceTracker struct {
	mu       sync.Mutex
	statuses map[string]string
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{statuses: make(map[string]string)}
}

// Apply merges a presence push event. Unknown statuses are ignored.
func (p *PresenceTracker) Apply(event *gateway.ServerEvent) {
	if event.Op != gateway.OpPresenceUpdate || event.PresenceUpdate == nil {
		return
	}
	if !validStatus(event.PresenceUpdate.Status) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if event.PresenceUpdate.Status == StatusOffline {
		delete(p.statuses, event.PresenceUpdate.UserId)
		return
	}
	p.statuses[event.PresenceUpdate.UserId] = event.PresenceUpdate.Status
}

// Status returns the last reported status for userId, defaulting to
// offline.
func (p *PresenceTracker) Status(userId string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if status, ok := p.statuses[userId]; ok {
		return status
	}
	return StatusOffline
}

// Online returns the ids of users with any non-offline status.
func (p *PresenceTracker) Online() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.statuses))
	for id := range p.statuses {
		ids = append(ids, id)
	}
	return ids
}
