package store

import (
	"sync"
	"time"

	"github.com/npezzotti/go-chatclient/internal/gateway"
)

const typingTimeout = 3 * time.Second

type CancelFunc func()

// Scheduler arms expiry timers. Tests substitute a manual
// implementation to drive time deterministically.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) CancelFunc
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) CancelFunc {
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }
}

func NewScheduler() Scheduler {
	return realScheduler{}
}

// TypingTracker holds who is typing in the active channel. Entries are
// ephemeral: each TYPING_START (re)arms a per-user expiry, TYPING_STOP
// or expiry removes the entry, and switching channels resets
// everything.
type TypingTracker struct {
	sched Scheduler

	mu        sync.Mutex
	channelId string
	users     map[string]string
	timers    map[string]CancelFunc
	gens      map[string]uint64
	nextGen   uint64
}

func NewTypingTracker(sched Scheduler) *TypingTracker {
	return &TypingTracker{
		sched:  sched,
		users:  make(map[string]string),
		timers: make(map[string]CancelFunc),
		gens:   make(map[string]uint64),
	}
}

// SetChannel switches the active channel and discards all entries.
func (t *TypingTracker) SetChannel(channelId string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.channelId = channelId
	t.resetLocked()
}

func (t *TypingTracker) resetLocked() {
	for _, cancel := range t.timers {
		cancel()
	}
	t.users = make(map[string]string)
	t.timers = make(map[string]CancelFunc)
	t.gens = make(map[string]uint64)
}

// Apply merges a typing push event. Events for other channels are
// ignored.
func (t *TypingTracker) Apply(event *gateway.ServerEvent) {
	switch event.Op {
	case gateway.OpTypingStart:
		if event.TypingStart != nil {
			t.start(event.TypingStart.ChannelId, event.TypingStart.UserId, event.TypingStart.Username)
		}
	case gateway.OpTypingStop:
		if event.TypingStop != nil {
			t.stop(event.TypingStop.ChannelId, event.TypingStop.UserId)
		}
	}
}

func (t *TypingTracker) start(channelId, userId, username string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if channelId != t.channelId {
		return
	}

	if cancel, ok := t.timers[userId]; ok {
		cancel()
	}

	t.users[userId] = username
	t.nextGen++
	gen := t.nextGen
	t.gens[userId] = gen
	t.timers[userId] = t.sched.AfterFunc(typingTimeout, func() {
		t.expire(userId, gen)
	})
}

func (t *TypingTracker) stop(channelId, userId string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if channelId != t.channelId {
		return
	}
	t.removeLocked(userId)
}

// expire fires from the scheduler; a stale generation means the entry
// was re-armed or removed in the meantime.
func (t *TypingTracker) expire(userId string, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.gens[userId] != gen {
		return
	}
	t.removeLocked(userId)
}

func (t *TypingTracker) removeLocked(userId string) {
	if cancel, ok := t.timers[userId]; ok {
		cancel()
	}
	delete(t.users, userId)
	delete(t.timers, userId)
	delete(t.gens, userId)
}

// Users returns a copy of the userId -> username map for the active
// channel.
func (t *TypingTracker) Users() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := make(map[string]string, len(t.users))
	for id, name := range t.users {
		users[id] = name
	}
	return users
}
