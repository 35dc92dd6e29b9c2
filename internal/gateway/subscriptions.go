package gateway

import (
	"log"
	"sort"
	"sync"
)

type conn interface {
	Send(*ClientEvent) bool
	State() ConnState
	OnEvent(Handler) func()
}

// SubscriptionManager tracks the channels the client wants push events
// for. The server keeps no subscription state across disconnects, so
// the whole active set is replayed after every READY. Subscribe calls
// made before authentication are recorded and sent on the next READY.
type SubscriptionManager struct {
	conn conn
	log  *log.Logger

	mu     sync.Mutex
	active map[string]struct{}

	unregister func()
}

func NewSubscriptionManager(c conn, logger *log.Logger) *SubscriptionManager {
	sm := &SubscriptionManager{
		conn:   c,
		log:    logger,
		active: make(map[string]struct{}),
	}

	sm.unregister = c.OnEvent(func(event *ServerEvent) {
		if event.Op == OpReady {
			sm.replay()
		}
	})

	return sm
}

func (sm *SubscriptionManager) Subscribe(channelId string) {
	sm.mu.Lock()
	sm.active[channelId] = struct{}{}
	sm.mu.Unlock()

	if sm.conn.State() == Authenticated {
		sm.conn.Send(Subscribe(channelId))
	}
}

func (sm *SubscriptionManager) Unsubscribe(channelId string) {
	sm.mu.Lock()
	_, ok := sm.active[channelId]
	delete(sm.active, channelId)
	sm.mu.Unlock()

	if ok && sm.conn.State() == Authenticated {
		sm.conn.Send(Unsubscribe(channelId))
	}
}

// Active returns the subscribed channel ids in stable order.
func (sm *SubscriptionManager) Active() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ids := make([]string, 0, len(sm.active))
	for id := range sm.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// Close unregisters the event handler. The active set is kept so a
// later manager could resubscribe, but no further frames are sent.
func (sm *SubscriptionManager) Close() {
	sm.unregister()
}

func (sm *SubscriptionManager) replay() {
	ids := sm.Active()
	if len(ids) > 0 {
		sm.log.Printf("resubscribing %d channels", len(ids))
	}

	for _, id := range ids {
		sm.conn.Send(Subscribe(id))
	}
}
