package presence

import (
	"sort"
	"sync"

	"livechat/internal/models"
	"livechat/internal/realtime"
)

// Tracker caches the last online snapshot pushed by the relay.
// Each snapshot replaces the previous one; the client holds no authority over it.
type Tracker struct {
	mu        sync.RWMutex
	online    map[string]struct{}
	connected bool
}

func NewTracker() *Tracker {
	return &Tracker{online: make(map[string]struct{})}
}

// Subscribe feeds the tracker from source and calls callback with every new snapshot.
// Losing the connection clears the set and calls callback with an empty snapshot.
// The returned subscription must be released on teardown.
func (t *Tracker) Subscribe(source realtime.EventSource, callback func(online []string)) *realtime.Subscription {
	if source == nil {
		t.reset(false)
		return nil
	}

	events := source.Subscribe(func(ev models.ServerEvent) {
		if ev.Type != models.ServerEventTypePresence {
			return
		}
		snapshot := t.replace(ev.Online)
		if callback != nil {
			callback(snapshot)
		}
	})

	status := source.OnStatus(func(s realtime.Status, _ error) {
		if s == realtime.StatusOpen {
			t.setConnected(true)
			return
		}
		if t.reset(false) && callback != nil {
			callback(nil)
		}
	})

	return realtime.Combine(events, status)
}

func (t *Tracker) replace(ids []string) []string {
	online := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		online[id] = struct{}{}
	}

	t.mu.Lock()
	t.online = online
	t.connected = true
	t.mu.Unlock()

	return t.Online()
}

// reset clears the set and reports whether anything was cleared.
func (t *Tracker) reset(connected bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	hadEntries := len(t.online) > 0
	t.online = make(map[string]struct{})
	t.connected = connected
	return hadEntries
}

func (t *Tracker) setConnected(connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = connected
}

// Online returns the sorted ids of the last snapshot.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *Tracker) IsOnline(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[id]
	return ok
}

// Connected is false while there is no open relay connection ("offline").
func (t *Tracker) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}
