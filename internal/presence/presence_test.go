package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"livechat/internal/models"
	"livechat/internal/realtime"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu       sync.Mutex
	next     int
	events   map[int]func(models.ServerEvent)
	statuses map[int]func(realtime.Status, error)
	status   realtime.Status
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events:   make(map[int]func(models.ServerEvent)),
		statuses: make(map[int]func(realtime.Status, error)),
		status:   realtime.StatusOpen,
	}
}

func (f *fakeSource) Subscribe(handler func(models.ServerEvent)) *realtime.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	f.events[id] = handler
	return realtime.NewSubscription(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.events, id)
	})
}

func (f *fakeSource) OnStatus(handler func(realtime.Status, error)) *realtime.Subscription {
	f.mu.Lock()
	f.next++
	id := f.next
	f.statuses[id] = handler
	status := f.status
	f.mu.Unlock()

	handler(status, nil)
	return realtime.NewSubscription(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.statuses, id)
	})
}

func (f *fakeSource) emit(ev models.ServerEvent) {
	f.mu.Lock()
	handlers := make([]func(models.ServerEvent), 0, len(f.events))
	for _, h := range f.events {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (f *fakeSource) setStatus(s realtime.Status) {
	f.mu.Lock()
	f.status = s
	handlers := make([]func(realtime.Status, error), 0, len(f.statuses))
	for _, h := range f.statuses {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(s, nil)
	}
}

func (f *fakeSource) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events) + len(f.statuses)
}

func snapshot(ids ...string) models.ServerEvent {
	return models.ServerEvent{Type: models.ServerEventTypePresence, Online: ids}
}

func TestTracker_SnapshotReplaces(t *testing.T) {
	src := newFakeSource()
	tracker := NewTracker()

	var got [][]string
	sub := tracker.Subscribe(src, func(online []string) {
		got = append(got, online)
	})
	defer sub.Unsubscribe()

	snapshots := [][]string{
		{"u1", "u2"},
		{"u3"},
		{"u4", "u2"},
	}
	for _, s := range snapshots {
		src.emit(snapshot(s...))
	}

	require.Equal(t, []string{"u2", "u4"}, tracker.Online())
	require.False(t, tracker.IsOnline("u1"))
	require.False(t, tracker.IsOnline("u3"))
	require.True(t, tracker.IsOnline("u4"))
	require.True(t, tracker.Connected())

	require.Len(t, got, len(snapshots))
	for i, s := range snapshots {
		want := append([]string(nil), s...)
		sort.Strings(want)
		require.Equal(t, want, got[i])
	}
}

func TestTracker_EmptySnapshot(t *testing.T) {
	src := newFakeSource()
	tracker := NewTracker()
	defer tracker.Subscribe(src, nil).Unsubscribe()

	src.emit(snapshot("u1"))
	src.emit(snapshot())
	require.Empty(t, tracker.Online())
}

func TestTracker_IgnoresOtherEvents(t *testing.T) {
	src := newFakeSource()
	tracker := NewTracker()
	defer tracker.Subscribe(src, nil).Unsubscribe()

	src.emit(snapshot("u1"))
	src.emit(models.ServerEvent{Type: models.ServerEventTypeMessage, Message: &models.Message{ID: "m1"}})
	require.Equal(t, []string{"u1"}, tracker.Online())
}

func TestTracker_Offline(t *testing.T) {
	src := newFakeSource()
	tracker := NewTracker()

	var calls int
	var last []string
	defer tracker.Subscribe(src, func(online []string) {
		calls++
		last = online
	}).Unsubscribe()

	src.emit(snapshot("u1", "u2"))
	src.setStatus(realtime.StatusOffline)

	require.False(t, tracker.Connected())
	require.Empty(t, tracker.Online())
	require.Equal(t, 2, calls)
	require.Empty(t, last)

	src.setStatus(realtime.StatusOpen)
	require.True(t, tracker.Connected())
	src.emit(snapshot("u2"))
	require.Equal(t, []string{"u2"}, tracker.Online())
}

func TestTracker_Unsubscribe(t *testing.T) {
	src := newFakeSource()
	tracker := NewTracker()

	calls := 0
	sub := tracker.Subscribe(src, func([]string) { calls++ })
	src.emit(snapshot("u1"))
	sub.Unsubscribe()

	require.Zero(t, src.subscribers())
	src.emit(snapshot("u2"))
	require.Equal(t, 1, calls)
	require.Equal(t, []string{"u1"}, tracker.Online())
}

func TestTracker_NoConnection(t *testing.T) {
	tracker := NewTracker()
	require.Nil(t, tracker.Subscribe(nil, nil))
	require.False(t, tracker.Connected())
	require.Empty(t, tracker.Online())
}

type scriptedTransport struct {
	events  chan models.ServerEvent
	closeCh chan struct{}
	once    sync.Once
}

func (s *scriptedTransport) Close() error {
	s.once.Do(func() { close(s.closeCh) })
	return nil
}

func (s *scriptedTransport) WriteJSON(any) error { return nil }

func (s *scriptedTransport) ReadJSON(v any) error {
	select {
	case ev := <-s.events:
		*v.(*models.ServerEvent) = ev
		return nil
	case <-s.closeCh:
		return errors.New("closed")
	}
}

type scriptedDialer struct {
	transport *scriptedTransport
}

func (d scriptedDialer) Dial(context.Context, string) (realtime.Transport, error) {
	return d.transport, nil
}

func TestTracker_LoginScenario(t *testing.T) {
	transport := &scriptedTransport{
		events:  make(chan models.ServerEvent, 1),
		closeCh: make(chan struct{}),
	}
	manager := realtime.NewManager(realtime.Config{Dialer: scriptedDialer{transport}})
	defer manager.Close()

	conn := manager.Ensure(&models.Identity{ID: "u1", Username: "alice"})
	require.NotNil(t, conn)

	tracker := NewTracker()
	snapshots := make(chan []string, 1)
	defer tracker.Subscribe(conn, func(online []string) {
		if len(online) > 0 {
			snapshots <- online
		}
	}).Unsubscribe()

	transport.events <- snapshot("u1", "u2")

	select {
	case online := <-snapshots:
		require.Equal(t, []string{"u1", "u2"}, online)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for presence snapshot")
	}
	require.Equal(t, []string{"u1", "u2"}, tracker.Online())

	manager.Ensure(nil)
	require.False(t, tracker.Connected())
	require.Empty(t, tracker.Online())
}
