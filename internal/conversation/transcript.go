package conversation

import (
	"sort"

	"livechat/internal/models"
)

type record struct {
	msg models.Message
	at  int64  // Sort key: server CreatedAt, or the newest key seen on arrival for pending entries
	seq uint64 // Arrival order, breaks ties
}

// Transcript is an idempotent, ordered sink for messages coming from history
// fetches, polls, pushes and local sends.
//
// Confirmed messages are deduplicated by server id. Optimistic messages are keyed
// by client id and replaced in place when the server copy carrying the same
// client id arrives. Pending entries carry a client clock, so they are placed by
// arrival rather than by their own timestamp.
type Transcript struct {
	records []record
	nextSeq uint64
	latest  int64
	ids     map[string]struct{}
	pending map[string]struct{}
}

func NewTranscript() *Transcript {
	return &Transcript{
		ids:     make(map[string]struct{}),
		pending: make(map[string]struct{}),
	}
}

// Merge adds msgs and reports whether the transcript changed.
func (t *Transcript) Merge(msgs ...models.Message) bool {
	changed := false
	for _, m := range msgs {
		if t.merge(m) {
			changed = true
		}
	}
	if changed {
		sort.SliceStable(t.records, func(i, j int) bool {
			a, b := t.records[i], t.records[j]
			if a.at != b.at {
				return a.at < b.at
			}
			return a.seq < b.seq
		})
	}
	return changed
}

func (t *Transcript) merge(m models.Message) bool {
	if m.ID == "" {
		if m.ClientID == "" {
			return false
		}
		if _, ok := t.pending[m.ClientID]; ok {
			return false
		}
		m.Pending = true
		t.pending[m.ClientID] = struct{}{}
		t.append(m, t.latest)
		return true
	}

	if _, ok := t.ids[m.ID]; ok {
		return false
	}
	m.Pending = false
	t.ids[m.ID] = struct{}{}

	if m.ClientID != "" {
		if _, ok := t.pending[m.ClientID]; ok {
			delete(t.pending, m.ClientID)
			i := t.pendingIndex(m.ClientID)
			t.records[i].msg = m
			t.records[i].at = m.CreatedAt
			t.latest = max(t.latest, m.CreatedAt)
			return true
		}
	}

	t.append(m, m.CreatedAt)
	return true
}

func (t *Transcript) append(m models.Message, at int64) {
	t.nextSeq++
	t.latest = max(t.latest, at)
	t.records = append(t.records, record{msg: m, at: at, seq: t.nextSeq})
}

func (t *Transcript) pendingIndex(clientID string) int {
	for i, r := range t.records {
		if r.msg.Pending && r.msg.ClientID == clientID {
			return i
		}
	}
	return -1
}

// Remove drops the optimistic message with clientID. Confirmed messages are immutable.
func (t *Transcript) Remove(clientID string) bool {
	if _, ok := t.pending[clientID]; !ok {
		return false
	}
	delete(t.pending, clientID)
	i := t.pendingIndex(clientID)
	t.records = append(t.records[:i], t.records[i+1:]...)
	return true
}

// Messages returns a copy of the transcript in display order.
func (t *Transcript) Messages() []models.Message {
	msgs := make([]models.Message, len(t.records))
	for i, r := range t.records {
		msgs[i] = r.msg
	}
	return msgs
}

func (t *Transcript) Len() int {
	return len(t.records)
}
