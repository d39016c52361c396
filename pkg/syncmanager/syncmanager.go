// Package syncmanager hosts many concurrent log sync sessions and wires
// their live-mode operations together, the thin orchestration layer
// spec.md §4.5 describes on top of pkg/logsync: "forwards live-mode
// operations emitted by one session to every other session subscribed to
// the same topic, deduplicating by hash. Dropped-peer sessions are
// garbage-collected on first send failure."
package syncmanager

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"github.com/p2panda/dcgka-core/internal/logging"
	"github.com/p2panda/dcgka-core/pkg/asyncutil"
	"github.com/p2panda/dcgka-core/pkg/logsync"
	"github.com/p2panda/dcgka-core/pkg/store"
)

var logger = logging.Logger("syncmanager")

// defaultChannelCapacity matches spec.md §5's "fixed capacity (default
// 1024 messages)" for the Sync Manager's per-session channels.
const defaultChannelCapacity = 1024

const defaultTopicDedupCapacity = 4096

// SessionID identifies one hosted log sync session.
type SessionID string

// Topic groups sessions whose live-mode operations should be forwarded to
// one another, e.g. every session syncing the same group's logs.
type Topic string

// Event reports a manager-level occurrence that belongs to no single
// session: currently, a live-mode forward dropped under backpressure
// (spec.md §9's resolved open question (a): drop-with-log-and-error-event,
// never block a fast subscriber on a slow one).
type Event struct {
	SessionID    SessionID
	Topic        Topic
	ErrorMessage string
}

type subscriber struct {
	id     SessionID
	remote string
	topic  Topic
	inbox  chan store.Operation
	handle *asyncutil.Handle
	seen   *lru.Cache
}

// Manager hosts many concurrent pkg/logsync sessions keyed by
// (session id, remote) and fans live-mode operations out across every
// session subscribed to the same topic.
type Manager struct {
	mu         sync.Mutex
	capacity   int
	hashHeader func(header []byte) store.Hash
	subs       map[SessionID]*subscriber
	byTopic    map[Topic]map[SessionID]struct{}
	events     chan Event
}

// NewManager constructs a Manager. hashHeader is the same content-hash
// collaborator pkg/logsync.Options.HashHeader uses. capacity bounds each
// session's inbound forwarding channel; zero uses the spec's default.
func NewManager(hashHeader func(header []byte) store.Hash, capacity int) *Manager {
	if capacity <= 0 {
		capacity = defaultChannelCapacity
	}
	return &Manager{
		capacity:   capacity,
		hashHeader: hashHeader,
		subs:       make(map[SessionID]*subscriber),
		byTopic:    make(map[Topic]map[SessionID]struct{}),
		events:     make(chan Event, 32),
	}
}

// Events returns manager-level events, chiefly dropped live-mode forwards.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Subscribe registers a new session under topic and returns its id plus
// the channel of operations forwarded to it by other sessions subscribed
// to the same topic. Pass the returned channel as
// pkg/logsync.Options.LiveOutbox when constructing the session, then hand
// the session to Run.
func (m *Manager) Subscribe(remote string, topic Topic) (SessionID, <-chan store.Operation) {
	id := SessionID(uuid.New().String())
	dedup, err := lru.New(defaultTopicDedupCapacity)
	if err != nil {
		panic(fmt.Sprintf("syncmanager: create dedup cache: %v", err))
	}
	sub := &subscriber{
		id:     id,
		remote: remote,
		topic:  topic,
		inbox:  make(chan store.Operation, m.capacity),
		handle: asyncutil.NewHandle(),
		seen:   dedup,
	}

	m.mu.Lock()
	m.subs[id] = sub
	if m.byTopic[topic] == nil {
		m.byTopic[topic] = make(map[SessionID]struct{})
	}
	m.byTopic[topic][id] = struct{}{}
	m.mu.Unlock()

	return id, sub.inbox
}

// SessionHandle returns the completion handle for a hosted session so a
// caller can await it finishing without blocking the manager
// (spec.md §6's `session_handle`). ok is false once id is unknown, whether
// because it was never registered or has already been garbage-collected.
func (m *Manager) SessionHandle(id SessionID) (handle *asyncutil.Handle, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, false
	}
	return sub.handle, true
}

// Run drives sess to completion on its own goroutines, forwarding every
// live-mode operation sess receives to every other session subscribed to
// the same topic, and resolving id's session handle once sess.Run
// returns. Run does not block the caller.
func (m *Manager) Run(id SessionID, sess *logsync.Session) {
	go func() {
		// Data events count as live-mode only once the session has
		// reported StatusSynced; sync-phase data is not forwarded.
		live := false
		for ev := range sess.Events() {
			if ev.Kind == logsync.EventStatus && ev.Status == logsync.StatusSynced {
				live = true
			}
			if ev.Kind != logsync.EventData || !live {
				continue
			}
			m.broadcast(id, store.Operation{HeaderBytes: ev.Header, Body: ev.Body})
		}
	}()

	go func() {
		hashes, err := sess.Run()

		m.mu.Lock()
		sub, ok := m.subs[id]
		m.mu.Unlock()
		if !ok {
			return
		}

		if err != nil {
			logger.Errorf("session %s ended: %v", id, err)
			sub.handle.Fail(err)
		} else {
			sub.handle.Fulfill(hashes)
		}
		// A session that has stopped running can no longer accept
		// forwards; removing it here is this manager's reading of
		// "garbage-collected on first send failure" — there is no
		// failed send to a session that is no longer routed to.
		m.remove(id)
	}()
}

// broadcast forwards op to every session sharing from's topic other than
// from itself, deduplicating per recipient by hash and dropping (with a
// log line and an Event) into any recipient whose inbox is full.
func (m *Manager) broadcast(from SessionID, op store.Operation) {
	m.mu.Lock()
	origin, ok := m.subs[from]
	if !ok {
		m.mu.Unlock()
		return
	}
	topic := origin.topic
	var targets []*subscriber
	for sid := range m.byTopic[topic] {
		if sid == from {
			continue
		}
		if sub, ok := m.subs[sid]; ok {
			targets = append(targets, sub)
		}
	}
	m.mu.Unlock()

	hash := m.hashHeader(op.HeaderBytes)
	for _, sub := range targets {
		if sub.seen.Contains(hash) {
			continue
		}
		sub.seen.Add(hash, struct{}{})
		select {
		case sub.inbox <- op:
		default:
			logger.Infof("dropping live-mode forward to session %s: inbox full", sub.id)
			m.emit(Event{SessionID: sub.id, Topic: topic, ErrorMessage: "inbox full, operation dropped"})
		}
	}
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}

// remove drops a session's routing and subscription bookkeeping. Safe to
// call more than once.
func (m *Manager) remove(id SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return
	}
	delete(m.subs, id)
	if set, ok := m.byTopic[sub.topic]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m.byTopic, sub.topic)
		}
	}
}
