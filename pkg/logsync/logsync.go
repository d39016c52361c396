// Package logsync implements the pairwise, bidirectional append-only log
// reconciliation protocol (C5): Have/PreSync/Operation/Done negotiation
// followed by a concurrent send/receive loop, optionally continuing in
// live mode. Session phases are driven through pkg/statemachine, the
// same Initiate/Receive/Next shape the teacher's threshold-signature
// relay uses for its own multi-phase protocol
// (pkg/beacon/relay/thresholdsignature/states.go), generalized here
// without that protocol's block-height timing hooks.
package logsync

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"

	"github.com/p2panda/dcgka-core/internal/logging"
	"github.com/p2panda/dcgka-core/pkg/keys"
	"github.com/p2panda/dcgka-core/pkg/statemachine"
	"github.com/p2panda/dcgka-core/pkg/store"
	"github.com/p2panda/dcgka-core/pkg/wire"
)

var logger = logging.Logger("logsync")

var (
	ErrUnexpectedMessage       = errors.New("logsync: unexpected message")
	ErrUnexpectedStreamClosure = errors.New("logsync: stream closed before Done")
	ErrCancelled               = errors.New("logsync: session cancelled")
)

// defaultDedupCapacity bounds the dedup buffer when Options.DedupCapacity
// is left at zero.
const defaultDedupCapacity = 4096

// Interest is one (public_key, log_id) pair the two sides of a session
// have agreed, out of band, to reconcile.
type Interest struct {
	PublicKey keys.PublicKey
	LogID     uint64
}

// EventKind discriminates a Session's two outward event shapes.
type EventKind int

const (
	EventStatus EventKind = iota
	EventData
)

// StatusKind is the phase-completion signal carried by an EventStatus
// event.
type StatusKind int

const (
	StatusRunning StatusKind = iota
	StatusSynced
	StatusFailed
)

// SessionMetrics accumulates counters surfaced on status events, chiefly
// the terminal Failed event (spec.md §7's StatusEvent{error_message,
// metrics}).
type SessionMetrics struct {
	OperationsSent     uint64
	OperationsReceived uint64
}

// Event is emitted on a Session's event channel: either a status
// transition or one decoded inbound operation.
type Event struct {
	Kind         EventKind
	Status       StatusKind
	ErrorMessage string
	Metrics      SessionMetrics

	Header []byte
	Body   []byte
}

// Options configures a Session.
type Options struct {
	Interests []Interest

	// Live keeps the session open after a successful sync, forwarding
	// newly produced/received operations instead of ending.
	Live bool

	// LiveOutbox, if set, is drained during live mode for locally
	// produced operations to broadcast to the peer.
	LiveOutbox <-chan store.Operation

	// DedupCapacity bounds the inbound-hash dedup buffer. Zero uses
	// defaultDedupCapacity.
	DedupCapacity int

	// HashHeader computes an operation's content hash from its header
	// bytes. This is the Signer/HashProvider collaborator the spec
	// presumes but leaves out of scope (see pkg/store/contenthash for a
	// concrete implementation).
	HashHeader func(header []byte) store.Hash
}

type queuedRange struct {
	interest Interest
	fromSeq  uint64
	toSeq    uint64
}

type logKey struct {
	publicKey keys.PublicKey
	logID     uint64
}

// Session drives one side of a C5 log sync exchange against a single
// peer. Create one with NewSession and drive it with Run; read Run's
// side channel via Events.
type Session struct {
	ctx    context.Context
	ops    store.OperationStore
	logs   store.LogStore
	sink   chan<- wire.LogSyncMessage
	stream <-chan wire.LogSyncMessage
	opts   Options
	dedup  *lru.Cache
	events chan Event

	queue              []queuedRange
	queuedTotalOps     uint64
	queuedTotalBytes   uint64
	peerAnnouncedOps   uint64
	peerAnnouncedBytes uint64

	syncDoneSent     bool
	syncDoneReceived bool
	metrics          SessionMetrics
}

// NewSession constructs a Session. sink/stream are the already-decoded
// message channels for this peer pair; a transport adapter pumping
// wire.ReadFrame/WriteFrame over a net.Conn into these channels is
// expected to sit above this package.
func NewSession(
	ctx context.Context,
	ops store.OperationStore,
	logs store.LogStore,
	sink chan<- wire.LogSyncMessage,
	stream <-chan wire.LogSyncMessage,
	opts Options,
) (*Session, error) {
	if opts.HashHeader == nil {
		return nil, errors.New("logsync: Options.HashHeader is required")
	}
	capacity := opts.DedupCapacity
	if capacity <= 0 {
		capacity = defaultDedupCapacity
	}
	cache, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("logsync: create dedup cache: %w", err)
	}
	return &Session{
		ctx:    ctx,
		ops:    ops,
		logs:   logs,
		sink:   sink,
		stream: stream,
		opts:   opts,
		dedup:  cache,
		events: make(chan Event, 32),
	}, nil
}

// Events returns the channel status and data events are delivered on.
// It is closed once Run returns.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Run drives the session through Have/PreSync negotiation, the sync
// loop, and (if configured) live mode, until completion, cancellation,
// or a protocol error. It returns the set of hashes the session's dedup
// buffer holds when it finishes.
func (s *Session) Run() ([]store.Hash, error) {
	defer close(s.events)

	var current statemachine.State = &startPhase{s: s}
	for current != nil {
		if err := current.Initiate(); err != nil {
			s.fail(err)
			return s.dedupHashes(), err
		}
		current = current.Next()
	}

	if !s.opts.Live {
		s.emitStatus(StatusSynced)
	}
	return s.dedupHashes(), nil
}

func (s *Session) dedupHashes() []store.Hash {
	keys := s.dedup.Keys()
	out := make([]store.Hash, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.(store.Hash))
	}
	return out
}

func (s *Session) fail(err error) {
	logger.Errorf("session failed: %v", err)
	s.emitEvent(Event{Kind: EventStatus, Status: StatusFailed, ErrorMessage: err.Error(), Metrics: s.metrics})
}

func (s *Session) emitStatus(kind StatusKind) {
	s.emitEvent(Event{Kind: EventStatus, Status: kind, Metrics: s.metrics})
}

func (s *Session) emitData(header, body []byte) {
	s.emitEvent(Event{Kind: EventData, Header: header, Body: body})
}

func (s *Session) emitEvent(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) send(msg wire.LogSyncMessage) error {
	select {
	case <-s.ctx.Done():
		return ErrCancelled
	case s.sink <- msg:
		return nil
	}
}

func (s *Session) recv() (wire.LogSyncMessage, error) {
	select {
	case <-s.ctx.Done():
		return wire.LogSyncMessage{}, ErrCancelled
	case msg, ok := <-s.stream:
		if !ok {
			return wire.LogSyncMessage{}, ErrUnexpectedStreamClosure
		}
		return msg, nil
	}
}

// startPhase is a no-op landing phase; it exists so the session's
// progression always begins from a named Start state, matching the
// spec's own Start -> SendHave -> ... naming.
type startPhase struct{ s *Session }

func (p *startPhase) Initiate() error          { return nil }
func (p *startPhase) Receive(interface{}) error { return nil }
func (p *startPhase) Next() statemachine.State { return &sendHavePhase{s: p.s} }

type sendHavePhase struct{ s *Session }

func (p *sendHavePhase) Initiate() error {
	s := p.s
	byAuthor := make(map[keys.PublicKey][]wire.LogHeight)

	for _, interest := range s.opts.Interests {
		latest, err := s.logs.LatestOperation(interest.PublicKey, interest.LogID)
		if err != nil && !errors.Is(err, store.ErrLogNotFound) {
			return fmt.Errorf("logsync: compute local have: %w", err)
		}
		if latest == nil {
			continue
		}
		byAuthor[interest.PublicKey] = append(byAuthor[interest.PublicKey], wire.LogHeight{
			LogID:        interest.LogID,
			LatestSeqNum: latest.SeqNum,
		})
	}

	haves := make([]wire.AuthorHave, 0, len(byAuthor))
	for pub, logs := range byAuthor {
		pub := pub
		haves = append(haves, wire.AuthorHave{PublicKey: pub[:], Logs: logs})
	}

	return s.send(wire.LogSyncMessage{Kind: wire.LogSyncHave, Haves: haves})
}

func (p *sendHavePhase) Receive(interface{}) error { return nil }
func (p *sendHavePhase) Next() statemachine.State  { return &receiveHavePhase{s: p.s} }

type receiveHavePhase struct{ s *Session }

func (p *receiveHavePhase) Initiate() error {
	s := p.s
	msg, err := s.recv()
	if err != nil {
		return err
	}
	if msg.Kind != wire.LogSyncHave {
		return fmt.Errorf("%w: expected Have, got kind %d", ErrUnexpectedMessage, msg.Kind)
	}

	peerHeights := make(map[logKey]uint64)
	for _, author := range msg.Haves {
		var pub keys.PublicKey
		copy(pub[:], author.PublicKey)
		for _, height := range author.Logs {
			peerHeights[logKey{publicKey: pub, logID: height.LogID}] = height.LatestSeqNum
		}
	}

	var queue []queuedRange
	var totalOps, totalBytes uint64
	for _, interest := range s.opts.Interests {
		hashes, err := s.logs.GetLogHashes(interest.PublicKey, interest.LogID)
		if err != nil {
			if errors.Is(err, store.ErrLogNotFound) {
				continue
			}
			return fmt.Errorf("logsync: get log hashes: %w", err)
		}
		if len(hashes) == 0 {
			continue
		}

		fromSeq := uint64(0)
		if peerSeq, known := peerHeights[logKey{publicKey: interest.PublicKey, logID: interest.LogID}]; known {
			fromSeq = peerSeq + 1
		}
		latestSeq := uint64(len(hashes) - 1)
		if fromSeq > latestSeq {
			continue
		}

		for seq := fromSeq; seq <= latestSeq; seq++ {
			header, body, err := s.ops.GetRawOperation(hashes[seq])
			if err != nil {
				return fmt.Errorf("logsync: size queued operation: %w", err)
			}
			totalOps++
			totalBytes += uint64(len(header) + len(body))
		}
		queue = append(queue, queuedRange{interest: interest, fromSeq: fromSeq, toSeq: latestSeq})
	}

	s.queue = queue
	s.queuedTotalOps = totalOps
	s.queuedTotalBytes = totalBytes
	return nil
}

func (p *receiveHavePhase) Receive(interface{}) error { return nil }
func (p *receiveHavePhase) Next() statemachine.State  { return &sendPreSyncOrDonePhase{s: p.s} }

type sendPreSyncOrDonePhase struct{ s *Session }

func (p *sendPreSyncOrDonePhase) Initiate() error {
	s := p.s
	if len(s.queue) == 0 {
		if err := s.send(wire.LogSyncMessage{Kind: wire.LogSyncDone}); err != nil {
			return err
		}
		s.syncDoneSent = true
		return nil
	}
	return s.send(wire.LogSyncMessage{
		Kind:            wire.LogSyncPreSync,
		TotalOperations: s.queuedTotalOps,
		TotalBytes:      s.queuedTotalBytes,
	})
}

func (p *sendPreSyncOrDonePhase) Receive(interface{}) error { return nil }
func (p *sendPreSyncOrDonePhase) Next() statemachine.State {
	return &receivePreSyncOrDonePhase{s: p.s}
}

type receivePreSyncOrDonePhase struct{ s *Session }

func (p *receivePreSyncOrDonePhase) Initiate() error {
	s := p.s
	msg, err := s.recv()
	if err != nil {
		return err
	}
	switch msg.Kind {
	case wire.LogSyncDone:
		s.syncDoneReceived = true
	case wire.LogSyncPreSync:
		s.peerAnnouncedOps = msg.TotalOperations
		s.peerAnnouncedBytes = msg.TotalBytes
	default:
		return fmt.Errorf("%w: expected PreSync or Done, got kind %d", ErrUnexpectedMessage, msg.Kind)
	}
	return nil
}

func (p *receivePreSyncOrDonePhase) Receive(interface{}) error { return nil }
func (p *receivePreSyncOrDonePhase) Next() statemachine.State  { return &syncPhase{s: p.s} }

type syncPhase struct{ s *Session }

func (p *syncPhase) Initiate() error {
	s := p.s
	g, ctx := errgroup.WithContext(s.ctx)
	g.Go(func() error { return s.runSend(ctx) })
	g.Go(func() error { return s.runReceive(ctx) })
	return g.Wait()
}

func (p *syncPhase) Receive(interface{}) error { return nil }
func (p *syncPhase) Next() statemachine.State {
	if p.s.opts.Live {
		return &livePhase{s: p.s}
	}
	return nil
}

func (s *Session) runSend(ctx context.Context) error {
	for _, r := range s.queue {
		hashes, err := s.logs.GetLogHashes(r.interest.PublicKey, r.interest.LogID)
		if err != nil {
			return fmt.Errorf("logsync: get log hashes to send: %w", err)
		}
		for seq := r.fromSeq; seq <= r.toSeq; seq++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			header, body, err := s.ops.GetRawOperation(hashes[seq])
			if err != nil {
				return fmt.Errorf("logsync: get raw operation to send: %w", err)
			}
			if err := s.send(wire.LogSyncMessage{Kind: wire.LogSyncOperation, Header: header, Body: body}); err != nil {
				return err
			}
			s.metrics.OperationsSent++
		}
	}
	if !s.syncDoneSent {
		if err := s.send(wire.LogSyncMessage{Kind: wire.LogSyncDone}); err != nil {
			return err
		}
		s.syncDoneSent = true
	}
	return nil
}

func (s *Session) runReceive(ctx context.Context) error {
	if s.syncDoneReceived {
		return nil
	}

	var received, bytesReceived uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-s.stream:
			if !ok {
				return ErrUnexpectedStreamClosure
			}
			switch msg.Kind {
			case wire.LogSyncDone:
				s.syncDoneReceived = true
				if bytesReceived != s.peerAnnouncedBytes {
					logger.Infof(
						"peer's PreSync.total_bytes (%d) diverged from observed bytes (%d); advisory only",
						s.peerAnnouncedBytes, bytesReceived,
					)
				}
				return nil
			case wire.LogSyncOperation:
				received++
				if received > s.peerAnnouncedOps {
					return fmt.Errorf("%w: operation exceeds announced PreSync count", ErrUnexpectedMessage)
				}
				bytesReceived += uint64(len(msg.Header) + len(msg.Body))
				hash := s.opts.HashHeader(msg.Header)
				if s.dedup.Contains(hash) {
					continue
				}
				s.dedup.Add(hash, struct{}{})
				s.metrics.OperationsReceived++
				s.emitData(msg.Header, msg.Body)
			default:
				return fmt.Errorf("%w: unexpected kind %d during sync", ErrUnexpectedMessage, msg.Kind)
			}
		}
	}
}

// livePhase keeps the session open after a successful sync, forwarding
// newly produced local operations and newly received remote ones.
type livePhase struct{ s *Session }

func (p *livePhase) Initiate() error {
	s := p.s
	s.emitStatus(StatusSynced)
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case msg, ok := <-s.stream:
			if !ok {
				return ErrUnexpectedStreamClosure
			}
			if msg.Kind != wire.LogSyncOperation {
				return fmt.Errorf("%w: unexpected kind %d in live mode", ErrUnexpectedMessage, msg.Kind)
			}
			hash := s.opts.HashHeader(msg.Header)
			if s.dedup.Contains(hash) {
				continue
			}
			s.dedup.Add(hash, struct{}{})
			s.metrics.OperationsReceived++
			s.emitData(msg.Header, msg.Body)
		case op, ok := <-s.opts.LiveOutbox:
			if !ok {
				s.opts.LiveOutbox = nil
				continue
			}
			hash := s.opts.HashHeader(op.HeaderBytes)
			s.dedup.Add(hash, struct{}{})
			if err := s.send(wire.LogSyncMessage{Kind: wire.LogSyncOperation, Header: op.HeaderBytes, Body: op.Body}); err != nil {
				return err
			}
			s.metrics.OperationsSent++
		}
	}
}

func (p *livePhase) Receive(interface{}) error { return nil }
func (p *livePhase) Next() statemachine.State  { return nil }
