package logsync

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/p2panda/dcgka-core/pkg/keys"
	"github.com/p2panda/dcgka-core/pkg/store"
	"github.com/p2panda/dcgka-core/pkg/wire"
)

func hashHeader(header []byte) store.Hash {
	return sha256.Sum256(header)
}

func seedOperation(pub keys.PublicKey, logID, seq uint64, payload string) store.Operation {
	header := []byte{byte(logID), byte(seq)}
	body := []byte(payload)
	return store.Operation{
		Hash:        hashHeader(header),
		LogID:       logID,
		Version:     1,
		PublicKey:   pub,
		PayloadSize: uint64(len(body)),
		SeqNum:      seq,
		Body:        body,
		HeaderBytes: header,
	}
}

// pairedChannels wires two sessions' sinks to each other's streams, the
// way the teacher's local broadcast channel connects two participants
// without any real network in between (pkg/net/local/local.go).
func pairedChannels() (aSink, bSink chan wire.LogSyncMessage, aStream, bStream chan wire.LogSyncMessage) {
	aToB := make(chan wire.LogSyncMessage, 64)
	bToA := make(chan wire.LogSyncMessage, 64)
	return aToB, bToA, bToA, aToB
}

type sessionResult struct {
	hashes []store.Hash
	err    error
	events []Event
}

func runSession(t *testing.T, s *Session) <-chan sessionResult {
	t.Helper()
	out := make(chan sessionResult, 1)
	go func() {
		var events []Event
		done := make(chan struct{})
		go func() {
			for ev := range s.Events() {
				events = append(events, ev)
			}
			close(done)
		}()
		hashes, err := s.Run()
		<-done
		out <- sessionResult{hashes: hashes, err: err, events: events}
	}()
	return out
}

func TestEmptySync(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var pub keys.PublicKey
	pub[0] = 1

	aOps, bOps := store.NewMemory(), store.NewMemory()
	aLogs, bLogs := aOps, bOps

	aSink, bSink, aStream, bStream := pairedChannels()

	interests := []Interest{{PublicKey: pub, LogID: 1}}
	a, err := NewSession(ctx, aOps, aLogs, aSink, aStream, Options{Interests: interests, HashHeader: hashHeader})
	if err != nil {
		t.Fatalf("NewSession(a): %v", err)
	}
	b, err := NewSession(ctx, bOps, bLogs, bSink, bStream, Options{Interests: interests, HashHeader: hashHeader})
	if err != nil {
		t.Fatalf("NewSession(b): %v", err)
	}

	aDone := runSession(t, a)
	bDone := runSession(t, b)

	ra := <-aDone
	rb := <-bDone
	if ra.err != nil {
		t.Fatalf("a.Run: %v", ra.err)
	}
	if rb.err != nil {
		t.Fatalf("b.Run: %v", rb.err)
	}
	if len(ra.hashes) != 0 || len(rb.hashes) != 0 {
		t.Fatalf("expected no operations exchanged, got a=%d b=%d", len(ra.hashes), len(rb.hashes))
	}
}

func TestOneWaySync(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var pub keys.PublicKey
	pub[0] = 2

	aOps := store.NewMemory()
	bOps := store.NewMemory()

	for _, seq := range []uint64{0, 1, 2} {
		op := seedOperation(pub, 1, seq, "payload")
		if err := aOps.InsertOperation(op); err != nil {
			t.Fatalf("seed a op %d: %v", seq, err)
		}
	}

	aSink, bSink, aStream, bStream := pairedChannels()
	interests := []Interest{{PublicKey: pub, LogID: 1}}

	a, err := NewSession(ctx, aOps, aOps, aSink, aStream, Options{Interests: interests, HashHeader: hashHeader})
	if err != nil {
		t.Fatalf("NewSession(a): %v", err)
	}
	b, err := NewSession(ctx, bOps, bOps, bSink, bStream, Options{Interests: interests, HashHeader: hashHeader})
	if err != nil {
		t.Fatalf("NewSession(b): %v", err)
	}

	aDone := runSession(t, a)
	bDone := runSession(t, b)

	ra := <-aDone
	rb := <-bDone
	if ra.err != nil {
		t.Fatalf("a.Run: %v", ra.err)
	}
	if rb.err != nil {
		t.Fatalf("b.Run: %v", rb.err)
	}

	if len(rb.hashes) != 3 {
		t.Fatalf("b should learn 3 operations from a, got %d", len(rb.hashes))
	}

	var dataEvents []Event
	for _, ev := range rb.events {
		if ev.Kind == EventData {
			dataEvents = append(dataEvents, ev)
		}
	}
	if len(dataEvents) != 3 {
		t.Fatalf("b should see 3 data events, got %d", len(dataEvents))
	}
	for i, ev := range dataEvents {
		want := seedOperation(pub, 1, uint64(i), "payload")
		if string(ev.Header) != string(want.HeaderBytes) || string(ev.Body) != string(want.Body) {
			t.Fatalf("data event %d = %+v, want header/body matching seq %d", i, ev, i)
		}
	}
}

// TestSyncIsIdempotent checks that replaying the same sync after the
// receiving side has ingested what it learned transmits nothing new.
func TestSyncIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var pub keys.PublicKey
	pub[0] = 5

	aOps := store.NewMemory()
	bOps := store.NewMemory()
	for _, seq := range []uint64{0, 1} {
		if err := aOps.InsertOperation(seedOperation(pub, 1, seq, "x")); err != nil {
			t.Fatalf("seed a op %d: %v", seq, err)
		}
	}

	interests := []Interest{{PublicKey: pub, LogID: 1}}
	runOnce := func() sessionResult {
		aSink, bSink, aStream, bStream := pairedChannels()
		a, err := NewSession(ctx, aOps, aOps, aSink, aStream, Options{Interests: interests, HashHeader: hashHeader})
		if err != nil {
			t.Fatalf("NewSession(a): %v", err)
		}
		b, err := NewSession(ctx, bOps, bOps, bSink, bStream, Options{Interests: interests, HashHeader: hashHeader})
		if err != nil {
			t.Fatalf("NewSession(b): %v", err)
		}
		aDone := runSession(t, a)
		bDone := runSession(t, b)
		<-aDone
		return <-bDone
	}

	first := runOnce()
	if first.err != nil {
		t.Fatalf("first sync: %v", first.err)
	}
	if len(first.hashes) != 2 {
		t.Fatalf("first sync should deliver 2 operations, got %d", len(first.hashes))
	}
	// The application layer ingests what it learned into its own log
	// store before the next sync round.
	for _, ev := range first.events {
		if ev.Kind != EventData {
			continue
		}
		if err := bOps.InsertOperation(store.Operation{
			Hash:        hashHeader(ev.Header),
			LogID:       1,
			PublicKey:   pub,
			SeqNum:      uint64(ev.Header[1]),
			Body:        ev.Body,
			HeaderBytes: ev.Header,
		}); err != nil {
			t.Fatalf("ingest received operation: %v", err)
		}
	}

	second := runOnce()
	if second.err != nil {
		t.Fatalf("second sync: %v", second.err)
	}
	if len(second.hashes) != 0 {
		t.Fatalf("second sync should deliver nothing new, got %d", len(second.hashes))
	}
}

func TestProtocolViolationUnexpectedMessage(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var pub keys.PublicKey
	pub[0] = 3

	ops := store.NewMemory()
	interests := []Interest{{PublicKey: pub, LogID: 1}}

	stream := make(chan wire.LogSyncMessage, 8)
	sink := make(chan wire.LogSyncMessage, 8)

	s, err := NewSession(ctx, ops, ops, sink, stream, Options{Interests: interests, HashHeader: hashHeader})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	// Drive the peer's half of the handshake by hand: announce nothing
	// queued via PreSync{total_operations: 0}, then violate that
	// announcement by sending an Operation anyway during the Sync
	// phase.
	go func() {
		<-sink // our Have
		stream <- wire.LogSyncMessage{Kind: wire.LogSyncHave}
		<-sink // our Done (nothing queued, our store is empty)
		stream <- wire.LogSyncMessage{Kind: wire.LogSyncPreSync, TotalOperations: 0, TotalBytes: 0}
		stream <- wire.LogSyncMessage{Kind: wire.LogSyncOperation, Header: []byte{9}, Body: []byte{9}}
	}()

	drainEvents := make(chan struct{})
	go func() {
		for range s.Events() {
		}
		close(drainEvents)
	}()

	_, err = s.Run()
	<-drainEvents
	if !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("err = %v, want ErrUnexpectedMessage", err)
	}
}

// TestAlreadyConvergedLogsExchangeNothing checks that when both sides
// already hold the same operation, Have negotiation alone is enough to
// avoid redelivering it — no Operation message, let alone a
// dedup-buffer hit, should ever occur.
func TestAlreadyConvergedLogsExchangeNothing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var pub keys.PublicKey
	pub[0] = 4

	aOps := store.NewMemory()
	bOps := store.NewMemory()

	op := seedOperation(pub, 1, 0, "dup-me")
	if err := aOps.InsertOperation(op); err != nil {
		t.Fatalf("seed a op: %v", err)
	}
	// b already has the same operation; a one-way sync should not
	// re-deliver it.
	if err := bOps.InsertOperation(op); err != nil {
		t.Fatalf("seed b op: %v", err)
	}

	aSink, bSink, aStream, bStream := pairedChannels()
	interests := []Interest{{PublicKey: pub, LogID: 1}}

	a, err := NewSession(ctx, aOps, aOps, aSink, aStream, Options{Interests: interests, HashHeader: hashHeader})
	if err != nil {
		t.Fatalf("NewSession(a): %v", err)
	}
	b, err := NewSession(ctx, bOps, bOps, bSink, bStream, Options{Interests: interests, HashHeader: hashHeader})
	if err != nil {
		t.Fatalf("NewSession(b): %v", err)
	}

	aDone := runSession(t, a)
	bDone := runSession(t, b)

	ra := <-aDone
	rb := <-bDone
	if ra.err != nil {
		t.Fatalf("a.Run: %v", ra.err)
	}
	if rb.err != nil {
		t.Fatalf("b.Run: %v", rb.err)
	}

	// Both already hold seq 0, so neither side should have queued
	// anything to send, and the dedup buffers should stay empty.
	if len(ra.hashes) != 0 || len(rb.hashes) != 0 {
		t.Fatalf("already-converged logs should exchange nothing, got a=%d b=%d", len(ra.hashes), len(rb.hashes))
	}
}

// TestDedupSkipsRepeatedHashWithinASession feeds the same operation
// twice during one Sync phase and checks the receiver delivers exactly
// one data event and reports exactly one hash, matching the spec's
// "deduplicate by hash into a bounded buffer" requirement.
func TestDedupSkipsRepeatedHashWithinASession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var pub keys.PublicKey
	pub[0] = 6

	ops := store.NewMemory()
	interests := []Interest{{PublicKey: pub, LogID: 1}}

	stream := make(chan wire.LogSyncMessage, 8)
	sink := make(chan wire.LogSyncMessage, 8)

	s, err := NewSession(ctx, ops, ops, sink, stream, Options{Interests: interests, HashHeader: hashHeader})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	header, body := []byte{1, 2}, []byte("repeat")
	go func() {
		<-sink // our Have
		stream <- wire.LogSyncMessage{Kind: wire.LogSyncHave}
		<-sink // our Done (nothing queued)
		stream <- wire.LogSyncMessage{Kind: wire.LogSyncPreSync, TotalOperations: 2, TotalBytes: uint64(len(header)+len(body)) * 2}
		stream <- wire.LogSyncMessage{Kind: wire.LogSyncOperation, Header: header, Body: body}
		stream <- wire.LogSyncMessage{Kind: wire.LogSyncOperation, Header: header, Body: body}
		stream <- wire.LogSyncMessage{Kind: wire.LogSyncDone}
	}()

	var dataEvents int
	drainEvents := make(chan struct{})
	go func() {
		for ev := range s.Events() {
			if ev.Kind == EventData {
				dataEvents++
			}
		}
		close(drainEvents)
	}()

	hashes, err := s.Run()
	<-drainEvents
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if dataEvents != 1 {
		t.Fatalf("dataEvents = %d, want 1 (second copy deduplicated)", dataEvents)
	}
	if len(hashes) != 1 {
		t.Fatalf("len(hashes) = %d, want 1", len(hashes))
	}
}
