package member

import (
	"errors"
	"reflect"
	"testing"
)

func id(b byte) ID {
	var i ID
	i[0] = b
	return i
}

var (
	a = id(1)
	b = id(2)
	c = id(3)
)

func setsEqual(x, y map[ID]struct{}) bool {
	return reflect.DeepEqual(x, y)
}

func set(ids ...ID) map[ID]struct{} {
	s := make(map[ID]struct{}, len(ids))
	for _, i := range ids {
		s[i] = struct{}{}
	}
	return s
}

func TestCreateSeedsAcks(t *testing.T) {
	sA := Create(a, []ID{b, c})

	if !setsEqual(sA.MembersView(a), set(a, b, c)) {
		t.Fatalf("unexpected members view: %v", sA.MembersView(a))
	}

	if err := sA.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}

	if _, ok := sA.Infos[b].Acks[c]; !ok {
		t.Fatalf("expected b's add to be acked by c at create time")
	}
}

// TestDGMConvergence covers testable property 2: three peers applying a
// common set of add/remove ops in arbitrary order, with full ack exchange,
// converge on the same view.
func TestDGMConvergence(t *testing.T) {
	sA := Create(a, []ID{b, c})
	sB := FromWelcome(b, sA.Snapshot())
	sC := FromWelcome(c, sA.Snapshot())

	d := id(4)
	addMsg := MessageID{Sender: a, Seq: 0}

	for _, s := range []*State{sA, sB, sC} {
		if err := s.Add(a, d, addMsg); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	// Every member acks the add; d's add is immediately visible to d itself
	// without acking, but other viewers need the ack recorded.
	for _, acker := range []ID{a, b, c} {
		for _, s := range []*State{sA, sB, sC} {
			if err := s.Ack(acker, addMsg); err != nil && !errors.Is(err, ErrAlreadyAcked) {
				t.Fatalf("ack by %s: %v", acker, err)
			}
		}
	}

	want := set(a, b, c, d)
	for name, s := range map[string]*State{"A": sA, "B": sB, "C": sC} {
		if got := s.MembersView(s.MyID); !setsEqual(got, want) {
			t.Fatalf("%s view = %v, want %v", name, got, want)
		}
	}
}

// TestStrongRemove covers testable property 3 and scenario S2: A creates
// [A], adds B, then removes B, concurrently with B adding C. After
// applying every message on all three states with ack propagation, only
// A remains in anyone's own view, and C ends up transitively removed by
// the same remove message that removed B, on all three states.
func TestStrongRemove(t *testing.T) {
	sA := Create(a, nil)

	addB := MessageID{Sender: a, Seq: 1}
	removeB := MessageID{Sender: a, Seq: 0}
	addC := MessageID{Sender: b, Seq: 0}

	if err := sA.Add(a, b, addB); err != nil {
		t.Fatalf("add b: %v", err)
	}
	sB := FromWelcome(b, sA.Snapshot())

	// B, concurrently with A's upcoming remove, adds C using its own
	// (stale) view in which it is still live.
	if err := sB.Add(b, c, addC); err != nil {
		t.Fatalf("b adds c: %v", err)
	}
	sC := FromWelcome(c, sB.Snapshot())

	// A removes B without having seen B's add of C.
	if err := sA.Remove(a, b, removeB); err != nil {
		t.Fatalf("remove b: %v", err)
	}

	// Deliver every message to the states that have not yet seen it, as
	// if arriving out of order over the unordered log.
	if err := sA.Add(b, c, addC); err != nil {
		t.Fatalf("a observes b's add of c: %v", err)
	}
	if err := sB.Remove(a, b, removeB); err != nil {
		t.Fatalf("b observes a's remove of b: %v", err)
	}
	if err := sC.Remove(a, b, removeB); err != nil {
		t.Fatalf("c observes a's remove of b: %v", err)
	}

	// Ack propagation: only A survives the strong remove, and A can
	// still record acks on messages it authored or received directly.
	if err := sA.Ack(c, addB); err != nil {
		t.Fatalf("a records c's ack of add b: %v", err)
	}
	if _, acked := sA.Infos[b].Acks[c]; !acked {
		t.Fatalf("expected c's ack of b's add to be recorded on A")
	}

	for name, s := range map[string]*State{"A": sA, "B": sB, "C": sC} {
		view := s.MembersView(s.MyID)
		if !setsEqual(view, set(a)) {
			t.Fatalf("%s's own view = %v, want {A}", name, view)
		}

		if _, ok := s.RemovedMembers[c]; !ok {
			t.Fatalf("%s: c must be in removed_members", name)
		}

		found := false
		for _, mid := range s.Infos[c].RemoveMessages {
			if mid == removeB {
				found = true
			}
		}
		if !found {
			t.Fatalf("%s: c's remove_messages must include %s, got %v", name, removeB, s.Infos[c].RemoveMessages)
		}
	}
}

func TestAckErrors(t *testing.T) {
	sA := Create(a, []ID{b})
	removeB := MessageID{Sender: a, Seq: 0}
	if err := sA.Remove(a, b, removeB); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if err := sA.Ack(b, removeB); !errors.Is(err, ErrAckingOwnRemoval) {
		t.Fatalf("expected ErrAckingOwnRemoval, got %v", err)
	}

	unknown := MessageID{Sender: b, Seq: 99}
	if err := sA.Ack(a, unknown); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
}

func TestReplayedAck(t *testing.T) {
	sA := Create(a, []ID{b, c})
	addMsg := MessageID{Sender: a, Seq: 0}
	d := id(4)
	if err := sA.Add(a, d, addMsg); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := sA.Ack(c, addMsg); err != nil {
		t.Fatalf("first ack: %v", err)
	}
	// Acking an add a second time is not an error by spec (only remove acks
	// guard against AlreadyAcked); acking an already-acked remove is.
	removeMsg := MessageID{Sender: a, Seq: 1}
	if err := sA.Remove(a, d, removeMsg); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := sA.Ack(c, removeMsg); err != nil {
		t.Fatalf("first remove ack: %v", err)
	}
	if err := sA.Ack(c, removeMsg); !errors.Is(err, ErrAlreadyAcked) {
		t.Fatalf("expected ErrAlreadyAcked on second delivery, got %v", err)
	}
}

func TestNoReAdd(t *testing.T) {
	sA := Create(a, []ID{b})
	removeMsg := MessageID{Sender: a, Seq: 0}
	if err := sA.Remove(a, b, removeMsg); err != nil {
		t.Fatalf("remove: %v", err)
	}

	addAgain := MessageID{Sender: a, Seq: 1}
	if err := sA.Add(a, b, addAgain); !errors.Is(err, ErrMemberPermanentlyRemoved) {
		t.Fatalf("expected ErrMemberPermanentlyRemoved, got %v", err)
	}
}
