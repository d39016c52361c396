// Package member implements the acknowledged decentralized group membership
// (DGM) CRDT: a replicated set of group members with concurrent add/remove
// resolution (strong-remove semantics) and per-member acknowledgment
// tracking, producing per-viewer membership views.
//
// The CRDT never retries internally: every operation either applies cleanly
// and returns the new state, or returns an error and leaves the caller's
// state untouched.
package member

import (
	"errors"
	"fmt"

	"github.com/p2panda/dcgka-core/internal/logging"
)

var logger = logging.Logger("member")

// ID is the opaque, totally-ordered identifier of a group participant.
// It is equal to, or derived from, a member's long-term identity public key.
type ID [32]byte

// Less gives ID a total order, used for deterministic tie-breaks.
func (id ID) Less(other ID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

func (id ID) String() string {
	return fmt.Sprintf("%x", id[:4])
}

// MessageID uniquely identifies a control or data message within the
// system: the sender and that sender's per-log sequence number.
type MessageID struct {
	Sender ID
	Seq    uint64
}

func (m MessageID) String() string {
	return fmt.Sprintf("%s/%d", m.Sender, m.Seq)
}

// Errors returned by DGM operations. All are reported, never retried
// internally.
var (
	ErrUnrecognizedMember       = errors.New("member: unrecognized member")
	ErrAlreadyAcked             = errors.New("member: message already acked by this member")
	ErrAckingOwnRemoval         = errors.New("member: member cannot ack its own removal")
	ErrUnknownMessage           = errors.New("member: unknown message id")
	ErrMemberPermanentlyRemoved = errors.New("member: member was previously removed and cannot be re-added")
	ErrDuplicateMember          = errors.New("member: add refers to a member that is already a pending/live member via this message")
)

// Info tracks everything the CRDT knows about one member slot: who added
// them, which remove messages (if any) apply to them, and which viewers have
// acknowledged their add.
type Info struct {
	Actor          *ID // the adder; nil for initial (create-time) members
	RemoveMessages []MessageID
	Acks           map[ID]struct{}
}

func newInfo() *Info {
	return &Info{Acks: make(map[ID]struct{})}
}

func (i *Info) clone() *Info {
	c := &Info{Acks: make(map[ID]struct{}, len(i.Acks))}
	if i.Actor != nil {
		a := *i.Actor
		c.Actor = &a
	}
	c.RemoveMessages = append([]MessageID(nil), i.RemoveMessages...)
	for k := range i.Acks {
		c.Acks[k] = struct{}{}
	}
	return c
}

// RemoveInfo tracks one remove operation: the (possibly growing, via strong
// remove) set of members it removes, and who has acknowledged it.
type RemoveInfo struct {
	Removed map[ID]struct{}
	Acks    map[ID]struct{}
}

func newRemoveInfo() *RemoveInfo {
	return &RemoveInfo{
		Removed: make(map[ID]struct{}),
		Acks:    make(map[ID]struct{}),
	}
}

func (r *RemoveInfo) clone() *RemoveInfo {
	c := newRemoveInfo()
	for k := range r.Removed {
		c.Removed[k] = struct{}{}
	}
	for k := range r.Acks {
		c.Acks[k] = struct{}{}
	}
	return c
}

// State is one local member's view of the acknowledged DGM CRDT.
type State struct {
	MyID ID

	Members        map[ID]struct{}
	RemovedMembers map[ID]struct{}
	Infos          map[ID]*Info
	RemoveInfos    map[MessageID]*RemoveInfo

	AddsByMsg    map[MessageID]ID
	RemovesByMsg map[MessageID]struct{}
}

// Create initializes DGM state for a brand-new group: `initial_members ∪
// {my_id}` are live, and every initial member's add is seeded as already
// acknowledged by everyone (they are all assumed to observe the create).
func Create(myID ID, initialMembers []ID) *State {
	s := &State{
		MyID:           myID,
		Members:        make(map[ID]struct{}),
		RemovedMembers: make(map[ID]struct{}),
		Infos:          make(map[ID]*Info),
		RemoveInfos:    make(map[MessageID]*RemoveInfo),
		AddsByMsg:      make(map[MessageID]ID),
		RemovesByMsg:   make(map[MessageID]struct{}),
	}

	all := append(append([]ID(nil), initialMembers...), myID)
	for _, m := range all {
		s.Members[m] = struct{}{}
	}

	for _, m := range all {
		info := newInfo()
		for _, other := range initialMembers {
			info.Acks[other] = struct{}{}
		}
		s.Infos[m] = info
	}

	return s
}

// Welcome is the bootstrap snapshot delivered to a newly added member,
// carrying enough of the adder's DGM state to initialize the new member.
type Welcome struct {
	Members        map[ID]struct{}
	RemovedMembers map[ID]struct{}
	Infos          map[ID]*Info
	RemoveInfos    map[MessageID]*RemoveInfo
}

// Snapshot builds a Welcome from the current state, for delivery to a
// member this state is about to add.
func (s *State) Snapshot() *Welcome {
	w := &Welcome{
		Members:        make(map[ID]struct{}, len(s.Members)),
		RemovedMembers: make(map[ID]struct{}, len(s.RemovedMembers)),
		Infos:          make(map[ID]*Info, len(s.Infos)),
		RemoveInfos:    make(map[MessageID]*RemoveInfo, len(s.RemoveInfos)),
	}
	for k := range s.Members {
		w.Members[k] = struct{}{}
	}
	for k := range s.RemovedMembers {
		w.RemovedMembers[k] = struct{}{}
	}
	for k, v := range s.Infos {
		w.Infos[k] = v.clone()
	}
	for k, v := range s.RemoveInfos {
		w.RemoveInfos[k] = v.clone()
	}
	return w
}

// FromWelcome merges a peer's state snapshot into a newly added member's
// state: a plain union of the snapshot's members, removed members, infos
// and remove infos. The snapshot does not carry AddsByMsg or RemovesByMsg,
// so both start empty: IsAdd and IsRemove report false for messages applied
// before the snapshot, and Ack returns ErrUnknownMessage for such an add.
// Concurrent welcomes are accepted without reconciliation beyond set-union.
func FromWelcome(myID ID, welcome *Welcome) *State {
	s := &State{
		MyID:           myID,
		Members:        make(map[ID]struct{}),
		RemovedMembers: make(map[ID]struct{}),
		Infos:          make(map[ID]*Info),
		RemoveInfos:    make(map[MessageID]*RemoveInfo),
		AddsByMsg:      make(map[MessageID]ID),
		RemovesByMsg:   make(map[MessageID]struct{}),
	}
	s.mergeWelcome(welcome)
	return s
}

// MergeWelcome unions an additional, possibly-concurrent welcome snapshot
// into existing state.
func (s *State) MergeWelcome(welcome *Welcome) {
	s.mergeWelcome(welcome)
}

func (s *State) mergeWelcome(welcome *Welcome) {
	for k := range welcome.Members {
		s.Members[k] = struct{}{}
	}
	for k := range welcome.RemovedMembers {
		s.RemovedMembers[k] = struct{}{}
	}
	for k, v := range welcome.Infos {
		existing, ok := s.Infos[k]
		if !ok {
			s.Infos[k] = v.clone()
			continue
		}
		mergeInfo(existing, v)
	}
	for k, v := range welcome.RemoveInfos {
		existing, ok := s.RemoveInfos[k]
		if !ok {
			s.RemoveInfos[k] = v.clone()
			continue
		}
		for removed := range v.Removed {
			existing.Removed[removed] = struct{}{}
		}
		for acker := range v.Acks {
			existing.Acks[acker] = struct{}{}
		}
	}
}

func mergeInfo(dst, src *Info) {
	if dst.Actor == nil && src.Actor != nil {
		a := *src.Actor
		dst.Actor = &a
	}
	seen := make(map[MessageID]struct{}, len(dst.RemoveMessages))
	for _, mid := range dst.RemoveMessages {
		seen[mid] = struct{}{}
	}
	for _, mid := range src.RemoveMessages {
		if _, ok := seen[mid]; !ok {
			dst.RemoveMessages = append(dst.RemoveMessages, mid)
			seen[mid] = struct{}{}
		}
	}
	for acker := range src.Acks {
		dst.Acks[acker] = struct{}{}
	}
}

func (s *State) isMember(id ID) bool {
	_, ok := s.Members[id]
	return ok
}

func (s *State) wasRemoved(id ID) bool {
	_, ok := s.RemovedMembers[id]
	return ok
}

func (s *State) infoFor(id ID) *Info {
	info, ok := s.Infos[id]
	if !ok {
		info = newInfo()
		s.Infos[id] = info
	}
	return info
}

// Add applies an `added` admission authored by `adder`, referenced by
// msg_id. Behavior depends on whether the adder was itself live at the time
// the add is processed here (see spec.md §4.3 "add").
func (s *State) Add(adder, added ID, msgID MessageID) error {
	if s.wasRemoved(added) {
		return fmt.Errorf("%w: %s", ErrMemberPermanentlyRemoved, added)
	}
	if _, ok := s.AddsByMsg[msgID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMember, msgID)
	}

	s.AddsByMsg[msgID] = added

	if s.isMember(adder) {
		s.Members[added] = struct{}{}
		info := newInfo()
		info.Actor = &adder
		info.Acks[adder] = struct{}{}
		info.Acks[added] = struct{}{}
		info.Acks[s.MyID] = struct{}{}
		s.Infos[added] = info

		// The newly added member learned history from adder's welcome
		// snapshot, so they implicitly acknowledge everything adder has
		// acknowledged.
		for _, m := range s.memberInfoTargets() {
			if _, ok := m.Acks[adder]; ok {
				m.Acks[added] = struct{}{}
			}
		}
		for _, ri := range s.RemoveInfos {
			if _, ok := ri.Acks[adder]; ok {
				ri.Acks[added] = struct{}{}
			}
		}
		return nil
	}

	// adder was concurrently removed: added never becomes live. Strong-remove
	// propagation credits every remove message that removed adder with also
	// removing added.
	s.RemovedMembers[added] = struct{}{}
	addedInfo := s.infoFor(added)
	for mid, ri := range s.RemoveInfos {
		if _, ok := ri.Removed[adder]; ok {
			ri.Removed[added] = struct{}{}
			addedInfo.RemoveMessages = appendUniqueMsgID(addedInfo.RemoveMessages, mid)
		}
	}
	return nil
}

// memberInfoTargets returns Info entries for both live and removed members,
// i.e. every Info in the map — used when propagating an implicit ack.
func (s *State) memberInfoTargets() []*Info {
	infos := make([]*Info, 0, len(s.Infos))
	for _, info := range s.Infos {
		infos = append(infos, info)
	}
	return infos
}

func appendUniqueMsgID(list []MessageID, mid MessageID) []MessageID {
	for _, existing := range list {
		if existing == mid {
			return list
		}
	}
	return append(list, mid)
}

// Remove applies a removal of `removed` authored by `remover`, referenced by
// msgID, then runs the strong-remove fixpoint described in spec.md §4.3.
func (s *State) Remove(remover, removed ID, msgID MessageID) error {
	if _, ok := s.RemovesByMsg[msgID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMember, msgID)
	}
	s.RemovesByMsg[msgID] = struct{}{}

	ri := newRemoveInfo()
	ri.Removed[removed] = struct{}{}
	ri.Acks[remover] = struct{}{}
	ri.Acks[s.MyID] = struct{}{}
	s.RemoveInfos[msgID] = ri

	s.applyRemoval(removed, msgID)

	s.strongRemoveFixpoint(remover, msgID, ri)
	return nil
}

func (s *State) applyRemoval(id ID, msgID MessageID) {
	delete(s.Members, id)
	s.RemovedMembers[id] = struct{}{}
	info := s.infoFor(id)
	info.RemoveMessages = appendUniqueMsgID(info.RemoveMessages, msgID)
}

// strongRemoveFixpoint repeatedly removes every member whose adder is
// already credited to this remove message's Removed set and who the
// remover never acknowledged knowing about, and extends already-removed
// members' credit to this remove message the same way, until no member
// changes in a full pass.
func (s *State) strongRemoveFixpoint(remover ID, msgID MessageID, ri *RemoveInfo) {
	for {
		changed := false

		for m := range s.Members {
			info := s.Infos[m]
			if info == nil || info.Actor == nil {
				continue
			}
			if _, actorRemoved := ri.Removed[*info.Actor]; !actorRemoved {
				continue
			}
			if _, ackedByRemover := info.Acks[remover]; ackedByRemover {
				continue
			}
			ri.Removed[m] = struct{}{}
			s.applyRemoval(m, msgID)
			changed = true
		}

		for m := range s.RemovedMembers {
			if _, already := ri.Removed[m]; already {
				continue
			}
			info := s.Infos[m]
			if info == nil || info.Actor == nil {
				continue
			}
			if _, actorRemoved := ri.Removed[*info.Actor]; !actorRemoved {
				continue
			}
			if _, ackedByRemover := ri.Acks[remover]; !ackedByRemover {
				continue
			}
			alreadyReferenced := false
			for _, referenced := range info.RemoveMessages {
				if referenced == msgID {
					alreadyReferenced = true
					break
				}
			}
			if !alreadyReferenced {
				continue
			}
			ri.Removed[m] = struct{}{}
			changed = true
		}

		if !changed {
			return
		}
	}
}

// Ack records that `acker` has acknowledged the message `msgID`, which must
// be either an add (looked up via AddsByMsg) or a remove (looked up via
// RemoveInfos).
func (s *State) Ack(acker ID, msgID MessageID) error {
	if added, ok := s.AddsByMsg[msgID]; ok {
		info := s.infoFor(added)
		info.Acks[acker] = struct{}{}
		return nil
	}

	if ri, ok := s.RemoveInfos[msgID]; ok {
		if _, isRemoved := ri.Removed[acker]; isRemoved {
			return fmt.Errorf("%w: %s acking %s", ErrAckingOwnRemoval, acker, msgID)
		}
		if _, already := ri.Acks[acker]; already {
			return fmt.Errorf("%w: %s already acked %s", ErrAlreadyAcked, acker, msgID)
		}
		ri.Acks[acker] = struct{}{}
		return nil
	}

	return fmt.Errorf("%w: %s", ErrUnknownMessage, msgID)
}

// MembersView computes the membership set as observed from viewer's
// perspective: my own view is just Members; any other viewer's view is
// derived from what they are known to have acked.
func (s *State) MembersView(viewer ID) map[ID]struct{} {
	if viewer == s.MyID {
		out := make(map[ID]struct{}, len(s.Members))
		for m := range s.Members {
			out[m] = struct{}{}
		}
		return out
	}

	view := make(map[ID]struct{})
	for m := range s.Members {
		info := s.Infos[m]
		if info == nil {
			continue
		}
		if _, acked := info.Acks[viewer]; acked {
			view[m] = struct{}{}
		}
	}

	for m := range s.RemovedMembers {
		info := s.Infos[m]
		if info == nil {
			continue
		}
		if _, acked := info.Acks[viewer]; !acked {
			continue
		}
		viewerSawARemoval := false
		for _, mid := range info.RemoveMessages {
			ri := s.RemoveInfos[mid]
			if ri == nil {
				continue
			}
			if _, ackedRemoval := ri.Acks[viewer]; ackedRemoval {
				viewerSawARemoval = true
				break
			}
		}
		if !viewerSawARemoval {
			view[m] = struct{}{}
		}
	}

	return view
}

// IsAdd reports whether msgID refers to a known add operation.
func (s *State) IsAdd(msgID MessageID) bool {
	_, ok := s.AddsByMsg[msgID]
	return ok
}

// IsRemove reports whether msgID refers to a known remove operation.
func (s *State) IsRemove(msgID MessageID) bool {
	_, ok := s.RemovesByMsg[msgID]
	return ok
}

// CheckInvariants validates I1–I4 from spec.md §3. It is used by tests; it
// is intentionally not called from production code paths, which must never
// partially mutate state on a failed operation in the first place.
func (s *State) CheckInvariants() error {
	for m := range s.Members {
		if _, ok := s.Infos[m]; !ok {
			return fmt.Errorf("I1 violated: live member %s has no info", m)
		}
		if len(s.Infos[m].RemoveMessages) != 0 {
			return fmt.Errorf("I2 violated: live member %s has remove messages", m)
		}
	}
	for m := range s.RemovedMembers {
		if _, ok := s.Infos[m]; !ok {
			return fmt.Errorf("I1 violated: removed member %s has no info", m)
		}
		for _, mid := range s.Infos[m].RemoveMessages {
			if _, ok := s.RemoveInfos[mid]; !ok {
				return fmt.Errorf("I3 violated: remove message %s for %s unknown", mid, m)
			}
		}
	}
	for mid, ri := range s.RemoveInfos {
		for acker := range ri.Acks {
			if _, isRemoved := ri.Removed[acker]; isRemoved {
				return fmt.Errorf("I4 violated: %s acked its own removal in %s", acker, mid)
			}
		}
	}
	return nil
}
