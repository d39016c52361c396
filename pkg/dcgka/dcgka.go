// Package dcgka implements the Decentralized Continuous Group Key
// Agreement state machine (C4): the heart of the system, synthesizing the
// two-party secure messenger (pkg/ratchet), the key manager (pkg/keys) and
// the acknowledged membership CRDT (pkg/member) into a protocol that
// derives, for every sender, a per-sender "update secret" feeding that
// sender's outer ratchet, converging identically across every member who
// processes the same control and direct messages.
package dcgka

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"

	"github.com/p2panda/dcgka-core/internal/logging"
	"github.com/p2panda/dcgka-core/pkg/keys"
	"github.com/p2panda/dcgka-core/pkg/member"
	"github.com/p2panda/dcgka-core/pkg/ratchet"
	"github.com/p2panda/dcgka-core/pkg/wire"
)

var logger = logging.Logger("dcgka")

// Errors returned by DCGKA operations, per spec.md §7's state/crypto error
// taxonomy. Crypto errors (UnknownPreKey, PreKeyAlreadyConsumed,
// DecryptionFailed) surface directly from pkg/keys and pkg/ratchet and are
// matchable with errors.Is against those packages' own sentinel errors.
var (
	ErrMissingDirectMessage = errors.New("dcgka: missing required direct message")
	ErrNotAMember           = errors.New("dcgka: sender is not a current member")
	ErrDuplicateCreate      = errors.New("dcgka: group was already created")
	ErrReplayedOperation    = errors.New("dcgka: cannot remotely process a message authored by self")
)

// Secret is 32 bytes of key material: a seed, a member secret, or an
// update secret, depending on context. All are handled identically in Go
// since the spec does not distinguish their representation.
type Secret [32]byte

// MemberSecretKey indexes the bookkeeping kept by the author of an
// outgoing op for each recipient awaiting acknowledgment, per spec.md §3's
// `member_secrets: Map<(sender, seq, recipient), Secret>`.
type MemberSecretKey struct {
	Sender    member.ID
	Seq       uint64
	Recipient member.ID
}

// RatchetState is the outer ratchet chain maintained per sender: its
// current position (the seq of the op that last advanced it) and the
// resulting chain value, which doubles as that sender's current update
// secret.
type RatchetState struct {
	Seq   uint64
	Chain Secret
}

// welcomePayload is the plaintext carried inside a Welcome direct message:
// the adder's update secret after the add, which the new member adopts as
// its first position of the adder's ratchet, plus a bootstrap snapshot of
// the adder's DGM state.
type welcomePayload struct {
	Secret Secret
	DGM    *member.Welcome
}

// State is one local member's complete DCGKA state, combining the outer
// ratchet bookkeeping (this package) with the membership CRDT (pkg/member)
// and the key material collaborators (pkg/keys).
type State struct {
	MyID member.ID

	// NextSeed is non-nil only for the duration of a single local
	// create/add/remove/update call (invariant I5); cleared before
	// returning to the caller.
	NextSeed *Secret

	MemberSecrets map[MemberSecretKey]Secret
	Ratchets      map[member.ID]*RatchetState

	DGM      *member.State
	Manager  *keys.Manager
	Registry *keys.Registry

	mySeq uint64

	sendStates map[member.ID]*ratchet.SendState
	recvStates map[member.ID]*ratchet.RecvState
}

// Init constructs DCGKA state for a brand-new local member. dgm may be nil;
// it is populated by Create or by processing a remote Create/Add that
// bootstraps this member into an existing group.
func Init(myID member.ID, manager *keys.Manager, registry *keys.Registry, dgm *member.State) *State {
	return &State{
		MyID:          myID,
		MemberSecrets: make(map[MemberSecretKey]Secret),
		Ratchets:      make(map[member.ID]*RatchetState),
		DGM:           dgm,
		Manager:       manager,
		Registry:      registry,
		sendStates:    make(map[member.ID]*ratchet.SendState),
		recvStates:    make(map[member.ID]*ratchet.RecvState),
	}
}

// ProcessOutput is returned from ProcessRemote: the response this member
// produces after folding in a remote control message (and, where required,
// its accompanying direct message).
type ProcessOutput struct {
	Control            *wire.ControlMessage
	DirectMessages     []wire.DirectMessage
	MeUpdateSecret     *Secret
	SenderUpdateSecret *Secret
}

func (s *State) nextMessageID() member.MessageID {
	id := member.MessageID{Sender: s.MyID, Seq: s.mySeq}
	s.mySeq++
	return id
}

func randomSecret() (Secret, error) {
	var sec Secret
	if _, err := rand.Read(sec[:]); err != nil {
		return Secret{}, fmt.Errorf("dcgka: %v", err)
	}
	return sec, nil
}

// deriveSecret expands ikm with HKDF-SHA256 under a domain-separating info
// string, used both to turn a fresh seed into the shared secret
// distributed to an op's recipients, and to advance an outer ratchet chain.
func deriveSecret(ikm []byte, info string) (Secret, error) {
	kdf := hkdf.New(sha256.New, ikm, nil, []byte(info))
	var out Secret
	if _, err := io.ReadFull(kdf, out[:]); err != nil {
		return Secret{}, fmt.Errorf("dcgka: %v", err)
	}
	return out, nil
}

// advance folds a newly learned secret into the named sender's outer
// ratchet chain and returns the resulting update secret. Every member who
// performs this same fold for the same (sender, seq, secret) triple,
// starting from the same previous chain value for that sender (or from
// none), converges on the same chain value, which is the correctness invariant
// the system is built around (spec.md §4.4.7, "Equality of update
// secrets").
func (s *State) advance(sender member.ID, seq uint64, secret Secret) (Secret, error) {
	prev := s.Ratchets[sender]
	var prevChain []byte
	if prev != nil {
		prevChain = prev.Chain[:]
	}
	input := append(append([]byte{}, prevChain...), secret[:]...)
	next, err := deriveSecret(input, fmt.Sprintf("dcgka-core ratchet %s %d", sender, seq))
	if err != nil {
		return Secret{}, err
	}
	s.Ratchets[sender] = &RatchetState{Seq: seq, Chain: next}
	return next, nil
}

type handshake struct {
	fc       ratchet.FirstContact
	bundleID keys.BundleID
}

// ensureSendState returns this member's outgoing 2SM state toward peer,
// initiating one off a registered pre-key bundle on first contact.
func (s *State) ensureSendState(peer member.ID) (*ratchet.SendState, *handshake, error) {
	if st, ok := s.sendStates[peer]; ok {
		return st, nil, nil
	}

	bundle, ok := s.Registry.AnyUnconsumed(keys.PublicKey(peer))
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", keys.ErrUnknownPreKey, peer)
	}

	sendState, fc, err := ratchet.InitiateSend(s.Manager.IdentityPrivateKey(), s.Manager.IdentityPublicKey(), bundle)
	if err != nil {
		return nil, nil, err
	}
	s.sendStates[peer] = sendState
	return sendState, &handshake{fc: fc, bundleID: bundle.ID}, nil
}

func (s *State) sendDirect(peer member.ID, kind wire.DirectKind, payload []byte) (wire.DirectMessage, error) {
	sendState, hs, err := s.ensureSendState(peer)
	if err != nil {
		return wire.DirectMessage{}, err
	}

	dm, err := sendState.Send(payload, nil)
	if err != nil {
		return wire.DirectMessage{}, err
	}

	out := wire.DirectMessage{
		Sender:     s.MyID,
		Recipient:  peer,
		Type:       kind,
		Seq:        dm.Seq,
		Ciphertext: dm.Ciphertext,
	}
	if hs != nil {
		out.FirstContactSenderIdentity = hs.fc.SenderIdentity[:]
		out.FirstContactSenderEphemeral = hs.fc.SenderEphemeral[:]
		out.FirstContactBundleID = uint64(hs.bundleID)
	}
	return out, nil
}

// ensureRecvState returns this member's incoming 2SM state from peer,
// initiating one from the handshake material carried in dm on first
// contact (consuming one of this member's own one-time pre-key bundles).
func (s *State) ensureRecvState(peer member.ID, dm wire.DirectMessage) (*ratchet.RecvState, error) {
	if st, ok := s.recvStates[peer]; ok {
		return st, nil
	}

	if len(dm.FirstContactSenderIdentity) != 32 || len(dm.FirstContactSenderEphemeral) != 32 {
		return nil, fmt.Errorf("%w: no handshake material from %s", ErrMissingDirectMessage, peer)
	}

	oneTimePriv, err := s.Manager.ConsumeOnetimeBundle(keys.BundleID(dm.FirstContactBundleID))
	if err != nil {
		return nil, err
	}

	var fc ratchet.FirstContact
	copy(fc.SenderIdentity[:], dm.FirstContactSenderIdentity)
	copy(fc.SenderEphemeral[:], dm.FirstContactSenderEphemeral)

	recvState, err := ratchet.InitiateReceive(oneTimePriv, s.Manager.IdentityPrivateKey(), fc)
	if err != nil {
		return nil, err
	}
	s.recvStates[peer] = recvState
	return recvState, nil
}

func (s *State) receiveDirect(peer member.ID, dm wire.DirectMessage) ([]byte, error) {
	recvState, err := s.ensureRecvState(peer, dm)
	if err != nil {
		return nil, err
	}
	return recvState.Receive(ratchet.DirectMessage{Seq: dm.Seq, Ciphertext: dm.Ciphertext}, nil)
}

func findDirect(directs []wire.DirectMessage, recipient member.ID) (wire.DirectMessage, bool) {
	for _, dm := range directs {
		if dm.Recipient == recipient {
			return dm, true
		}
	}
	return wire.DirectMessage{}, false
}

// Create initializes this member as the creator of a brand-new group: a
// fresh seed derives one shared update secret, sent via a pairwise direct
// message to every other initial member, and folded into the creator's own
// outer ratchet.
func (s *State) Create(initialMembers []member.ID) (wire.ControlMessage, []wire.DirectMessage, Secret, error) {
	if s.DGM != nil && len(s.DGM.Members) > 0 {
		return wire.ControlMessage{}, nil, Secret{}, ErrDuplicateCreate
	}

	s.DGM = member.Create(s.MyID, initialMembers)
	msgID := s.nextMessageID()

	seed, err := randomSecret()
	if err != nil {
		return wire.ControlMessage{}, nil, Secret{}, err
	}
	s.NextSeed = &seed
	defer func() { s.NextSeed = nil }()

	secret, err := deriveSecret(seed[:], fmt.Sprintf("dcgka-core op-secret %s %d", s.MyID, msgID.Seq))
	if err != nil {
		return wire.ControlMessage{}, nil, Secret{}, err
	}

	directs := make([]wire.DirectMessage, 0, len(initialMembers))
	for _, recipient := range initialMembers {
		dm, err := s.sendDirect(recipient, wire.DirectTwoParty, secret[:])
		if err != nil {
			return wire.ControlMessage{}, nil, Secret{}, err
		}
		s.MemberSecrets[MemberSecretKey{Sender: s.MyID, Seq: msgID.Seq, Recipient: recipient}] = secret
		directs = append(directs, dm)
	}

	meUpdateSecret, err := s.advance(s.MyID, msgID.Seq, secret)
	if err != nil {
		return wire.ControlMessage{}, nil, Secret{}, err
	}

	ctrl := wire.ControlMessage{
		Kind:           wire.ControlCreate,
		Sender:         s.MyID,
		Seq:            msgID.Seq,
		InitialMembers: initialMembers,
	}
	return ctrl, directs, meUpdateSecret, nil
}

// Add admits a new member: a fresh shared secret is folded into the adder's
// own ratchet, and a Welcome direct message carries the resulting update
// secret plus a bootstrap snapshot of the adder's current DGM state.
func (s *State) Add(added member.ID) (wire.ControlMessage, wire.DirectMessage, Secret, error) {
	msgID := s.nextMessageID()

	if err := s.DGM.Add(s.MyID, added, msgID); err != nil {
		return wire.ControlMessage{}, wire.DirectMessage{}, Secret{}, err
	}

	seed, err := randomSecret()
	if err != nil {
		return wire.ControlMessage{}, wire.DirectMessage{}, Secret{}, err
	}
	s.NextSeed = &seed
	defer func() { s.NextSeed = nil }()

	secret, err := deriveSecret(seed[:], fmt.Sprintf("dcgka-core op-secret %s %d", s.MyID, msgID.Seq))
	if err != nil {
		return wire.ControlMessage{}, wire.DirectMessage{}, Secret{}, err
	}

	meUpdateSecret, err := s.advance(s.MyID, msgID.Seq, secret)
	if err != nil {
		return wire.ControlMessage{}, wire.DirectMessage{}, Secret{}, err
	}

	payload, err := cbor.Marshal(&welcomePayload{Secret: meUpdateSecret, DGM: s.DGM.Snapshot()})
	if err != nil {
		return wire.ControlMessage{}, wire.DirectMessage{}, Secret{}, fmt.Errorf("dcgka: %v", err)
	}

	dm, err := s.sendDirect(added, wire.DirectWelcome, payload)
	if err != nil {
		return wire.ControlMessage{}, wire.DirectMessage{}, Secret{}, err
	}
	s.MemberSecrets[MemberSecretKey{Sender: s.MyID, Seq: msgID.Seq, Recipient: added}] = secret

	ctrl := wire.ControlMessage{Kind: wire.ControlAdd, Sender: s.MyID, Seq: msgID.Seq, Added: added}
	return ctrl, dm, meUpdateSecret, nil
}

// recipientsExcept returns this member's current DGM view minus the given
// ids, used to compute the TwoParty recipient list for Remove and Update
// (spec.md §4.4.7 "Recipient determinism").
func (s *State) recipientsExcept(except ...member.ID) []member.ID {
	view := s.DGM.MembersView(s.MyID)
	skip := make(map[member.ID]struct{}, len(except))
	for _, id := range except {
		skip[id] = struct{}{}
	}
	out := make([]member.ID, 0, len(view))
	for m := range view {
		if _, excluded := skip[m]; excluded {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Remove removes a member: a fresh shared secret is sent via TwoParty
// direct messages to every remaining co-member.
func (s *State) Remove(removed member.ID) (wire.ControlMessage, []wire.DirectMessage, Secret, error) {
	msgID := s.nextMessageID()

	if err := s.DGM.Remove(s.MyID, removed, msgID); err != nil {
		return wire.ControlMessage{}, nil, Secret{}, err
	}

	ctrl, directs, meUpdateSecret, err := s.broadcastSecretTo(
		msgID, s.recipientsExcept(s.MyID, removed),
	)
	if err != nil {
		return wire.ControlMessage{}, nil, Secret{}, err
	}
	ctrl.Kind = wire.ControlRemove
	ctrl.Removed = removed
	return ctrl, directs, meUpdateSecret, nil
}

// Update refreshes the group secret without a membership change, following
// exactly the same shape as Remove.
func (s *State) Update() (wire.ControlMessage, []wire.DirectMessage, Secret, error) {
	msgID := s.nextMessageID()

	ctrl, directs, meUpdateSecret, err := s.broadcastSecretTo(msgID, s.recipientsExcept(s.MyID))
	if err != nil {
		return wire.ControlMessage{}, nil, Secret{}, err
	}
	ctrl.Kind = wire.ControlUpdate
	return ctrl, directs, meUpdateSecret, nil
}

// broadcastSecretTo implements the common Remove/Update shape: derive one
// fresh shared secret from a new seed, send it via TwoParty direct messages
// to recipients, fold it into the local ratchet, and clear the seed.
func (s *State) broadcastSecretTo(msgID member.MessageID, recipients []member.ID) (wire.ControlMessage, []wire.DirectMessage, Secret, error) {
	seed, err := randomSecret()
	if err != nil {
		return wire.ControlMessage{}, nil, Secret{}, err
	}
	s.NextSeed = &seed
	defer func() { s.NextSeed = nil }()

	secret, err := deriveSecret(seed[:], fmt.Sprintf("dcgka-core op-secret %s %d", s.MyID, msgID.Seq))
	if err != nil {
		return wire.ControlMessage{}, nil, Secret{}, err
	}

	directs := make([]wire.DirectMessage, 0, len(recipients))
	for _, recipient := range recipients {
		dm, err := s.sendDirect(recipient, wire.DirectTwoParty, secret[:])
		if err != nil {
			return wire.ControlMessage{}, nil, Secret{}, err
		}
		s.MemberSecrets[MemberSecretKey{Sender: s.MyID, Seq: msgID.Seq, Recipient: recipient}] = secret
		directs = append(directs, dm)
	}

	meUpdateSecret, err := s.advance(s.MyID, msgID.Seq, secret)
	if err != nil {
		return wire.ControlMessage{}, nil, Secret{}, err
	}

	ctrl := wire.ControlMessage{Sender: s.MyID, Seq: msgID.Seq}
	return ctrl, directs, meUpdateSecret, nil
}

// ProcessRemote folds a remote control message, and its accompanying
// direct messages (if any are addressed to this member), into local state.
// The caller must never call this with a message this member authored
// itself; doing so returns ErrReplayedOperation.
func (s *State) ProcessRemote(ctrl wire.ControlMessage, directs []wire.DirectMessage) (ProcessOutput, error) {
	if ctrl.Sender == s.MyID {
		return ProcessOutput{}, ErrReplayedOperation
	}

	msgID := member.MessageID{Sender: ctrl.Sender, Seq: ctrl.Seq}

	switch ctrl.Kind {
	case wire.ControlCreate:
		return s.processCreate(ctrl, directs, msgID)
	case wire.ControlAck:
		return s.processAckOrAddAck(ctrl, directs, msgID, false)
	case wire.ControlAddAck:
		return s.processAckOrAddAck(ctrl, directs, msgID, true)
	case wire.ControlAdd:
		return s.processAdd(ctrl, directs, msgID)
	case wire.ControlRemove:
		return s.processRemove(ctrl, directs, msgID)
	case wire.ControlUpdate:
		return s.processUpdate(ctrl, directs, msgID)
	default:
		return ProcessOutput{}, fmt.Errorf("dcgka: unknown control message kind %d", ctrl.Kind)
	}
}

func (s *State) processCreate(ctrl wire.ControlMessage, directs []wire.DirectMessage, msgID member.MessageID) (ProcessOutput, error) {
	if s.DGM == nil || len(s.DGM.Members) == 0 {
		s.DGM = member.Create(s.MyID, append([]member.ID{ctrl.Sender}, ctrl.InitialMembers...))
	}

	dm, ok := findDirect(directs, s.MyID)
	if !ok {
		return ProcessOutput{}, fmt.Errorf("%w: create from %s", ErrMissingDirectMessage, ctrl.Sender)
	}
	plaintext, err := s.receiveDirect(ctrl.Sender, dm)
	if err != nil {
		return ProcessOutput{}, err
	}
	var secret Secret
	copy(secret[:], plaintext)

	senderSecret, err := s.advance(ctrl.Sender, ctrl.Seq, secret)
	if err != nil {
		return ProcessOutput{}, err
	}
	meSecret, err := s.advance(s.MyID, ctrl.Seq, secret)
	if err != nil {
		return ProcessOutput{}, err
	}

	ack := wire.ControlMessage{
		Kind:      wire.ControlAck,
		Sender:    s.MyID,
		Seq:       s.nextMessageID().Seq,
		AckSender: ctrl.Sender,
		AckSeq:    ctrl.Seq,
	}
	return ProcessOutput{
		Control:            &ack,
		MeUpdateSecret:     &meSecret,
		SenderUpdateSecret: &senderSecret,
	}, nil
}

func (s *State) processAdd(ctrl wire.ControlMessage, directs []wire.DirectMessage, msgID member.MessageID) (ProcessOutput, error) {
	adder := ctrl.Sender
	added := ctrl.Added

	if s.MyID == added {
		dm, ok := findDirect(directs, s.MyID)
		if !ok {
			return ProcessOutput{}, fmt.Errorf("%w: welcome from %s", ErrMissingDirectMessage, adder)
		}
		plaintext, err := s.receiveDirect(adder, dm)
		if err != nil {
			return ProcessOutput{}, err
		}
		var payload welcomePayload
		if err := cbor.Unmarshal(plaintext, &payload); err != nil {
			return ProcessOutput{}, fmt.Errorf("dcgka: %v", err)
		}

		if s.DGM == nil {
			s.DGM = member.FromWelcome(s.MyID, payload.DGM)
		} else {
			s.DGM.MergeWelcome(payload.DGM)
		}

		senderSecret := payload.Secret
		s.Ratchets[adder] = &RatchetState{Seq: ctrl.Seq, Chain: senderSecret}
		meSecret, err := s.advance(s.MyID, ctrl.Seq, payload.Secret)
		if err != nil {
			return ProcessOutput{}, err
		}

		ack := wire.ControlMessage{
			Kind:      wire.ControlAck,
			Sender:    s.MyID,
			Seq:       s.nextMessageID().Seq,
			AckSender: adder,
			AckSeq:    ctrl.Seq,
		}
		return ProcessOutput{
			Control:            &ack,
			MeUpdateSecret:     &meSecret,
			SenderUpdateSecret: &senderSecret,
		}, nil
	}

	// An existing member, neither the adder nor the added, must also admit
	// the new member locally, forward its own current ratchet position so
	// added can decrypt this processor's future messages, and broadcast an
	// AddAck rather than a plain Ack (spec.md §4.4.3).
	if err := s.DGM.Add(adder, added, msgID); err != nil {
		return ProcessOutput{}, err
	}

	seed, err := randomSecret()
	if err != nil {
		return ProcessOutput{}, err
	}
	s.NextSeed = &seed
	defer func() { s.NextSeed = nil }()

	forwardSecret, err := deriveSecret(seed[:], fmt.Sprintf("dcgka-core forward-secret %s %d", s.MyID, ctrl.Seq))
	if err != nil {
		return ProcessOutput{}, err
	}

	meSecret, err := s.advance(s.MyID, ctrl.Seq, forwardSecret)
	if err != nil {
		return ProcessOutput{}, err
	}

	dm, err := s.sendDirect(added, wire.DirectForward, meSecret[:])
	if err != nil {
		return ProcessOutput{}, err
	}
	s.MemberSecrets[MemberSecretKey{Sender: s.MyID, Seq: ctrl.Seq, Recipient: added}] = forwardSecret

	var senderSecret *Secret
	if known, ok := s.Ratchets[adder]; ok {
		c := known.Chain
		senderSecret = &c
	}

	addAck := wire.ControlMessage{
		Kind:      wire.ControlAddAck,
		Sender:    s.MyID,
		Seq:       s.nextMessageID().Seq,
		AckSender: adder,
		AckSeq:    ctrl.Seq,
	}
	return ProcessOutput{
		Control:            &addAck,
		DirectMessages:     []wire.DirectMessage{dm},
		MeUpdateSecret:     &meSecret,
		SenderUpdateSecret: senderSecret,
	}, nil
}

func (s *State) processRemove(ctrl wire.ControlMessage, directs []wire.DirectMessage, msgID member.MessageID) (ProcessOutput, error) {
	remover := ctrl.Sender
	removed := ctrl.Removed

	if s.MyID == removed {
		if err := s.DGM.Remove(remover, removed, msgID); err != nil {
			return ProcessOutput{}, err
		}
		return ProcessOutput{}, nil
	}

	if err := s.DGM.Remove(remover, removed, msgID); err != nil {
		return ProcessOutput{}, err
	}

	dm, ok := findDirect(directs, s.MyID)
	if !ok {
		return ProcessOutput{}, fmt.Errorf("%w: remove from %s", ErrMissingDirectMessage, remover)
	}
	plaintext, err := s.receiveDirect(remover, dm)
	if err != nil {
		return ProcessOutput{}, err
	}
	var secret Secret
	copy(secret[:], plaintext)

	senderSecret, err := s.advance(remover, ctrl.Seq, secret)
	if err != nil {
		return ProcessOutput{}, err
	}
	meSecret, err := s.advance(s.MyID, ctrl.Seq, secret)
	if err != nil {
		return ProcessOutput{}, err
	}

	ack := wire.ControlMessage{
		Kind:      wire.ControlAck,
		Sender:    s.MyID,
		Seq:       s.nextMessageID().Seq,
		AckSender: remover,
		AckSeq:    ctrl.Seq,
	}
	return ProcessOutput{
		Control:            &ack,
		MeUpdateSecret:     &meSecret,
		SenderUpdateSecret: &senderSecret,
	}, nil
}

func (s *State) processUpdate(ctrl wire.ControlMessage, directs []wire.DirectMessage, msgID member.MessageID) (ProcessOutput, error) {
	updater := ctrl.Sender

	dm, ok := findDirect(directs, s.MyID)
	if !ok {
		return ProcessOutput{}, fmt.Errorf("%w: update from %s", ErrMissingDirectMessage, updater)
	}
	plaintext, err := s.receiveDirect(updater, dm)
	if err != nil {
		return ProcessOutput{}, err
	}
	var secret Secret
	copy(secret[:], plaintext)

	senderSecret, err := s.advance(updater, ctrl.Seq, secret)
	if err != nil {
		return ProcessOutput{}, err
	}
	meSecret, err := s.advance(s.MyID, ctrl.Seq, secret)
	if err != nil {
		return ProcessOutput{}, err
	}

	ack := wire.ControlMessage{
		Kind:      wire.ControlAck,
		Sender:    s.MyID,
		Seq:       s.nextMessageID().Seq,
		AckSender: updater,
		AckSeq:    ctrl.Seq,
	}
	return ProcessOutput{
		Control:            &ack,
		MeUpdateSecret:     &meSecret,
		SenderUpdateSecret: &senderSecret,
	}, nil
}

// processAckOrAddAck handles both Ack and AddAck: both report the acker's
// current ratchet position, feed the acknowledgment into the membership
// CRDT when the acked op was an add or remove (member.State.Ack is a no-op
// source of ErrAlreadyAcked for acks this processor already learned about
// by applying the add/remove itself), and, if this member is the original
// author of the acknowledged op, drop the matching member_secrets
// bookkeeping entry (forward secrecy, invariant I6).
func (s *State) processAckOrAddAck(ctrl wire.ControlMessage, directs []wire.DirectMessage, msgID member.MessageID, isAddAck bool) (ProcessOutput, error) {
	acker := ctrl.Sender
	ackedID := member.MessageID{Sender: ctrl.AckSender, Seq: ctrl.AckSeq}

	if s.DGM.IsAdd(ackedID) || s.DGM.IsRemove(ackedID) {
		if err := s.DGM.Ack(acker, ackedID); err != nil && !errors.Is(err, member.ErrAlreadyAcked) {
			return ProcessOutput{}, err
		}
	}

	if ctrl.AckSender == s.MyID {
		delete(s.MemberSecrets, MemberSecretKey{Sender: s.MyID, Seq: ctrl.AckSeq, Recipient: acker})
	}

	var senderSecret *Secret
	if known, ok := s.Ratchets[acker]; ok {
		c := known.Chain
		senderSecret = &c
	}

	// An AddAck from a third-party processor carries a Forward direct
	// message addressed to us exactly when we are the member that was
	// added: consume it to learn that processor's current ratchet
	// position.
	if isAddAck {
		if dm, ok := findDirect(directs, s.MyID); ok {
			plaintext, err := s.receiveDirect(acker, dm)
			if err != nil {
				return ProcessOutput{}, err
			}
			var forwarded Secret
			copy(forwarded[:], plaintext)
			s.Ratchets[acker] = &RatchetState{Seq: ctrl.Seq, Chain: forwarded}
			senderSecret = &forwarded
		}
	}

	return ProcessOutput{SenderUpdateSecret: senderSecret}, nil
}
