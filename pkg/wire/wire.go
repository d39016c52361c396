// Package wire implements the length-prefixed, canonical-CBOR envelope
// encoding for every message type that crosses a wire in this system:
// DCGKA control and direct messages, and log sync protocol messages.
//
// Every message is framed as a 4-byte big-endian length prefix followed by
// its CBOR body, mirroring this corpus's tagged-marshaler framing
// convention for broadcast channel messages. CBOR bodies are produced with
// fxamacker/cbor's canonical encoding mode so map keys serialize in a fixed
// order — the concrete mechanism behind this protocol's requirement that
// header bytes hash reproducibly.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/p2panda/dcgka-core/internal/logging"
	"github.com/p2panda/dcgka-core/pkg/member"
)

var logger = logging.Logger("wire")

var (
	ErrDecode        = errors.New("wire: decode error")
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum message size")
)

// MaxFrameSize bounds a single decoded message, guarding against a
// malicious or corrupt length prefix driving an unbounded allocation.
const MaxFrameSize = 64 << 20

var encMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: invalid canonical encoding options: %v", err))
	}
	return mode
}()

var decMode = func() cbor.DecMode {
	mode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: invalid decoding options: %v", err))
	}
	return mode
}()

// ControlKind discriminates the six DCGKA control message shapes.
type ControlKind uint8

const (
	ControlCreate ControlKind = iota
	ControlAck
	ControlAdd
	ControlAddAck
	ControlRemove
	ControlUpdate
)

// ControlMessage is the broadcast envelope for every DCGKA control message
// kind. Only the fields relevant to Kind are populated; this mirrors the
// spec's tagged-union taxonomy without needing per-variant wire types.
type ControlMessage struct {
	Kind ControlKind

	// Sender/Seq are this message's own MessageID, the authoritative
	// reference used in "previous"/"ack" fields elsewhere in the system.
	Sender member.ID
	Seq    uint64

	InitialMembers []member.ID `cbor:"initial_members,omitempty"`
	AckSender      member.ID   `cbor:"ack_sender,omitempty"`
	AckSeq         uint64      `cbor:"ack_seq,omitempty"`
	Added          member.ID   `cbor:"added,omitempty"`
	Removed        member.ID   `cbor:"removed,omitempty"`
}

// DirectKind discriminates the three DCGKA direct message shapes.
type DirectKind uint8

const (
	DirectTwoParty DirectKind = iota
	DirectWelcome
	DirectForward
)

// DirectMessage is targeted to exactly one recipient and carries an
// opaque, already-encrypted payload plus whatever first-contact handshake
// material pkg/ratchet needed to attach (empty after the first message
// between a given sender/recipient pair).
type DirectMessage struct {
	Sender     member.ID
	Recipient  member.ID
	Type       DirectKind
	Seq        uint64
	Ciphertext []byte

	FirstContactSenderIdentity  []byte `cbor:"fc_identity,omitempty"`
	FirstContactSenderEphemeral []byte `cbor:"fc_ephemeral,omitempty"`
	FirstContactBundleID        uint64 `cbor:"fc_bundle_id,omitempty"`
}

// LogSyncKind discriminates the four log sync protocol message shapes.
type LogSyncKind uint8

const (
	LogSyncHave LogSyncKind = iota
	LogSyncPreSync
	LogSyncOperation
	LogSyncDone
)

// LogHeight is one (log, latest seq_num) pair reported for one author in a
// Have message.
type LogHeight struct {
	LogID        uint64
	LatestSeqNum uint64
}

// AuthorHave is one author's set of log heights within a Have message.
type AuthorHave struct {
	PublicKey []byte
	Logs      []LogHeight
}

// LogSyncMessage is the envelope for every C5 protocol message kind.
type LogSyncMessage struct {
	Kind LogSyncKind

	Haves []AuthorHave `cbor:"haves,omitempty"`

	TotalOperations uint64 `cbor:"total_operations,omitempty"`
	TotalBytes      uint64 `cbor:"total_bytes,omitempty"`

	Header []byte `cbor:"header,omitempty"`
	Body   []byte `cbor:"body,omitempty"`
}

// EncodeFrame canonically CBOR-encodes v and prefixes it with its
// big-endian uint32 length.
func EncodeFrame(v interface{}) ([]byte, error) {
	body, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

// WriteFrame writes one length-prefixed CBOR frame to w.
func WriteFrame(w io.Writer, v interface{}) error {
	frame, err := EncodeFrame(v)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one length-prefixed CBOR frame from r and decodes it into
// v, which must be a pointer.
func ReadFrame(r io.Reader, v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}

	if err := decMode.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

// DecodeFrame decodes a single frame previously produced by EncodeFrame out
// of a byte slice, returning the number of bytes consumed.
func DecodeFrame(data []byte, v interface{}) (consumed int, err error) {
	r := bytes.NewReader(data)
	if err := ReadFrame(r, v); err != nil {
		return 0, err
	}
	return len(data) - r.Len(), nil
}
