// Package ratchet implements the two-party secure messenger (2SM, C1): an
// independent, forward-secret pairwise state between any two members that
// lets one send the other a direct message no one else can read.
//
// The construction follows the teacher corpus's double-ratchet reference
// (an x25519 + HKDF-SHA256 + XChaCha20-Poly1305 chain), generalized to the
// single-direction sending chain the spec calls for: 2SM exposes `Send` and
// `Receive` over one pairwise, per-sender chain rather than a full
// bidirectional Diffie-Hellman ratchet, since DCGKA only ever needs one
// party to push key material to another at a time (spec.md §4.1).
package ratchet

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/p2panda/dcgka-core/internal/logging"
	"github.com/p2panda/dcgka-core/pkg/keys"
)

var logger = logging.Logger("ratchet")

var (
	ErrUnknownSender      = errors.New("ratchet: unknown sender")
	ErrReplayOrOutOfOrder = errors.New("ratchet: replayed or out-of-order message")
	ErrDecryptionFailed   = errors.New("ratchet: decryption failed")
)

const chainInfo = "dcgka-core 2SM ChainKey"

// ChainKey is the 32-byte symmetric state advanced on every message sent or
// received over one direction of a pairwise channel.
type ChainKey [32]byte

// SendState is this member's outgoing state toward one peer.
type SendState struct {
	Peer  keys.PublicKey
	Chain ChainKey
	Seq   uint64
}

// RecvState is this member's incoming state from one peer.
type RecvState struct {
	Peer  keys.PublicKey
	Chain ChainKey
	Seq   uint64
}

// DirectMessage is the ciphertext plus routing metadata 2SM hands back to
// the caller (wrapped by pkg/dcgka into its own DirectMessage envelope).
type DirectMessage struct {
	Seq        uint64
	Ciphertext []byte
}

// FirstContact is the X3DH-style handshake material the sender must carry
// alongside its first ciphertext so the recipient can derive the same
// chain key: the sender's long-term identity key plus a fresh ephemeral key
// generated just for this handshake.
type FirstContact struct {
	SenderIdentity  keys.PublicKey
	SenderEphemeral keys.PublicKey
}

// InitiateSend derives the first chain key toward a peer by consuming one
// of that peer's registered one-time pre-key bundles (an X3DH-style
// exchange: DH(myIdentity, theirOneTime) ‖ DH(myEphemeral, theirIdentity)).
// The returned FirstContact must be delivered to the recipient alongside the
// first DirectMessage so it can run InitiateReceive with matching material.
func InitiateSend(
	myIdentityPriv keys.PrivateKey,
	myIdentityPub keys.PublicKey,
	bundle *keys.PreKeyBundle,
) (*SendState, FirstContact, error) {
	ephemeralPriv, ephemeralPub, err := keys.GenerateKeyPair()
	if err != nil {
		return nil, FirstContact{}, err
	}

	dh1, err := curve25519.X25519(myIdentityPriv[:], bundle.OneTimeKey[:])
	if err != nil {
		return nil, FirstContact{}, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	dh2, err := curve25519.X25519(ephemeralPriv[:], bundle.IdentityKey[:])
	if err != nil {
		return nil, FirstContact{}, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	secret := append(append([]byte{}, dh1...), dh2...)
	chain, err := deriveChainKey(secret)
	if err != nil {
		return nil, FirstContact{}, err
	}

	fc := FirstContact{SenderIdentity: myIdentityPub, SenderEphemeral: ephemeralPub}
	return &SendState{Peer: bundle.IdentityKey, Chain: chain}, fc, nil
}

// InitiateReceive mirrors InitiateSend on the recipient's side, given the
// private half of the one-time pre-key the sender consumed and the
// FirstContact material carried alongside the first ciphertext.
func InitiateReceive(
	myOneTimePriv keys.PrivateKey,
	myIdentityPriv keys.PrivateKey,
	fc FirstContact,
) (*RecvState, error) {
	dh1, err := curve25519.X25519(myOneTimePriv[:], fc.SenderIdentity[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	dh2, err := curve25519.X25519(myIdentityPriv[:], fc.SenderEphemeral[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	secret := append(append([]byte{}, dh1...), dh2...)
	chain, err := deriveChainKey(secret)
	if err != nil {
		return nil, err
	}

	return &RecvState{Peer: fc.SenderIdentity, Chain: chain}, nil
}

func deriveChainKey(secret []byte) (ChainKey, error) {
	kdf := hkdf.New(sha256.New, secret, nil, []byte(chainInfo))
	var ck ChainKey
	if _, err := io.ReadFull(kdf, ck[:]); err != nil {
		return ChainKey{}, fmt.Errorf("ratchet: %v", err)
	}
	return ck, nil
}

// advance steps a chain key forward one message and derives the message key
// used to seal or open that message, per the teacher's KDF-chain idiom:
// each step is one-way, so compromising the chain at step n+1 never exposes
// step n's message key (forward secrecy).
func advance(chain ChainKey) (next ChainKey, messageKey [32]byte) {
	mac := hmac.New(sha256.New, chain[:])
	mac.Write([]byte("msg"))
	mk := mac.Sum(nil)
	copy(messageKey[:], mk)

	mac2 := hmac.New(sha256.New, chain[:])
	mac2.Write([]byte("chain"))
	nk := mac2.Sum(nil)
	copy(next[:], nk)
	return next, messageKey
}

// Send encrypts payload and advances the sending chain irreversibly.
func (s *SendState) Send(payload, additionalData []byte) (DirectMessage, error) {
	nextChain, messageKey := advance(s.Chain)
	seq := s.Seq

	aead, err := chacha20poly1305.NewX(messageKey[:])
	if err != nil {
		return DirectMessage{}, fmt.Errorf("ratchet: %v", err)
	}
	nonce := make([]byte, aead.NonceSize())
	ciphertext := aead.Seal(nil, nonce, payload, additionalData)

	s.Chain = nextChain
	s.Seq++

	return DirectMessage{Seq: seq, Ciphertext: ciphertext}, nil
}

// Receive decrypts msg and advances the receiving chain. Messages must
// arrive in strict sequence order; anything else is a protocol violation
// reported as ErrReplayOrOutOfOrder, matching spec.md §4.1.
func (s *RecvState) Receive(msg DirectMessage, additionalData []byte) ([]byte, error) {
	if msg.Seq != s.Seq {
		return nil, fmt.Errorf("%w: expected seq %d, got %d", ErrReplayOrOutOfOrder, s.Seq, msg.Seq)
	}

	nextChain, messageKey := advance(s.Chain)

	aead, err := chacha20poly1305.NewX(messageKey[:])
	if err != nil {
		return nil, fmt.Errorf("ratchet: %v", err)
	}
	nonce := make([]byte, aead.NonceSize())
	plaintext, err := aead.Open(nil, nonce, msg.Ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	s.Chain = nextChain
	s.Seq++

	return plaintext, nil
}
