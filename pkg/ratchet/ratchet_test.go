package ratchet

import (
	"bytes"
	"errors"
	"testing"

	"github.com/p2panda/dcgka-core/pkg/keys"
)

func TestFirstContactRoundTrip(t *testing.T) {
	recipient, err := keys.Init()
	if err != nil {
		t.Fatalf("init recipient: %v", err)
	}
	bundle, err := recipient.GenerateOnetimeBundle()
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}

	senderPriv, senderPub, err := keys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("sender keypair: %v", err)
	}

	sendState, fc, err := InitiateSend(senderPriv, senderPub, bundle)
	if err != nil {
		t.Fatalf("initiate send: %v", err)
	}

	oneTimePriv, err := recipient.ConsumeOnetimeBundle(bundle.ID)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	recvState, err := InitiateReceive(oneTimePriv, recipient.IdentityPrivateKey(), fc)
	if err != nil {
		t.Fatalf("initiate receive: %v", err)
	}

	if sendState.Chain != recvState.Chain {
		t.Fatalf("sender and recipient derived different chain keys")
	}

	plaintext := []byte("hello group")
	msg, err := sendState.Send(plaintext, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	got, err := recvState.Receive(msg, nil)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, plaintext)
	}
}

func TestOutOfOrderRejected(t *testing.T) {
	chain := ChainKey{1, 2, 3}
	send := &SendState{Chain: chain}
	recv := &RecvState{Chain: chain}

	first, err := send.Send([]byte("one"), nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	second, err := send.Send([]byte("two"), nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, err := recv.Receive(second, nil); !errors.Is(err, ErrReplayOrOutOfOrder) {
		t.Fatalf("expected ErrReplayOrOutOfOrder, got %v", err)
	}

	if _, err := recv.Receive(first, nil); err != nil {
		t.Fatalf("in-order receive failed: %v", err)
	}
}

func TestReplayRejected(t *testing.T) {
	chain := ChainKey{9, 9, 9}
	send := &SendState{Chain: chain}
	recv := &RecvState{Chain: chain}

	msg, err := send.Send([]byte("payload"), nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := recv.Receive(msg, nil); err != nil {
		t.Fatalf("first receive: %v", err)
	}
	if _, err := recv.Receive(msg, nil); !errors.Is(err, ErrReplayOrOutOfOrder) {
		t.Fatalf("expected ErrReplayOrOutOfOrder on replay, got %v", err)
	}
}
