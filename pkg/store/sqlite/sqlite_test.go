package sqlite

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/p2panda/dcgka-core/pkg/keys"
	"github.com/p2panda/dcgka-core/pkg/store"
)

func testOp(pub keys.PublicKey, logID, seq uint64) store.Operation {
	var hash store.Hash
	hash[0] = byte(seq + 1)
	return store.Operation{
		Hash:        hash,
		LogID:       logID,
		Version:     1,
		PublicKey:   pub,
		Signature:   []byte("sig"),
		PayloadSize: 3,
		PayloadHash: store.Hash{1, 2, 3},
		Timestamp:   1000 + seq,
		SeqNum:      seq,
		Body:        []byte("abc"),
		HeaderBytes: []byte{byte(seq)},
	}
}

func openTest(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndGetLog(t *testing.T) {
	s := openTest(t)
	var pub keys.PublicKey
	pub[0] = 7

	for _, seq := range []uint64{2, 0, 1} {
		if err := s.InsertOperation(testOp(pub, 5, seq)); err != nil {
			t.Fatalf("InsertOperation(%d): %v", seq, err)
		}
	}

	ops, err := s.GetLog(pub, 5)
	if err != nil {
		t.Fatalf("GetLog: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("len(ops) = %d, want 3", len(ops))
	}
	for i, op := range ops {
		if op.SeqNum != uint64(i) {
			t.Fatalf("ops[%d].SeqNum = %d, want %d (log order)", i, op.SeqNum, i)
		}
		if string(op.Body) != "abc" {
			t.Fatalf("ops[%d].Body = %q, want %q", i, op.Body, "abc")
		}
	}
}

func TestGetLogNotFound(t *testing.T) {
	s := openTest(t)
	var pub keys.PublicKey
	if _, err := s.GetLog(pub, 1); !errors.Is(err, store.ErrLogNotFound) {
		t.Fatalf("err = %v, want ErrLogNotFound", err)
	}
}

func TestGetLogHeights(t *testing.T) {
	s := openTest(t)
	var pub keys.PublicKey
	pub[0] = 1
	if err := s.InsertOperation(testOp(pub, 1, 0)); err != nil {
		t.Fatalf("insert log 1: %v", err)
	}
	if err := s.InsertOperation(testOp(pub, 1, 1)); err != nil {
		t.Fatalf("insert log 1 seq 1: %v", err)
	}
	if err := s.InsertOperation(testOp(pub, 2, 0)); err != nil {
		t.Fatalf("insert log 2: %v", err)
	}

	heights, err := s.GetLogHeights(pub)
	if err != nil {
		t.Fatalf("GetLogHeights: %v", err)
	}
	if len(heights) != 2 {
		t.Fatalf("len(heights) = %d, want 2", len(heights))
	}
	byLogID := map[uint64]uint64{}
	for _, h := range heights {
		byLogID[h.LogID] = h.LatestSeqNum
	}
	if byLogID[1] != 1 {
		t.Fatalf("heights[log 1] = %d, want 1", byLogID[1])
	}
	if byLogID[2] != 0 {
		t.Fatalf("heights[log 2] = %d, want 0", byLogID[2])
	}
}

func TestDeletePayloadsUpTo(t *testing.T) {
	s := openTest(t)
	var pub keys.PublicKey
	for _, seq := range []uint64{0, 1, 2, 3} {
		if err := s.InsertOperation(testOp(pub, 1, seq)); err != nil {
			t.Fatalf("InsertOperation(%d): %v", seq, err)
		}
	}

	if err := s.DeletePayloads(pub, 1, 1); err != nil {
		t.Fatalf("DeletePayloads: %v", err)
	}

	ops, err := s.GetLog(pub, 1)
	if err != nil {
		t.Fatalf("GetLog: %v", err)
	}
	if len(ops) != 4 {
		t.Fatalf("len(ops) = %d, want 4 (headers survive DeletePayloads)", len(ops))
	}
	for _, op := range ops {
		if op.SeqNum <= 1 && op.Body != nil {
			t.Fatalf("op seq %d body = %v, want nil after DeletePayloads", op.SeqNum, op.Body)
		}
		if op.SeqNum > 1 && op.Body == nil {
			t.Fatalf("op seq %d body = nil, want preserved", op.SeqNum)
		}
	}
}

func TestDeleteOperationsUpTo(t *testing.T) {
	s := openTest(t)
	var pub keys.PublicKey
	for _, seq := range []uint64{0, 1, 2, 3} {
		if err := s.InsertOperation(testOp(pub, 1, seq)); err != nil {
			t.Fatalf("InsertOperation(%d): %v", seq, err)
		}
	}

	if err := s.DeleteOperations(pub, 1, 1); err != nil {
		t.Fatalf("DeleteOperations: %v", err)
	}

	ops, err := s.GetLog(pub, 1)
	if err != nil {
		t.Fatalf("GetLog: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("len(ops) = %d, want 2 (seq 2 and 3 remain)", len(ops))
	}
	if ops[0].SeqNum != 2 || ops[1].SeqNum != 3 {
		t.Fatalf("remaining ops = %+v, want seq_num 2 and 3", ops)
	}
}

func TestHasOperationAndGetRawOperation(t *testing.T) {
	s := openTest(t)
	var pub keys.PublicKey
	op := testOp(pub, 1, 0)
	if err := s.InsertOperation(op); err != nil {
		t.Fatalf("InsertOperation: %v", err)
	}

	has, err := s.HasOperation(op.Hash)
	if err != nil {
		t.Fatalf("HasOperation: %v", err)
	}
	if !has {
		t.Fatalf("HasOperation = false, want true")
	}

	header, body, err := s.GetRawOperation(op.Hash)
	if err != nil {
		t.Fatalf("GetRawOperation: %v", err)
	}
	if string(body) != "abc" {
		t.Fatalf("body = %q, want %q", body, "abc")
	}
	if len(header) == 0 {
		t.Fatalf("header should not be empty")
	}
}

func TestLatestOperation(t *testing.T) {
	s := openTest(t)
	var pub keys.PublicKey
	for _, seq := range []uint64{0, 1, 2} {
		if err := s.InsertOperation(testOp(pub, 9, seq)); err != nil {
			t.Fatalf("InsertOperation(%d): %v", seq, err)
		}
	}

	latest, err := s.LatestOperation(pub, 9)
	if err != nil {
		t.Fatalf("LatestOperation: %v", err)
	}
	if latest == nil || latest.SeqNum != 2 {
		t.Fatalf("latest = %+v, want seq_num 2", latest)
	}
}
