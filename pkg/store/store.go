// Package store defines the OperationStore and LogStore collaborator
// interfaces the log sync protocol is built against, plus an in-memory
// implementation used by tests and small deployments. The durable
// implementation lives in pkg/store/sqlite.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/p2panda/dcgka-core/internal/logging"
	"github.com/p2panda/dcgka-core/pkg/keys"
	"github.com/p2panda/dcgka-core/pkg/wire"
)

var logger = logging.Logger("store")

var (
	// ErrOperationNotFound is returned when a hash has no matching
	// operation in the store.
	ErrOperationNotFound = errors.New("store: operation not found")
	// ErrDuplicateOperation is returned by InsertOperation when the hash
	// already exists.
	ErrDuplicateOperation = errors.New("store: operation already exists")
	// ErrLogNotFound is returned when an author has no log at the
	// requested id.
	ErrLogNotFound = errors.New("store: log not found")
)

// Hash is a content-addressed operation identifier, produced by a
// HashProvider over an operation's header bytes.
type Hash [32]byte

// Operation is one entry of an author's append-only log, matching the
// persisted column layout exactly (spec.md §6's SQL schema).
type Operation struct {
	Hash        Hash
	LogID       uint64
	Version     uint64
	PublicKey   keys.PublicKey
	Signature   []byte
	PayloadSize uint64
	PayloadHash Hash
	Timestamp   uint64
	SeqNum      uint64
	Backlink    *Hash
	Previous    []Hash
	Extensions  []byte

	// Body is the operation's payload. It may be nil for an operation
	// whose payload has been deleted (DeletePayload/DeletePayloads)
	// while its header remains for log continuity.
	Body []byte

	// HeaderBytes are the exact bytes that hash to Hash. Byte-exactness
	// here is what makes the hash reproducible across peers.
	HeaderBytes []byte
}

// LogHeight identifies how far one (public_key, log_id) has progressed.
type LogHeight struct {
	PublicKey    keys.PublicKey
	LogID        uint64
	LatestSeqNum uint64
}

// OperationStore is the single-operation half of the persistence
// boundary: insert, point lookups by hash, and payload deletion for
// forward secrecy / retention policies.
type OperationStore interface {
	InsertOperation(op Operation) error
	GetRawOperation(hash Hash) (header []byte, body []byte, err error)
	HasOperation(hash Hash) (bool, error)
	DeleteOperation(hash Hash) error
	DeletePayload(hash Hash) error
}

// LogStore is the per-author-log half of the persistence boundary: the
// views the sync protocol needs to compute Have/PreSync ranges and walk
// a log in order.
type LogStore interface {
	GetLog(publicKey keys.PublicKey, logID uint64) ([]Operation, error)
	GetRawLog(publicKey keys.PublicKey, logID uint64) ([]Operation, error)
	LatestOperation(publicKey keys.PublicKey, logID uint64) (*Operation, error)
	GetLogHashes(publicKey keys.PublicKey, logID uint64) ([]Hash, error)
	GetLogSize(publicKey keys.PublicKey, logID uint64) (uint64, error)
	GetLogHeights(publicKey keys.PublicKey) ([]wire.LogHeight, error)
	DeleteOperations(publicKey keys.PublicKey, logID uint64, upToSeqNum uint64) error
	DeletePayloads(publicKey keys.PublicKey, logID uint64, upToSeqNum uint64) error
}

type logKey struct {
	publicKey keys.PublicKey
	logID     uint64
}

// Memory is an in-process OperationStore/LogStore, guarded by a single
// mutex the way the teacher's local broadcast channel registry
// (pkg/net/local/local.go's mu-guarded lobby map) guards its own
// shared map of channel pairings. Suitable for unit tests and small
// single-process deployments; not durable.
type Memory struct {
	mu  sync.Mutex
	ops map[Hash]Operation
	// logs holds, per (public_key, log_id), the hashes present in that
	// log ordered by seq_num.
	logs map[logKey][]Hash
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		ops:  make(map[Hash]Operation),
		logs: make(map[logKey][]Hash),
	}
}

func (m *Memory) InsertOperation(op Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.ops[op.Hash]; exists {
		return fmt.Errorf("%w: %x", ErrDuplicateOperation, op.Hash)
	}

	key := logKey{publicKey: op.PublicKey, logID: op.LogID}
	hashes := m.logs[key]
	idx := sort.Search(len(hashes), func(i int) bool {
		return m.ops[hashes[i]].SeqNum >= op.SeqNum
	})
	hashes = append(hashes, Hash{})
	copy(hashes[idx+1:], hashes[idx:])
	hashes[idx] = op.Hash
	m.logs[key] = hashes

	m.ops[op.Hash] = op
	return nil
}

func (m *Memory) GetRawOperation(hash Hash) ([]byte, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[hash]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %x", ErrOperationNotFound, hash)
	}
	return op.HeaderBytes, op.Body, nil
}

func (m *Memory) HasOperation(hash Hash) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ops[hash]
	return ok, nil
}

func (m *Memory) DeleteOperation(hash Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[hash]
	if !ok {
		return fmt.Errorf("%w: %x", ErrOperationNotFound, hash)
	}
	delete(m.ops, hash)

	key := logKey{publicKey: op.PublicKey, logID: op.LogID}
	hashes := m.logs[key]
	for i, h := range hashes {
		if h == hash {
			m.logs[key] = append(hashes[:i], hashes[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) DeletePayload(hash Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[hash]
	if !ok {
		return fmt.Errorf("%w: %x", ErrOperationNotFound, hash)
	}
	op.Body = nil
	m.ops[hash] = op
	return nil
}

func (m *Memory) GetLog(publicKey keys.PublicKey, logID uint64) ([]Operation, error) {
	return m.snapshotLog(publicKey, logID)
}

func (m *Memory) GetRawLog(publicKey keys.PublicKey, logID uint64) ([]Operation, error) {
	return m.snapshotLog(publicKey, logID)
}

func (m *Memory) snapshotLog(publicKey keys.PublicKey, logID uint64) ([]Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hashes, ok := m.logs[logKey{publicKey: publicKey, logID: logID}]
	if !ok {
		return nil, fmt.Errorf("%w: log %d for %x", ErrLogNotFound, logID, publicKey)
	}
	ops := make([]Operation, len(hashes))
	for i, h := range hashes {
		ops[i] = m.ops[h]
	}
	return ops, nil
}

func (m *Memory) LatestOperation(publicKey keys.PublicKey, logID uint64) (*Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hashes := m.logs[logKey{publicKey: publicKey, logID: logID}]
	if len(hashes) == 0 {
		return nil, nil
	}
	op := m.ops[hashes[len(hashes)-1]]
	return &op, nil
}

func (m *Memory) GetLogHashes(publicKey keys.PublicKey, logID uint64) ([]Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hashes, ok := m.logs[logKey{publicKey: publicKey, logID: logID}]
	if !ok {
		return nil, fmt.Errorf("%w: log %d for %x", ErrLogNotFound, logID, publicKey)
	}
	out := make([]Hash, len(hashes))
	copy(out, hashes)
	return out, nil
}

func (m *Memory) GetLogSize(publicKey keys.PublicKey, logID uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.logs[logKey{publicKey: publicKey, logID: logID}])), nil
}

// GetLogHeights reports the latest seq_num of every log this store holds
// for publicKey, the shape the sync protocol's outgoing Have message
// needs for one author.
func (m *Memory) GetLogHeights(publicKey keys.PublicKey) ([]wire.LogHeight, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var heights []wire.LogHeight
	for key, hashes := range m.logs {
		if key.publicKey != publicKey || len(hashes) == 0 {
			continue
		}
		latest := m.ops[hashes[len(hashes)-1]]
		heights = append(heights, wire.LogHeight{
			LogID:        key.logID,
			LatestSeqNum: latest.SeqNum,
		})
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i].LogID < heights[j].LogID })
	return heights, nil
}

func (m *Memory) DeleteOperations(publicKey keys.PublicKey, logID uint64, upToSeqNum uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := logKey{publicKey: publicKey, logID: logID}
	hashes := m.logs[key]
	kept := hashes[:0]
	for _, h := range hashes {
		if m.ops[h].SeqNum <= upToSeqNum {
			delete(m.ops, h)
			continue
		}
		kept = append(kept, h)
	}
	m.logs[key] = kept
	return nil
}

func (m *Memory) DeletePayloads(publicKey keys.PublicKey, logID uint64, upToSeqNum uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := logKey{publicKey: publicKey, logID: logID}
	for _, h := range m.logs[key] {
		op := m.ops[h]
		if op.SeqNum <= upToSeqNum {
			op.Body = nil
			m.ops[h] = op
		}
	}
	return nil
}
