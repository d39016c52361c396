// Package sqlite implements pkg/store's OperationStore and LogStore
// against a SQLite database via database/sql and mattn/go-sqlite3,
// following exactly the column layout spec.md §6 specifies. u64 fields
// are stored as TEXT since SQLite's native integer type is signed
// 64-bit and cannot hold the full unsigned range.
package sqlite

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"

	_ "github.com/mattn/go-sqlite3"

	"github.com/p2panda/dcgka-core/internal/logging"
	"github.com/p2panda/dcgka-core/pkg/keys"
	"github.com/p2panda/dcgka-core/pkg/store"
	"github.com/p2panda/dcgka-core/pkg/wire"
)

var logger = logging.Logger("store/sqlite")

const schema = `
CREATE TABLE IF NOT EXISTS operations (
	hash         TEXT PRIMARY KEY,
	log_id       TEXT NOT NULL,
	version      TEXT NOT NULL,
	public_key   TEXT NOT NULL,
	signature    BLOB NOT NULL,
	payload_size TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	timestamp    TEXT NOT NULL,
	seq_num      TEXT NOT NULL,
	backlink     TEXT,
	previous     BLOB,
	extensions   BLOB,
	body         BLOB,
	header_bytes BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_operations_log ON operations(public_key, log_id, seq_num);
CREATE INDEX IF NOT EXISTS idx_operations_log_id ON operations(log_id);
`

// Store is a SQLite-backed OperationStore and LogStore.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path and
// applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store/sqlite: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store/sqlite: apply schema: %w", err)
	}
	logger.Infof("opened sqlite store at %s", path)
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func hexEncode(b [32]byte) string { return hex.EncodeToString(b[:]) }

func hexDecode(s string) (h store.Hash, err error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("store/sqlite: decode hash %q: %w", s, err)
	}
	copy(h[:], b)
	return h, nil
}

func encodePrevious(prev []store.Hash) []byte {
	out := make([]byte, 0, len(prev)*32)
	for _, h := range prev {
		out = append(out, h[:]...)
	}
	return out
}

func decodePrevious(data []byte) []store.Hash {
	n := len(data) / 32
	if n == 0 {
		return nil
	}
	out := make([]store.Hash, n)
	for i := range out {
		copy(out[i][:], data[i*32:(i+1)*32])
	}
	return out
}

func (s *Store) InsertOperation(op store.Operation) error {
	if has, err := s.HasOperation(op.Hash); err != nil {
		return err
	} else if has {
		return fmt.Errorf("%w: %x", store.ErrDuplicateOperation, op.Hash)
	}

	var backlink interface{}
	if op.Backlink != nil {
		backlink = hexEncode(*op.Backlink)
	}

	_, err := s.db.Exec(
		`INSERT INTO operations
			(hash, log_id, version, public_key, signature, payload_size,
			 payload_hash, timestamp, seq_num, backlink, previous,
			 extensions, body, header_bytes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		hexEncode(op.Hash),
		strconv.FormatUint(op.LogID, 10),
		strconv.FormatUint(op.Version, 10),
		hexEncode(op.PublicKey),
		op.Signature,
		strconv.FormatUint(op.PayloadSize, 10),
		hexEncode(op.PayloadHash),
		strconv.FormatUint(op.Timestamp, 10),
		strconv.FormatUint(op.SeqNum, 10),
		backlink,
		encodePrevious(op.Previous),
		op.Extensions,
		op.Body,
		op.HeaderBytes,
	)
	if err != nil {
		return fmt.Errorf("store/sqlite: insert operation %x: %w", op.Hash, err)
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows, letting
// scanOperation serve single-row lookups and multi-row log queries
// alike.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row scanner) (store.Operation, error) {
	var (
		op                                                 store.Operation
		hashHex, pubHex, payloadHashHex                    string
		logIDStr, versionStr, payloadSizeStr, timestampStr string
		seqNumStr                                          string
		backlinkHex                                        sql.NullString
		previous                                           []byte
	)
	if err := row.Scan(
		&hashHex, &logIDStr, &versionStr, &pubHex, &op.Signature,
		&payloadSizeStr, &payloadHashHex, &timestampStr, &seqNumStr,
		&backlinkHex, &previous, &op.Extensions, &op.Body, &op.HeaderBytes,
	); err != nil {
		return store.Operation{}, err
	}

	var err error
	if op.Hash, err = hexDecode(hashHex); err != nil {
		return store.Operation{}, err
	}
	if op.PayloadHash, err = hexDecode(payloadHashHex); err != nil {
		return store.Operation{}, err
	}
	pub, err := hexDecode(pubHex)
	if err != nil {
		return store.Operation{}, err
	}
	op.PublicKey = keys.PublicKey(pub)

	if op.LogID, err = strconv.ParseUint(logIDStr, 10, 64); err != nil {
		return store.Operation{}, err
	}
	if op.Version, err = strconv.ParseUint(versionStr, 10, 64); err != nil {
		return store.Operation{}, err
	}
	if op.PayloadSize, err = strconv.ParseUint(payloadSizeStr, 10, 64); err != nil {
		return store.Operation{}, err
	}
	if op.Timestamp, err = strconv.ParseUint(timestampStr, 10, 64); err != nil {
		return store.Operation{}, err
	}
	if op.SeqNum, err = strconv.ParseUint(seqNumStr, 10, 64); err != nil {
		return store.Operation{}, err
	}
	if backlinkHex.Valid {
		backlink, err := hexDecode(backlinkHex.String)
		if err != nil {
			return store.Operation{}, err
		}
		op.Backlink = &backlink
	}
	op.Previous = decodePrevious(previous)

	return op, nil
}

func (s *Store) GetRawOperation(hash store.Hash) ([]byte, []byte, error) {
	row := s.db.QueryRow(
		`SELECT header_bytes, body FROM operations WHERE hash = ?`, hexEncode(hash),
	)
	var header, body []byte
	if err := row.Scan(&header, &body); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, fmt.Errorf("%w: %x", store.ErrOperationNotFound, hash)
		}
		return nil, nil, fmt.Errorf("store/sqlite: get raw operation %x: %w", hash, err)
	}
	return header, body, nil
}

func (s *Store) HasOperation(hash store.Hash) (bool, error) {
	row := s.db.QueryRow(`SELECT 1 FROM operations WHERE hash = ?`, hexEncode(hash))
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("store/sqlite: has operation %x: %w", hash, err)
	}
	return true, nil
}

func (s *Store) DeleteOperation(hash store.Hash) error {
	res, err := s.db.Exec(`DELETE FROM operations WHERE hash = ?`, hexEncode(hash))
	if err != nil {
		return fmt.Errorf("store/sqlite: delete operation %x: %w", hash, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %x", store.ErrOperationNotFound, hash)
	}
	return nil
}

func (s *Store) DeletePayload(hash store.Hash) error {
	res, err := s.db.Exec(`UPDATE operations SET body = NULL WHERE hash = ?`, hexEncode(hash))
	if err != nil {
		return fmt.Errorf("store/sqlite: delete payload %x: %w", hash, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %x", store.ErrOperationNotFound, hash)
	}
	return nil
}

func (s *Store) queryLog(publicKey keys.PublicKey, logID uint64) ([]store.Operation, error) {
	rows, err := s.db.Query(
		`SELECT hash, log_id, version, public_key, signature, payload_size,
			payload_hash, timestamp, seq_num, backlink, previous,
			extensions, body, header_bytes
		 FROM operations WHERE public_key = ? AND log_id = ? ORDER BY CAST(seq_num AS INTEGER)`,
		hexEncode(publicKey), strconv.FormatUint(logID, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("store/sqlite: query log: %w", err)
	}
	defer rows.Close()

	var out []store.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("store/sqlite: scan log row: %w", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store/sqlite: iterate log: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: log %d for %x", store.ErrLogNotFound, logID, publicKey)
	}
	return out, nil
}

func (s *Store) GetLog(publicKey keys.PublicKey, logID uint64) ([]store.Operation, error) {
	return s.queryLog(publicKey, logID)
}

func (s *Store) GetRawLog(publicKey keys.PublicKey, logID uint64) ([]store.Operation, error) {
	return s.queryLog(publicKey, logID)
}

func (s *Store) LatestOperation(publicKey keys.PublicKey, logID uint64) (*store.Operation, error) {
	row := s.db.QueryRow(
		`SELECT hash, log_id, version, public_key, signature, payload_size,
			payload_hash, timestamp, seq_num, backlink, previous,
			extensions, body, header_bytes
		 FROM operations WHERE public_key = ? AND log_id = ?
		 ORDER BY CAST(seq_num AS INTEGER) DESC LIMIT 1`,
		hexEncode(publicKey), strconv.FormatUint(logID, 10),
	)
	op, err := scanOperation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store/sqlite: latest operation: %w", err)
	}
	return &op, nil
}

func (s *Store) GetLogHashes(publicKey keys.PublicKey, logID uint64) ([]store.Hash, error) {
	rows, err := s.db.Query(
		`SELECT hash FROM operations WHERE public_key = ? AND log_id = ?
		 ORDER BY CAST(seq_num AS INTEGER)`,
		hexEncode(publicKey), strconv.FormatUint(logID, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("store/sqlite: get log hashes: %w", err)
	}
	defer rows.Close()

	var out []store.Hash
	for rows.Next() {
		var hashHex string
		if err := rows.Scan(&hashHex); err != nil {
			return nil, fmt.Errorf("store/sqlite: scan hash: %w", err)
		}
		h, err := hexDecode(hashHex)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: log %d for %x", store.ErrLogNotFound, logID, publicKey)
	}
	return out, nil
}

func (s *Store) GetLogSize(publicKey keys.PublicKey, logID uint64) (uint64, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*) FROM operations WHERE public_key = ? AND log_id = ?`,
		hexEncode(publicKey), strconv.FormatUint(logID, 10),
	)
	var n uint64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("store/sqlite: get log size: %w", err)
	}
	return n, nil
}

func (s *Store) GetLogHeights(publicKey keys.PublicKey) ([]wire.LogHeight, error) {
	rows, err := s.db.Query(
		`SELECT CAST(log_id AS INTEGER), MAX(CAST(seq_num AS INTEGER))
		 FROM operations WHERE public_key = ? GROUP BY log_id`,
		hexEncode(publicKey),
	)
	if err != nil {
		return nil, fmt.Errorf("store/sqlite: get log heights: %w", err)
	}
	defer rows.Close()

	var out []wire.LogHeight
	for rows.Next() {
		var h wire.LogHeight
		if err := rows.Scan(&h.LogID, &h.LatestSeqNum); err != nil {
			return nil, fmt.Errorf("store/sqlite: scan log height: %w", err)
		}
		out = append(out, h)
	}
	return out, nil
}

func (s *Store) DeleteOperations(publicKey keys.PublicKey, logID uint64, upToSeqNum uint64) error {
	_, err := s.db.Exec(
		`DELETE FROM operations WHERE public_key = ? AND log_id = ? AND CAST(seq_num AS INTEGER) <= ?`,
		hexEncode(publicKey), strconv.FormatUint(logID, 10), upToSeqNum,
	)
	if err != nil {
		return fmt.Errorf("store/sqlite: delete operations: %w", err)
	}
	return nil
}

func (s *Store) DeletePayloads(publicKey keys.PublicKey, logID uint64, upToSeqNum uint64) error {
	_, err := s.db.Exec(
		`UPDATE operations SET body = NULL WHERE public_key = ? AND log_id = ? AND CAST(seq_num AS INTEGER) <= ?`,
		hexEncode(publicKey), strconv.FormatUint(logID, 10), upToSeqNum,
	)
	if err != nil {
		return fmt.Errorf("store/sqlite: delete payloads: %w", err)
	}
	return nil
}
