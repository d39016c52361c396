package main

import (
	"context"
	"fmt"
	"time"

	"github.com/p2panda/dcgka-core/pkg/config"
	"github.com/p2panda/dcgka-core/pkg/keys"
	"github.com/p2panda/dcgka-core/pkg/logsync"
	"github.com/p2panda/dcgka-core/pkg/net/local"
	"github.com/p2panda/dcgka-core/pkg/store"
	"github.com/p2panda/dcgka-core/pkg/store/contenthash"
	"github.com/p2panda/dcgka-core/pkg/store/sqlite"
)

// peerStore is satisfied by both store.Memory and sqlite.Store; the sync
// demo drives each peer through it without caring which backend is live.
type peerStore interface {
	store.OperationStore
	store.LogStore
}

// openPeerStores returns the sender and receiver stores runLocalSync
// seeds and syncs against, following cfg.Storage.Backend. The sqlite
// backend opens two separate database files derived from
// cfg.Storage.Path, one per side of the demo, since a real deployment
// never has two peers sharing a single database.
func openPeerStores(cfg config.Config) (sender, receiver peerStore, cleanup func(), err error) {
	if cfg.Storage.Backend != config.StorageSQLite {
		return store.NewMemory(), store.NewMemory(), func() {}, nil
	}

	senderStore, err := sqlite.Open(cfg.Storage.Path + ".sender")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open sender store: %w", err)
	}
	receiverStore, err := sqlite.Open(cfg.Storage.Path + ".receiver")
	if err != nil {
		senderStore.Close()
		return nil, nil, nil, fmt.Errorf("open receiver store: %w", err)
	}
	cleanup = func() {
		senderStore.Close()
		receiverStore.Close()
	}
	return senderStore, receiverStore, cleanup, nil
}

// runLocalSync seeds opCount operations on one peer's log and runs a
// local pkg/logsync exchange against an empty second peer, the way two
// real nodes would reconcile over a transport this harness doesn't open.
// It returns the hashes the receiving peer learned.
func runLocalSync(cfg config.Config, opCount int, dedupCapacity int) ([]store.Hash, error) {
	if opCount < 0 {
		return nil, fmt.Errorf("operations must be non-negative")
	}

	var pub keys.PublicKey
	pub[0] = 1

	sender, receiver, cleanup, err := openPeerStores(cfg)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	for seq := 0; seq < opCount; seq++ {
		header := []byte{byte(seq)}
		body := []byte(fmt.Sprintf("operation-%d", seq))
		op := store.Operation{
			Hash:        contenthash.Hash(header),
			LogID:       1,
			Version:     1,
			PublicKey:   pub,
			SeqNum:      uint64(seq),
			PayloadSize: uint64(len(body)),
			Body:        body,
			HeaderBytes: header,
		}
		if err := sender.InsertOperation(op); err != nil {
			return nil, fmt.Errorf("seed operation %d: %w", seq, err)
		}
	}

	const channelName = "dcgka-node-sync-demo"
	defer local.Close(channelName)
	senderSink, senderStream, err := local.Join(channelName, 64)
	if err != nil {
		return nil, fmt.Errorf("join local transport: %w", err)
	}
	receiverSink, receiverStream, err := local.Join(channelName, 64)
	if err != nil {
		return nil, fmt.Errorf("join local transport: %w", err)
	}

	interests := []logsync.Interest{{PublicKey: pub, LogID: 1}}
	opts := logsync.Options{Interests: interests, HashHeader: contenthash.Hash, DedupCapacity: dedupCapacity}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	senderSession, err := logsync.NewSession(ctx, sender, sender, senderSink, senderStream, opts)
	if err != nil {
		return nil, fmt.Errorf("create sender session: %w", err)
	}
	receiverSession, err := logsync.NewSession(ctx, receiver, receiver, receiverSink, receiverStream, opts)
	if err != nil {
		return nil, fmt.Errorf("create receiver session: %w", err)
	}

	senderDone := make(chan error, 1)
	go func() {
		go func() {
			for range senderSession.Events() {
			}
		}()
		_, err := senderSession.Run()
		senderDone <- err
	}()

	go func() {
		for ev := range receiverSession.Events() {
			if ev.Kind == logsync.EventData {
				logger.Infof("received operation: %s", string(ev.Body))
			}
		}
	}()

	hashes, err := receiverSession.Run()
	if sendErr := <-senderDone; sendErr != nil && err == nil {
		err = sendErr
	}
	if err != nil {
		return nil, fmt.Errorf("sync session failed: %w", err)
	}
	return hashes, nil
}
