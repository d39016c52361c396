package local

import (
	"testing"

	"github.com/p2panda/dcgka-core/pkg/wire"
)

var hello = wire.LogSyncMessage{Kind: wire.LogSyncHave}

func TestJoinPairsFirstTwoCallers(t *testing.T) {
	defer Close("demo")

	sinkA, streamA, err := Join("demo", 4)
	if err != nil {
		t.Fatalf("first Join: %v", err)
	}
	sinkB, streamB, err := Join("demo", 4)
	if err != nil {
		t.Fatalf("second Join: %v", err)
	}

	sinkA <- hello
	if got := <-streamB; got.Kind != hello.Kind {
		t.Fatalf("streamB got %+v, want %+v", got, hello)
	}

	sinkB <- hello
	if got := <-streamA; got.Kind != hello.Kind {
		t.Fatalf("streamA got %+v, want %+v", got, hello)
	}
}

func TestJoinRejectsThirdPeer(t *testing.T) {
	defer Close("crowded")

	if _, _, err := Join("crowded", 4); err != nil {
		t.Fatalf("first Join: %v", err)
	}
	if _, _, err := Join("crowded", 4); err != nil {
		t.Fatalf("second Join: %v", err)
	}
	if _, _, err := Join("crowded", 4); err == nil {
		t.Fatalf("third Join should fail")
	}
}
