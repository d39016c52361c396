// Package local is a non-networked rendezvous point for pkg/logsync
// sessions, adapted from the teacher's local broadcast-channel hub: the
// same mutex-guarded registry of named channels, but paired instead of
// broadcast, since a log sync session is strictly pairwise rather than a
// group protocol. It exists for local demos and tests, not for use at
// scale.
package local

import (
	"fmt"
	"sync"

	"github.com/p2panda/dcgka-core/pkg/wire"
)

var mu sync.Mutex
var lobby = map[string]*pairing{}

// pairing holds the two directional channels for one named rendezvous:
// messages written to first are read from second's stream side and vice
// versa.
type pairing struct {
	first  chan wire.LogSyncMessage
	second chan wire.LogSyncMessage
	joined int
}

// Join returns the sink/stream channels for one side of the named
// rendezvous. The first caller for a given name becomes side A; the
// second caller becomes side B, its sink wired to side A's stream and
// vice versa. A third Join on the same name fails: unlike the teacher's
// original broadcast channel, which fans a message out to every
// subscriber, these channels back exactly one pairwise pkg/logsync
// session.
func Join(name string, capacity int) (sink chan<- wire.LogSyncMessage, stream <-chan wire.LogSyncMessage, err error) {
	mu.Lock()
	defer mu.Unlock()

	p, exists := lobby[name]
	if !exists {
		p = &pairing{
			first:  make(chan wire.LogSyncMessage, capacity),
			second: make(chan wire.LogSyncMessage, capacity),
		}
		lobby[name] = p
	}

	switch p.joined {
	case 0:
		p.joined++
		return p.first, p.second, nil
	case 1:
		p.joined++
		return p.second, p.first, nil
	default:
		return nil, nil, fmt.Errorf("local: channel %q already has two joined peers", name)
	}
}

// Close forgets a named rendezvous so its name can be reused by a later
// Join. It does not close the underlying channels; a peer still reading
// from one will simply see no further deliveries.
func Close(name string) {
	mu.Lock()
	defer mu.Unlock()
	delete(lobby, name)
}
