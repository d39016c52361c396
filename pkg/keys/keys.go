// Package keys implements the key manager and pre-key registry (C2):
// identity keys plus short-lived one-time pre-key bundles, registered and
// consumed exactly once on first contact between two members.
package keys

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/curve25519"

	"github.com/p2panda/dcgka-core/internal/logging"
)

var logger = logging.Logger("keys")

var (
	ErrUnknownPreKey         = errors.New("keys: unknown pre-key bundle")
	ErrPreKeyAlreadyConsumed = errors.New("keys: pre-key bundle already consumed")
	ErrKeyDerivationFailed   = errors.New("keys: key derivation failed")
)

// BundleID identifies one one-time pre-key bundle belonging to an owner.
type BundleID uint64

// PublicKey is an x25519 public key, used both as a long-term identity key
// and as a one-time pre-key.
type PublicKey [32]byte

// PrivateKey is the corresponding x25519 scalar.
type PrivateKey [32]byte

// GenerateKeyPair produces a fresh x25519 key pair suitable either for a
// long-term identity or for a one-time pre-key.
func GenerateKeyPair() (PrivateKey, PublicKey, error) {
	var priv PrivateKey
	if _, err := rand.Read(priv[:]); err != nil {
		return PrivateKey{}, PublicKey{}, fmt.Errorf("%w: %v", ErrKeyDerivationFailed, err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return PrivateKey{}, PublicKey{}, fmt.Errorf("%w: %v", ErrKeyDerivationFailed, err)
	}
	var pk PublicKey
	copy(pk[:], pub)
	return priv, pk, nil
}

// PreKeyBundle is the long-term identity public key plus a single-use key;
// consumed exactly once on first contact. Bundles carry no expiry.
type PreKeyBundle struct {
	ID          BundleID
	IdentityKey PublicKey
	OneTimeKey  PublicKey
}

// Manager owns the local identity private key and a pool of unused one-time
// pre-keys, corresponding to the spec's `PreKeyManager` collaborator.
type Manager struct {
	mu sync.Mutex

	identityPriv PrivateKey
	identityPub  PublicKey

	nextID BundleID
	unused map[BundleID]PrivateKey
}

// Init creates a Manager with a freshly generated identity key pair.
func Init() (*Manager, error) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Manager{
		identityPriv: priv,
		identityPub:  pub,
		unused:       make(map[BundleID]PrivateKey),
	}, nil
}

// IdentityPublicKey returns the manager's long-term public key.
func (m *Manager) IdentityPublicKey() PublicKey {
	return m.identityPub
}

// GenerateOnetimeBundle consumes one unit of randomness to produce a new
// one-time pre-key bundle, retaining the private half locally until a peer
// consumes it via ConsumeOnetimeBundle.
func (m *Manager) GenerateOnetimeBundle() (*PreKeyBundle, error) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.unused[id] = priv

	logger.Debugf("generated one-time pre-key bundle %d", id)

	return &PreKeyBundle{
		ID:          id,
		IdentityKey: m.identityPub,
		OneTimeKey:  pub,
	}, nil
}

// ConsumeOnetimeBundle returns the private key matching a bundle this
// manager generated, and marks it used. A second call for the same id fails
// with ErrPreKeyAlreadyConsumed — this is the race the spec's "Pre-key
// consumption" design note calls out: the loser of a concurrent race must
// restart with a fresh bundle.
func (m *Manager) ConsumeOnetimeBundle(id BundleID) (PrivateKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	priv, ok := m.unused[id]
	if !ok {
		return PrivateKey{}, fmt.Errorf("%w: bundle %d", ErrPreKeyAlreadyConsumed, id)
	}
	delete(m.unused, id)
	return priv, nil
}

// IdentityPrivateKey returns the manager's long-term private key, used by
// pkg/ratchet to perform the first X3DH-style exchange.
func (m *Manager) IdentityPrivateKey() PrivateKey {
	return m.identityPriv
}

// Registry stores pre-key bundles received from peers, indexed by owner.
// Corresponds to the spec's `KeyRegistry` collaborator.
type Registry struct {
	mu       sync.Mutex
	bundles  map[ownerBundle]*PreKeyBundle
	consumed map[ownerBundle]struct{}
}

type ownerBundle struct {
	owner PublicKey
	id    BundleID
}

// InitRegistry creates an empty pre-key registry.
func InitRegistry() *Registry {
	return &Registry{
		bundles:  make(map[ownerBundle]*PreKeyBundle),
		consumed: make(map[ownerBundle]struct{}),
	}
}

// AddOnetimeBundle registers a bundle received from a peer. Idempotent per
// (owner, bundle id): registering the same bundle twice is not an error.
func (r *Registry) AddOnetimeBundle(owner PublicKey, bundle *PreKeyBundle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := ownerBundle{owner: owner, id: bundle.ID}
	if _, exists := r.bundles[key]; exists {
		return
	}
	r.bundles[key] = bundle
}

// Consume hands out a registered bundle for first contact with owner,
// refusing to return the same bundle twice.
func (r *Registry) Consume(owner PublicKey, id BundleID) (*PreKeyBundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := ownerBundle{owner: owner, id: id}
	if _, alreadyConsumed := r.consumed[key]; alreadyConsumed {
		return nil, fmt.Errorf("%w: owner %x bundle %d", ErrPreKeyAlreadyConsumed, owner[:4], id)
	}
	bundle, ok := r.bundles[key]
	if !ok {
		return nil, fmt.Errorf("%w: owner %x bundle %d", ErrUnknownPreKey, owner[:4], id)
	}
	r.consumed[key] = struct{}{}
	return bundle, nil
}

// AnyUnconsumed returns an arbitrary unconsumed bundle registered for owner,
// or false if none is available. Used by pkg/dcgka to open a first-contact
// channel without naming a specific bundle id. It does not mark the bundle
// as consumed.
func (r *Registry) AnyUnconsumed(owner PublicKey) (*PreKeyBundle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, bundle := range r.bundles {
		if key.owner != owner {
			continue
		}
		if _, consumed := r.consumed[key]; consumed {
			continue
		}
		return bundle, true
	}
	return nil, false
}
