package server

import (
	"sync"
	"time"

	"clichat/models"

	"github.com/pkg/errors"
)

// LinkState is one side's view of the key exchange with a peer. States only
// ever advance through EstablishLink and Activate; replacing a key record
// resets every link that referenced it.
type LinkState int

const (
	// NoKey: no key of the peer has been seen.
	NoKey LinkState = iota
	// KeyKnown: the peer's public key arrived but encryption is not enabled.
	KeyKnown
	// EncryptionActive: the holder chose to encrypt whispers to the peer.
	EncryptionActive
)

var (
	ErrNoKeyRecord  = errors.New("no key available")
	ErrLinkNotKnown = errors.New("no key exchange with that user")
)

type linkKey struct {
	from, to string
}

// KeyStore owns the registered public keys and the directional encryption
// links between user pairs. It is shared by every connection worker and is
// the only place key-exchange state lives.
type KeyStore struct {
	mu      sync.RWMutex
	records map[string]models.KeyRecord
	links   map[linkKey]LinkState
}

func NewKeyStore() *KeyStore {
	return &KeyStore{
		records: make(map[string]models.KeyRecord),
		links:   make(map[linkKey]LinkState),
	}
}

// PutRecord registers owner's public key, replacing any prior record.
// Links pointing at the owner referenced the old key and are invalidated.
func (ks *KeyStore) PutRecord(owner string, publicKeyPEM []byte) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.records[owner] = models.KeyRecord{
		Owner:        owner,
		PublicKeyPEM: publicKeyPEM,
		RegisteredAt: time.Now().UTC(),
	}
	for key := range ks.links {
		if key.to == owner {
			delete(ks.links, key)
		}
	}
}

// Record returns owner's current key record, if any.
func (ks *KeyStore) Record(owner string) (models.KeyRecord, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	rec, ok := ks.records[owner]
	return rec, ok
}

// EstablishLink marks that holder has received peer's public key. It fails
// if peer has no current key record.
func (ks *KeyStore) EstablishLink(holder, peer string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if _, ok := ks.records[peer]; !ok {
		return ErrNoKeyRecord
	}
	if ks.links[linkKey{holder, peer}] != EncryptionActive {
		ks.links[linkKey{holder, peer}] = KeyKnown
	}
	return nil
}

// Link returns holder's state toward peer.
func (ks *KeyStore) Link(holder, peer string) LinkState {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.links[linkKey{holder, peer}]
}

// Activate transitions holder's link toward peer from KeyKnown to
// EncryptionActive. Activating an unknown link fails and changes nothing.
func (ks *KeyStore) Activate(holder, peer string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	switch ks.links[linkKey{holder, peer}] {
	case KeyKnown, EncryptionActive:
		ks.links[linkKey{holder, peer}] = EncryptionActive
		return nil
	default:
		return ErrLinkNotKnown
	}
}
