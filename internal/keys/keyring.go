package keys

import (
	"crypto/sha256"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/hengadev/phisafe/internal/security"
)

const (
	// DeriveIterations is the PBKDF2 work factor for purpose keys.
	DeriveIterations = 100_000
	deriveSaltPrefix = "phisafe/derive/v1/"
)

// EncryptionKey is one master key version.
type EncryptionKey struct {
	Version   int
	Material  []byte
	CreatedAt time.Time
}

func (k EncryptionKey) clone() EncryptionKey {
	return EncryptionKey{Version: k.Version, Material: security.CopyKey(k.Material), CreatedAt: k.CreatedAt}
}

// keyring is the published (current, previous) pair. It is never mutated
// after publication except by retire, which wipes it once a newer ring has
// replaced it.
type keyring struct {
	current  EncryptionKey
	previous *EncryptionKey

	mu      sync.RWMutex
	retired bool
	derived sync.Map // "version/purpose" -> []byte
}

func newKeyring(current EncryptionKey, previous *EncryptionKey) *keyring {
	r := &keyring{current: current.clone()}
	if previous != nil {
		p := previous.clone()
		r.previous = &p
	}
	return r
}

// acquire copies the ring's keys out. It fails once the ring is retired so
// callers reload the published pointer.
func (r *keyring) acquire() (*Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.retired {
		return nil, false
	}
	s := &Snapshot{ring: r, current: r.current.clone()}
	if r.previous != nil {
		p := r.previous.clone()
		s.previous = &p
	}
	return s, true
}

func (r *keyring) derive(key EncryptionKey, purpose string) []byte {
	cacheKey := strconv.Itoa(key.Version) + "/" + purpose

	r.mu.RLock()
	if !r.retired {
		if v, ok := r.derived.Load(cacheKey); ok {
			out := security.CopyKey(v.([]byte))
			r.mu.RUnlock()
			return out
		}
	}
	r.mu.RUnlock()

	dk := deriveKey(key.Material, purpose)

	r.mu.RLock()
	if !r.retired {
		r.derived.LoadOrStore(cacheKey, security.CopyKey(dk))
	}
	r.mu.RUnlock()
	return dk
}

// retire wipes every copy of key material the ring holds.
func (r *keyring) retire() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retired {
		return
	}
	r.retired = true
	security.ZeroBytes(r.current.Material)
	if r.previous != nil {
		security.ZeroBytes(r.previous.Material)
	}
	r.derived.Range(func(k, v any) bool {
		security.ZeroBytes(v.([]byte))
		r.derived.Delete(k)
		return true
	})
}

func deriveKey(master []byte, purpose string) []byte {
	return pbkdf2.Key(master, []byte(deriveSaltPrefix+purpose), DeriveIterations, KeySize, sha256.New)
}

// Snapshot is a consistent copy of the (current, previous) pair taken at one
// instant. Callers use a single snapshot for a whole encrypt or decrypt call
// and Wipe it afterwards.
type Snapshot struct {
	ring     *keyring
	current  EncryptionKey
	previous *EncryptionKey
}

// Current returns the current key.
func (s *Snapshot) Current() EncryptionKey { return s.current }

// Previous returns the previous key, if any.
func (s *Snapshot) Previous() (EncryptionKey, bool) {
	if s.previous == nil {
		return EncryptionKey{}, false
	}
	return *s.previous, true
}

// Candidates lists keys in decryption order: current first, then previous.
func (s *Snapshot) Candidates() []EncryptionKey {
	if s.previous == nil {
		return []EncryptionKey{s.current}
	}
	return []EncryptionKey{s.current, *s.previous}
}

// Derive returns the purpose key derived from the given master key.
func (s *Snapshot) Derive(key EncryptionKey, purpose string) []byte {
	if s.ring == nil {
		return deriveKey(key.Material, purpose)
	}
	return s.ring.derive(key, purpose)
}

// Wipe zeroes the snapshot's copies of key material.
func (s *Snapshot) Wipe() {
	security.ZeroBytes(s.current.Material)
	if s.previous != nil {
		security.ZeroBytes(s.previous.Material)
	}
}
