// Package keys manages the PHI master keyring: generation, purpose-key
// derivation, rotation with a one-version grace window, and backup/restore.
//
// The published keyring is swapped atomically; readers take a Snapshot and
// never block on rotation. Rotation and restore are serialized.
package keys

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hengadev/phisafe/internal/monitoring"
	"github.com/hengadev/phisafe/internal/phierr"
	"github.com/hengadev/phisafe/internal/security"
)

const DefaultRotationPeriod = 90 * 24 * time.Hour

// KeyInfo is the operational summary of the keyring. It never carries material.
type KeyInfo struct {
	Version            int       `json:"version"`
	HasCurrent         bool      `json:"has_current"`
	HasPrevious        bool      `json:"has_previous"`
	PreviousVersion    int       `json:"previous_version,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	AgeDays            int       `json:"age_days"`
	RotationPeriodDays int       `json:"rotation_period_days"`
	RotationDue        bool      `json:"rotation_due"`
	Source             string    `json:"source"`
	Purposes           []string  `json:"purposes"`
}

// Manager owns the keyring.
type Manager struct {
	source  KeySource
	store   StateStore
	backups BackupStore

	ring  atomic.Pointer[keyring]
	mu    sync.Mutex // serializes rotate, restore and purpose recording
	state State      // last persisted state, guarded by mu

	masterKey      []byte
	masterVersion  int
	rotationPeriod time.Duration
	now            func() time.Time
	logger         zerolog.Logger
	observability  monitoring.ObservabilityHook
}

// Option configures a Manager.
type Option func(*Manager)

// WithMasterKey installs material at version when the state store is empty.
func WithMasterKey(material []byte, version int) Option {
	return func(m *Manager) {
		m.masterKey = security.CopyKey(material)
		m.masterVersion = version
	}
}

func WithRotationPeriod(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.rotationPeriod = d
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithObservability(hook monitoring.ObservabilityHook) Option {
	return func(m *Manager) {
		if hook != nil {
			m.observability = hook
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager loads the keyring from store, or initializes it from the
// configured master key, or generates version 1 when neither exists.
// A nil store keeps state in memory; a nil backups disables backup and restore.
func NewManager(ctx context.Context, source KeySource, store StateStore, backups BackupStore, opts ...Option) (*Manager, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: key source cannot be nil", phierr.ErrInvalidConfiguration)
	}
	if store == nil {
		store = NewMemoryStateStore()
	}

	m := &Manager{
		source:         source,
		store:          store,
		backups:        backups,
		masterVersion:  1,
		rotationPeriod: DefaultRotationPeriod,
		now:            time.Now,
		logger:         zerolog.Nop(),
		observability:  &monitoring.NoOpObservabilityHook{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "keys").Str("key_source", source.Name()).Logger()
	defer security.ZeroBytes(m.masterKey)

	state, err := store.Load(ctx)
	if err != nil {
		return nil, phierr.NewKeyManagerError("load key state", err)
	}
	if state != nil {
		if err := m.install(ctx, *state); err != nil {
			return nil, err
		}
		m.logger.Info().Int("version", state.Current.Version).Msg("keyring loaded")
		return m, nil
	}

	if err := m.initialize(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) initialize(ctx context.Context) error {
	material := security.CopyKey(m.masterKey)
	origin := "configured"
	if material == nil {
		var err error
		material, err = m.GenerateKey(ctx)
		if err != nil {
			return err
		}
		origin = "generated"
		m.masterVersion = 1
	}
	defer security.ZeroBytes(material)

	if !ValidateKey(material) {
		return phierr.NewKeyManagerError("initialize", fmt.Errorf("master key must be %d non-zero bytes", KeySize))
	}
	if m.masterVersion < 1 {
		return phierr.NewKeyManagerError("initialize", fmt.Errorf("key version must be positive, got %d", m.masterVersion))
	}

	current := EncryptionKey{Version: m.masterVersion, Material: material, CreatedAt: m.now().UTC()}
	wrapped, err := m.source.Wrap(ctx, material)
	if err != nil {
		return phierr.NewKeyManagerError("wrap key", err)
	}
	state := State{
		Source:  m.source.Name(),
		Current: StoredKey{Version: current.Version, Wrapped: wrapped, CreatedAt: current.CreatedAt},
	}
	if err := m.store.Save(ctx, state); err != nil {
		return phierr.NewKeyManagerError("save key state", err)
	}

	m.state = state
	m.ring.Store(newKeyring(current, nil))
	m.logger.Info().Int("version", current.Version).Str("origin", origin).Msg("keyring initialized")
	m.observability.OnKeyOperation(ctx, "initialize", m.source.Name(), current.Version, map[string]any{"origin": origin})
	return nil
}

// install unwraps a persisted state and publishes it.
func (m *Manager) install(ctx context.Context, state State) error {
	current, previous, err := m.unwrapState(ctx, state)
	if err != nil {
		return phierr.NewKeyManagerError("unwrap key state", err)
	}
	defer current.wipe()
	if previous != nil {
		defer previous.wipe()
	}

	m.state = state.clone()
	m.ring.Store(newKeyring(current.EncryptionKey, previous.key()))
	return nil
}

type unwrapped struct{ EncryptionKey }

func (u *unwrapped) wipe() { security.ZeroBytes(u.Material) }

func (u *unwrapped) key() *EncryptionKey {
	if u == nil {
		return nil
	}
	return &u.EncryptionKey
}

func (m *Manager) unwrapState(ctx context.Context, state State) (*unwrapped, *unwrapped, error) {
	if state.Source != "" && state.Source != m.source.Name() {
		return nil, nil, fmt.Errorf("state was wrapped by key source %q, configured source is %q", state.Source, m.source.Name())
	}

	unwrap := func(k StoredKey) (*unwrapped, error) {
		material, err := m.source.Unwrap(ctx, k.Wrapped)
		if err != nil {
			return nil, err
		}
		if !ValidateKey(material) {
			security.ZeroBytes(material)
			return nil, fmt.Errorf("key version %d is not a valid %d-byte key", k.Version, KeySize)
		}
		return &unwrapped{EncryptionKey{Version: k.Version, Material: material, CreatedAt: k.CreatedAt}}, nil
	}

	current, err := unwrap(state.Current)
	if err != nil {
		return nil, nil, err
	}
	if state.Previous == nil {
		return current, nil, nil
	}
	previous, err := unwrap(*state.Previous)
	if err != nil {
		current.wipe()
		return nil, nil, err
	}
	return current, previous, nil
}

// GenerateKey returns KeySize fresh random bytes from the key source. The
// key is not installed.
func (m *Manager) GenerateKey(ctx context.Context) ([]byte, error) {
	key, err := m.source.NewKey(ctx)
	if err != nil {
		if errors.Is(err, phierr.ErrKeyManager) {
			return nil, err
		}
		return nil, phierr.NewKeyManagerError("generate key", err)
	}
	if len(key) != KeySize {
		security.ZeroBytes(key)
		return nil, phierr.NewKeyManagerError("generate key", fmt.Errorf("source returned %d bytes", len(key)))
	}
	return key, nil
}

// ValidateKey reports whether key is usable as a master key.
func ValidateKey(key []byte) bool {
	return len(key) == KeySize && !security.IsAllZero(key)
}

// Snapshot returns a consistent copy of the (current, previous) pair.
// Callers Wipe it when done.
func (m *Manager) Snapshot() *Snapshot {
	for {
		if s, ok := m.ring.Load().acquire(); ok {
			return s
		}
	}
}

// CurrentKey returns a copy of the current master key.
func (m *Manager) CurrentKey() EncryptionKey {
	s := m.Snapshot()
	if p, ok := s.Previous(); ok {
		security.ZeroBytes(p.Material)
	}
	return s.Current()
}

// PreviousKey returns a copy of the previous master key, absent until the
// first rotation.
func (m *Manager) PreviousKey() (EncryptionKey, bool) {
	s := m.Snapshot()
	defer security.ZeroBytes(s.Current().Material)
	return s.Previous()
}

// DeriveKey derives the purpose key from the current master key with
// PBKDF2-HMAC-SHA256. The result is deterministic per (master version,
// purpose) and the purpose is recorded in the keyring. No key is returned
// when the purpose cannot be persisted.
func (m *Manager) DeriveKey(purpose string) ([]byte, error) {
	if purpose == "" {
		return nil, phierr.NewKeyManagerError("derive key", fmt.Errorf("purpose cannot be empty"))
	}
	s := m.Snapshot()
	defer s.Wipe()

	if err := m.recordPurpose(purpose); err != nil {
		return nil, phierr.NewKeyManagerError("derive key", err)
	}
	return s.Derive(s.Current(), purpose), nil
}

// recordPurpose persists purpose before adding it to the in-memory keyring.
func (m *Manager) recordPurpose(purpose string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.state.Purposes {
		if p == purpose {
			return nil
		}
	}

	next := m.state.clone()
	next.Purposes = append(next.Purposes, purpose)
	sort.Strings(next.Purposes)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.Save(ctx, next); err != nil {
		m.logger.Warn().Err(err).Str("purpose", purpose).Msg("failed to persist key purpose")
		return fmt.Errorf("persist purpose: %w", err)
	}
	m.state = next
	return nil
}

// RotateKey installs a fresh key as current and demotes the old current to
// previous. The old previous is dropped and wiped. Returned keys are copies.
func (m *Manager) RotateKey(ctx context.Context) (newKey, oldKey EncryptionKey, err error) {
	start := time.Now()
	metadata := map[string]any{"operation_type": "key_rotation"}
	m.observability.OnProcessStart(ctx, "rotate", metadata)
	defer func() {
		m.observability.OnProcessComplete(ctx, "rotate", time.Since(start), err, metadata)
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	material, err := m.GenerateKey(ctx)
	if err != nil {
		m.observability.OnError(ctx, "rotate", err, metadata)
		return EncryptionKey{}, EncryptionKey{}, err
	}
	defer security.ZeroBytes(material)

	old := m.ring.Load()
	snap, ok := old.acquire()
	if !ok {
		return EncryptionKey{}, EncryptionKey{}, phierr.NewKeyManagerError("rotate", fmt.Errorf("keyring retired during rotation"))
	}
	defer snap.Wipe()

	current := EncryptionKey{Version: snap.current.Version + 1, Material: material, CreatedAt: m.now().UTC()}
	previous := snap.current

	wrapped, err := m.source.Wrap(ctx, material)
	if err != nil {
		err = phierr.NewKeyManagerError("wrap key", err)
		m.observability.OnError(ctx, "rotate", err, metadata)
		return EncryptionKey{}, EncryptionKey{}, err
	}
	next := State{
		Source:   m.source.Name(),
		Current:  StoredKey{Version: current.Version, Wrapped: wrapped, CreatedAt: current.CreatedAt},
		Previous: &StoredKey{Version: m.state.Current.Version, Wrapped: m.state.Current.Wrapped, CreatedAt: m.state.Current.CreatedAt},
		Purposes: m.state.Purposes,
	}
	if err := m.store.Save(ctx, next); err != nil {
		err = phierr.NewKeyManagerError("save key state", err)
		m.observability.OnError(ctx, "rotate", err, metadata)
		return EncryptionKey{}, EncryptionKey{}, err
	}

	m.state = next.clone()
	m.ring.Store(newKeyring(current, &previous))
	old.retire()

	metadata["old_version"] = previous.Version
	metadata["new_version"] = current.Version
	m.observability.OnKeyOperation(ctx, "rotate", m.source.Name(), current.Version, metadata)
	m.logger.Info().Int("old_version", previous.Version).Int("new_version", current.Version).Msg("master key rotated")

	return current.clone(), previous.clone(), nil
}

// BackupKeys writes the current keyring, wrapped, to the backup store and
// returns the artifact location.
func (m *Manager) BackupKeys(ctx context.Context, label string) (string, error) {
	if m.backups == nil {
		return "", phierr.NewKeyManagerError("backup", fmt.Errorf("no backup store configured"))
	}
	if label == "" {
		label = "backup"
	}
	if !labelPattern.MatchString(label) {
		return "", phierr.NewKeyManagerError("backup", fmt.Errorf("invalid backup label %q", label))
	}

	m.mu.Lock()
	state := m.state.clone()
	m.mu.Unlock()

	now := m.now()
	data, err := MarshalArtifact(newArtifact(label, state, now))
	if err != nil {
		return "", phierr.NewKeyManagerError("backup", err)
	}
	location, err := m.backups.Put(ctx, BackupName(label, now), data)
	if err != nil {
		return "", phierr.NewKeyManagerError("backup", err)
	}

	m.observability.OnKeyOperation(ctx, "backup", m.source.Name(), state.Current.Version, map[string]any{"label": label})
	m.logger.Info().Str("location", location).Int("version", state.Current.Version).Msg("keys backed up")
	return location, nil
}

// RestoreKeys replaces the live keyring with the one in the artifact at
// location. Any validation failure returns ErrKeyRestore and leaves live
// state untouched.
func (m *Manager) RestoreKeys(ctx context.Context, location string) error {
	if m.backups == nil {
		return phierr.NewKeyRestoreError("no backup store configured")
	}
	data, err := m.backups.Get(ctx, location)
	if err != nil {
		return fmt.Errorf("%w: %w", phierr.ErrKeyRestore, err)
	}

	state, err := ParseArtifact(data)
	if err != nil {
		return err
	}
	if state.Source != m.source.Name() {
		return phierr.NewKeyRestoreError(fmt.Sprintf("artifact key source %q does not match %q", state.Source, m.source.Name()))
	}

	current, previous, err := m.unwrapState(ctx, state)
	if err != nil {
		return phierr.NewKeyRestoreError(err.Error())
	}
	defer current.wipe()
	if previous != nil {
		defer previous.wipe()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Save(ctx, state); err != nil {
		return fmt.Errorf("%w: %w", phierr.ErrKeyRestore, err)
	}
	old := m.ring.Load()
	m.state = state.clone()
	m.ring.Store(newKeyring(current.EncryptionKey, previous.key()))
	old.retire()

	m.observability.OnKeyOperation(ctx, "restore", m.source.Name(), state.Current.Version, map[string]any{"location": location})
	m.logger.Warn().Str("location", location).Int("version", state.Current.Version).Msg("keyring restored from backup")
	return nil
}

// ListBackups lists artifacts in the backup store, oldest first.
func (m *Manager) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	if m.backups == nil {
		return nil, nil
	}
	infos, err := m.backups.List(ctx)
	if err != nil {
		return nil, phierr.NewKeyManagerError("list backups", err)
	}
	SortBackups(infos)
	return infos, nil
}

// KeyInfo summarizes the keyring without exposing material.
func (m *Manager) KeyInfo() KeyInfo {
	m.mu.Lock()
	state := m.state.clone()
	m.mu.Unlock()

	age := m.now().Sub(state.Current.CreatedAt)
	if age < 0 {
		age = 0
	}
	info := KeyInfo{
		Version:            state.Current.Version,
		HasCurrent:         state.Current.Version > 0,
		HasPrevious:        state.Previous != nil,
		CreatedAt:          state.Current.CreatedAt,
		AgeDays:            int(math.Floor(age.Hours() / 24)),
		RotationPeriodDays: int(m.rotationPeriod / (24 * time.Hour)),
		RotationDue:        age >= m.rotationPeriod,
		Source:             m.source.Name(),
		Purposes:           state.Purposes,
	}
	if info.Purposes == nil {
		info.Purposes = []string{}
	}
	if state.Previous != nil {
		info.PreviousVersion = state.Previous.Version
	}
	return info
}

// SourceName returns the configured key source name.
func (m *Manager) SourceName() string { return m.source.Name() }
