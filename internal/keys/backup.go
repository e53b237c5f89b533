package keys

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"github.com/hengadev/phisafe/internal/phierr"
)

const (
	BackupFormat        = "phisafe-key-backup"
	BackupFormatVersion = 1
	backupExt           = ".yaml"
)

// ErrBackupNotFound is returned by a BackupStore when a location is unknown.
var ErrBackupNotFound = errors.New("backup not found")

var labelPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// BackupInfo describes a stored backup artifact.
type BackupInfo struct {
	Name      string    `json:"name"`
	Location  string    `json:"location"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// BackupStore holds backup artifacts, separately from the key state store.
type BackupStore interface {
	Put(ctx context.Context, name string, data []byte) (location string, err error)
	Get(ctx context.Context, location string) ([]byte, error)
	List(ctx context.Context) ([]BackupInfo, error)
}

// Artifact is the self-describing backup document.
type Artifact struct {
	Format        string       `yaml:"format"`
	FormatVersion int          `yaml:"format_version"`
	Label         string       `yaml:"label"`
	CreatedAt     time.Time    `yaml:"created_at"`
	KeySource     string       `yaml:"key_source"`
	Current       *ArtifactKey `yaml:"current"`
	Previous      *ArtifactKey `yaml:"previous,omitempty"`
	Purposes      []string     `yaml:"purposes,omitempty"`
}

// ArtifactKey is one key version inside an artifact. Material is the
// base64 encoding of the KeySource-wrapped key.
type ArtifactKey struct {
	Version   int       `yaml:"version"`
	CreatedAt time.Time `yaml:"created_at"`
	Material  string    `yaml:"material"`
}

func newArtifact(label string, state State, now time.Time) Artifact {
	a := Artifact{
		Format:        BackupFormat,
		FormatVersion: BackupFormatVersion,
		Label:         label,
		CreatedAt:     now.UTC(),
		KeySource:     state.Source,
		Current:       toArtifactKey(state.Current),
		Purposes:      append([]string(nil), state.Purposes...),
	}
	if state.Previous != nil {
		a.Previous = toArtifactKey(*state.Previous)
	}
	return a
}

func toArtifactKey(k StoredKey) *ArtifactKey {
	return &ArtifactKey{
		Version:   k.Version,
		CreatedAt: k.CreatedAt.UTC(),
		Material:  base64.StdEncoding.EncodeToString(k.Wrapped),
	}
}

// MarshalArtifact renders an artifact as YAML.
func MarshalArtifact(a Artifact) ([]byte, error) {
	return yaml.Marshal(a)
}

// ParseArtifact decodes and structurally validates an artifact. It checks
// format, version continuity and encoding; key lengths are checked after
// unwrapping.
func ParseArtifact(data []byte) (State, error) {
	var a Artifact
	if err := yaml.Unmarshal(data, &a); err != nil {
		return State{}, phierr.NewKeyRestoreError("artifact is not valid YAML")
	}
	if a.Format != BackupFormat {
		return State{}, phierr.NewKeyRestoreError(fmt.Sprintf("unknown artifact format %q", a.Format))
	}
	if a.FormatVersion != BackupFormatVersion {
		return State{}, phierr.NewKeyRestoreError(fmt.Sprintf("unsupported format version %d", a.FormatVersion))
	}
	if a.Current == nil {
		return State{}, phierr.NewKeyRestoreError("artifact has no current key")
	}
	if a.Current.Version < 1 {
		return State{}, phierr.NewKeyRestoreError("current key version must be positive")
	}
	if a.Previous != nil && a.Previous.Version < 1 {
		return State{}, phierr.NewKeyRestoreError("previous key version must be positive")
	}

	state := State{Source: a.KeySource, Purposes: a.Purposes}
	current, err := fromArtifactKey(*a.Current)
	if err != nil {
		return State{}, err
	}
	state.Current = current

	if a.Previous != nil {
		if a.Current.Version-a.Previous.Version != 1 {
			return State{}, phierr.NewKeyRestoreError(fmt.Sprintf(
				"version discontinuity: current %d, previous %d", a.Current.Version, a.Previous.Version))
		}
		previous, err := fromArtifactKey(*a.Previous)
		if err != nil {
			return State{}, err
		}
		state.Previous = &previous
	}
	return state, nil
}

func fromArtifactKey(k ArtifactKey) (StoredKey, error) {
	wrapped, err := base64.StdEncoding.DecodeString(k.Material)
	if err != nil || len(wrapped) == 0 {
		return StoredKey{}, phierr.NewKeyRestoreError(fmt.Sprintf("key version %d has invalid material encoding", k.Version))
	}
	return StoredKey{Version: k.Version, Wrapped: wrapped, CreatedAt: k.CreatedAt.UTC()}, nil
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// BackupName returns "<label>-<ULID>.yaml" for the given time.
func BackupName(label string, t time.Time) string {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	entropyMu.Unlock()
	return label + "-" + id.String() + backupExt
}

// ParseBackupName extracts the label and creation time from a backup name.
func ParseBackupName(name string) (label string, createdAt time.Time, ok bool) {
	base := strings.TrimSuffix(filepath.Base(name), backupExt)
	if base == filepath.Base(name) {
		return "", time.Time{}, false
	}
	i := strings.LastIndex(base, "-")
	if i <= 0 {
		return "", time.Time{}, false
	}
	id, err := ulid.ParseStrict(base[i+1:])
	if err != nil {
		return "", time.Time{}, false
	}
	return base[:i], ulid.Time(id.Time()).UTC(), true
}

// SortBackups orders backups oldest first, by name on ties.
func SortBackups(infos []BackupInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
}

// FileBackupStore writes artifacts to a local directory (0700, files 0600).
type FileBackupStore struct {
	dir string
}

func NewFileBackupStore(dir string) (*FileBackupStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: backup directory cannot be empty", phierr.ErrInvalidConfiguration)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &FileBackupStore{dir: dir}, nil
}

func (f *FileBackupStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	if name != filepath.Base(name) {
		return "", fmt.Errorf("invalid backup name %q", name)
	}
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}
	return path, nil
}

// Get accepts either a full path returned by Put or a bare backup name.
func (f *FileBackupStore) Get(ctx context.Context, location string) ([]byte, error) {
	path := location
	if filepath.Base(location) == location {
		path = filepath.Join(f.dir, location)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, location)
		}
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}
	return data, nil
}

func (f *FileBackupStore) List(ctx context.Context) ([]BackupInfo, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	var infos []BackupInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		label, createdAt, ok := ParseBackupName(e.Name())
		if !ok {
			continue
		}
		var size int64
		if fi, err := e.Info(); err == nil {
			size = fi.Size()
		}
		infos = append(infos, BackupInfo{
			Name:      e.Name(),
			Location:  filepath.Join(f.dir, e.Name()),
			Label:     label,
			CreatedAt: createdAt,
			Size:      size,
		})
	}
	SortBackups(infos)
	return infos, nil
}
