package keys

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestBackupName(t *testing.T) {
	at := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	name := BackupName("nightly-eu", at)

	label, createdAt, ok := ParseBackupName(name)
	require.True(t, ok)
	assert.Equal(t, "nightly-eu", label)
	assert.True(t, at.Equal(createdAt))

	_, _, ok = ParseBackupName("notes.txt")
	assert.False(t, ok)
	_, _, ok = ParseBackupName("nightly-notaulid.yaml")
	assert.False(t, ok)
}

func TestArtifactRoundTrip(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	state := State{
		Source:   "local",
		Current:  StoredKey{Version: 4, Wrapped: bytes.Repeat([]byte{1}, KeySize), CreatedAt: created},
		Previous: &StoredKey{Version: 3, Wrapped: bytes.Repeat([]byte{2}, KeySize), CreatedAt: created.Add(-time.Hour)},
		Purposes: []string{"phi"},
	}

	data, err := MarshalArtifact(newArtifact("weekly", state, created))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, yaml.Unmarshal(data, &raw))
	assert.Equal(t, BackupFormat, raw["format"])
	assert.Equal(t, "weekly", raw["label"])
	assert.NotContains(t, string(data), string(state.Current.Wrapped))

	parsed, err := ParseArtifact(data)
	require.NoError(t, err)
	assert.Equal(t, state.Current.Version, parsed.Current.Version)
	assert.Equal(t, state.Current.Wrapped, parsed.Current.Wrapped)
	require.NotNil(t, parsed.Previous)
	assert.Equal(t, state.Previous.Wrapped, parsed.Previous.Wrapped)
	assert.Equal(t, []string{"phi"}, parsed.Purposes)
}

func TestFileBackupStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir() + "/backups"
	store, err := NewFileBackupStore(dir)
	require.NoError(t, err)

	fi, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), fi.Mode().Perm())

	name := BackupName("daily", time.Now())
	location, err := store.Put(ctx, name, []byte("payload"))
	require.NoError(t, err)

	fi, err = os.Stat(location)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	byPath, err := store.Get(ctx, location)
	require.NoError(t, err)
	byName, err := store.Get(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, byPath, byName)

	_, err = store.Put(ctx, "../outside.yaml", []byte("x"))
	assert.Error(t, err)

	_, err = NewFileBackupStore("")
	assert.Error(t, err)
}

func TestLocalSource_Wrapping(t *testing.T) {
	ctx := context.Background()
	material := bytes.Repeat([]byte{5}, KeySize)

	plain, err := NewLocalSource()
	require.NoError(t, err)
	wrapped, err := plain.Wrap(ctx, material)
	require.NoError(t, err)
	assert.Equal(t, material, wrapped)

	sealed, err := NewLocalSource(WithWrappingKey(bytes.Repeat([]byte{8}, KeySize)))
	require.NoError(t, err)
	wrapped, err = sealed.Wrap(ctx, material)
	require.NoError(t, err)
	assert.NotEqual(t, material, wrapped)

	unwrapped, err := sealed.Unwrap(ctx, wrapped)
	require.NoError(t, err)
	assert.Equal(t, material, unwrapped)

	wrapped[len(wrapped)-1] ^= 0xFF
	_, err = sealed.Unwrap(ctx, wrapped)
	assert.Error(t, err)

	_, err = NewLocalSource(WithWrappingKey([]byte("short")))
	assert.Error(t, err)
}
