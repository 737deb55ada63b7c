package mega

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memFileStore is an in-memory FileStore for tests, avoiding any real
// filesystem access.
type memFileStore struct {
	files map[string][]byte
}

func newMemFileStore() *memFileStore {
	return &memFileStore{files: make(map[string][]byte)}
}

func (m *memFileStore) TempDir() string { return "/mem" }

func (m *memFileStore) Read(path string) ([]byte, error) {
	buf, ok := m.files[path]
	if !ok {
		return nil, nil
	}
	return buf, nil
}

func (m *memFileStore) Write(path string, data []byte) error {
	m.files[path] = append([]byte(nil), data...)
	return nil
}

func (m *memFileStore) Remove(path string) error {
	delete(m.files, path)
	return nil
}

func TestSessionBlobRoundTrip(t *testing.T) {
	store := newMemFileStore()
	pk := aesKeyFromPassword("hunter2")
	payload := []byte(`{"uh":"abcdefghijk","sid":"xyz"}`)

	require.NoError(t, saveBlob(store, pk, "alice@example.com", "hunter2", "", payload))

	got, err := loadBlob(store, pk, "alice@example.com", "hunter2", "")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestSessionBlobTamperYieldsNullLoad(t *testing.T) {
	store := newMemFileStore()
	pk := aesKeyFromPassword("hunter2")
	payload := []byte(`{"uh":"abcdefghijk"}`)
	require.NoError(t, saveBlob(store, pk, "alice@example.com", "hunter2", "", payload))

	filename, err := blobFilename(pk, "alice@example.com", "hunter2", "")
	require.NoError(t, err)
	path := blobPath(store, filename)
	store.files[path][0] ^= 0xff

	got, err := loadBlob(store, pk, "alice@example.com", "hunter2", "")
	require.NoError(t, err)
	assert.Nil(t, got, "a single-byte tamper must yield a null load, not an error")
}

func TestSessionBlobAbsentYieldsNullLoad(t *testing.T) {
	store := newMemFileStore()
	pk := aesKeyFromPassword("hunter2")
	got, err := loadBlob(store, pk, "alice@example.com", "hunter2", "")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSessionAndFilesystemBlobsUseDistinctPaths(t *testing.T) {
	pk := aesKeyFromPassword("hunter2")
	sessionName, err := blobFilename(pk, "alice@example.com", "hunter2", "")
	require.NoError(t, err)
	fsName, err := blobFilename(pk, "alice@example.com", "hunter2", "fs")
	require.NoError(t, err)
	assert.NotEqual(t, sessionName, fsName)
}
