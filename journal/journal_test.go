package journal

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tekcloud/go-uploadutils/multipart"
)

func setupStore(t *testing.T) *Store {
	store, err := OpenInMemory(log.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestStore_SaveLoadDelete(t *testing.T) {
	req := require.New(t)
	store := setupStore(t)

	_, found, err := store.Load("missing")
	req.NoError(err)
	req.False(found)

	rec := Record{
		Key:         "key-1",
		SessionID:   "upload-1",
		FileID:      "file-1",
		CompleteURL: "https://api.example.com/complete",
		ChunkSize:   5 * multipart.MB,
		ChunkCount:  2,
		Destinations: []multipart.Destination{
			{Index: 1, URL: "https://storage.example.com/1", SessionID: "upload-1"},
			{Index: 2, URL: "https://storage.example.com/2", SessionID: "upload-1"},
		},
		Parts: map[int]string{1: "etag-1"},
	}
	req.NoError(store.Save(rec))
	req.NoError(store.RecordPart("key-1", 2, "etag-2"))

	loaded, found, err := store.Load("key-1")
	req.NoError(err)
	req.True(found)
	assert.Equal(t, rec.SessionID, loaded.SessionID)
	assert.Equal(t, rec.FileID, loaded.FileID)
	assert.Equal(t, rec.CompleteURL, loaded.CompleteURL)
	assert.Equal(t, rec.Destinations, loaded.Destinations)
	assert.Equal(t, map[int]string{1: "etag-1", 2: "etag-2"}, loaded.Parts)
	assert.False(t, loaded.UpdatedAt.IsZero())

	req.NoError(store.Delete("key-1"))
	_, found, err = store.Load("key-1")
	req.NoError(err)
	req.False(found)
}

func TestStore_PartsDoNotLeakBetweenKeys(t *testing.T) {
	store := setupStore(t)

	require.NoError(t, store.Save(Record{Key: "a", ChunkCount: 1}))
	require.NoError(t, store.Save(Record{Key: "ab", ChunkCount: 1}))
	require.NoError(t, store.RecordPart("a", 1, "etag-a"))
	require.NoError(t, store.RecordPart("ab", 1, "etag-ab"))

	rec, _, err := store.Load("a")
	require.NoError(t, err)
	assert.Equal(t, map[int]string{1: "etag-a"}, rec.Parts)

	require.NoError(t, store.Delete("a"))
	rec, found, err := store.Load("ab")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, map[int]string{1: "etag-ab"}, rec.Parts)
}

func TestSessionJournal_ConcurrentRecordPart(t *testing.T) {
	store := setupStore(t)
	require.NoError(t, store.Save(Record{Key: "key", ChunkCount: 50}))
	journal := Session(store, "key")

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, journal.RecordPart(index, fmt.Sprintf("etag-%d", index)))
		}(i)
	}
	wg.Wait()

	rec, _, err := store.Load("key")
	require.NoError(t, err)
	require.Len(t, rec.Parts, 50)
	for i := 1; i <= 50; i++ {
		assert.Equal(t, fmt.Sprintf("etag-%d", i), rec.Parts[i])
	}
}

func TestStore_Save_RequiresKey(t *testing.T) {
	store := setupStore(t)
	assert.Error(t, store.Save(Record{}))
}

func TestFingerprint(t *testing.T) {
	modTime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	base := Fingerprint("video.mp4", 12*multipart.MB, modTime, 5*multipart.MB)

	assert.Len(t, base, 64)
	assert.Equal(t, base, Fingerprint("video.mp4", 12*multipart.MB, modTime, 5*multipart.MB))
	assert.NotEqual(t, base, Fingerprint("video2.mp4", 12*multipart.MB, modTime, 5*multipart.MB))
	assert.NotEqual(t, base, Fingerprint("video.mp4", 13*multipart.MB, modTime, 5*multipart.MB))
	assert.NotEqual(t, base, Fingerprint("video.mp4", 12*multipart.MB, modTime.Add(time.Second), 5*multipart.MB))
	assert.NotEqual(t, base, Fingerprint("video.mp4", 12*multipart.MB, modTime, 6*multipart.MB))
}

func TestContentFingerprint(t *testing.T) {
	base, err := ContentFingerprint("video.mp4.zst", strings.NewReader("compressed-a"), 5*multipart.MB)
	require.NoError(t, err)

	same, err := ContentFingerprint("video.mp4.zst", strings.NewReader("compressed-a"), 5*multipart.MB)
	require.NoError(t, err)
	assert.Equal(t, base, same)

	otherContent, err := ContentFingerprint("video.mp4.zst", strings.NewReader("compressed-b"), 5*multipart.MB)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherContent, "same size, different bytes")

	otherChunks, err := ContentFingerprint("video.mp4.zst", strings.NewReader("compressed-a"), 6*multipart.MB)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherChunks)
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(dir, log.NewLogger())
	require.NoError(t, err)
	require.NoError(t, store.Save(Record{Key: "key", SessionID: "upload-1", ChunkCount: 3}))
	require.NoError(t, store.RecordPart("key", 2, "etag-2"))
	require.NoError(t, store.Close())

	store, err = Open(dir, log.NewLogger())
	require.NoError(t, err)
	defer store.Close() //nolint:errcheck

	rec, found, err := store.Load("key")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "upload-1", rec.SessionID)
	assert.Equal(t, map[int]string{2: "etag-2"}, rec.Parts)
}
