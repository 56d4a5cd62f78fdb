package network

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tekcloud/go-uploadutils/compression"
	"github.com/tekcloud/go-uploadutils/journal"
	"github.com/tekcloud/go-uploadutils/multipart"
)

func writeFile(t *testing.T, content []byte) string {
	path := filepath.Join(t.TempDir(), "upload.bin")
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatalf("failed to write file: %s", err)
	}
	return path
}

func randomContent(size int) []byte {
	content := make([]byte, size)
	rand.New(rand.NewSource(7)).Read(content)
	return content
}

func testTransfer() multipart.Config {
	cfg := multipart.DefaultConfig()
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 10 * time.Millisecond
	cfg.HungThreshold = 0
	cfg.MaxAttempts = 3
	return cfg
}

func testParams(fake *fakeTekDrive, path string) UploadParams {
	return UploadParams{
		Path:           path,
		Name:           "video.mp4",
		ChunkSizeMB:    5,
		MinChunkSizeMB: 5,
		MaxParts:       multipart.DefaultMaxParts,
		Transfer:       testTransfer(),
		Backend:        NewClient(testRetryClient(), fake.server.URL, testAccessKey, log.NewLogger()),
	}
}

func TestUpload_Multipart(t *testing.T) {
	fake := newFakeTekDrive(t)
	content := randomContent(12 * multipart.MB)
	params := testParams(fake, writeFile(t, content))

	result, err := Upload(context.Background(), params, log.NewLogger())
	require.NoError(t, err)

	assert.Equal(t, "Completed{file-1}", result.Outcome.String())
	assert.Equal(t, "https://drive.tekcloud.com/#/f/file-1", result.ViewURL)
	assert.Equal(t, 3, result.Chunks)
	assert.Equal(t, int64(12*multipart.MB), result.UploadedBytes)

	puts, bodies, _ := fake.parts()
	assert.Equal(t, map[int]int{1: 1, 2: 1, 3: 1}, puts)
	assert.Equal(t, content, bytes.Join([][]byte{bodies[1], bodies[2], bodies[3]}, nil))
	assert.Len(t, bodies[3], 2*multipart.MB)

	created, completions, deleted := fake.state()
	assert.Equal(t, []createFileRequest{{Name: "video.mp4", NumChunks: 3}}, created)
	require.Len(t, completions, 1)
	assert.Equal(t, []multipart.Part{
		{PartNumber: 1, ETag: "\"etag-1\""},
		{PartNumber: 2, ETag: "\"etag-2\""},
		{PartNumber: 3, ETag: "\"etag-3\""},
	}, completions[0].Parts)
	assert.Empty(t, deleted)
}

func TestUpload_SingleRequestForSmallFiles(t *testing.T) {
	fake := newFakeTekDrive(t)
	content := randomContent(MinMultipartSize)
	params := testParams(fake, writeFile(t, content))
	params.Name = ""

	result, err := Upload(context.Background(), params, log.NewLogger())
	require.NoError(t, err)

	assert.True(t, result.Outcome.Completed)
	assert.Equal(t, 1, result.Chunks)
	created, completions, _ := fake.state()
	assert.Equal(t, []createFileRequest{{Name: "upload.bin"}}, created)
	assert.Empty(t, completions)
	_, _, single := fake.parts()
	assert.Equal(t, content, single)
}

func TestUpload_PermanentChunkFailureAborts(t *testing.T) {
	fake := newFakeTekDrive(t)
	fake.failPart = 2
	fake.failStatus = http.StatusForbidden
	params := testParams(fake, writeFile(t, randomContent(12*multipart.MB)))

	result, err := Upload(context.Background(), params, log.NewLogger())
	require.NoError(t, err)

	assert.Equal(t, "Aborted{chunk 2: permanent transfer error}", result.Outcome.String())
	assert.Empty(t, result.ViewURL)
	puts, _, _ := fake.parts()
	assert.Equal(t, 1, puts[2], "permanent errors are not retried")
	_, completions, deleted := fake.state()
	assert.Empty(t, completions)
	assert.Equal(t, []string{"file-1"}, deleted)
}

func TestUpload_TransientChunkFailureExhaustsRetries(t *testing.T) {
	fake := newFakeTekDrive(t)
	fake.failPart = 3
	fake.failStatus = http.StatusServiceUnavailable
	params := testParams(fake, writeFile(t, randomContent(12*multipart.MB)))

	result, err := Upload(context.Background(), params, log.NewLogger())
	require.NoError(t, err)

	assert.Equal(t, "Aborted{chunk 3: transient transfer error}", result.Outcome.String())
	puts, _, _ := fake.parts()
	assert.Equal(t, 3, puts[3])
}

func TestUpload_ResumesFromJournal(t *testing.T) {
	fake := newFakeTekDrive(t)
	path := writeFile(t, randomContent(12*multipart.MB))
	params := testParams(fake, path)
	params.JournalPath = t.TempDir()

	info, err := os.Stat(path)
	require.NoError(t, err)

	store, err := journal.Open(params.JournalPath, log.NewLogger())
	require.NoError(t, err)
	destinations := make([]multipart.Destination, 3)
	for i := range destinations {
		destinations[i] = multipart.Destination{
			Index:     i + 1,
			URL:       fmt.Sprintf("%s/storage/part/%d", fake.server.URL, i+1),
			SessionID: "upload-1",
			Method:    http.MethodPut,
		}
	}
	key := journal.Fingerprint("video.mp4", info.Size(), info.ModTime(), 5*multipart.MB)
	require.NoError(t, store.Save(journal.Record{
		Key:          key,
		SessionID:    "upload-1",
		FileID:       "file-1",
		CompleteURL:  fake.server.URL + "/complete",
		ChunkSize:    5 * multipart.MB,
		ChunkCount:   3,
		Destinations: destinations,
		Parts:        map[int]string{1: "\"etag-1\""},
	}))
	require.NoError(t, store.Close())

	result, err := Upload(context.Background(), params, log.NewLogger())
	require.NoError(t, err)

	assert.Equal(t, "Completed{file-1}", result.Outcome.String())
	created, completions, _ := fake.state()
	assert.Empty(t, created, "a resumed upload does not create a new file")
	puts, _, _ := fake.parts()
	assert.Equal(t, map[int]int{2: 1, 3: 1}, puts)
	require.Len(t, completions, 1)
	assert.Len(t, completions[0].Parts, 3)

	store, err = journal.Open(params.JournalPath, log.NewLogger())
	require.NoError(t, err)
	defer store.Close() //nolint:errcheck
	_, found, err := store.Load(key)
	require.NoError(t, err)
	assert.False(t, found, "the journal is cleaned up after the upload")
}

func TestUpload_CompressesBeforeUpload(t *testing.T) {
	fake := newFakeTekDrive(t)
	params := testParams(fake, writeFile(t, bytes.Repeat([]byte("a"), 12*multipart.MB)))
	params.Compress = true
	params.CompressionLevel = compression.DefaultLevel

	result, err := Upload(context.Background(), params, log.NewLogger())
	require.NoError(t, err)

	assert.True(t, result.Outcome.Completed)
	assert.Equal(t, 1, result.Chunks, "the compressed file fits a single request")
	created, _, _ := fake.state()
	assert.Equal(t, []createFileRequest{{Name: "video.mp4" + compression.Extension}}, created)
}

func TestUpload_CompressedUploadDoesNotResumeOtherStream(t *testing.T) {
	fake := newFakeTekDrive(t)
	path := writeFile(t, randomContent(12*multipart.MB))
	params := testParams(fake, path)
	params.Compress = true
	params.JournalPath = t.TempDir()

	info, err := os.Stat(path)
	require.NoError(t, err)

	// A journal left by an earlier run whose compressed output had the same layout
	store, err := journal.Open(params.JournalPath, log.NewLogger())
	require.NoError(t, err)
	destinations := make([]multipart.Destination, 3)
	for i := range destinations {
		destinations[i] = multipart.Destination{
			Index:     i + 1,
			URL:       fmt.Sprintf("%s/storage/part/%d", fake.server.URL, i+1),
			SessionID: "upload-stale",
			Method:    http.MethodPut,
		}
	}
	require.NoError(t, store.Save(journal.Record{
		Key:          journal.Fingerprint("video.mp4"+compression.Extension, info.Size(), info.ModTime(), 5*multipart.MB),
		SessionID:    "upload-stale",
		FileID:       "file-stale",
		CompleteURL:  fake.server.URL + "/complete",
		ChunkSize:    5 * multipart.MB,
		ChunkCount:   3,
		Destinations: destinations,
		Parts:        map[int]string{1: "\"etag-stale\""},
	}))
	require.NoError(t, store.Close())

	result, err := Upload(context.Background(), params, log.NewLogger())
	require.NoError(t, err)

	assert.True(t, result.Outcome.Completed)
	created, completions, _ := fake.state()
	assert.Equal(t, []createFileRequest{{Name: "video.mp4" + compression.Extension, NumChunks: 3}}, created)
	puts, _, _ := fake.parts()
	assert.Equal(t, map[int]int{1: 1, 2: 1, 3: 1}, puts, "every chunk of the new stream is uploaded")
	require.Len(t, completions, 1)
	assert.Equal(t, "\"etag-1\"", completions[0].Parts[0].ETag)
}

func TestUpload_SplitCount(t *testing.T) {
	fake := newFakeTekDrive(t)
	params := testParams(fake, writeFile(t, randomContent(12*multipart.MB)))
	params.SplitCount = 2

	result, err := Upload(context.Background(), params, log.NewLogger())
	require.NoError(t, err)

	assert.True(t, result.Outcome.Completed)
	assert.Equal(t, 2, result.Chunks)
	created, _, _ := fake.state()
	assert.Equal(t, []createFileRequest{{Name: "video.mp4", NumChunks: 2}}, created)
	_, bodies, _ := fake.parts()
	assert.Len(t, bodies[1], 6*multipart.MB)
	assert.Len(t, bodies[2], 6*multipart.MB)
}

func TestUpload_InvalidParams(t *testing.T) {
	fake := newFakeTekDrive(t)

	params := testParams(fake, filepath.Join(t.TempDir(), "missing.bin"))
	_, err := Upload(context.Background(), params, log.NewLogger())
	assert.Error(t, err)

	params = testParams(fake, t.TempDir())
	_, err = Upload(context.Background(), params, log.NewLogger())
	assert.Error(t, err)

	params = testParams(fake, writeFile(t, []byte("x")))
	params.Backend = nil
	_, err = Upload(context.Background(), params, log.NewLogger())
	assert.Error(t, err)
}

func TestDefaultUploader(t *testing.T) {
	var uploader Uploader = DefaultUploader{}
	fake := newFakeTekDrive(t)

	result, err := uploader.Upload(context.Background(), testParams(fake, writeFile(t, []byte("small"))), log.NewLogger())
	require.NoError(t, err)
	assert.True(t, result.Outcome.Completed)
}
