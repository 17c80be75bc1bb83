package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStore records every document store call the uploader makes.
type fakeStore struct {
	mu            sync.Mutex
	folderCreates []string // parent paths of children POSTs
	contentPuts   []string
	sessionPosts  []string
	chunks        []chunkInfo
	folderStatus  int // status for folder creates; default 201
	failChunkAt   int // 1-based chunk index to fail with 500; 0 = never

	srv *httptest.Server
}

type chunkInfo struct {
	size         int64
	contentRange string
}

func newFakeStore(t *testing.T) *fakeStore {
	t.Helper()
	f := &fakeStore{folderStatus: http.StatusCreated}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeStore) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	item := map[string]any{"id": "item-1", "name": "x", "size": 123, "webUrl": "https://store.example/item-1"}

	switch {
	case strings.HasPrefix(r.URL.Path, "/upload-session"):
		body, _ := io.ReadAll(r.Body)
		f.chunks = append(f.chunks, chunkInfo{
			size:         int64(len(body)),
			contentRange: r.Header.Get("Content-Range"),
		})
		if f.failChunkAt > 0 && len(f.chunks) == f.failChunkAt {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":{"code":"generalException"}}`)
			return
		}
		if f.rangeIsFinal(r) {
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(item)
			return
		}
		w.WriteHeader(http.StatusAccepted)

	case strings.HasSuffix(r.URL.Path, "/children"):
		f.folderCreates = append(f.folderCreates, r.URL.Path)
		w.WriteHeader(f.folderStatus)
		fmt.Fprint(w, `{}`)

	case strings.HasSuffix(r.URL.Path, ":/content"):
		f.contentPuts = append(f.contentPuts, r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(item)

	case strings.HasSuffix(r.URL.Path, ":/createUploadSession"):
		f.sessionPosts = append(f.sessionPosts, r.URL.Path)
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"uploadUrl":"%s/upload-session"}`, f.srv.URL)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// rangeIsFinal reports whether the Content-Range header covers the last byte.
func (f *fakeStore) rangeIsFinal(r *http.Request) bool {
	var start, end, total int64
	if _, err := fmt.Sscanf(r.Header.Get("Content-Range"), "bytes %d-%d/%d", &start, &end, &total); err != nil {
		return false
	}
	return end == total-1
}

func testUploader(t *testing.T, f *fakeStore) *Uploader {
	t.Helper()
	return NewUploaderWithBaseURL("Archive", f.srv.URL, zap.NewNop())
}

var received = time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC)

func TestUpload_SmallFileSingleShot(t *testing.T) {
	f := newFakeStore(t)
	u := testUploader(t, f)

	res, err := u.Upload(context.Background(), "tok", "box@tenant.example", received, "invoice.pdf", []byte("pdf-bytes"))
	require.NoError(t, err)

	assert.Equal(t, "/Archive/2026/02/invoice.pdf", res.Path)
	assert.Equal(t, "item-1", res.FileID)
	assert.Equal(t, "https://store.example/item-1", res.WebURL)

	// Archive root, year and month created in order, then one content PUT.
	require.Len(t, f.folderCreates, 3)
	assert.Contains(t, f.folderCreates[0], "/drive/root/children")
	assert.Contains(t, f.folderCreates[1], "root:/Archive:/children")
	assert.Contains(t, f.folderCreates[2], "root:/Archive/2026:/children")
	require.Len(t, f.contentPuts, 1)
	assert.Contains(t, f.contentPuts[0], "root:/Archive/2026/02/invoice.pdf:/content")
	assert.Empty(t, f.sessionPosts)
}

func TestUpload_ExistingFoldersAreSuccess(t *testing.T) {
	f := newFakeStore(t)
	f.folderStatus = http.StatusConflict
	u := testUploader(t, f)

	_, err := u.Upload(context.Background(), "tok", "box@tenant.example", received, "a.txt", []byte("x"))
	require.NoError(t, err)
	assert.Len(t, f.folderCreates, 3)
}

func TestUpload_LargeFileChunked(t *testing.T) {
	f := newFakeStore(t)
	u := testUploader(t, f)

	content := make([]byte, 5<<20) // 5 MiB, above the 4 MiB threshold
	res, err := u.Upload(context.Background(), "tok", "box@tenant.example", received, "video.mp4", content)
	require.NoError(t, err)
	assert.Equal(t, "item-1", res.FileID)

	require.Len(t, f.sessionPosts, 1)
	assert.Empty(t, f.contentPuts)

	// ceil(5 MiB / 320 KiB) = 16 fragments, every one but the last exactly
	// 320 KiB (here 5 MiB divides evenly, so all 16 are).
	require.Len(t, f.chunks, 16)
	var offset int64
	for i, c := range f.chunks {
		if i < len(f.chunks)-1 {
			assert.Equal(t, int64(320<<10), c.size, "chunk %d", i)
		}
		assert.Equal(t, fmt.Sprintf("bytes %d-%d/%d", offset, offset+c.size-1, int64(5<<20)), c.contentRange)
		offset += c.size
	}
	assert.Equal(t, int64(5<<20), offset)
}

func TestUpload_ThresholdBoundary(t *testing.T) {
	f := newFakeStore(t)
	u := testUploader(t, f)

	// One byte below the threshold stays on the simple path.
	_, err := u.Upload(context.Background(), "tok", "o@e", received, "just-under.bin", make([]byte, (4<<20)-1))
	require.NoError(t, err)
	assert.Len(t, f.contentPuts, 1)
	assert.Empty(t, f.sessionPosts)

	// Exactly the threshold goes chunked.
	_, err = u.Upload(context.Background(), "tok", "o@e", received, "at-threshold.bin", make([]byte, 4<<20))
	require.NoError(t, err)
	assert.Len(t, f.sessionPosts, 1)
	assert.Len(t, f.chunks, 13) // ceil(4 MiB / 320 KiB)
}

func TestUpload_ChunkFailureAbandonsUpload(t *testing.T) {
	f := newFakeStore(t)
	f.failChunkAt = 3
	u := testUploader(t, f)

	_, err := u.Upload(context.Background(), "tok", "o@e", received, "big.bin", make([]byte, 5<<20))
	assert.ErrorIs(t, err, ErrUploadIncomplete)
	// Upload stops at the failed fragment, no resume attempts.
	assert.Len(t, f.chunks, 3)
}

func TestUpload_FolderCreateFailureSurfaces(t *testing.T) {
	f := newFakeStore(t)
	f.folderStatus = http.StatusForbidden
	u := testUploader(t, f)

	_, err := u.Upload(context.Background(), "tok", "o@e", received, "a.txt", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ensure folder")
}
