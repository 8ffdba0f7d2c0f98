package gcsblob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/skiffdb/skiff-go/skiff"
	"github.com/skiffdb/skiff-go/skiff/driver"
)

const testBucket = "skiff-test"

func requireKind(t *testing.T, err error, kind skiff.Kind) {
	t.Helper()
	serr, ok := skiff.AsServerError(err)
	require.True(t, ok, "expected a ServerError, got %v", err)
	require.Equal(t, kind, serr.Kind)
}

// newTestStore starts a fake GCS server and returns a Store talking to it.
// Configure the fake before calling; the server starts here.
func newTestStore(t *testing.T, fake *fakeGCS) *Store {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	fake.baseURL = srv.URL
	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(srv.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	store, err := New(client, Config{Bucket: testBucket})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewValidatesInput(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: testBucket})
	require.ErrorContains(t, err, "client is required")

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint("http://localhost:1"), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()

	_, err = New(client, Config{})
	require.ErrorContains(t, err, "bucket is required")
}

func TestUploadReportsChunkedProgress(t *testing.T) {
	fake := newFakeGCS()
	store := newTestStore(t, fake)

	const chunk = 256 * 1024
	data := bytes.Repeat([]byte("s"), chunk+100)

	var (
		mu    sync.Mutex
		snaps []driver.UploadSnapshot
	)
	done := make(chan struct{})
	_, err := store.Upload(context.Background(), driver.UploadRequest{
		Key:         "docs/report.bin",
		ContentType: "application/octet-stream",
		Data:        data,
		ChunkSize:   chunk,
	}, driver.UploadHandlers{
		OnProgress: func(s driver.UploadSnapshot) {
			mu.Lock()
			snaps = append(snaps, s)
			mu.Unlock()
		},
		OnError:    func(err error) { t.Errorf("unexpected upload error: %v", err) },
		OnComplete: func() { close(done) },
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("upload did not complete")
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(snaps), 2)

	first := snaps[0]
	require.Equal(t, driver.UploadRunning, first.State)
	require.Equal(t, int64(chunk), first.BytesTransferred)
	require.Equal(t, int64(len(data)), first.TotalBytes)

	last := snaps[len(snaps)-1]
	require.Equal(t, driver.UploadSuccess, last.State)
	require.Equal(t, int64(len(data)), last.BytesTransferred)

	for i := 1; i < len(snaps); i++ {
		require.GreaterOrEqual(t, snaps[i].BytesTransferred, snaps[i-1].BytesTransferred)
	}

	fake.mu.Lock()
	obj, ok := fake.objects["docs/report.bin"]
	fake.mu.Unlock()
	require.True(t, ok)
	require.Equal(t, data, obj.data)
	require.Equal(t, "application/octet-stream", obj.contentType)
	require.NotEmpty(t, obj.metadata["skiff-etag"])
}

func TestUploadSurfacesBackendError(t *testing.T) {
	fake := newFakeGCS()
	fake.initiateStatus = http.StatusBadRequest
	store := newTestStore(t, fake)

	errCh := make(chan error, 1)
	_, err := store.Upload(context.Background(), driver.UploadRequest{
		Key:  "docs/broken.bin",
		Data: []byte("payload"),
	}, driver.UploadHandlers{
		OnError:    func(err error) { errCh <- err },
		OnComplete: func() { t.Error("unexpected completion") },
	})
	require.NoError(t, err)

	select {
	case err := <-errCh:
		requireKind(t, err, skiff.KindInvalidArgument)
	case <-time.After(10 * time.Second):
		t.Fatal("upload error not delivered")
	}
}

func TestUploadDetachSilencesCallbacks(t *testing.T) {
	fake := newFakeGCS()
	gate := make(chan struct{})
	fake.initiateGate = gate
	store := newTestStore(t, fake)

	var calls atomic.Int32
	count := func() { calls.Add(1) }
	detach, err := store.Upload(context.Background(), driver.UploadRequest{
		Key:  "docs/silent.bin",
		Data: []byte("payload"),
	}, driver.UploadHandlers{
		OnProgress: func(driver.UploadSnapshot) { count() },
		OnError:    func(error) { count() },
		OnComplete: count,
	})
	require.NoError(t, err)

	// The transfer is parked inside the initiate request. Detach first,
	// then let it finish.
	detach()
	close(gate)

	require.NoError(t, store.Close())
	require.Zero(t, calls.Load())

	// Detaching silenced the callbacks but did not abort the transfer.
	fake.mu.Lock()
	_, ok := fake.objects["docs/silent.bin"]
	fake.mu.Unlock()
	require.True(t, ok)
}

func TestUploadValidatesKey(t *testing.T) {
	fake := newFakeGCS()
	store := newTestStore(t, fake)

	_, err := store.Upload(context.Background(), driver.UploadRequest{}, driver.UploadHandlers{})
	requireKind(t, err, skiff.KindInvalidArgument)
}

func TestUploadAfterCloseRejected(t *testing.T) {
	fake := newFakeGCS()
	store := newTestStore(t, fake)
	require.NoError(t, store.Close())

	_, err := store.Upload(context.Background(), driver.UploadRequest{Key: "docs/x"}, driver.UploadHandlers{})
	requireKind(t, err, skiff.KindUnavailable)
}

func TestDownloadURLReturnsMediaLink(t *testing.T) {
	fake := newFakeGCS()
	fake.objects["docs/a.txt"] = fakeObject{
		data:      []byte("hello"),
		mediaLink: "https://dl.example/docs/a.txt",
	}
	store := newTestStore(t, fake)

	url, err := store.DownloadURL(context.Background(), "docs/a.txt")
	require.NoError(t, err)
	require.Equal(t, "https://dl.example/docs/a.txt", url)
}

func TestDownloadURLMissingObject(t *testing.T) {
	fake := newFakeGCS()
	store := newTestStore(t, fake)

	_, err := store.DownloadURL(context.Background(), "docs/missing.txt")
	requireKind(t, err, skiff.KindNotFound)
}

func TestDeleteRemovesObject(t *testing.T) {
	fake := newFakeGCS()
	fake.objects["docs/gone.txt"] = fakeObject{data: []byte("bye")}
	store := newTestStore(t, fake)

	require.NoError(t, store.Delete(context.Background(), "docs/gone.txt"))

	fake.mu.Lock()
	_, ok := fake.objects["docs/gone.txt"]
	fake.mu.Unlock()
	require.False(t, ok)

	err := store.Delete(context.Background(), "docs/gone.txt")
	requireKind(t, err, skiff.KindNotFound)
}

// fakeGCS simulates enough of the GCS JSON API for the store: resumable
// uploads (initiate + chunked PUTs), object attrs, and delete.
type fakeGCS struct {
	mu      sync.Mutex
	baseURL string

	objects  map[string]fakeObject
	sessions map[string]*uploadSession
	nextID   int

	initiateStatus int           // when nonzero, initiate fails with this status
	initiateGate   chan struct{} // when non-nil, initiate waits for close
}

type fakeObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
	mediaLink   string
}

type uploadSession struct {
	name        string
	contentType string
	metadata    map[string]string
	buf         []byte
}

func newFakeGCS() *fakeGCS {
	return &fakeGCS{
		objects:  make(map[string]fakeObject),
		sessions: make(map[string]*uploadSession),
	}
}

func (f *fakeGCS) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/upload/storage/v1/b/"):
			f.initiate(w, r)
		case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/upload-session/"):
			f.chunk(w, r)
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/o/"):
			f.attrs(w, r)
		case r.Method == http.MethodDelete && strings.Contains(r.URL.Path, "/o/"):
			f.delete(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

func (f *fakeGCS) initiate(w http.ResponseWriter, r *http.Request) {
	if f.initiateGate != nil {
		<-f.initiateGate
	}
	if f.initiateStatus != 0 {
		writeGCSError(w, f.initiateStatus)
		return
	}
	body, _ := io.ReadAll(r.Body)
	var res struct {
		Name        string            `json:"name"`
		ContentType string            `json:"contentType"`
		Metadata    map[string]string `json:"metadata"`
	}
	_ = json.Unmarshal(body, &res)
	name := res.Name
	if name == "" {
		name = r.URL.Query().Get("name")
	}

	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("session-%d", f.nextID)
	f.sessions[id] = &uploadSession{
		name:        name,
		contentType: res.ContentType,
		metadata:    res.Metadata,
	}
	f.mu.Unlock()

	w.Header().Set("Location", f.baseURL+"/upload-session/"+id)
	w.WriteHeader(http.StatusOK)
}

func (f *fakeGCS) chunk(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/upload-session/")
	f.mu.Lock()
	sess, ok := f.sessions[id]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	body, _ := io.ReadAll(r.Body)
	var start, end, total int64
	known := false
	cr := r.Header.Get("Content-Range")
	if n, _ := fmt.Sscanf(cr, "bytes %d-%d/%d", &start, &end, &total); n == 3 {
		known = true
	} else if n, _ := fmt.Sscanf(cr, "bytes %d-%d/*", &start, &end); n == 2 {
		// size not yet known
	} else if n, _ := fmt.Sscanf(cr, "bytes */%d", &total); n == 1 {
		known = true
		start = int64(len(sess.buf))
	} else {
		http.Error(w, "bad content range", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	if int64(len(sess.buf)) == start {
		sess.buf = append(sess.buf, body...)
	}
	size := int64(len(sess.buf))
	f.mu.Unlock()

	if known && size == total {
		f.finalize(w, sess)
		return
	}
	w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", size-1))
	w.WriteHeader(308)
}

func (f *fakeGCS) finalize(w http.ResponseWriter, sess *uploadSession) {
	f.mu.Lock()
	f.objects[sess.name] = fakeObject{
		data:        sess.buf,
		contentType: sess.contentType,
		metadata:    sess.metadata,
		mediaLink:   f.baseURL + "/dl/" + sess.name,
	}
	f.mu.Unlock()
	f.writeObject(w, sess.name)
}

func (f *fakeGCS) attrs(w http.ResponseWriter, r *http.Request) {
	key := objectKey(r.URL.Path)
	f.mu.Lock()
	_, ok := f.objects[key]
	f.mu.Unlock()
	if !ok {
		writeGCSError(w, http.StatusNotFound)
		return
	}
	f.writeObject(w, key)
}

func (f *fakeGCS) delete(w http.ResponseWriter, r *http.Request) {
	key := objectKey(r.URL.Path)
	f.mu.Lock()
	_, ok := f.objects[key]
	if ok {
		delete(f.objects, key)
	}
	f.mu.Unlock()
	if !ok {
		writeGCSError(w, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeGCS) writeObject(w http.ResponseWriter, name string) {
	f.mu.Lock()
	obj := f.objects[name]
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"name":        name,
		"bucket":      testBucket,
		"contentType": obj.contentType,
		"mediaLink":   obj.mediaLink,
		"metadata":    obj.metadata,
	})
}

// objectKey extracts the object name from a /storage/v1/b/{bucket}/o/{key}
// path. The server decodes %2F, so nested keys arrive with real slashes.
func objectKey(path string) string {
	parts := strings.SplitN(path, "/o/", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}

func writeGCSError(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":"fake gcs error"}}`, status)
}
