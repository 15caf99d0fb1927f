package concentriq

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slidepath/concentriq-go/s3multipart"
)

// fakePlatform imitates the API endpoints the upload flow touches.
type fakePlatform struct {
	mu        sync.Mutex
	status    ImageStatus
	created   bool
	deleted   bool
	patched   bool
	signCalls int
	storeKey  string
}

func (p *fakePlatform) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/images", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "native", r.PostForm.Get("source"))
		assert.Equal(t, "11", r.PostForm.Get("imageSetId"))
		assert.NotEmpty(t, r.PostForm.Get("size"))
		p.mu.Lock()
		p.created = true
		p.mu.Unlock()
		fmt.Fprint(w, `{"data": {"id": 42}}`)
	})
	mux.HandleFunc("/api/images/42", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			fmt.Fprintf(w, `{"data": {
				"id": 42, "name": "slide.svs", "imageSetId": 11, "status": %d,
				"storageKey": "%s",
				"thumbURL": {"signedURL": "https://store.example.com/thumb?X-Amz-Credential=AKIATEST%%2F20200301%%2Feu-central-1%%2Fs3%%2Faws4_request"},
				"selectedStorageSystemEntry": {"id": 1, "imageStorageKey": "%s"}
			}}`, p.status, p.storeKey, p.storeKey)
		case http.MethodPatch:
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "42", r.PostForm.Get("id"))
			assert.Equal(t, "1", r.PostForm.Get("status"))
			p.patched = true
			p.status = StatusOptimizing
			fmt.Fprint(w, `{"data": {"id": 42}}`)
		case http.MethodDelete:
			p.deleted = true
			fmt.Fprint(w, `{"data": {"success": "deleted"}}`)
		default:
			t.Errorf("unexpected method %s on /api/images/42", r.Method)
		}
	})
	mux.HandleFunc("/api/auth/sign/s3-multipart-url/image/42", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		assert.NotEmpty(t, query.Get("payload"))
		assert.NotEmpty(t, query.Get("nonce"))
		assert.NotEmpty(t, query.Get("canonicalRequest"))
		p.mu.Lock()
		p.signCalls++
		p.mu.Unlock()
		fmt.Fprint(w, `{"data": {"signature": "deadbeefcafe"}}`)
	})
	return mux
}

// fakeStore imitates the multipart endpoints of the image store.
type fakeStore struct {
	mu          sync.Mutex
	bucket      string
	key         string
	parts       []int
	completed   bool
	aborted     bool
	failPart    int
	partPayload map[int]int
}

func (s *fakeStore) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		wantPath := "/" + s.bucket + "/" + s.key
		assert.Equal(t, wantPath, r.URL.Path)
		query := r.URL.Query()

		switch {
		case r.Method == http.MethodPost && query.Has("uploads"):
			fmt.Fprintf(w, `<InitiateMultipartUploadResult><Bucket>%s</Bucket><Key>%s</Key><UploadId>U1</UploadId></InitiateMultipartUploadResult>`,
				s.bucket, s.key)
		case r.Method == http.MethodPut:
			part := query.Get("partNumber")
			require.Equal(t, "U1", query.Get("uploadId"))
			var number int
			fmt.Sscanf(part, "%d", &number)
			if s.failPart == number {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			if s.partPayload == nil {
				s.partPayload = make(map[int]int)
			}
			s.partPayload[number] = len(body)
			s.parts = append(s.parts, number)
			w.Header().Set("ETag", fmt.Sprintf(`"etag-%d"`, number))
		case r.Method == http.MethodPost && query.Get("uploadId") == "U1":
			s.completed = true
			fmt.Fprintf(w, `<CompleteMultipartUploadResult><Location>l</Location><Bucket>%s</Bucket><Key>%s</Key><ETag>"final"</ETag></CompleteMultipartUploadResult>`,
				s.bucket, s.key)
		case r.Method == http.MethodDelete:
			s.aborted = true
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected store request %s %s", r.Method, r.URL)
		}
	})
}

func newUploadFixture(t *testing.T, failPart int) (*Client, *fakePlatform, *fakeStore, string) {
	t.Helper()

	platform := &fakePlatform{status: StatusUploading, storeKey: "native/42.svs"}
	store := &fakeStore{bucket: "concentriq-image-store", key: "native/42.svs", failPart: failPart}

	apiServer := httptest.NewServer(platform.handler(t))
	t.Cleanup(apiServer.Close)
	storeServer := httptest.NewServer(store.handler(t))
	t.Cleanup(storeServer.Close)

	const chunkSize = 1024
	client, err := NewClient(apiServer.URL+"/api/", testUser, testPassword,
		WithChunkSize(chunkSize),
		WithUploaderOptions(s3multipart.WithEndpoint(storeServer.URL)))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "slide.svs")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 2*chunkSize+100)), 0o600))
	return client, platform, store, path
}

func TestUploadImage(t *testing.T) {
	client, platform, store, path := newUploadFixture(t, 0)

	image, err := client.UploadImage(context.Background(), path, 11, null.Int64{})
	require.NoError(t, err)
	assert.Equal(t, StatusOptimizing, image.Status)

	assert.True(t, platform.created)
	assert.True(t, platform.patched)
	assert.False(t, platform.deleted)
	assert.Greater(t, platform.signCalls, 3, "each phase needs its own signature")

	assert.Equal(t, []int{1, 2, 3}, store.parts)
	assert.Equal(t, 1024, store.partPayload[1])
	assert.Equal(t, 100, store.partPayload[3])
	assert.True(t, store.completed)
	assert.False(t, store.aborted)
}

func TestUploadImageFailureCleansUp(t *testing.T) {
	client, platform, store, path := newUploadFixture(t, 2)

	_, err := client.UploadImage(context.Background(), path, 11, null.Int64{})
	require.Error(t, err)

	assert.True(t, platform.deleted, "image record should be removed after a failed upload")
	assert.True(t, store.aborted, "open multipart upload should be aborted")
	assert.False(t, store.completed)
	assert.False(t, platform.patched)
}

func TestUploadImageWrongStatus(t *testing.T) {
	client, platform, _, path := newUploadFixture(t, 0)
	platform.status = StatusSuccess

	_, err := client.UploadImage(context.Background(), path, 11, null.Int64{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status")
	assert.True(t, platform.deleted)
}

func TestUploadImageMissingFile(t *testing.T) {
	client, platform, _, _ := newUploadFixture(t, 0)

	_, err := client.UploadImage(context.Background(), filepath.Join(t.TempDir(), "missing.svs"), 11, null.Int64{})
	require.Error(t, err)
	assert.False(t, platform.created, "no record should be created for a missing file")
}
