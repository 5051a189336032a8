package blob_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/relay-chat/internal/blob"
)

func sum(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// fakeS3 serves path-style HEAD, GET and PUT for one bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/relay/")
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		f.objects[key] = body
		f.puts++
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodHead:
		if _, ok := f.objects[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		w.Write(data)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newS3Store(t *testing.T) (*blob.S3Store, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: make(map[string][]byte)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client := blob.NewS3Client(blob.S3Config{
		Bucket:          "relay",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	return blob.NewS3Store(client, "relay", "blobs/", t.TempDir()), fake
}

func newDiskStore(t *testing.T) *blob.DiskStore {
	t.Helper()
	s, err := blob.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) blob.Store{
		"disk": func(t *testing.T) blob.Store { return newDiskStore(t) },
		"s3": func(t *testing.T) blob.Store {
			s, _ := newS3Store(t)
			return s
		},
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			hash, err := s.Save(ctx, strings.NewReader("hello blob"))
			require.NoError(t, err)
			assert.Equal(t, sum("hello blob"), hash)

			ok, err := s.Exists(ctx, hash)
			require.NoError(t, err)
			assert.True(t, ok)

			rc, err := s.Get(ctx, hash)
			require.NoError(t, err)
			data, err := io.ReadAll(rc)
			rc.Close()
			require.NoError(t, err)
			assert.Equal(t, "hello blob", string(data))

			again, err := s.Save(ctx, strings.NewReader("hello blob"))
			require.NoError(t, err)
			assert.Equal(t, hash, again)

			missing := sum("nothing")
			ok, err = s.Exists(ctx, missing)
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = s.Get(ctx, missing)
			assert.True(t, errors.Is(err, blob.ErrNotFound), "got %v", err)

			_, err = s.Get(ctx, "../../etc/passwd")
			assert.True(t, errors.Is(err, blob.ErrInvalidHash), "got %v", err)
		})
	}
}

func TestS3Store_SkipsExistingObject(t *testing.T) {
	s, fake := newS3Store(t)
	ctx := context.Background()

	_, err := s.Save(ctx, strings.NewReader("same"))
	require.NoError(t, err)
	_, err = s.Save(ctx, strings.NewReader("same"))
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 1, fake.puts)
	assert.Contains(t, fake.objects, "blobs/"+sum("same"))
}

func TestValidHash(t *testing.T) {
	tests := []struct {
		name string
		hash string
		want bool
	}{
		{"sha256", sum("x"), true},
		{"uppercase", strings.ToUpper(sum("x")), false},
		{"short", "abc", false},
		{"path", strings.Repeat("a", 62) + "/.", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := blob.ValidHash(tt.hash); got != tt.want {
				t.Errorf("ValidHash(%q) = %v, want %v", tt.hash, got, tt.want)
			}
		})
	}
}
