// SPDX-License-Identifier: MIT

package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annolab/taskbridge/internal/lease"
	"github.com/annolab/taskbridge/internal/upstream"
)

type fixture struct {
	streamer *Streamer
	leases   *lease.Store
	root     string
}

// newFixture builds a streamer over a temp media root with one 1000-byte file
// for task 50 and an upstream stub that names it.
func newFixture(t *testing.T, fileName string) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	leases := lease.NewWithClient(rdb, lease.Config{
		LeaseTTL:    time.Hour,
		CooldownTTL: 30 * time.Minute,
		CallTimeout: time.Second,
	}, zerolog.Nop())

	root := t.TempDir()
	content := make([]byte, 1000)
	for i := range content {
		content[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "call_50.wav"), content, 0o600))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":   50,
			"data": map[string]interface{}{"file_name": fileName, "duration": 10.0},
		})
	}))
	t.Cleanup(srv.Close)
	up := upstream.New(srv.URL, upstream.Options{ProjectID: 1})

	return &fixture{
		streamer: New(root, leases, up, zerolog.Nop()),
		leases:   leases,
		root:     root,
	}
}

func (f *fixture) serve(t *testing.T, method, rangeHeader string, taskID, agentID int64) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, fmt.Sprintf("/api/audio/stream/%d/%d", taskID, agentID), nil)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	rec := httptest.NewRecorder()
	f.streamer.ServeTask(rec, req, taskID, agentID)
	return rec
}

func (f *fixture) grantLease(t *testing.T, taskID, agentID int64) {
	t.Helper()
	ok, err := f.leases.Acquire(context.Background(), taskID, agentID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFullBody(t *testing.T) {
	f := newFixture(t, "call_50.wav")
	f.grantLease(t, 50, 1)

	rec := f.serve(t, http.MethodGet, "", 50, 1)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/wav", rec.Header().Get("Content-Type"))
	assert.Equal(t, "1000", rec.Header().Get("Content-Length"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Len(t, rec.Body.Bytes(), 1000)
}

func TestRangeMiddle(t *testing.T) {
	f := newFixture(t, "call_50.wav")
	f.grantLease(t, 50, 1)

	rec := f.serve(t, http.MethodGet, "bytes=100-199", 50, 1)
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 100-199/1000", rec.Header().Get("Content-Range"))
	assert.Equal(t, "100", rec.Header().Get("Content-Length"))
	assert.Len(t, rec.Body.Bytes(), 100)
}

func TestRangeOpenEnded(t *testing.T) {
	f := newFixture(t, "call_50.wav")
	f.grantLease(t, 50, 1)

	rec := f.serve(t, http.MethodGet, "bytes=900-", 50, 1)
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 900-999/1000", rec.Header().Get("Content-Range"))
	assert.Len(t, rec.Body.Bytes(), 100)
}

func TestRangeEndClamped(t *testing.T) {
	f := newFixture(t, "call_50.wav")
	f.grantLease(t, 50, 1)

	rec := f.serve(t, http.MethodGet, "bytes=990-5000", 50, 1)
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 990-999/1000", rec.Header().Get("Content-Range"))
}

func TestFullRangeMatchesFullBody(t *testing.T) {
	f := newFixture(t, "call_50.wav")
	f.grantLease(t, 50, 1)

	full := f.serve(t, http.MethodGet, "", 50, 1)
	ranged := f.serve(t, http.MethodGet, "bytes=0-999", 50, 1)
	assert.Equal(t, http.StatusPartialContent, ranged.Code)
	assert.True(t, bytes.Equal(full.Body.Bytes(), ranged.Body.Bytes()))
}

func TestRangeUnsatisfiable(t *testing.T) {
	f := newFixture(t, "call_50.wav")
	f.grantLease(t, 50, 1)

	for _, header := range []string{"bytes=1000-", "bytes=2000-3000", "bytes=200-100", "bytes=0-99,200-299", "bytes=-500"} {
		rec := f.serve(t, http.MethodGet, header, 50, 1)
		assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code, "header %q", header)
		assert.Equal(t, "bytes */1000", rec.Header().Get("Content-Range"), "header %q", header)
	}
}

func TestForbiddenWithoutLease(t *testing.T) {
	f := newFixture(t, "call_50.wav")

	rec := f.serve(t, http.MethodGet, "", 50, 1)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "No active lease for this task", body["detail"])
}

func TestForbiddenForOtherAgent(t *testing.T) {
	f := newFixture(t, "call_50.wav")
	f.grantLease(t, 50, 1)

	rec := f.serve(t, http.MethodGet, "bytes=100-199", 50, 2)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTraversalFileNameRejected(t *testing.T) {
	for _, name := range []string{"../secret.wav", "..%2fsecret.wav", "/etc/passwd", "a/../../b.wav"} {
		f := newFixture(t, name)
		f.grantLease(t, 50, 1)

		rec := f.serve(t, http.MethodGet, "", 50, 1)
		assert.Equal(t, http.StatusForbidden, rec.Code, "file name %q", name)
	}
}

func TestSymlinkEscapeRejected(t *testing.T) {
	f := newFixture(t, "escape.wav")
	f.grantLease(t, 50, 1)

	outside := filepath.Join(t.TempDir(), "outside.wav")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o600))
	require.NoError(t, os.Symlink(outside, filepath.Join(f.root, "escape.wav")))

	rec := f.serve(t, http.MethodGet, "", 50, 1)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMissingFile(t *testing.T) {
	f := newFixture(t, "nope.wav")
	f.grantLease(t, 50, 1)

	rec := f.serve(t, http.MethodGet, "", 50, 1)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHeadRequest(t *testing.T) {
	f := newFixture(t, "call_50.wav")
	f.grantLease(t, 50, 1)

	rec := f.serve(t, http.MethodHead, "", 50, 1)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1000", rec.Header().Get("Content-Length"))
	assert.Zero(t, rec.Body.Len())
}

func TestMimeFallbackUnknownExtension(t *testing.T) {
	f := newFixture(t, "call_50.bin")
	f.grantLease(t, 50, 1)
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "call_50.bin"), []byte("data"), 0o600))

	rec := f.serve(t, http.MethodGet, "", 50, 1)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
}
