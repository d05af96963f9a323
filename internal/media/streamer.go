// SPDX-License-Identifier: MIT

// Package media streams task audio to the agent that currently holds the
// lease. Serving is range-capable and hardened against path traversal; the
// lease is re-checked on every request.
package media

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"

	"github.com/annolab/taskbridge/internal/lease"
	"github.com/annolab/taskbridge/internal/metrics"
	"github.com/annolab/taskbridge/internal/upstream"
)

// Streamer serves audio files from the media root.
type Streamer struct {
	root   string
	leases *lease.Store
	up     *upstream.Client
	logger zerolog.Logger
}

// New creates a streamer rooted at mediaRoot.
func New(mediaRoot string, leases *lease.Store, up *upstream.Client, logger zerolog.Logger) *Streamer {
	return &Streamer{root: mediaRoot, leases: leases, up: up, logger: logger}
}

var mimeByExt = map[string]string{
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
}

// ServeTask streams the audio for taskID to agentID, honoring a single
// byte-range. GET and HEAD only.
func (s *Streamer) ServeTask(w http.ResponseWriter, r *http.Request, taskID, agentID int64) {
	ctx := r.Context()

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeDetail(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	l, err := s.leases.Inspect(ctx, taskID)
	if err != nil {
		writeDetail(w, http.StatusBadGateway, "Lock service unavailable")
		return
	}
	if l == nil || l.AgentID != agentID {
		s.logger.Warn().Str("event", "stream.denied").Int64("task_id", taskID).Int64("agent_id", agentID).Msg("no active lease for stream")
		writeDetail(w, http.StatusForbidden, "No active lease for this task")
		return
	}

	meta, err := s.up.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "Task not found")
			return
		}
		writeDetail(w, http.StatusBadGateway, "Upstream unavailable")
		return
	}

	realPath, status := s.resolve(meta.FileName)
	if status != 0 {
		switch status {
		case http.StatusNotFound:
			writeDetail(w, status, "Audio file not found")
		default:
			s.logger.Warn().Str("event", "stream.denied").Str("file", meta.FileName).Str("reason", "path_escape").Msg("file name escapes media root")
			writeDetail(w, status, "Forbidden")
		}
		return
	}

	f, err := os.Open(realPath) // #nosec G304 -- resolve() confines the path to the media root
	if err != nil {
		writeDetail(w, http.StatusNotFound, "Audio file not found")
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeDetail(w, http.StatusNotFound, "Audio file not found")
		return
	}
	size := info.Size()

	contentType := mimeByExt[strings.ToLower(filepath.Ext(meta.FileName))]
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		s.copyRange(w, f, taskID, size)
		return
	}

	start, end, ok := parseRange(rangeHeader, size)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		writeDetail(w, http.StatusRequestedRangeNotSatisfiable, "Requested range not satisfiable")
		return
	}

	length := end - start + 1
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return
	}
	s.copyRange(w, io.LimitReader(f, length), taskID, length)
}

func (s *Streamer) copyRange(w io.Writer, src io.Reader, taskID, n int64) {
	written, err := io.Copy(w, src)
	metrics.RecordStreamBytes(written)
	if err != nil {
		// Client went away mid-stream; the lease is untouched.
		s.logger.Debug().Err(err).Int64("task_id", taskID).Int64("bytes", written).Msg("stream aborted")
	}
}

// resolve joins fileName to the media root and verifies the result stays
// inside it after symlink evaluation. Returns the real path, or a non-zero
// HTTP status on rejection.
func (s *Streamer) resolve(fileName string) (string, int) {
	if fileName == "" || isPathTraversal(fileName) || filepath.IsAbs(fileName) {
		return "", http.StatusForbidden
	}

	absRoot, err := filepath.Abs(s.root)
	if err != nil {
		return "", http.StatusForbidden
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", http.StatusNotFound
	}

	full := filepath.Join(realRoot, fileName)
	realPath, err := filepath.EvalSymlinks(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", http.StatusNotFound
		}
		return "", http.StatusForbidden
	}

	rel, err := filepath.Rel(realRoot, realPath)
	if err != nil || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return "", http.StatusForbidden
	}
	return realPath, 0
}

// parseRange interprets a single-range header against the file size. Multi
// range requests and unsatisfiable ranges report !ok; the end offset is
// clamped to size-1.
func parseRange(header string, size int64) (start, end int64, ok bool) {
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return 0, 0, false
	}
	startStr, endStr, found := strings.Cut(strings.TrimSpace(spec), "-")
	if !found || startStr == "" {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, false
	}
	if endStr == "" {
		return start, size - 1, true
	}
	end, err = strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	if end > size-1 {
		end = size - 1
	}
	return start, end, true
}

// isPathTraversal rejects file names carrying traversal sequences, including
// URL-encoded and Unicode-normalized variants.
func isPathTraversal(p string) bool {
	decoded := p
	for i := 0; i < 3; i++ {
		prev := decoded
		if d, err := url.PathUnescape(decoded); err == nil {
			decoded = d
		}
		if decoded == prev {
			break
		}
	}

	lower := strings.ToLower(decoded)
	for _, pat := range []string{"..", "%00", "\x00", "%c0%ae", "%e0%80%ae"} {
		if strings.Contains(lower, pat) {
			return true
		}
	}

	normalized := strings.ToLower(norm.NFC.String(decoded))
	return strings.Contains(normalized, "..") || strings.Contains(normalized, "\\")
}

func writeDetail(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": msg})
}
