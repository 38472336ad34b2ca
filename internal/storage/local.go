package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"coursechat/pkg/types"
)

// LocalStore keeps attachments in a directory and serves them over HTTP
type LocalStore struct {
	dir      string
	baseURL  string
	maxBytes int64
	files    http.Handler
}

// NewLocalStore creates dir if needed
func NewLocalStore(dir, baseURL string, maxBytes int64) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir %s: %w", dir, err)
	}
	if baseURL == "" {
		baseURL = "/uploads"
	}
	prefix := strings.TrimRight(baseURL, "/")
	return &LocalStore{
		dir:      dir,
		baseURL:  baseURL,
		maxBytes: maxBytes,
		files:    http.StripPrefix(prefix, http.FileServer(http.Dir(dir))),
	}, nil
}

// Upload writes r to a temp file and renames it into place once complete, so a
// failed upload never leaves a partial asset behind
func (s *LocalStore) Upload(ctx context.Context, filename string, r io.Reader) (*types.Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mtype, body, err := sniff(r)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	limited := body
	if s.maxBytes > 0 {
		limited = io.LimitReader(body, s.maxBytes+1)
	}
	n, err := io.Copy(tmp, limited)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write upload: %w", err)
	}
	if s.maxBytes > 0 && n > s.maxBytes {
		return nil, ErrUploadTooLarge
	}

	id := newAssetID()
	name := objectName(id, filename, mtype.Extension())
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	log.Printf("Stored attachment %s (%s, %d bytes)", name, mtype.String(), n)
	return &types.Asset{ID: id, URL: assetURL(s.baseURL, name)}, nil
}

// ServeHTTP serves stored files; directory listings are refused
func (s *LocalStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/") {
		http.NotFound(w, r)
		return
	}
	s.files.ServeHTTP(w, r)
}

func (s *LocalStore) Close() error { return nil }
