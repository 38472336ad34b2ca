package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"coursechat/internal/config"
	"coursechat/pkg/interfaces"
)

func TestLocalStore_InterfaceCompliance(t *testing.T) {
	var _ interfaces.AssetUploader = (*LocalStore)(nil)
	var _ Store = (*LocalStore)(nil)
	var _ Store = (*JetStreamStore)(nil)
}

func TestNew_LocalProvider(t *testing.T) {
	cfg := config.DefaultConfig().Storage
	cfg.UploadDir = filepath.Join(t.TempDir(), "nested", "uploads")

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer store.Close()
	if _, err := os.Stat(cfg.UploadDir); err != nil {
		t.Errorf("Upload dir should be created: %v", err)
	}

	cfg.Provider = "tape"
	if _, err := New(cfg); err == nil {
		t.Error("Unknown provider should fail")
	}
}

func TestLocalStore_UploadAndServe(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir, "/uploads", 1<<20)
	if err != nil {
		t.Fatal(err)
	}

	asset, err := store.Upload(context.Background(), "Lecture Notes.txt", strings.NewReader("hello students"))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if asset.ID == "" || !strings.HasPrefix(asset.URL, "/uploads/"+asset.ID+"-") || !strings.HasSuffix(asset.URL, "Lecture_Notes.txt") {
		t.Errorf("Unexpected asset: %+v", asset)
	}

	req := httptest.NewRequest(http.MethodGet, asset.URL, nil)
	rec := httptest.NewRecorder()
	store.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "hello students" {
		t.Errorf("Serving uploaded file: %d %q", rec.Code, rec.Body.String())
	}

	// No temp files left behind
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("Expected exactly one stored file, found %d", len(entries))
	}
}

func TestLocalStore_RefusesListing(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "/uploads", 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	store.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/uploads/", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for directory listing, got %d", rec.Code)
	}
}

func TestLocalStore_Limits(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir, "/uploads", 16)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := store.Upload(ctx, "big.txt", strings.NewReader(strings.Repeat("x", 17))); !errors.Is(err, ErrUploadTooLarge) {
		t.Errorf("Expected ErrUploadTooLarge, got %v", err)
	}
	if _, err := store.Upload(ctx, "empty.txt", bytes.NewReader(nil)); !errors.Is(err, ErrEmptyUpload) {
		t.Errorf("Expected ErrEmptyUpload, got %v", err)
	}
	if _, err := store.Upload(ctx, "exact.txt", strings.NewReader(strings.Repeat("x", 16))); err != nil {
		t.Errorf("Upload at the limit should succeed: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("Rejected uploads must leave nothing behind, found %d files", len(entries))
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := store.Upload(cancelled, "a.txt", strings.NewReader("x")); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestObjectName(t *testing.T) {
	tests := []struct {
		filename string
		ext      string
		want     string
	}{
		{"notes.pdf", ".pdf", "id-notes.pdf"},
		{"../../etc/passwd", ".txt", "id-passwd.txt"},
		{`C:\Users\bob\slides v2.pptx`, ".zip", "id-slides_v2.pptx"},
		{"...", ".png", "id-file.png"},
		{"", "", "id-file"},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			if got := objectName("id", tt.filename, tt.ext); got != tt.want {
				t.Errorf("objectName(%q) = %q, want %q", tt.filename, got, tt.want)
			}
		})
	}
}

func TestSniffDetectsType(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\x0dIHDR")
	mtype, body, err := sniff(bytes.NewReader(png))
	if err != nil {
		t.Fatal(err)
	}
	if mtype.String() != "image/png" || mtype.Extension() != ".png" {
		t.Errorf("Unexpected detection: %s %s", mtype.String(), mtype.Extension())
	}
	// The sniffed head is not lost
	all, _ := io.ReadAll(body)
	if !bytes.Equal(all, png) {
		t.Error("sniff must return the full upload")
	}
}
