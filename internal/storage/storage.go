package storage

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"path"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"coursechat/internal/config"
	"coursechat/pkg/interfaces"
)

// sniffLen is how much of an upload is inspected for its content type
const sniffLen = 3072

// Store is an attachment backend: it accepts uploads and serves them back
type Store interface {
	interfaces.AssetUploader
	http.Handler
	Close() error
}

// New opens the store selected by config
func New(cfg *config.StorageConfig) (Store, error) {
	switch cfg.Provider {
	case "", "local":
		return NewLocalStore(cfg.UploadDir, cfg.BaseURL, cfg.MaxUploadBytes)
	case "nats":
		return NewJetStreamStore(cfg.NATSURL, cfg.NATSBucket, cfg.BaseURL, cfg.MaxUploadBytes)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// objectName derives a unique, URL-safe name that keeps the original extension
func objectName(id, filename, fallbackExt string) string {
	base := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	base = strings.Trim(unsafeChars.ReplaceAllString(base, "_"), "._")
	if base == "" {
		base = "file"
	}
	if path.Ext(base) == "" {
		base += fallbackExt
	}
	return id + "-" + base
}

// sniff reads the head of r to detect its type and returns a reader over the whole upload
func sniff(r io.Reader) (*mimetype.MIME, io.Reader, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, nil, err
	}
	head = head[:n]
	if n == 0 {
		return nil, nil, ErrEmptyUpload
	}
	return mimetype.Detect(head), io.MultiReader(bytes.NewReader(head), r), nil
}

func newAssetID() string {
	return uuid.NewString()
}

func assetURL(baseURL, name string) string {
	return strings.TrimRight(baseURL, "/") + "/" + name
}
