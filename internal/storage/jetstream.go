package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"coursechat/pkg/types"
)

// JetStreamStore keeps attachments in a NATS JetStream object bucket
type JetStreamStore struct {
	conn     *nats.Conn
	store    jetstream.ObjectStore
	baseURL  string
	maxBytes int64
}

// NewJetStreamStore connects and opens (or creates) bucket
func NewJetStreamStore(natsURL, bucket, baseURL string, maxBytes int64) (*JetStreamStore, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx := context.Background()
	store, err := js.ObjectStore(ctx, bucket)
	if err != nil {
		store, err = js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket:      bucket,
			Description: "Course chat attachments",
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create object store bucket: %w", err)
		}
	}

	if baseURL == "" {
		baseURL = "/uploads"
	}
	return &JetStreamStore{conn: conn, store: store, baseURL: baseURL, maxBytes: maxBytes}, nil
}

func (s *JetStreamStore) Upload(ctx context.Context, filename string, r io.Reader) (*types.Asset, error) {
	mtype, body, err := sniff(r)
	if err != nil {
		return nil, err
	}

	id := newAssetID()
	name := objectName(id, filename, mtype.Extension())
	meta := jetstream.ObjectMeta{
		Name:    name,
		Headers: nats.Header{"Content-Type": []string{mtype.String()}},
	}

	var limited io.Reader = body
	if s.maxBytes > 0 {
		limited = io.LimitReader(body, s.maxBytes+1)
	}
	info, err := s.store.Put(ctx, meta, limited)
	if err != nil {
		return nil, fmt.Errorf("failed to store object: %w", err)
	}
	if s.maxBytes > 0 && info.Size > uint64(s.maxBytes) {
		_ = s.store.Delete(ctx, name)
		return nil, ErrUploadTooLarge
	}

	log.Printf("Stored attachment %s in bucket (%s, %d bytes)", name, mtype.String(), info.Size)
	return &types.Asset{ID: id, URL: assetURL(s.baseURL, name)}, nil
}

func (s *JetStreamStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := path.Base(r.URL.Path)
	result, err := s.store.Get(r.Context(), name)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "Failed to read attachment", http.StatusInternalServerError)
		return
	}
	defer func() { _ = result.Close() }()

	if info, err := result.Info(); err == nil {
		contentType := "application/octet-stream"
		if info.Headers != nil && info.Headers.Get("Content-Type") != "" {
			contentType = info.Headers.Get("Content-Type")
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", strconv.FormatUint(info.Size, 10))
	}
	_, _ = io.Copy(w, result)
}

func (s *JetStreamStore) Close() error {
	if s.conn != nil {
		s.conn.Close()
	}
	return nil
}
