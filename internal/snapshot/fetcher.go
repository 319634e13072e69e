package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"poolsync/internal/model"
)

// ErrDigestMismatch is returned when an archive does not match its
// configured sha256 digest.
var ErrDigestMismatch = errors.New("snapshot digest mismatch")

// maxArchiveSize bounds the compressed download.
const maxArchiveSize = 512 << 20

// Fetcher downloads zstd-compressed stream snapshots published as
// <baseURL>/<stream>.json.zst. Each archive holds a JSON EventSet.
type Fetcher struct {
	baseURL string
	http    *http.Client
	digests map[string]string
	logger  *zap.Logger
}

type Option func(*Fetcher)

func WithHTTPClient(hc *http.Client) Option {
	return func(f *Fetcher) { f.http = hc }
}

// WithDigests pins the hex sha256 of the compressed archive per stream.
// Stream names match case-insensitively since config keys arrive lowercased.
func WithDigests(digests map[string]string) Option {
	return func(f *Fetcher) {
		for stream, digest := range digests {
			f.digests[strings.ToLower(stream)] = strings.ToLower(strings.TrimPrefix(digest, "0x"))
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

func NewFetcher(baseURL string, opts ...Option) (*Fetcher, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("snapshot base url is required")
	}
	f := &Fetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 2 * time.Minute},
		digests: make(map[string]string),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Fetch downloads and decodes the snapshot of stream. A missing archive is
// reported as ok=false without error.
func (f *Fetcher) Fetch(ctx context.Context, stream string) (model.EventSet, bool, error) {
	url := fmt.Sprintf("%s/%s.json.zst", f.baseURL, stream)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.EventSet{}, false, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return model.EventSet{}, false, fmt.Errorf("download snapshot: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return model.EventSet{}, false, nil
	default:
		return model.EventSet{}, false, fmt.Errorf("snapshot status %d for %s", resp.StatusCode, url)
	}

	archive, err := io.ReadAll(io.LimitReader(resp.Body, maxArchiveSize+1))
	if err != nil {
		return model.EventSet{}, false, fmt.Errorf("read snapshot: %w", err)
	}
	if len(archive) > maxArchiveSize {
		return model.EventSet{}, false, fmt.Errorf("snapshot %s exceeds %d bytes", stream, maxArchiveSize)
	}

	if want, ok := f.digests[strings.ToLower(stream)]; ok {
		sum := sha256.Sum256(archive)
		if got := hex.EncodeToString(sum[:]); got != want {
			return model.EventSet{}, false, fmt.Errorf("%w: %s got %s want %s", ErrDigestMismatch, stream, got, want)
		}
	}

	set, err := Decode(archive)
	if err != nil {
		return model.EventSet{}, false, fmt.Errorf("decode snapshot %s: %w", stream, err)
	}
	f.logger.Info("snapshot loaded",
		zap.String("stream", stream),
		zap.Int("events", len(set.Events)),
		zap.Int("bytes", len(archive)),
	)
	return set, true, nil
}

// Decode decompresses a snapshot archive and validates event order.
func Decode(archive []byte) (model.EventSet, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return model.EventSet{}, err
	}
	defer decoder.Close()

	raw, err := decoder.DecodeAll(archive, nil)
	if err != nil {
		return model.EventSet{}, fmt.Errorf("decompress: %w", err)
	}
	var set model.EventSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return model.EventSet{}, fmt.Errorf("parse: %w", err)
	}
	if err := model.CheckOrdered(set.Events); err != nil {
		return model.EventSet{}, err
	}
	return set, nil
}

// Encode produces an archive readable by Decode.
func Encode(set model.EventSet) ([]byte, error) {
	raw, err := json.Marshal(set)
	if err != nil {
		return nil, err
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer encoder.Close()
	return encoder.EncodeAll(raw, nil), nil
}
