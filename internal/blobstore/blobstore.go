// Package blobstore keeps the replicas a storage peer holds, one file per
// file id under a data directory.
//
// On-disk format: a one-byte header followed by the body. The header records
// whether the body is zstd-compressed, so the compression setting may change
// between runs without breaking blobs written earlier.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

const (
	formatRaw  byte = 0x00
	formatZstd byte = 0x01

	tempPrefix = ".blob-"
)

var (
	// ErrNotFound is returned when a key has no blob.
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidKey is returned for keys that are empty or could escape the data directory.
	ErrInvalidKey = errors.New("invalid blob key")
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Store is a directory of blobs.
type Store struct {
	dir      string
	compress bool
	logger   zerolog.Logger

	// Compression encoder/decoder pools for reuse
	encoderPool sync.Pool
	decoderPool sync.Pool
}

// Option configures a Store.
type Option func(*Store)

// WithCompression enables zstd compression of newly written blobs.
func WithCompression(enabled bool) Option {
	return func(s *Store) { s.compress = enabled }
}

// WithLogger sets the store's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New opens (creating if needed) a store rooted at dir.
func New(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &Store{dir: dir, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "blobstore").Logger()

	s.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	s.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}

	s.removeStaleTemps()
	return s, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string {
	return s.dir
}

// Put stores data under key, replacing any previous blob. The write is
// atomic: readers see either the old blob or the new one.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body := make([]byte, 0, len(data)+1)
	if s.compress {
		body = append(body, formatZstd)
		body = s.encode(body, data)
	} else {
		body = append(body, formatRaw)
		body = append(body, data...)
	}

	tmpFile, err := os.CreateTemp(s.dir, tempPrefix+"*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(body); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write blob: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync blob: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path(key)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename blob: %w", err)
	}

	s.logger.Debug().Str("key", key).Int("size", len(data)).Int("stored", len(body)).Msg("blob written")
	return nil
}

// Get returns the blob stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	body, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("blob %s is truncated", key)
	}

	switch body[0] {
	case formatRaw:
		return body[1:], nil
	case formatZstd:
		data, err := s.decode(body[1:])
		if err != nil {
			return nil, fmt.Errorf("decompress blob %s: %w", key, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("blob %s has unknown format 0x%02x", key, body[0])
	}
}

// Delete removes the blob under key. Deleting a missing blob is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// Has reports whether key has a blob.
func (s *Store) Has(key string) bool {
	if validateKey(key) != nil {
		return false
	}
	_, err := os.Stat(s.path(key))
	return err == nil
}

// Keys lists stored keys in lexical order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read data dir: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, tempPrefix) || validateKey(name) != nil {
			continue
		}
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys, nil
}

// TotalSize returns the bytes used on disk by all blobs.
func (s *Store) TotalSize(ctx context.Context) (int64, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, k := range keys {
		info, err := os.Stat(s.path(k))
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key)
}

// removeStaleTemps deletes temp files left by a crash mid-write.
func (s *Store) removeStaleTemps() {
	matches, _ := filepath.Glob(filepath.Join(s.dir, tempPrefix+"*.tmp"))
	for _, m := range matches {
		if err := os.Remove(m); err == nil {
			s.logger.Debug().Str("path", m).Msg("removed stale temp file")
		}
	}
}

func (s *Store) encode(dst, data []byte) []byte {
	enc := s.encoderPool.Get().(*zstd.Encoder)
	defer s.encoderPool.Put(enc)
	return enc.EncodeAll(data, dst)
}

func (s *Store) decode(data []byte) ([]byte, error) {
	dec := s.decoderPool.Get().(*zstd.Decoder)
	defer s.decoderPool.Put(dec)
	return dec.DecodeAll(data, nil)
}

func validateKey(key string) error {
	if key == "." || key == ".." || !keyPattern.MatchString(key) || strings.HasPrefix(key, tempPrefix) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
