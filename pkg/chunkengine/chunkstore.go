package chunkengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// ChunkStore is content-addressed on-disk storage of shards and
// per-file manifests, laid out as
// <root>/<owner>/<file_fingerprint>/<index>.shard and .../manifest.
type ChunkStore struct {
	root   string
	logger *zap.Logger
}

// NewChunkStore creates (if absent) the store root and returns a handle.
func NewChunkStore(root string, logger *zap.Logger) (*ChunkStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &StorageError{Op: "mkdir_root", Cause: err}
	}
	return &ChunkStore{root: root, logger: logger}, nil
}

func (s *ChunkStore) fileDir(owner, fileFingerprint string) string {
	return filepath.Join(s.root, owner, fileFingerprint)
}

func (s *ChunkStore) shardPath(owner, fileFingerprint string, index int) string {
	return filepath.Join(s.fileDir(owner, fileFingerprint), fmt.Sprintf("%d.shard", index))
}

func (s *ChunkStore) manifestPath(owner, fileFingerprint string) string {
	return filepath.Join(s.fileDir(owner, fileFingerprint), "manifest")
}

// atomicWrite writes data to path via a sibling temp file + rename, so a
// cancellation or crash mid-write never leaves a torn file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Put writes a shard's bytes atomically and returns its on-disk path.
func (s *ChunkStore) Put(ctx context.Context, owner, fileFingerprint string, index int, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &StorageError{Op: "put", Cause: err}
	}
	path := s.shardPath(owner, fileFingerprint, index)
	if err := atomicWrite(path, data); err != nil {
		return "", &StorageError{Op: "put", Cause: err}
	}
	return path, nil
}

// Get returns a shard's bytes, or (nil, nil) if absent.
func (s *ChunkStore) Get(ctx context.Context, owner, fileFingerprint string, index int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StorageError{Op: "get", Cause: err}
	}
	path := s.shardPath(owner, fileFingerprint, index)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "get", Cause: err}
	}
	return data, nil
}

// Delete removes a single shard file; returns whether it existed.
func (s *ChunkStore) Delete(ctx context.Context, owner, fileFingerprint string, index int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, &StorageError{Op: "delete", Cause: err}
	}
	path := s.shardPath(owner, fileFingerprint, index)
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, &StorageError{Op: "delete", Cause: err}
	}
	return true, nil
}

// DeleteFile removes every shard and the manifest for a file, returning the
// count of files removed.
func (s *ChunkStore) DeleteFile(ctx context.Context, owner, fileFingerprint string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, &StorageError{Op: "delete_file", Cause: err}
	}
	dir := s.fileDir(owner, fileFingerprint)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, &StorageError{Op: "delete_file_list", Cause: err}
	}
	count := len(entries)
	if err := os.RemoveAll(dir); err != nil {
		return 0, &StorageError{Op: "delete_file", Cause: err}
	}
	return count, nil
}

// Hash returns the SHA-256 hex digest of a shard's bytes, streaming the
// file once. Returns ("", nil) if the shard is absent.
func (s *ChunkStore) Hash(ctx context.Context, owner, fileFingerprint string, index int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &StorageError{Op: "hash", Cause: err}
	}
	path := s.shardPath(owner, fileFingerprint, index)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", &StorageError{Op: "hash_open", Cause: err}
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", &StorageError{Op: "hash_read", Cause: err}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify streams a shard once and compares its hash to expected. Returns
// (true, nil) on match, (false, nil) on mismatch (caller marks corrupted).
func (s *ChunkStore) Verify(ctx context.Context, owner, fileFingerprint string, index int, expected string) (bool, error) {
	actual, err := s.Hash(ctx, owner, fileFingerprint, index)
	if err != nil {
		return false, err
	}
	if actual == "" {
		return false, &ShardNotFoundError{FileFingerprint: fileFingerprint, ShardIndex: index, Owner: owner}
	}
	return actual == expected, nil
}

// WriteManifest serializes and atomically writes a manifest's JSON form.
func (s *ChunkStore) WriteManifest(ctx context.Context, m *Manifest) error {
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "write_manifest", Cause: err}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return &StorageError{Op: "marshal_manifest", Cause: err}
	}
	if err := atomicWrite(s.manifestPath(m.OwnerID, m.FileFingerprint), data); err != nil {
		return &StorageError{Op: "write_manifest", Cause: err}
	}
	return nil
}

// ReadManifest reads and parses a file's on-disk manifest.
func (s *ChunkStore) ReadManifest(ctx context.Context, owner, fileFingerprint string) (*Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StorageError{Op: "read_manifest", Cause: err}
	}
	path := s.manifestPath(owner, fileFingerprint)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, &ManifestNotFoundError{FileFingerprint: fileFingerprint}
	}
	if err != nil {
		return nil, &StorageError{Op: "read_manifest", Cause: err}
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &StorageError{Op: "unmarshal_manifest", Cause: err}
	}
	return &m, nil
}

// Stats summarizes the store's contents.
type Stats struct {
	TotalBytes int64
	FileCount  int
	ShardCount int
}

// Stats walks the store root and tallies size and shard counts.
func (s *ChunkStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	owners, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, &StorageError{Op: "stats_read_root", Cause: err}
	}
	for _, owner := range owners {
		if err := ctx.Err(); err != nil {
			return stats, &StorageError{Op: "stats", Cause: err}
		}
		if !owner.IsDir() {
			continue
		}
		ownerDir := filepath.Join(s.root, owner.Name())
		files, err := os.ReadDir(ownerDir)
		if err != nil {
			return stats, &StorageError{Op: "stats_read_owner", Cause: err}
		}
		for _, file := range files {
			if !file.IsDir() {
				continue
			}
			stats.FileCount++
			shards, err := os.ReadDir(filepath.Join(ownerDir, file.Name()))
			if err != nil {
				return stats, &StorageError{Op: "stats_read_file", Cause: err}
			}
			for _, shard := range shards {
				if shard.Name() == "manifest" {
					continue
				}
				info, err := shard.Info()
				if err != nil {
					continue
				}
				stats.ShardCount++
				stats.TotalBytes += info.Size()
			}
		}
	}
	return stats, nil
}

// CleanupOrphans deletes any file directory that has shards but no
// manifest, returning the count removed.
func (s *ChunkStore) CleanupOrphans(ctx context.Context) (int, error) {
	count := 0
	owners, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, &StorageError{Op: "cleanup_read_root", Cause: err}
	}
	for _, owner := range owners {
		if err := ctx.Err(); err != nil {
			return count, &StorageError{Op: "cleanup_orphans", Cause: err}
		}
		if !owner.IsDir() {
			continue
		}
		ownerDir := filepath.Join(s.root, owner.Name())
		files, err := os.ReadDir(ownerDir)
		if err != nil {
			return count, &StorageError{Op: "cleanup_read_owner", Cause: err}
		}
		for _, file := range files {
			if !file.IsDir() {
				continue
			}
			dir := filepath.Join(ownerDir, file.Name())
			if _, err := os.Stat(filepath.Join(dir, "manifest")); os.IsNotExist(err) {
				if err := os.RemoveAll(dir); err != nil {
					return count, &StorageError{Op: "cleanup_remove_orphan", Cause: err}
				}
				count++
				s.logger.Info("removed orphan shard directory", zap.String("path", dir))
			}
		}
	}
	return count, nil
}

// Now returns the current time; factored out so tests can't accidentally
// depend on wall-clock skew across assertions.
func Now() time.Time { return time.Now().UTC() }
