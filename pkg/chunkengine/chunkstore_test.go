package chunkengine

import (
	"bytes"
	"context"
	"testing"
)

func newTestStore(t *testing.T) *ChunkStore {
	t.Helper()
	store, err := NewChunkStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewChunkStore: %v", err)
	}
	return store
}

func TestChunkStore_PutGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	data := []byte("shard contents")

	path, err := store.Put(ctx, "owner1", "file1", 0, data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if path == "" {
		t.Fatalf("expected non-empty path")
	}

	got, err := store.Get(ctx, "owner1", "file1", 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Get mismatch: got %q want %q", got, data)
	}
}

func TestChunkStore_GetMissing(t *testing.T) {
	store := newTestStore(t)
	got, err := store.Get(context.Background(), "owner1", "nope", 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing shard, got %v", got)
	}
}

func TestChunkStore_HashAndVerify(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	data := []byte("verify me")
	if _, err := store.Put(ctx, "owner1", "file1", 0, data); err != nil {
		t.Fatalf("Put: %v", err)
	}

	hash, err := store.Hash(ctx, "owner1", "file1", 0)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if hash == "" {
		t.Fatalf("expected non-empty hash")
	}

	ok, err := store.Verify(ctx, "owner1", "file1", 0, hash)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected verify to succeed")
	}

	ok, err = store.Verify(ctx, "owner1", "file1", 0, "deadbeef")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatalf("expected verify to fail on mismatched hash")
	}
}

func TestChunkStore_DeleteFile(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := store.Put(ctx, "owner1", "file1", i, []byte{byte(i)}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := store.WriteManifest(ctx, &Manifest{OwnerID: "owner1", FileFingerprint: "file1"}); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}

	count, err := store.DeleteFile(ctx, "owner1", "file1")
	if err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if count != 4 {
		t.Fatalf("expected 4 files removed (3 shards + manifest), got %d", count)
	}

	got, err := store.Get(ctx, "owner1", "file1", 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected shard gone after DeleteFile")
	}
}

func TestChunkStore_ManifestRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	m := &Manifest{
		FileFingerprint: "file1",
		OwnerID:         "owner1",
		DataShards:      6,
		ParityShards:    4,
		Algorithm:       AlgorithmReedSolomonLRC,
		ChunkHashes:     map[int]string{0: "abc"},
	}
	if err := store.WriteManifest(ctx, m); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}

	got, err := store.ReadManifest(ctx, "owner1", "file1")
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if got.FileFingerprint != m.FileFingerprint || got.DataShards != m.DataShards {
		t.Fatalf("manifest mismatch: %+v", got)
	}
}

func TestChunkStore_ReadManifestMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.ReadManifest(context.Background(), "owner1", "nope")
	if err == nil {
		t.Fatalf("expected error for missing manifest")
	}
	if _, ok := err.(*ManifestNotFoundError); !ok {
		t.Fatalf("expected *ManifestNotFoundError, got %T", err)
	}
}

func TestChunkStore_CleanupOrphans(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.Put(ctx, "owner1", "orphan", 0, []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := store.Put(ctx, "owner1", "file1", 0, []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.WriteManifest(ctx, &Manifest{OwnerID: "owner1", FileFingerprint: "file1"}); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}

	count, err := store.CleanupOrphans(ctx)
	if err != nil {
		t.Fatalf("CleanupOrphans: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 orphan removed, got %d", count)
	}

	got, err := store.Get(ctx, "owner1", "file1", 0)
	if err != nil || got == nil {
		t.Fatalf("expected file1 shard to survive cleanup")
	}
}
