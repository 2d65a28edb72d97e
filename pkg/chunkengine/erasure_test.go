package chunkengine

import (
	"bytes"
	"testing"
)

func TestNewErasureCoder(t *testing.T) {
	tests := []struct {
		name    string
		config  ErasureConfig
		wantErr bool
	}{
		{"default config", DefaultErasureConfig(), false},
		{"zero data shards", ErasureConfig{DataShards: 0, ParityShards: 2, LRCGroupSize: 2}, true},
		{"negative parity", ErasureConfig{DataShards: 4, ParityShards: -1, LRCGroupSize: 2}, true},
		{"too many shards", ErasureConfig{DataShards: 200, ParityShards: 100, LRCGroupSize: 2}, true},
		{"zero group size", ErasureConfig{DataShards: 4, ParityShards: 2, LRCGroupSize: 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewErasureCoder(tt.config, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewErasureCoder() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// Decoding any subset of size >= k of the k+m data+parity shards returns
// the original buffer.
func TestRoundTrip_DropTwoShards(t *testing.T) {
	coder, err := NewErasureCoder(ErasureConfig{DataShards: 4, ParityShards: 2, LRCGroupSize: 2}, nil)
	if err != nil {
		t.Fatalf("NewErasureCoder: %v", err)
	}
	data := []byte("Hello, world!")

	encoded, err := coder.Encode(data)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Drop data shard 1 and data shard 3.
	present := make(map[int][]byte)
	for i, shard := range encoded.Shards {
		if i == 1 || i == 3 {
			continue
		}
		present[i] = shard
	}

	decoded, err := coder.Decode(present, encoded.LocalGroups, len(data))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Fatalf("round trip mismatch: got %q want %q", decoded, data)
	}
}

func TestRoundTrip_AllSubsets(t *testing.T) {
	coder, err := NewErasureCoder(ErasureConfig{DataShards: 4, ParityShards: 2, LRCGroupSize: 2}, nil)
	if err != nil {
		t.Fatalf("NewErasureCoder: %v", err)
	}
	data := bytes.Repeat([]byte{0xAB}, 97)
	encoded, err := coder.Encode(data)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	k := 4
	m := 2
	// Try dropping every pair among the k+m RS-relevant shards, withholding LRC.
	for drop1 := 0; drop1 < k+m; drop1++ {
		for drop2 := drop1 + 1; drop2 < k+m; drop2++ {
			present := make(map[int][]byte)
			for i := 0; i < k+m; i++ {
				if i == drop1 || i == drop2 {
					continue
				}
				present[i] = encoded.Shards[i]
			}
			decoded, err := coder.Decode(present, nil, len(data))
			if err != nil {
				t.Fatalf("Decode (drop %d,%d): %v", drop1, drop2, err)
			}
			if !bytes.Equal(decoded, data) {
				t.Fatalf("Decode (drop %d,%d): mismatch", drop1, drop2)
			}
		}
	}
}

// Losing exactly one data shard per group, with LRC shards available,
// recovers without touching parity.
func TestLRCOnlyRepair(t *testing.T) {
	coder, err := NewErasureCoder(ErasureConfig{DataShards: 4, ParityShards: 2, LRCGroupSize: 2}, nil)
	if err != nil {
		t.Fatalf("NewErasureCoder: %v", err)
	}
	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i)
	}

	encoded, err := coder.Encode(data)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Drop data shard 0 and data shard 2 (one per group of size 2),
	// withhold all parity shards, keep both LRC shards.
	present := make(map[int][]byte)
	present[1] = encoded.Shards[1]
	present[3] = encoded.Shards[3]
	k, m := 4, 2
	for _, group := range encoded.LocalGroups {
		present[group.LocalRecoveryIdx] = encoded.Shards[group.LocalRecoveryIdx]
	}
	_ = k
	_ = m

	decoded, err := coder.Decode(present, encoded.LocalGroups, len(data))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Fatalf("LRC-only repair mismatch")
	}
}

func TestDecode_InsufficientShards(t *testing.T) {
	coder, err := NewErasureCoder(ErasureConfig{DataShards: 6, ParityShards: 4, LRCGroupSize: 2}, nil)
	if err != nil {
		t.Fatalf("NewErasureCoder: %v", err)
	}
	data := bytes.Repeat([]byte{0x42}, 60)
	encoded, err := coder.Encode(data)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	present := make(map[int][]byte)
	for i := 0; i < 5; i++ {
		present[i] = encoded.Shards[i]
	}

	_, err = coder.Decode(present, nil, len(data))
	if err == nil {
		t.Fatalf("expected InsufficientShardsError")
	}
	var insufficient *InsufficientShardsError
	if !asInsufficient(err, &insufficient) {
		t.Fatalf("expected *InsufficientShardsError, got %T: %v", err, err)
	}
	if insufficient.Available != 5 || insufficient.Required != 6 {
		t.Fatalf("unexpected fields: %+v", insufficient)
	}
}

func asInsufficient(err error, target **InsufficientShardsError) bool {
	if e, ok := err.(*InsufficientShardsError); ok {
		*target = e
		return true
	}
	return false
}

func TestGroupCountAndRecoveryIndices(t *testing.T) {
	coder, err := NewErasureCoder(ErasureConfig{DataShards: 6, ParityShards: 4, LRCGroupSize: 2}, nil)
	if err != nil {
		t.Fatalf("NewErasureCoder: %v", err)
	}
	groups := coder.localGroups()
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}
	for i, g := range groups {
		wantIdx := 6 + 4 + i
		if g.LocalRecoveryIdx != wantIdx {
			t.Fatalf("group %d: expected recovery idx %d, got %d", i, wantIdx, g.LocalRecoveryIdx)
		}
	}
	if coder.config.TotalShards() != 13 {
		t.Fatalf("expected total shards 13, got %d", coder.config.TotalShards())
	}
}
