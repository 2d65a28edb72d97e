package chunkengine

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
	"go.uber.org/zap"
)

// ErasureConfig holds the RS(k,m) parameters. k+m must not exceed 255
// (GF(2^8)). LRCGroupSize controls how many data shards share a single
// XOR local-recovery symbol.
type ErasureConfig struct {
	DataShards   int
	ParityShards int
	LRCGroupSize int
}

// DefaultErasureConfig returns the default parameters (k=6, m=4, g=2).
func DefaultErasureConfig() ErasureConfig {
	return ErasureConfig{DataShards: 6, ParityShards: 4, LRCGroupSize: 2}
}

func (c ErasureConfig) groupCount() int {
	return (c.DataShards + c.LRCGroupSize - 1) / c.LRCGroupSize
}

// TotalShards returns k + m + G, the full shard count produced by Encode.
func (c ErasureConfig) TotalShards() int {
	return c.DataShards + c.ParityShards + c.groupCount()
}

// EncodedResult is the output of Encode: ordered
// [data0..data_{k-1}, parity0..parity_{m-1}, lrc0..lrc_{G-1}].
type EncodedResult struct {
	Shards       [][]byte
	ShardSize    int
	OriginalSize int
	LocalGroups  []LocalGroup
}

// ErasureCoder performs RS(k,m) encode/decode over GF(2^8) plus LRC
// group-XOR recovery. Decoding repairs via LRC first (single XOR per
// group), then falls back to full RS reconstruction.
type ErasureCoder struct {
	config  ErasureConfig
	encoder reedsolomon.Encoder
	logger  *zap.Logger
}

// NewErasureCoder constructs a coder for the given configuration.
func NewErasureCoder(config ErasureConfig, logger *zap.Logger) (*ErasureCoder, error) {
	if config.DataShards <= 0 || config.ParityShards < 0 {
		return nil, &ConfigurationError{Key: "erasure_config", Reason: "data shards must be positive, parity non-negative"}
	}
	if config.DataShards+config.ParityShards > 255 {
		return nil, &ConfigurationError{Key: "erasure_config", Reason: "k+m must not exceed 255"}
	}
	if config.LRCGroupSize <= 0 {
		return nil, &ConfigurationError{Key: "erasure_config", Reason: "LRC group size must be positive"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	enc, err := reedsolomon.New(config.DataShards, config.ParityShards)
	if err != nil {
		return nil, &EncodingError{Cause: fmt.Errorf("constructing reedsolomon encoder: %w", err)}
	}

	return &ErasureCoder{config: config, encoder: enc, logger: logger}, nil
}

// Config returns the coder's configuration.
func (c *ErasureCoder) Config() ErasureConfig { return c.config }

// localGroups partitions [0,k) into contiguous groups of LRCGroupSize,
// numbering recovery indices from k+m upward.
func (c *ErasureCoder) localGroups() []LocalGroup {
	groups := make([]LocalGroup, 0, c.config.groupCount())
	recoveryIdx := c.config.DataShards + c.config.ParityShards
	groupID := 0
	for start := 0; start < c.config.DataShards; start += c.config.LRCGroupSize {
		end := start + c.config.LRCGroupSize
		if end > c.config.DataShards {
			end = c.config.DataShards
		}
		indices := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			indices = append(indices, i)
		}
		groups = append(groups, LocalGroup{
			GroupID:          groupID,
			ChunkIndices:     indices,
			LocalRecoveryIdx: recoveryIdx,
		})
		recoveryIdx++
		groupID++
	}
	return groups
}

// Encode splits data into k data shards and computes m RS parity shards
// plus G LRC XOR-recovery shards, one per local group.
func (c *ErasureCoder) Encode(data []byte) (*EncodedResult, error) {
	originalSize := len(data)
	k := c.config.DataShards
	shardSize := (originalSize + k - 1) / k
	if shardSize == 0 {
		shardSize = 1
	}

	groups := c.localGroups()
	total := c.config.TotalShards()
	shards := make([][]byte, total)

	for i := 0; i < k; i++ {
		shard := make([]byte, shardSize)
		start := i * shardSize
		if start < originalSize {
			end := start + shardSize
			if end > originalSize {
				end = originalSize
			}
			copy(shard, data[start:end])
		}
		shards[i] = shard
	}
	for i := k; i < k+c.config.ParityShards; i++ {
		shards[i] = make([]byte, shardSize)
	}

	if err := c.encoder.Encode(shards[:k+c.config.ParityShards]); err != nil {
		return nil, &EncodingError{Cause: fmt.Errorf("reedsolomon encode: %w", err)}
	}

	for gi, group := range groups {
		lrc := make([]byte, shardSize)
		for _, idx := range group.ChunkIndices {
			xorInto(lrc, shards[idx])
		}
		shards[k+c.config.ParityShards+gi] = lrc
	}

	c.logger.Debug("encoded buffer",
		zap.Int("original_size", originalSize),
		zap.Int("shard_size", shardSize),
		zap.Int("total_shards", total))

	return &EncodedResult{
		Shards:       shards,
		ShardSize:    shardSize,
		OriginalSize: originalSize,
		LocalGroups:  groups,
	}, nil
}

func xorInto(dst, src []byte) {
	for i := 0; i < len(dst) && i < len(src); i++ {
		dst[i] ^= src[i]
	}
}

// Decode recovers the original bytes in three phases: LRC repair, RS
// reconstruction, trim. present maps shard index -> bytes for whatever is available
// (data, parity, and/or LRC shards); missing indices are simply absent keys.
func (c *ErasureCoder) Decode(present map[int][]byte, groups []LocalGroup, originalLength int) ([]byte, error) {
	k := c.config.DataShards
	m := c.config.ParityShards

	work := make(map[int][]byte, len(present))
	for idx, b := range present {
		work[idx] = b
	}

	// Phase 1: LRC repair, iterate to a fixed point since repairing one
	// group's member can unblock nothing further here (groups are
	// disjoint), but we still loop for clarity and future group overlap.
	progressed := true
	for progressed {
		progressed = false
		for _, group := range groups {
			lrc, haveLRC := work[group.LocalRecoveryIdx]
			if !haveLRC {
				continue
			}
			missingInGroup := -1
			missingCount := 0
			for _, idx := range group.ChunkIndices {
				if _, ok := work[idx]; !ok {
					missingInGroup = idx
					missingCount++
				}
			}
			if missingCount != 1 {
				continue
			}
			recovered := make([]byte, len(lrc))
			copy(recovered, lrc)
			for _, idx := range group.ChunkIndices {
				if idx == missingInGroup {
					continue
				}
				xorInto(recovered, work[idx])
			}
			work[missingInGroup] = recovered
			progressed = true
		}
	}

	// Check whether all k data shards are now present.
	haveAllData := true
	for i := 0; i < k; i++ {
		if _, ok := work[i]; !ok {
			haveAllData = false
			break
		}
	}

	if !haveAllData {
		// Phase 2: RS phase.
		available := 0
		missing := make([]int, 0)
		shards := make([][]byte, k+m)
		for i := 0; i < k+m; i++ {
			if b, ok := work[i]; ok {
				shards[i] = b
				available++
			} else {
				missing = append(missing, i)
			}
		}
		if available < k {
			return nil, &InsufficientShardsError{Available: available, Required: k, Missing: missing}
		}
		if err := c.encoder.ReconstructData(shards); err != nil {
			return nil, &DecodingError{Cause: fmt.Errorf("reedsolomon reconstruct: %w", err)}
		}
		for i := 0; i < k; i++ {
			work[i] = shards[i]
		}
	}

	// Phase 3: trim.
	var out []byte
	for i := 0; i < k; i++ {
		out = append(out, work[i]...)
	}
	if originalLength >= 0 && originalLength <= len(out) {
		out = out[:originalLength]
	}
	return out, nil
}
