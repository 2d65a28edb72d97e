package chunkengine

import "time"

// ShardKind distinguishes the three kinds of shard produced by the codec.
type ShardKind string

const (
	ShardKindData          ShardKind = "data"
	ShardKindParity        ShardKind = "parity"
	ShardKindLocalRecovery ShardKind = "local_recovery"
)

// ShardStatus tracks the lifecycle of a locally stored shard.
type ShardStatus string

const (
	ShardStatusVerified  ShardStatus = "verified"
	ShardStatusPending   ShardStatus = "pending"
	ShardStatusCorrupted ShardStatus = "corrupted"
)

// LocationStatus tracks the lifecycle of a remote placement claim.
type LocationStatus string

const (
	LocationStatusPending    LocationStatus = "pending"
	LocationStatusConfirmed  LocationStatus = "confirmed"
	LocationStatusFailed     LocationStatus = "failed"
	LocationStatusRelocated  LocationStatus = "relocated"
)

// ReplicationStatus tracks the lifecycle of a relocation task.
type ReplicationStatus string

const (
	ReplicationStatusPending    ReplicationStatus = "pending"
	ReplicationStatusInProgress ReplicationStatus = "in_progress"
	ReplicationStatusCompleted  ReplicationStatus = "completed"
	ReplicationStatusFailed     ReplicationStatus = "failed"
)

// LocalGroup is a contiguous partition of data-shard indices sharing a
// single XOR local-recovery symbol.
type LocalGroup struct {
	GroupID          int   `json:"group_id"`
	ChunkIndices     []int `json:"chunk_indices"`
	LocalRecoveryIdx int   `json:"local_recovery_idx"`
}

// Manifest is the per-file descriptor created once at chunking time.
type Manifest struct {
	FileFingerprint        string         `json:"file_uuid"`
	OwnerID                string         `json:"owner_uuid"`
	OriginalFilename       string         `json:"original_filename"`
	FilePath               string         `json:"file_path"`
	OriginalHash           string         `json:"original_hash"`
	OriginalSize           int64          `json:"original_size"`
	TotalChunks            int            `json:"total_chunks"`
	DataShards             int            `json:"data_chunks"`
	ParityShards           int            `json:"parity_chunks"`
	ChunkSize              int            `json:"chunk_size"`
	Algorithm              string         `json:"algorithm"`
	LocalGroups            []LocalGroup   `json:"local_groups"`
	GlobalRecoveryIndices  []int          `json:"global_recovery_indices"`
	ChunkHashes            map[int]string `json:"chunk_hashes"`
	CreatedAt              time.Time      `json:"created_at"`
	ExpiresAt              time.Time      `json:"expires_at"`
}

const AlgorithmReedSolomonLRC = "reed-solomon+lrc"

// Shard is a single stored shard's metadata row.
type Shard struct {
	FileFingerprint string
	ShardIndex      int
	Owner           string
	LocalPath       string
	SHA256          string
	Kind            ShardKind
	Size            int64
	StoredAt        time.Time
	ExpiresAt       time.Time
	LastAccessed    time.Time
	Status          ShardStatus
}

// Location is a claim that a shard is held by a specific peer.
type Location struct {
	ID              int64
	FileFingerprint string
	ShardIndex      int
	Owner           string
	PeerID          string
	AssignedAt      time.Time
	ConfirmedAt     *time.Time
	Status          LocationStatus
	Attempts        int
	FailureReason   string
}

// ReplicationTask records an in-flight or completed shard relocation.
type ReplicationTask struct {
	ID              int64
	FileFingerprint string
	ShardIndex      int
	Owner           string
	SourcePeer      string
	TargetPeer      string
	Reason          string
	CreatedAt       time.Time
	CompletedAt     *time.Time
	Attempts        int
	Status          ReplicationStatus
	ErrorMessage    string
}

// PeerRecord is the engine's view of a remote peer.
type PeerRecord struct {
	PeerID            string
	Host              string
	Port              int
	Reliability       float64
	ShardsStored      int
	FirstSeen         time.Time
	LastSeen          time.Time
	Online            bool
	StorageAvailable  int64
}

// DistributionAssignment is one line item of a distribute_chunks report.
type DistributionAssignment struct {
	ShardIndex int    `json:"shard_index"`
	PeerID     string `json:"peer_id"`
	Confirmed  bool   `json:"confirmed"`
	Reason     string `json:"reason,omitempty"`
}

// DistributionReport is the return value of DistributeChunks.
type DistributionReport struct {
	TotalChunks   int                       `json:"total_chunks"`
	Distributed   int                       `json:"distributed"`
	Failed        int                       `json:"failed"`
	LocalDeleted  int                       `json:"local_deleted"`
	Assignments   []DistributionAssignment  `json:"assignments"`
	Error         string                    `json:"error,omitempty"`
}
