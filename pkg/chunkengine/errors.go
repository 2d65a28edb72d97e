package chunkengine

import "fmt"

// EncodingError wraps a failure inside the erasure encoder.
type EncodingError struct {
	Cause error
}

func (e *EncodingError) Error() string { return fmt.Sprintf("encoding error: %v", e.Cause) }
func (e *EncodingError) Unwrap() error { return e.Cause }

// DecodingError wraps a failure inside the erasure decoder.
type DecodingError struct {
	Cause error
}

func (e *DecodingError) Error() string { return fmt.Sprintf("decoding error: %v", e.Cause) }
func (e *DecodingError) Unwrap() error { return e.Cause }

// ValidationError indicates a hash mismatch between expected and actual bytes.
type ValidationError struct {
	Expected string
	Actual   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: expected hash %s, got %s", e.Expected, e.Actual)
}

// StorageError wraps a failure in the on-disk chunk store.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage error during %s: %v", e.Op, e.Cause) }
func (e *StorageError) Unwrap() error { return e.Cause }

// IndexError wraps a failure in the metadata index.
type IndexError struct {
	Op    string
	Cause error
}

func (e *IndexError) Error() string { return fmt.Sprintf("index error during %s: %v", e.Op, e.Cause) }
func (e *IndexError) Unwrap() error { return e.Cause }

// PeerCommunicationError wraps a failure talking to a remote peer over RPC.
type PeerCommunicationError struct {
	PeerID string
	Method string
	Cause  error
}

func (e *PeerCommunicationError) Error() string {
	return fmt.Sprintf("peer communication error calling %s on %s: %v", e.Method, e.PeerID, e.Cause)
}
func (e *PeerCommunicationError) Unwrap() error { return e.Cause }

// InsufficientShardsError indicates fewer than k shards were available to decode.
type InsufficientShardsError struct {
	Available int
	Required  int
	Missing   []int
}

func (e *InsufficientShardsError) Error() string {
	return fmt.Sprintf("insufficient shards: have %d, need %d, missing %v", e.Available, e.Required, e.Missing)
}

// ShardNotFoundError indicates a requested shard does not exist in the store or index.
type ShardNotFoundError struct {
	FileFingerprint string
	ShardIndex      int
	Owner           string
}

func (e *ShardNotFoundError) Error() string {
	return fmt.Sprintf("shard not found: file=%s index=%d owner=%s", e.FileFingerprint, e.ShardIndex, e.Owner)
}

// ManifestNotFoundError indicates a requested file manifest does not exist.
type ManifestNotFoundError struct {
	FileFingerprint string
}

func (e *ManifestNotFoundError) Error() string {
	return fmt.Sprintf("manifest not found: file=%s", e.FileFingerprint)
}

// ReplicationError wraps a failure during shard relocation.
type ReplicationError struct {
	TaskID int64
	Cause  error
}

func (e *ReplicationError) Error() string {
	return fmt.Sprintf("replication error for task %d: %v", e.TaskID, e.Cause)
}
func (e *ReplicationError) Unwrap() error { return e.Cause }

// ConfigurationError indicates an invalid or inconsistent configuration value.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Key, e.Reason)
}
