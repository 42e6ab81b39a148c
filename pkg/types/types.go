// Package types defines the domain model shared by the locsync components:
// machine roles, content hashes, leases, checkpoint pointers and location events.
package types

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role is this process's synchronization privilege.
type Role int

const (
	// RoleWorker may only produce events and restore checkpoints.
	RoleWorker Role = iota
	// RoleMaster may produce and consume events and creates checkpoints.
	RoleMaster
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleWorker:
		return "worker"
	default:
		return "unknown"
	}
}

// MachineID identifies a machine by the host name its copy endpoint listens on.
type MachineID string

// ============================================================================
// Content hashes
// ============================================================================

// HashType identifies a hash algorithm. Hash computation itself happens
// outside this module; only names and digest lengths are known here.
type HashType int

const (
	HashTypeUnknown HashType = iota
	HashTypeMD5
	HashTypeSHA1
	HashTypeSHA256
	HashTypeVSO0
	HashTypeDedupChunk
	HashTypeDedupNode
	HashTypeMurmur
)

var hashTypeNames = map[HashType]string{
	HashTypeMD5:        "MD5",
	HashTypeSHA1:       "SHA1",
	HashTypeSHA256:     "SHA256",
	HashTypeVSO0:       "VSO0",
	HashTypeDedupChunk: "DedupChunk",
	HashTypeDedupNode:  "DedupNode",
	HashTypeMurmur:     "Murmur",
}

var hashTypeLengths = map[HashType]int{
	HashTypeMD5:        16,
	HashTypeSHA1:       20,
	HashTypeSHA256:     32,
	HashTypeVSO0:       33,
	HashTypeDedupChunk: 32,
	HashTypeDedupNode:  32,
	HashTypeMurmur:     16,
}

// ErrUnknownHashType is returned when a hash algorithm name is not recognized.
var ErrUnknownHashType = errors.New("unknown hash type")

// ErrInvalidHash is returned when hash bytes do not fit their algorithm.
var ErrInvalidHash = errors.New("invalid content hash")

func (t HashType) String() string {
	if name, ok := hashTypeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// ByteLength returns the digest length of the algorithm, or 0 when unknown.
func (t HashType) ByteLength() int {
	return hashTypeLengths[t]
}

// Known reports whether t is a recognized algorithm.
func (t HashType) Known() bool {
	_, ok := hashTypeNames[t]
	return ok
}

// HashTypes returns all recognized algorithms in declaration order.
func HashTypes() []HashType {
	return []HashType{
		HashTypeMD5, HashTypeSHA1, HashTypeSHA256, HashTypeVSO0,
		HashTypeDedupChunk, HashTypeDedupNode, HashTypeMurmur,
	}
}

// ParseHashType resolves an algorithm name. Names match exactly.
func ParseHashType(name string) (HashType, error) {
	for t, n := range hashTypeNames {
		if n == name {
			return t, nil
		}
	}
	return HashTypeUnknown, fmt.Errorf("%w: %q", ErrUnknownHashType, name)
}

// ContentHash is a hash algorithm plus digest bytes.
type ContentHash struct {
	Type  HashType
	Bytes []byte
}

// NewContentHash validates the digest length against the algorithm.
func NewContentHash(t HashType, b []byte) (ContentHash, error) {
	if !t.Known() {
		return ContentHash{}, fmt.Errorf("%w: %d", ErrUnknownHashType, int(t))
	}
	if len(b) != t.ByteLength() {
		return ContentHash{}, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrInvalidHash, t, t.ByteLength(), len(b))
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return ContentHash{Type: t, Bytes: cp}, nil
}

// Hex returns the upper-case hex encoding of the digest.
func (h ContentHash) Hex() string {
	return strings.ToUpper(hex.EncodeToString(h.Bytes))
}

// String returns the serialized form TYPE:HEX.
func (h ContentHash) String() string {
	return h.Type.String() + ":" + h.Hex()
}

// Equal reports whether two hashes have the same algorithm and digest.
func (h ContentHash) Equal(o ContentHash) bool {
	return h.Type == o.Type && bytes.Equal(h.Bytes, o.Bytes)
}

// IsZero reports whether h is the zero value.
func (h ContentHash) IsZero() bool {
	return h.Type == HashTypeUnknown && len(h.Bytes) == 0
}

// ParseContentHash parses the TYPE:HEX form produced by String.
func ParseContentHash(s string) (ContentHash, error) {
	typeName, hexPart, ok := strings.Cut(s, ":")
	if !ok {
		return ContentHash{}, fmt.Errorf("%w: missing separator in %q", ErrInvalidHash, s)
	}
	t, err := ParseHashType(typeName)
	if err != nil {
		return ContentHash{}, err
	}
	b, err := hex.DecodeString(hexPart)
	if err != nil {
		return ContentHash{}, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	return NewContentHash(t, b)
}

// MarshalText implements encoding.TextMarshaler.
func (h ContentHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *ContentHash) UnmarshalText(text []byte) error {
	parsed, err := ParseContentHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ============================================================================
// Lease and checkpoint records (persisted per epoch)
// ============================================================================

// Lease grants the Master role until ExpiresAt.
type Lease struct {
	Holder    MachineID `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ValidAt reports whether the lease is still held at now.
func (l Lease) ValidAt(now time.Time) bool {
	return l.Holder != "" && now.Before(l.ExpiresAt)
}

// CheckpointFile is one blob reference of a checkpoint.
type CheckpointFile struct {
	Name       string    `json:"name"`
	Ref        string    `json:"ref"`
	Size       int64     `json:"size"`
	Checksum   uint32    `json:"checksum"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// CheckpointPointer is the latest checkpoint of an epoch.
type CheckpointPointer struct {
	Sequence      uint64           `json:"sequence"`
	CheckpointID  string           `json:"checkpoint_id"`
	EventSequence int64            `json:"event_sequence"`
	CreatedAt     time.Time        `json:"created_at"`
	Files         []CheckpointFile `json:"files"`
}

// TotalSize sums the sizes of all referenced files.
func (p CheckpointPointer) TotalSize() int64 {
	var total int64
	for _, f := range p.Files {
		total += f.Size
	}
	return total
}

// CheckpointPrefix composes the lineage key of an epoch. Changing either part
// starts a new lineage with no checkpoints and no lease.
func CheckpointPrefix(keyBase, epoch string) string {
	return keyBase + epoch
}

// ============================================================================
// Location events
// ============================================================================

// EventKind is the kind of a content location update.
type EventKind string

const (
	EventAdd    EventKind = "add"    // machine now holds the content
	EventRemove EventKind = "remove" // machine dropped the content
	EventTouch  EventKind = "touch"  // content was accessed
)

// LocationEvent is an update produced by any machine and consumed by the master.
type LocationEvent struct {
	Kind      EventKind   `json:"kind"`
	Hash      ContentHash `json:"hash"`
	Machine   MachineID   `json:"machine"`
	Size      int64       `json:"size,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
