// Package address converts between content addresses and the UNC-style
// paths machines advertise for their cached content:
//
//	\\<host>\<root...>\<HASHTYPE>\<HEX>.blob
package address

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/locsync/pkg/types"
)

// ErrInvalidAddress is wrapped by every Decode failure.
var ErrInvalidAddress = errors.New("invalid content address")

// FailureKind tells why a path could not be decoded.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureMissingPrefix
	FailureTooFewSegments
	FailureUnknownHashType
	FailureBadHex
	FailureBadLength
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureMissingPrefix:
		return "missing_prefix"
	case FailureTooFewSegments:
		return "too_few_segments"
	case FailureUnknownHashType:
		return "unknown_hash_type"
	case FailureBadHex:
		return "bad_hex"
	case FailureBadLength:
		return "bad_length"
	default:
		return "unknown"
	}
}

// DecodeError carries the failure kind and the offending path.
type DecodeError struct {
	Kind FailureKind
	Path string
	msg  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", ErrInvalidAddress, e.msg, e.Path)
}

func (e *DecodeError) Unwrap() error { return ErrInvalidAddress }

// Kind extracts the failure kind of a Decode error, or FailureNone.
func Kind(err error) FailureKind {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Kind
	}
	return FailureNone
}

// Address names a piece of content held by a machine.
type Address struct {
	Host string
	Hash types.ContentHash
}

// Codec holds the shared root segments and the blob extension.
type Codec struct {
	Root      []string
	Extension string
}

// DefaultCodec matches the layout used by cache machines.
var DefaultCodec = Codec{Root: []string{"Shared"}, Extension: ".blob"}

// Encode renders a.
func (c Codec) Encode(a Address) string {
	var b strings.Builder
	b.WriteString(`\\`)
	b.WriteString(a.Host)
	for _, r := range c.Root {
		b.WriteByte('\\')
		b.WriteString(r)
	}
	b.WriteByte('\\')
	b.WriteString(a.Hash.Type.String())
	b.WriteByte('\\')
	b.WriteString(a.Hash.Hex())
	b.WriteString(c.Extension)
	return b.String()
}

// Decode parses a path produced by Encode. Root segments are not checked;
// the host is the first segment, the hash type the second-to-last and the
// hex digest the last one, minus the extension when present.
func (c Codec) Decode(path string) (Address, error) {
	if !strings.HasPrefix(path, `\\`) {
		return Address{}, fail(FailureMissingPrefix, path, `path must start with \\`)
	}

	var segments []string
	for _, s := range strings.Split(path[2:], `\`) {
		if s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) < 4 {
		return Address{}, fail(FailureTooFewSegments, path, fmt.Sprintf("need at least 4 segments, got %d", len(segments)))
	}

	last := segments[len(segments)-1]
	if n := len(c.Extension); n > 0 && len(last) > n && strings.EqualFold(last[len(last)-n:], c.Extension) {
		last = last[:len(last)-n]
	}

	hashType, err := types.ParseHashType(segments[len(segments)-2])
	if err != nil {
		return Address{}, fail(FailureUnknownHashType, path, err.Error())
	}

	digest, err := hex.DecodeString(last)
	if err != nil {
		return Address{}, fail(FailureBadHex, path, err.Error())
	}

	hash, err := types.NewContentHash(hashType, digest)
	if err != nil {
		return Address{}, fail(FailureBadLength, path, err.Error())
	}

	return Address{Host: segments[0], Hash: hash}, nil
}

// Encode uses DefaultCodec.
func Encode(a Address) string { return DefaultCodec.Encode(a) }

// Decode uses DefaultCodec.
func Decode(path string) (Address, error) { return DefaultCodec.Decode(path) }

func fail(kind FailureKind, path, msg string) error {
	return &DecodeError{Kind: kind, Path: path, msg: msg}
}
