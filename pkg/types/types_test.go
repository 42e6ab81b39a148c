package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleString(t *testing.T) {
	assert.Equal(t, "master", RoleMaster.String())
	assert.Equal(t, "worker", RoleWorker.String())
}

func TestParseHashTypeRoundTrip(t *testing.T) {
	for _, ht := range HashTypes() {
		parsed, err := ParseHashType(ht.String())
		require.NoError(t, err)
		assert.Equal(t, ht, parsed)
		assert.Positive(t, ht.ByteLength())
	}

	_, err := ParseHashType("sha256")
	assert.ErrorIs(t, err, ErrUnknownHashType, "names are case-sensitive")
}

func TestNewContentHashValidatesLength(t *testing.T) {
	_, err := NewContentHash(HashTypeSHA256, make([]byte, 31))
	assert.ErrorIs(t, err, ErrInvalidHash)

	_, err = NewContentHash(HashTypeUnknown, nil)
	assert.ErrorIs(t, err, ErrUnknownHashType)

	digest := make([]byte, 33)
	h, err := NewContentHash(HashTypeVSO0, digest)
	require.NoError(t, err)
	digest[0] = 0xFF
	assert.Zero(t, h.Bytes[0], "digest is copied")
}

func TestContentHashString(t *testing.T) {
	digest := make([]byte, 16)
	digest[15] = 0xAB
	h, err := NewContentHash(HashTypeMD5, digest)
	require.NoError(t, err)

	assert.Equal(t, "MD5:"+strings.Repeat("0", 30)+"AB", h.String())

	parsed, err := ParseContentHash(strings.ToLower(h.String()[4:]))
	assert.Error(t, err, "type prefix is required")
	assert.True(t, parsed.IsZero())

	parsed, err = ParseContentHash("MD5:" + strings.Repeat("0", 30) + "ab")
	require.NoError(t, err)
	assert.True(t, h.Equal(parsed), "hex is case-insensitive on input")
}

func TestParseContentHashErrors(t *testing.T) {
	for _, in := range []string{"", "SHA256", "SHA256:zz", "SHA256:00", "Nope:00"} {
		_, err := ParseContentHash(in)
		assert.Error(t, err, in)
	}
}

func TestLocationEventJSON(t *testing.T) {
	h, err := NewContentHash(HashTypeSHA1, make([]byte, 20))
	require.NoError(t, err)
	ev := LocationEvent{Kind: EventAdd, Hash: h, Machine: "m1", Size: 7, Timestamp: time.Unix(1700000000, 0).UTC()}

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"hash":"SHA1:`)

	var back LocationEvent
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.Hash.Equal(h))
	assert.Equal(t, ev.Machine, back.Machine)
}

func TestLeaseValidAt(t *testing.T) {
	now := time.Now()
	assert.True(t, Lease{Holder: "m1", ExpiresAt: now.Add(time.Second)}.ValidAt(now))
	assert.False(t, Lease{Holder: "m1", ExpiresAt: now}.ValidAt(now), "expiry is exclusive")
	assert.False(t, Lease{ExpiresAt: now.Add(time.Hour)}.ValidAt(now))
}

func TestCheckpointPointer(t *testing.T) {
	p := CheckpointPointer{Files: []CheckpointFile{{Size: 3}, {Size: 4}}}
	assert.Equal(t, int64(7), p.TotalSize())
	assert.Equal(t, "checkpoints-7", CheckpointPrefix("checkpoints-", "7"))
}

func TestLeaseJSON(t *testing.T) {
	l := Lease{Holder: MachineID("m1"), ExpiresAt: time.Unix(1700000000, 0).UTC()}
	data, err := json.Marshal(l)
	require.NoError(t, err)
	assert.JSONEq(t, `{"holder":"m1","expires_at":"2023-11-14T22:13:20Z"}`, string(data))

	var back Lease
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, MachineID("m1"), back.Holder)
}
