package address

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/locsync/pkg/types"
)

func sequentialHash(t *testing.T, ht types.HashType) types.ContentHash {
	t.Helper()
	b := make([]byte, ht.ByteLength())
	for i := range b {
		b[i] = byte(i)
	}
	h, err := types.NewContentHash(ht, b)
	require.NoError(t, err)
	return h
}

func TestEncodeLayout(t *testing.T) {
	h, err := types.ParseContentHash("MD5:00112233445566778899AABBCCDDEEFF")
	require.NoError(t, err)

	path := Encode(Address{Host: "machine1", Hash: h})
	assert.Equal(t, `\\machine1\Shared\MD5\00112233445566778899AABBCCDDEEFF.blob`, path)
}

func TestEncodeGolden(t *testing.T) {
	var buf bytes.Buffer
	for _, ht := range types.HashTypes() {
		path := Encode(Address{Host: "machine-01", Hash: sequentialHash(t, ht)})
		fmt.Fprintf(&buf, "%s\t%s\n", ht, path)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "encode_all_hash_types", buf.Bytes())
}

func TestRoundTrip(t *testing.T) {
	for _, ht := range types.HashTypes() {
		t.Run(ht.String(), func(t *testing.T) {
			a := Address{Host: "build-agent-7", Hash: sequentialHash(t, ht)}
			got, err := Decode(Encode(a))
			require.NoError(t, err)
			assert.Equal(t, a.Host, got.Host)
			assert.True(t, a.Hash.Equal(got.Hash))
		})
	}
}

func TestRoundTripCustomRoot(t *testing.T) {
	c := Codec{Root: []string{"cache", "shared", "v2"}, Extension: ".blob"}
	a := Address{Host: "h", Hash: sequentialHash(t, types.HashTypeSHA1)}

	path := c.Encode(a)
	assert.True(t, strings.HasPrefix(path, `\\h\cache\shared\v2\SHA1\`))

	got, err := c.Decode(path)
	require.NoError(t, err)
	assert.True(t, a.Hash.Equal(got.Hash))
}

func TestDecodeTolerance(t *testing.T) {
	t.Run("lower case hex", func(t *testing.T) {
		got, err := Decode(`\\m\Shared\MD5\00112233445566778899aabbccddeeff.blob`)
		require.NoError(t, err)
		assert.Equal(t, "00112233445566778899AABBCCDDEEFF", got.Hash.Hex())
	})

	t.Run("upper case extension", func(t *testing.T) {
		_, err := Decode(`\\m\Shared\MD5\00112233445566778899AABBCCDDEEFF.BLOB`)
		require.NoError(t, err)
	})

	t.Run("extension is optional", func(t *testing.T) {
		got, err := Decode(`\\m\Shared\MD5\00112233445566778899AABBCCDDEEFF`)
		require.NoError(t, err)
		assert.Equal(t, "00112233445566778899AABBCCDDEEFF", got.Hash.Hex())
	})

	t.Run("empty segments are skipped", func(t *testing.T) {
		got, err := Decode(`\\m\\Shared\\MD5\00112233445566778899AABBCCDDEEFF.blob`)
		require.NoError(t, err)
		assert.Equal(t, "m", got.Host)
	})
}

func TestDecodeFailures(t *testing.T) {
	cases := []struct {
		name string
		path string
		kind FailureKind
	}{
		{"missing prefix", `m\Shared\MD5\00112233445566778899AABBCCDDEEFF.blob`, FailureMissingPrefix},
		{"single backslash", `\m\Shared\MD5\00112233445566778899AABBCCDDEEFF.blob`, FailureMissingPrefix},
		{"too few segments", `\\m\MD5\00112233445566778899AABBCCDDEEFF.blob`, FailureTooFewSegments},
		{"three segments", `\\hostA\x\y`, FailureTooFewSegments},
		{"unknown hash type", `\\m\Shared\CRC9\00112233445566778899AABBCCDDEEFF.blob`, FailureUnknownHashType},
		{"hash type is case sensitive", `\\m\Shared\md5\00112233445566778899AABBCCDDEEFF.blob`, FailureUnknownHashType},
		{"bad hex", `\\m\Shared\MD5\ZZ112233445566778899AABBCCDDEEFF.blob`, FailureBadHex},
		{"wrong length", `\\m\Shared\SHA256\00112233445566778899AABBCCDDEEFF.blob`, FailureBadLength},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.path)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidAddress))
			assert.Equal(t, tc.kind, Kind(err))
		})
	}
}
