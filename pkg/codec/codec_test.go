package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name    string   `cbor:"1,keyasint"`
	Offsets []uint64 `cbor:"2,keyasint"`
}

func bigSample() sample {
	s := sample{Name: "frag"}
	for i := range 4096 {
		s.Offsets = append(s.Offsets, uint64(i%16)*1024)
	}
	return s
}

func TestCodec_RoundTripAllCompressions(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(c.String(), func(t *testing.T) {
			codec := New(c)
			in := bigSample()

			data, err := codec.Marshal(in)
			require.NoError(t, err)

			var env envelope
			require.NoError(t, dm.Unmarshal(data, &env))
			assert.Equal(t, c, env.Compression, "repetitive data should stay compressed")

			var out sample
			require.NoError(t, Default().Unmarshal(data, &out), "reader accepts every compression")
			assert.Equal(t, in, out)
		})
	}
}

func TestCodec_Deterministic(t *testing.T) {
	a, err := Default().Marshal(bigSample())
	require.NoError(t, err)
	b, err := Default().Marshal(bigSample())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCodec_IncompressibleFallsBackToNone(t *testing.T) {
	data, err := New(CompressionZstd).Marshal(sample{Name: "x"})
	require.NoError(t, err)

	var env envelope
	require.NoError(t, dm.Unmarshal(data, &env))
	assert.Equal(t, CompressionNone, env.Compression)

	var out sample
	require.NoError(t, Default().Unmarshal(data, &out))
	assert.Equal(t, "x", out.Name)
}

func TestCodec_DetectsCorruption(t *testing.T) {
	data, err := New(CompressionNone).Marshal(bigSample())
	require.NoError(t, err)

	// 篡改 payload 的最后一个字节 (payload 是信封的最后一个字段)
	tampered := append([]byte(nil), data...)
	tampered[len(tampered)-1] ^= 0xff

	var out sample
	assert.ErrorIs(t, Default().Unmarshal(tampered, &out), ErrCorrupt)

	assert.ErrorIs(t, Default().Unmarshal([]byte("garbage"), &out), ErrCorrupt)

	bad, err := em.Marshal(envelope{Magic: "NOPE", Version: Version})
	require.NoError(t, err)
	assert.ErrorIs(t, Default().Unmarshal(bad, &out), ErrCorrupt)
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		in      string
		want    Compression
		wantErr bool
	}{
		{"", CompressionZstd, false},
		{"zstd", CompressionZstd, false},
		{"lz4", CompressionLZ4, false},
		{"none", CompressionNone, false},
		{"gzip", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseCompression(tt.in)
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
