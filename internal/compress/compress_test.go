package compress

import (
	"bytes"
	"io"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chirri/internal/common"
)

func TestRoundTripAllAlgorithms(t *testing.T) {
	inputs := map[string][]byte{
		"empty":      {},
		"text":       []byte(strings.Repeat("the quick brown fox\n", 500)),
		"random 64k": randomBytes(64 * 1024),
	}

	for _, name := range append(Names(), None) {
		for label, data := range inputs {
			t.Run(name+"/"+label, func(t *testing.T) {
				encoded, err := Compress(name, data)
				require.NoError(t, err)

				decoded, err := Decompress(name, encoded)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(data, decoded))
			})
		}
	}
}

func TestStreaming(t *testing.T) {
	data := []byte(strings.Repeat("abcdef", 10000))

	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			w, err := NewWriter(name, &buf)
			require.NoError(t, err)
			for i := 0; i < len(data); i += 1000 {
				_, err := w.Write(data[i:min(i+1000, len(data))])
				require.NoError(t, err)
			}
			require.NoError(t, w.Close())
			assert.Less(t, buf.Len(), len(data))

			r, err := NewReader(name, &buf)
			require.NoError(t, err)
			defer r.Close()
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestCompressIfSmaller(t *testing.T) {
	t.Run("compressible", func(t *testing.T) {
		data := []byte(strings.Repeat("z", 4096))
		out, algo, err := CompressIfSmaller(Zstd, data)
		require.NoError(t, err)
		assert.Equal(t, Zstd, algo)
		assert.Less(t, len(out), len(data))
	})

	t.Run("incompressible falls back", func(t *testing.T) {
		data := randomBytes(128)
		out, algo, err := CompressIfSmaller(LZMA, data)
		require.NoError(t, err)
		assert.Equal(t, None, algo)
		assert.Equal(t, data, out)
	})
}

func TestUnknownAlgorithm(t *testing.T) {
	assert.False(t, Supported("bzip2"))
	assert.True(t, Supported(None))

	_, err := NewWriter("bzip2", io.Discard)
	assert.ErrorIs(t, err, common.ErrNotSupported)

	_, err = Decompress("bzip2", nil)
	assert.ErrorIs(t, err, common.ErrNotSupported)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, None, Normalize("none"))
	assert.Equal(t, None, Normalize(" NONE "))
	assert.Equal(t, LZMA, Normalize("LZMA"))
	assert.Equal(t, []string{LZ4, LZMA, Zstd}, Names())
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}
