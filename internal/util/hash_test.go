package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashBytes(t *testing.T) {
	// sha512("abc")
	want := "ddaf35a193617abacc417349ae20413112e6fa4e89a97ea20a9eeee64b55d39a" +
		"2192992a274fc1a836ba3c23a3feebbd454d4423643ce80e2a9ac94fa54ca49f"
	assert.Equal(t, want, HashBytes([]byte("abc")))
	assert.True(t, IsValidHash(want))
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0644))

	digest, size, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)
	assert.Equal(t, HashBytes([]byte("abc")), digest)

	_, _, err = HashFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestIsValidHash(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"valid", strings.Repeat("a", 128), true},
		{"short", strings.Repeat("a", 127), false},
		{"long", strings.Repeat("a", 129), false},
		{"uppercase", strings.Repeat("A", 128), false},
		{"non hex", strings.Repeat("g", 128), false},
		{"marker", "dir", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidHash(tt.in))
		})
	}
}
