// Package compress provides the streaming codecs used for chunk payloads and
// snapshot descriptions. Algorithms are identified by the name stored in the
// index and appended to chunk file names.
package compress

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"

	"chirri/internal/common"
)

// None is the empty algorithm name; data is stored verbatim.
const None = ""

const (
	// LZMA is the xz container, the historic default of the index format.
	LZMA = "lzma"
	// Zstd is zstd at the default level. Good ratio at high speed.
	Zstd = "zstd"
	// LZ4 is the lz4 frame format. Fastest, lowest ratio.
	LZ4 = "lz4"
)

type codec struct {
	newWriter func(w io.Writer) (io.WriteCloser, error)
	newReader func(r io.Reader) (io.ReadCloser, error)
}

var codecs = map[string]codec{
	LZMA: {
		newWriter: func(w io.Writer) (io.WriteCloser, error) {
			return xz.NewWriter(w)
		},
		newReader: func(r io.Reader) (io.ReadCloser, error) {
			xr, err := xz.NewReader(r)
			if err != nil {
				return nil, err
			}
			return io.NopCloser(xr), nil
		},
	},
	Zstd: {
		newWriter: func(w io.Writer) (io.WriteCloser, error) {
			return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		},
		newReader: func(r io.Reader) (io.ReadCloser, error) {
			d, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return d.IOReadCloser(), nil
		},
	},
	LZ4: {
		newWriter: func(w io.Writer) (io.WriteCloser, error) {
			return lz4.NewWriter(w), nil
		},
		newReader: func(r io.Reader) (io.ReadCloser, error) {
			return io.NopCloser(lz4.NewReader(r)), nil
		},
	},
}

// Normalize maps user spellings of "no compression" to None.
func Normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "none" {
		return None
	}
	return name
}

// Supported reports whether name is None or a known algorithm.
func Supported(name string) bool {
	if name == None {
		return true
	}
	_, ok := codecs[name]
	return ok
}

// Names returns the known algorithm names, sorted.
func Names() []string {
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate returns ErrNotSupported for unknown algorithm names.
func Validate(name string) error {
	if !Supported(name) {
		return fmt.Errorf("%w: compression algorithm %q", common.ErrNotSupported, name)
	}
	return nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// NewWriter returns a writer that compresses into w. Close flushes the
// stream but does not close w.
func NewWriter(name string, w io.Writer) (io.WriteCloser, error) {
	if name == None {
		return nopWriteCloser{w}, nil
	}
	c, ok := codecs[name]
	if !ok {
		return nil, Validate(name)
	}
	wc, err := c.newWriter(w)
	if err != nil {
		return nil, fmt.Errorf("%s writer: %w", name, err)
	}
	return wc, nil
}

// NewReader returns a reader that decompresses r.
func NewReader(name string, r io.Reader) (io.ReadCloser, error) {
	if name == None {
		return io.NopCloser(r), nil
	}
	c, ok := codecs[name]
	if !ok {
		return nil, Validate(name)
	}
	rc, err := c.newReader(r)
	if err != nil {
		return nil, fmt.Errorf("%s reader: %w", name, err)
	}
	return rc, nil
}

// Compress encodes data in memory.
func Compress(name string, data []byte) ([]byte, error) {
	if name == None {
		return data, nil
	}
	var buf bytes.Buffer
	w, err := NewWriter(name, &buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("%s compress: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%s compress: %w", name, err)
	}
	return buf.Bytes(), nil
}

// Decompress decodes data in memory.
func Decompress(name string, data []byte) ([]byte, error) {
	if name == None {
		return data, nil
	}
	r, err := NewReader(name, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%s decompress: %w", name, err)
	}
	return out, nil
}

// CompressIfSmaller returns the encoded data and name, or the original data
// and None when the encoding is not strictly smaller.
func CompressIfSmaller(name string, data []byte) ([]byte, string, error) {
	if name == None {
		return data, None, nil
	}
	out, err := Compress(name, data)
	if err != nil {
		return nil, None, err
	}
	if len(out) >= len(data) {
		return data, None, nil
	}
	return out, name, nil
}
