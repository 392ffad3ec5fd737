package chunk

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"chirri/internal/common"
	"chirri/internal/compress"
	"chirri/internal/util"
)

var filenameRe = regexp.MustCompile(`^([a-f0-9]+)((\.[a-zA-Z0-9_]+)+)$`)

// Filename returns the canonical file name of a chunk:
// <hash>.<size>[.<compression>].
func Filename(hash string, size int64, compression string) string {
	name := hash + "." + strconv.FormatInt(size, 10)
	if compression != compress.None {
		name += "." + compression
	}
	return name
}

// ParseFilename is the inverse of Filename.
func ParseFilename(name string) (hash string, size int64, compression string, err error) {
	bad := func(reason string) error {
		return fmt.Errorf("%w: chunk file name %q: %s", common.ErrInvalidPath, name, reason)
	}
	m := filenameRe.FindStringSubmatch(name)
	if m == nil {
		return "", 0, "", bad("malformed")
	}
	hash = m[1]
	if !util.IsValidHash(hash) {
		return "", 0, "", bad("bad hash")
	}
	exts := strings.Split(strings.TrimPrefix(m[2], "."), ".")
	if len(exts) > 2 {
		return "", 0, "", bad("too many extensions")
	}
	size, perr := strconv.ParseInt(exts[0], 10, 64)
	if perr != nil || size < 0 {
		return "", 0, "", bad("bad size")
	}
	if len(exts) == 2 {
		compression = exts[1]
		if compression == compress.None || !compress.Supported(compression) {
			return "", 0, "", bad("unknown compression")
		}
	}
	return hash, size, compression, nil
}
