// Package envelope wraps serialized descriptions with an embedded content
// hash so corruption is detected before anything is parsed.
//
// Layout:
//
//	-------- HASHED CONTENT BEGINS --------
//	Hash: <sha512 hex of payload>
//	<payload>
//	-------- HASHED CONTENT ENDS --------
package envelope

import (
	"bytes"
	"fmt"
	"regexp"

	"chirri/internal/common"
	"chirri/internal/util"
)

const (
	BeginMarker = "-------- HASHED CONTENT BEGINS --------"
	EndMarker   = "-------- HASHED CONTENT ENDS --------"
)

var hashLine = regexp.MustCompile(`^Hash: ([a-f0-9]{128})$`)

// Protect returns payload wrapped between the markers with its digest.
func Protect(payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(payload) + len(BeginMarker) + len(EndMarker) + util.HashHexLen + 16)
	buf.WriteString(BeginMarker)
	buf.WriteString("\nHash: ")
	buf.WriteString(util.HashBytes(payload))
	buf.WriteByte('\n')
	buf.Write(payload)
	buf.WriteByte('\n')
	buf.WriteString(EndMarker)
	buf.WriteByte('\n')
	return buf.Bytes()
}

// Unprotect verifies blob and returns the original payload.
// Blank lines before the begin marker and newlines after the end marker are
// ignored. The payload ends at the last end marker, so payloads may contain
// the marker text themselves.
func Unprotect(blob []byte) ([]byte, error) {
	rest := skipBlankLines(blob)

	line, rest, ok := cutLine(rest)
	if !ok || string(line) != BeginMarker {
		return nil, fmt.Errorf("%w: bad header", common.ErrCorruptEnvelope)
	}

	line, rest, ok = cutLine(rest)
	if !ok {
		return nil, fmt.Errorf("%w: hash header not found", common.ErrCorruptEnvelope)
	}
	m := hashLine.FindSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("%w: hash header not found", common.ErrCorruptEnvelope)
	}
	declared := string(m[1])

	body := bytes.TrimRight(rest, "\n")
	tail := "\n" + EndMarker
	if !bytes.HasSuffix(body, []byte(tail)) {
		return nil, fmt.Errorf("%w: content finished abruptly", common.ErrCorruptEnvelope)
	}
	payload := body[:len(body)-len(tail)]

	if util.HashBytes(payload) != declared {
		return nil, fmt.Errorf("%w: hash does not match", common.ErrCorruptEnvelope)
	}
	return payload, nil
}

func skipBlankLines(b []byte) []byte {
	for {
		i := bytes.IndexByte(b, '\n')
		if i < 0 || len(bytes.TrimSpace(b[:i])) != 0 {
			return b
		}
		b = b[i+1:]
	}
}

// cutLine splits b at the first newline. ok is false when there is none.
func cutLine(b []byte) (line, rest []byte, ok bool) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return nil, nil, false
	}
	return b[:i], b[i+1:], true
}
