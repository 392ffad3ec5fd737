package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/uptrace/bun"

	"chirri/internal/common"
	"chirri/internal/storage"
)

// Description formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// A column default is declared only when its most common value occurs
// more often than this.
const minDefaultCount = 5

// none encodes a NULL value.
const none = "None"

// refFields are the compressible columns, in output order.
var refFields = []string{"hash", "size", "perm", "uid", "gid", "mtime", "status"}

// Details is the header of a snapshot description.
type Details struct {
	Snapshot       int64
	StartedTstamp  int64
	FinishedTstamp int64
	SignedTstamp   int64
}

// Description is a parsed snapshot description with column defaults
// already applied to every ref.
type Description struct {
	Format   string
	Details  Details
	Defaults map[string]string
	Refs     []storage.FileRefModel
}

func optionalInt(v int64) string {
	if v == 0 {
		return none
	}
	return strconv.FormatInt(v, 10)
}

// fieldText renders one column of a ref as description text.
func fieldText(r *storage.FileRefModel, field string) string {
	switch field {
	case "hash":
		if r.Hash == nil {
			return none
		}
		return *r.Hash
	case "size":
		return strconv.FormatInt(r.Size, 10)
	case "perm":
		return strconv.FormatInt(r.Perm, 10)
	case "uid":
		return strconv.FormatInt(r.UID, 10)
	case "gid":
		return strconv.FormatInt(r.GID, 10)
	case "mtime":
		return strconv.FormatInt(r.Mtime, 10)
	case "status":
		if r.Status == nil {
			return none
		}
		return strconv.Itoa(*r.Status)
	case "path":
		return r.Path
	}
	return ""
}

// fieldJSON is fieldText with JSON types: numbers, strings and null.
// Strings are escaped like CSV fields since paths and symlink targets
// need not be valid UTF-8.
func fieldJSON(field, text string) interface{} {
	if text == none && field != "path" {
		return nil
	}
	if field == "hash" || field == "path" {
		return escapeField(text)
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return text
	}
	return n
}

// columnDefaults picks, per column, the most common value when it occurs
// more than minDefaultCount times. Ties go to the smallest value.
func columnDefaults(refs []storage.FileRefModel) map[string]string {
	defaults := make(map[string]string)
	for _, f := range refFields {
		counts := make(map[string]int)
		for i := range refs {
			counts[fieldText(&refs[i], f)]++
		}
		best, bestCount := "", 0
		for v, c := range counts {
			if c > bestCount || (c == bestCount && v < best) {
				best, bestCount = v, c
			}
		}
		if bestCount > minDefaultCount {
			defaults[f] = best
		}
	}
	return defaults
}

// Render describes a finished snapshot in the given format.
func (e *Engine) Render(ctx context.Context, id int64, format string) ([]byte, error) {
	snap, err := e.db.GetSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.RenderWith(e.db.DB, ctx, snap, format)
}

// RenderWith describes snap inside the caller's transaction.
func (e *Engine) RenderWith(idb bun.IDB, ctx context.Context, snap *storage.SnapshotModel, format string) ([]byte, error) {
	if snap.Status < storage.SnapshotReady {
		return nil, fmt.Errorf("%w: snapshot %d is incomplete (status %d)",
			common.ErrInvalidState, snap.Snapshot, snap.Status)
	}
	refs, err := e.db.ListFileRefsWith(idb, ctx, snap.Snapshot)
	if err != nil {
		return nil, err
	}
	defaults := columnDefaults(refs)
	details := Details{
		Snapshot:       snap.Snapshot,
		StartedTstamp:  snap.StartedTstamp,
		FinishedTstamp: snap.FinishedTstamp,
		SignedTstamp:   snap.SignedTstamp,
	}
	switch format {
	case FormatCSV, "":
		return renderCSV(details, defaults, refs), nil
	case FormatJSON:
		return renderJSON(details, defaults, refs)
	}
	return nil, fmt.Errorf("%w: description format %q", common.ErrNotSupported, format)
}

func renderJSON(d Details, defaults map[string]string, refs []storage.FileRefModel) ([]byte, error) {
	details := map[string]interface{}{
		"snapshot":        d.Snapshot,
		"started_tstamp":  fieldJSON("started_tstamp", optionalInt(d.StartedTstamp)),
		"finished_tstamp": fieldJSON("finished_tstamp", optionalInt(d.FinishedTstamp)),
		"signed_tstamp":   fieldJSON("signed_tstamp", optionalInt(d.SignedTstamp)),
	}
	def := make(map[string]interface{}, len(defaults))
	for f, v := range defaults {
		def[f] = fieldJSON(f, v)
	}
	out := make([]map[string]interface{}, 0, len(refs))
	for i := range refs {
		row := map[string]interface{}{"path": fieldJSON("path", refs[i].Path)}
		for _, f := range refFields {
			v := fieldText(&refs[i], f)
			if dv, ok := defaults[f]; ok && dv == v {
				continue
			}
			row[f] = fieldJSON(f, v)
		}
		out = append(out, row)
	}
	return json.Marshal(map[string]interface{}{
		"details": details,
		"default": def,
		"refs":    out,
	})
}

func renderCSV(d Details, defaults map[string]string, refs []storage.FileRefModel) []byte {
	var b bytes.Buffer
	b.WriteString("format:          csv\n")
	fmt.Fprintf(&b, "snapshot:        %d\n", d.Snapshot)
	fmt.Fprintf(&b, "started_tstamp:  %s\n", optionalInt(d.StartedTstamp))
	fmt.Fprintf(&b, "finished_tstamp: %s\n", optionalInt(d.FinishedTstamp))
	fmt.Fprintf(&b, "signed_tstamp:   %s\n", optionalInt(d.SignedTstamp))
	for _, f := range refFields {
		if v, ok := defaults[f]; ok {
			fmt.Fprintf(&b, "default.%s: %s\n", f, escapeField(v))
		}
	}
	b.WriteString("rows:\n")
	b.WriteString(strings.Join(append(append([]string{}, refFields...), "path"), ";") + "\n")
	for i := range refs {
		for _, f := range refFields {
			v := fieldText(&refs[i], f)
			if dv, ok := defaults[f]; !ok || dv != v {
				b.WriteString(escapeField(v))
			}
			b.WriteByte(';')
		}
		b.WriteString(escapeField(refs[i].Path))
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// escapeField backslash-escapes a field so that it holds no separator,
// line break, control or non-ASCII byte, and no space at either end.
func escapeField(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case ' ':
			if i == 0 || i == len(s)-1 {
				b.WriteString(`\x20`)
			} else {
				b.WriteByte(c)
			}
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case ';':
			b.WriteString(`\x3b`)
		default:
			if c < 0x20 || c >= 0x7f {
				fmt.Fprintf(&b, `\x%02x`, c)
			} else {
				b.WriteByte(c)
			}
		}
	}
	return b.String()
}

func unescapeField(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("trailing backslash in %q", s)
		}
		i++
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case '\'', '"':
			b.WriteByte(s[i])
		case 'x':
			if i+2 >= len(s) {
				return "", fmt.Errorf("truncated escape in %q", s)
			}
			v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
			if err != nil {
				return "", fmt.Errorf("bad escape in %q", s)
			}
			b.WriteByte(byte(v))
			i += 2
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String(), nil
}

// Parse decodes a description in either format. JSON is tried first.
func Parse(data []byte) (*Description, error) {
	var raw *rawDescription
	var err error
	if json.Valid(data) {
		raw, err = parseJSON(data)
	} else {
		raw, err = parseCSV(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrBadDescription, err)
	}
	desc, err := raw.resolve()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrBadDescription, err)
	}
	return desc, nil
}

// rawDescription holds every value as description text.
type rawDescription struct {
	format   string
	details  map[string]string
	defaults map[string]string
	refs     []map[string]string
}

func jsonText(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return none, nil
	case string:
		return unescapeField(t)
	case json.Number:
		return t.String(), nil
	}
	return "", fmt.Errorf("unexpected value %v", v)
}

func jsonTexts(in map[string]interface{}) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for k, v := range in {
		s, err := jsonText(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = s
	}
	return out, nil
}

func parseJSON(data []byte) (*rawDescription, error) {
	var doc struct {
		Details map[string]interface{}   `json:"details"`
		Default map[string]interface{}   `json:"default"`
		Refs    []map[string]interface{} `json:"refs"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if doc.Details == nil {
		return nil, fmt.Errorf("missing details")
	}
	raw := &rawDescription{format: FormatJSON}
	var err error
	if raw.details, err = jsonTexts(doc.Details); err != nil {
		return nil, err
	}
	if f, ok := raw.details["format"]; ok {
		raw.format = f
	}
	if raw.defaults, err = jsonTexts(doc.Default); err != nil {
		return nil, err
	}
	for _, r := range doc.Refs {
		row, err := jsonTexts(r)
		if err != nil {
			return nil, err
		}
		raw.refs = append(raw.refs, row)
	}
	return raw, nil
}

var (
	keyvalRe  = regexp.MustCompile(`^([^:\s]+)\s*:\s*(.+?)\s*$`)
	defaultRe = regexp.MustCompile(`^default\.(.+)$`)
)

func parseCSV(data []byte) (*rawDescription, error) {
	raw := &rawDescription{
		details:  make(map[string]string),
		defaults: make(map[string]string),
	}
	lines := strings.Split(string(data), "\n")
	i := 0
	rows := false
	for ; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if line == "rows:" {
			rows = true
			i++
			break
		}
		m := keyvalRe.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("cannot parse line %q", line)
		}
		value, err := unescapeField(m[2])
		if err != nil {
			return nil, err
		}
		if d := defaultRe.FindStringSubmatch(m[1]); d != nil {
			raw.defaults[d[1]] = value
		} else {
			raw.details[m[1]] = value
		}
	}
	raw.format = raw.details["format"]
	if raw.format != FormatCSV {
		return nil, fmt.Errorf("unsupported format %q", raw.format)
	}
	if !rows {
		return nil, fmt.Errorf("missing rows section")
	}

	var headers []string
	for ; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, ";")
		if headers == nil {
			headers = fields
			continue
		}
		if len(fields) != len(headers) {
			return nil, fmt.Errorf("row %d has %d fields, want %d", len(raw.refs)+1, len(fields), len(headers))
		}
		row := make(map[string]string, len(headers))
		for j, h := range headers {
			if fields[j] == "" {
				continue
			}
			v, err := unescapeField(fields[j])
			if err != nil {
				return nil, err
			}
			row[h] = v
		}
		raw.refs = append(raw.refs, row)
	}
	return raw, nil
}

func parseOptionalInt(s string) (int64, error) {
	if s == "" || s == none {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// resolve applies defaults and converts the text values into refs.
func (raw *rawDescription) resolve() (*Description, error) {
	if v, ok := raw.details["uploaded_tstamp"]; ok {
		raw.details["signed_tstamp"] = v
		delete(raw.details, "uploaded_tstamp")
	}
	desc := &Description{Format: raw.format, Defaults: raw.defaults}
	for key, dst := range map[string]*int64{
		"snapshot":        &desc.Details.Snapshot,
		"started_tstamp":  &desc.Details.StartedTstamp,
		"finished_tstamp": &desc.Details.FinishedTstamp,
		"signed_tstamp":   &desc.Details.SignedTstamp,
	} {
		v, err := parseOptionalInt(raw.details[key])
		if err != nil {
			return nil, fmt.Errorf("details.%s: %w", key, err)
		}
		*dst = v
	}

	for n, row := range raw.refs {
		for f, v := range raw.defaults {
			if _, ok := row[f]; !ok {
				row[f] = v
			}
		}
		ref, err := refFromText(row)
		if err != nil {
			return nil, fmt.Errorf("ref %d: %w", n+1, err)
		}
		desc.Refs = append(desc.Refs, *ref)
	}
	sort.Slice(desc.Refs, func(i, j int) bool { return desc.Refs[i].Path < desc.Refs[j].Path })
	return desc, nil
}

func refFromText(row map[string]string) (*storage.FileRefModel, error) {
	ref := &storage.FileRefModel{Path: row["path"]}
	if ref.Path == "" {
		return nil, fmt.Errorf("missing path")
	}
	if h, ok := row["hash"]; ok && h != none {
		ref.Hash = strPtr(h)
	}
	for key, dst := range map[string]*int64{
		"size":  &ref.Size,
		"perm":  &ref.Perm,
		"uid":   &ref.UID,
		"gid":   &ref.GID,
		"mtime": &ref.Mtime,
	} {
		v, ok := row[key]
		if !ok {
			return nil, fmt.Errorf("%s: missing %s", ref.Path, key)
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", ref.Path, key, err)
		}
		*dst = n
	}
	switch s, ok := row["status"]; {
	case !ok:
		ref.Status = intPtr(storage.RefHashed)
	case s == none:
		ref.Status = nil
	default:
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("%s: status: %w", ref.Path, err)
		}
		ref.Status = intPtr(n)
	}
	return ref, nil
}

// Load fills a rebuilding snapshot from its description and marks it
// signed, in one transaction.
func (e *Engine) Load(ctx context.Context, id int64, desc *Description) error {
	return e.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		snap, err := e.db.GetSnapshotWith(tx, ctx, id)
		if err != nil {
			return err
		}
		if snap.Status >= 0 {
			return fmt.Errorf("%w: snapshot %d has status %d, loading needs a rebuilding snapshot",
				common.ErrInvalidState, id, snap.Status)
		}
		if desc.Details.Snapshot != 0 && desc.Details.Snapshot != id {
			e.log.Warnf("[Snapshot] description of snapshot %d loaded as %d", desc.Details.Snapshot, id)
		}
		for i := range desc.Refs {
			ref := desc.Refs[i]
			ref.Snapshot = id
			if err := e.saveRef(ctx, tx, &ref); err != nil {
				return err
			}
		}
		snap.StartedTstamp = desc.Details.StartedTstamp
		snap.FinishedTstamp = desc.Details.FinishedTstamp
		snap.SignedTstamp = desc.Details.SignedTstamp
		snap.Status = storage.SnapshotSigned
		if err := e.db.UpdateSnapshotWith(tx, ctx, snap,
			"started_tstamp", "finished_tstamp", "signed_tstamp", "status"); err != nil {
			return err
		}
		e.log.Infof("[Snapshot] %d: loaded %d refs", id, len(desc.Refs))
		return nil
	})
}
