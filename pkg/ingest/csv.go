package ingest

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ipamctl/ipamctl/pkg/engine"
)

// Reserved columns the reader maps onto record fields. Every other column
// becomes a desired field value keyed by its header name.
const (
	colID        = "id"
	colType      = "type"
	colAction    = "action"
	colPath      = "path"
	colParent    = "parent"
	colName      = "name"
	colDependsOn = "depends_on"
)

// preserveEmpty lists field columns whose empty cells are kept. An empty
// description or comment is a request to clear the remote value; every
// other empty cell means "not specified" and is dropped.
var preserveEmpty = map[string]bool{
	"description": true,
	"comment":     true,
}

// Options configures the CSV dialect and failure mode.
type Options struct {
	// Comma is the field separator. Zero means ','.
	Comma rune

	// Comment marks lines to skip when it is the first character.
	// Zero disables comment filtering.
	Comment rune

	// TrimLeadingSpace strips whitespace following each separator.
	TrimLeadingSpace bool

	// Strict stops at the first rejected row instead of collecting row
	// errors and parsing on.
	Strict bool
}

// RowError describes one rejected input row.
type RowError struct {
	Line    int
	Message string
}

func (e *RowError) Error() string {
	if e.Line == 0 {
		return e.Message
	}
	return fmt.Sprintf("line %d: %s", e.Line, e.Message)
}

// Result is the outcome of parsing one input. In strict mode Errors is
// always empty; otherwise it lists every rejected row while Records
// carries the rows that survived.
type Result struct {
	Records []engine.Record
	Errors  []RowError
}

// Reader parses CSV inputs into records. Validation happens at parse
// time: unknown resource types, bad actions, duplicate ids and missing
// required fields are reported with their input line numbers so the
// operator can fix the file, not the stack trace.
type Reader struct {
	opts    Options
	catalog engine.Catalog
	logger  zerolog.Logger
}

// NewReader creates a CSV reader validating against the given catalog.
func NewReader(opts Options, catalog engine.Catalog, logger zerolog.Logger) (*Reader, error) {
	if catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if opts.Comma == 0 {
		opts.Comma = ','
	}
	return &Reader{
		opts:    opts,
		catalog: catalog,
		logger:  logger.With().Str("component", "ingest").Logger(),
	}, nil
}

// ReadFile parses one CSV file.
func (r *Reader) ReadFile(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	res, err := r.Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return res, nil
}

// ReadFiles parses several inputs in order into one record set. Row
// errors are prefixed with their file name; ids that collide across
// files are rejected the same way duplicates within one file are.
func (r *Reader) ReadFiles(paths []string) (*Result, error) {
	merged := &Result{}
	seen := make(map[string]string)

	for _, path := range paths {
		res, err := r.ReadFile(path)
		if err != nil {
			return nil, err
		}
		for _, rerr := range res.Errors {
			rerr.Message = fmt.Sprintf("%s: %s", path, rerr.Message)
			merged.Errors = append(merged.Errors, rerr)
		}
		for _, rec := range res.Records {
			if first, dup := seen[rec.ID]; dup {
				rerr := RowError{Message: fmt.Sprintf("%s: duplicate id %q, first used in %s", path, rec.ID, first)}
				if r.opts.Strict {
					return nil, &rerr
				}
				merged.Errors = append(merged.Errors, rerr)
				continue
			}
			seen[rec.ID] = path
			merged.Records = append(merged.Records, rec)
		}
	}
	return merged, nil
}

// Read parses CSV rows into records. A header row is any row whose first
// column is "id"; header columns may carry a leading "*" marking them
// required on every row below. A later header row replaces the schema, so
// one file can mix resource types with different column sets.
func (r *Reader) Read(src io.Reader) (*Result, error) {
	cr := csv.NewReader(stripBOM(src))
	cr.Comma = r.opts.Comma
	cr.Comment = r.opts.Comment
	cr.TrimLeadingSpace = r.opts.TrimLeadingSpace
	cr.FieldsPerRecord = -1

	result := &Result{}
	var header *headerSchema

	// Record id -> input line first seen, for duplicate reporting.
	firstLine := make(map[string]int)

	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if !r.opts.Strict && errors.As(err, &perr) {
				result.Errors = append(result.Errors, RowError{Line: perr.Line, Message: perr.Err.Error()})
				continue
			}
			return nil, fmt.Errorf("malformed csv: %w", err)
		}
		line, _ := cr.FieldPos(0)

		if blankRow(row) {
			continue
		}

		if isHeaderRow(row) {
			hdr, herr := parseHeader(row, line)
			if herr != nil {
				header = nil
				if r.opts.Strict {
					return nil, herr
				}
				result.Errors = append(result.Errors, *herr)
				continue
			}
			header = hdr
			continue
		}

		if header == nil {
			rerr := &RowError{Line: line, Message: "data row before any column header"}
			if r.opts.Strict {
				return nil, rerr
			}
			result.Errors = append(result.Errors, *rerr)
			continue
		}

		rec, rerr := r.buildRecord(header, row, line, firstLine)
		if rerr != nil {
			if r.opts.Strict {
				return nil, rerr
			}
			result.Errors = append(result.Errors, *rerr)
			continue
		}
		result.Records = append(result.Records, *rec)
	}

	r.logger.Debug().
		Int("records", len(result.Records)).
		Int("rejected", len(result.Errors)).
		Msg("input parsed")
	return result, nil
}

// headerSchema is the column layout active for the data rows below it.
type headerSchema struct {
	columns  []string
	required map[string]bool
	index    map[string]int
}

// isHeaderRow reports whether a row introduces a new column layout. The
// id column always leads a header, so a first cell of "id" or "*id"
// cannot be data.
func isHeaderRow(row []string) bool {
	return columnName(row[0]) == colID
}

// columnName strips the required marker and surrounding space from a
// header cell.
func columnName(cell string) string {
	return strings.TrimPrefix(strings.TrimSpace(cell), "*")
}

func parseHeader(row []string, line int) (*headerSchema, *RowError) {
	hdr := &headerSchema{
		required: make(map[string]bool),
		index:    make(map[string]int),
	}
	for i, cell := range row {
		name := columnName(cell)
		if name == "" {
			return nil, &RowError{Line: line, Message: fmt.Sprintf("header column %d is empty", i+1)}
		}
		if _, dup := hdr.index[name]; dup {
			return nil, &RowError{Line: line, Message: fmt.Sprintf("duplicate header column %q", name)}
		}
		hdr.columns = append(hdr.columns, name)
		hdr.index[name] = i
		if strings.HasPrefix(strings.TrimSpace(cell), "*") {
			hdr.required[name] = true
		}
	}
	for _, col := range []string{colType, colPath} {
		if _, ok := hdr.index[col]; !ok {
			return nil, &RowError{Line: line, Message: fmt.Sprintf("header is missing the %s column", col)}
		}
	}
	return hdr, nil
}

func (r *Reader) buildRecord(hdr *headerSchema, row []string, line int, firstLine map[string]int) (*engine.Record, *RowError) {
	if len(row) > len(hdr.columns) {
		r.logger.Debug().
			Int("line", line).
			Int("extra", len(row)-len(hdr.columns)).
			Msg("row has more cells than the header, extras dropped")
		row = row[:len(hdr.columns)]
	}

	value := func(col string) string {
		i, ok := hdr.index[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	for col := range hdr.required {
		if value(col) == "" {
			return nil, &RowError{Line: line, Message: fmt.Sprintf("required column %q is empty", col)}
		}
	}

	id := value(colID)
	if id == "" {
		return nil, &RowError{Line: line, Message: "row has no id"}
	}
	if first, dup := firstLine[id]; dup {
		return nil, &RowError{Line: line, Message: fmt.Sprintf("duplicate id %q, first used on line %d", id, first)}
	}

	resourceType := value(colType)
	if resourceType == "" {
		return nil, &RowError{Line: line, Message: "row has no resource type"}
	}
	spec, ok := r.catalog.Spec(resourceType)
	if !ok {
		return nil, &RowError{Line: line, Message: fmt.Sprintf("unknown resource type %q", resourceType)}
	}

	action := engine.RecordAction(value(colAction))
	if action == "" {
		action = engine.ActionUpsert
	}
	if err := action.Validate(); err != nil {
		return nil, &RowError{Line: line, Message: err.Error()}
	}

	path := value(colPath)
	if path == "" {
		return nil, &RowError{Line: line, Message: "row has no path"}
	}

	rec := &engine.Record{
		ID:           id,
		ResourceType: resourceType,
		Action:       action,
		Path:         path,
		ParentPath:   value(colParent),
		Fields:       make(map[string]interface{}),
	}
	if rec.ParentPath == "" && !spec.CIDRScoped {
		// Named types nest along their path. CIDR types stay open so the
		// pending scan can parent them by prefix containment.
		rec.ParentPath = parentPath(path)
	}

	if deps := value(colDependsOn); deps != "" {
		for _, dep := range strings.Split(deps, ",") {
			if dep = strings.TrimSpace(dep); dep != "" {
				rec.DependsOn = append(rec.DependsOn, dep)
			}
		}
	}

	for i, col := range hdr.columns {
		switch col {
		case colID, colType, colAction, colPath, colParent, colDependsOn:
			continue
		}
		if i >= len(row) {
			continue
		}
		v := strings.TrimSpace(row[i])
		if v == "" && !preserveEmpty[col] {
			continue
		}
		rec.Fields[col] = v
	}

	segment := lastPathSegment(path)
	rec.Name = value(colName)
	if rec.Name == "" {
		rec.Name = segment
	}
	fillIdentity(rec, spec, segment)

	if action == engine.ActionCreate || action == engine.ActionUpsert {
		if missing := missingRequired(rec, spec); len(missing) > 0 {
			return nil, &RowError{Line: line, Message: fmt.Sprintf(
				"missing required field(s) %s for %s", strings.Join(missing, ", "), resourceType)}
		}
	}

	firstLine[id] = line
	return rec, nil
}

// fillIdentity derives missing identifying fields from the last path
// segment: the path already names the resource, so rows do not have to
// repeat it in a column. Multi-field identities (range start-end) split
// on "-" the same way path segments join them. Rows that set any
// identifying field explicitly are left alone.
func fillIdentity(rec *engine.Record, spec *engine.ResourceSpec, segment string) {
	if len(spec.IdentifyingFields) == 0 || segment == "" {
		return
	}
	for _, f := range spec.IdentifyingFields {
		if _, ok := rec.Fields[f]; ok {
			return
		}
	}
	if len(spec.IdentifyingFields) == 1 {
		rec.Fields[spec.IdentifyingFields[0]] = segment
		return
	}
	parts := strings.SplitN(segment, "-", len(spec.IdentifyingFields))
	if len(parts) != len(spec.IdentifyingFields) {
		return
	}
	for i, f := range spec.IdentifyingFields {
		rec.Fields[f] = strings.TrimSpace(parts[i])
	}
}

// missingRequired returns the catalog-required fields absent from the
// record, in the catalog's declared order.
func missingRequired(rec *engine.Record, spec *engine.ResourceSpec) []string {
	var missing []string
	for _, f := range spec.RequiredFields {
		if _, ok := rec.Fields[f]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}

// blankRow reports whether every cell is empty. Rows of bare separators
// carry no data but survive the csv reader's blank-line skipping.
func blankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// pathSegments splits a resource path into hops. CIDR prefixes embed a
// slash, so a trailing "10.0.0.0/8" is one hop, not two.
func pathSegments(path string) []string {
	segs := make([]string, 0, 8)
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg == "" {
			continue
		}
		if n := len(segs); n > 0 && isPrefixLength(seg) {
			if _, err := netip.ParseAddr(segs[n-1]); err == nil {
				segs[n-1] = segs[n-1] + "/" + seg
				continue
			}
		}
		segs = append(segs, seg)
	}
	return segs
}

// lastPathSegment returns the final hop of a resource path.
func lastPathSegment(path string) string {
	segs := pathSegments(path)
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

// parentPath returns the path with its final hop removed, or empty for
// top-level paths.
func parentPath(path string) string {
	segs := pathSegments(path)
	if len(segs) < 2 {
		return ""
	}
	return strings.Join(segs[:len(segs)-1], "/")
}

// isPrefixLength reports whether a segment is a bare prefix length.
// The round-trip check rejects forms like "08".
func isPrefixLength(seg string) bool {
	n, err := strconv.Atoi(seg)
	return err == nil && n >= 0 && n <= 128 && seg == strconv.Itoa(n)
}

// stripBOM drops a UTF-8 byte order mark. Spreadsheet exports routinely
// lead with one.
func stripBOM(src io.Reader) io.Reader {
	br := bufio.NewReader(src)
	if lead, err := br.Peek(3); err == nil && bytes.Equal(lead, []byte{0xEF, 0xBB, 0xBF}) {
		_, _ = br.Discard(3)
	}
	return br
}
