// Package rollback turns a session's changelog into an inverse plan:
// creates become deletes, updates restore their before snapshot, deletes
// recreate from theirs. The plan is written as a CSV the apply pipeline
// reads back, so undoing a run is just another run.
package rollback

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ipamctl/ipamctl/pkg/engine"
	"github.com/ipamctl/ipamctl/pkg/stores"
)

// Changelog is the slice of the store the generator reads.
type Changelog interface {
	ChangelogForSession(ctx context.Context, sessionID string) ([]*stores.ChangelogEntry, error)
}

var _ Changelog = (stores.Store)(nil)

// Row is one inverse operation, in apply-compatible column form.
type Row struct {
	ID           string
	ResourceType string
	Action       engine.RecordAction
	Path         string
	Fields       map[string]string
}

// Plan is the inverse of one session, in reverse execution order.
type Plan struct {
	SessionID   string
	GeneratedAt time.Time
	Rows        []Row

	// Counts by inverse class, plus entries that could not be inverted.
	Deletes   int
	Restores  int
	Recreates int
	Skipped   int
}

// Generator builds inverse plans from the changelog.
type Generator struct {
	changelog Changelog
	catalog   engine.Catalog
	logger    zerolog.Logger
}

// NewGenerator creates a rollback generator.
func NewGenerator(changelog Changelog, catalog engine.Catalog, logger zerolog.Logger) (*Generator, error) {
	if changelog == nil {
		return nil, fmt.Errorf("changelog is required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	return &Generator{
		changelog: changelog,
		catalog:   catalog,
		logger:    logger.With().Str("component", "rollback").Logger(),
	}, nil
}

// Generate builds the inverse plan for a session. Only successful,
// non-dry-run mutations invert; the changelog is append-only, so a
// retried operation counts once, by its latest successful entry.
// Entries whose inversion needs a before snapshot that is missing are
// skipped with a warning rather than failing the whole plan.
func (g *Generator) Generate(ctx context.Context, sessionID string) (*Plan, error) {
	entries, err := g.changelog.ChangelogForSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load changelog for %s: %w", sessionID, err)
	}

	plan := &Plan{SessionID: sessionID, GeneratedAt: time.Now().UTC()}
	seen := make(map[string]bool)

	// Walk backwards: rollback order is reverse execution order, and the
	// first entry seen per operation id is its latest.
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if !entry.Success || entry.DryRun || entry.Kind == engine.OperationNoop {
			continue
		}
		if seen[entry.OperationID] {
			continue
		}
		seen[entry.OperationID] = true

		row, ok := g.invert(entry)
		if !ok {
			plan.Skipped++
			continue
		}
		plan.Rows = append(plan.Rows, *row)
		switch row.Action {
		case engine.ActionDelete:
			plan.Deletes++
		case engine.ActionUpdate:
			plan.Restores++
		case engine.ActionCreate:
			plan.Recreates++
		}
	}

	g.logger.Info().
		Str("session_id", sessionID).
		Int("operations", len(plan.Rows)).
		Int("deletes", plan.Deletes).
		Int("restores", plan.Restores).
		Int("recreates", plan.Recreates).
		Int("skipped", plan.Skipped).
		Msg("rollback plan generated")
	return plan, nil
}

func (g *Generator) invert(entry *stores.ChangelogEntry) (*Row, bool) {
	row := &Row{
		ID:           "rollback-" + entry.OperationID,
		ResourceType: entry.ResourceType,
		Path:         entry.Path,
	}

	switch entry.Kind {
	case engine.OperationCreate:
		row.Action = engine.ActionDelete
		return row, true

	case engine.OperationUpdate:
		row.Action = engine.ActionUpdate
	case engine.OperationDelete:
		row.Action = engine.ActionCreate
	default:
		return nil, false
	}

	fields, ok := g.beforeFields(entry)
	if !ok || len(fields) == 0 {
		g.logger.Warn().
			Str("operation_id", entry.OperationID).
			Str("path", entry.Path).
			Str("kind", string(entry.Kind)).
			Msg("no usable before snapshot, entry cannot be inverted")
		return nil, false
	}
	row.Fields = fields
	return row, true
}

// beforeFields extracts the restorable fields from an entry's before
// snapshot: only fields the catalog compares, rendered as CSV cells.
func (g *Generator) beforeFields(entry *stores.ChangelogEntry) (map[string]string, bool) {
	if entry.Before == nil || *entry.Before == "" {
		return nil, false
	}
	var before map[string]interface{}
	if err := json.Unmarshal([]byte(*entry.Before), &before); err != nil {
		g.logger.Warn().
			Str("operation_id", entry.OperationID).
			Err(err).
			Msg("before snapshot is not valid JSON")
		return nil, false
	}

	spec, ok := g.catalog.Spec(entry.ResourceType)
	if !ok {
		g.logger.Warn().
			Str("operation_id", entry.OperationID).
			Str("resource_type", entry.ResourceType).
			Msg("resource type no longer in catalog")
		return nil, false
	}

	fields := make(map[string]string)
	for name := range spec.Fields {
		v, ok := before[name]
		if !ok {
			continue
		}
		s, ok := renderValue(v)
		if !ok {
			continue
		}
		fields[name] = s
	}
	return fields, true
}

// renderValue turns a decoded snapshot value into a CSV cell. Lists
// join on commas, matching how multivalue fields compare.
func renderValue(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case json.Number:
		return val.String(), true
	case []interface{}:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := renderValue(item)
			if !ok {
				return "", false
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), true
	default:
		return "", false
	}
}

// WriteCSV renders the plan in the input format apply reads: a comment
// preamble, then rows under header lines that switch whenever the
// column set changes, so delete rows and restore rows each carry only
// their own columns.
func (p *Plan) WriteCSV(w io.Writer) error {
	fmt.Fprintf(w, "# rollback plan for session %s\n", p.SessionID)
	fmt.Fprintf(w, "# generated %s\n", p.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "# operations %d\n", len(p.Rows))

	cw := csv.NewWriter(w)
	var header []string
	for _, row := range p.Rows {
		columns := rowColumns(&row)
		if !equalColumns(header, columns) {
			header = columns
			if err := cw.Write(header); err != nil {
				return fmt.Errorf("failed to write header: %w", err)
			}
		}

		cells := make([]string, 0, len(header))
		cells = append(cells, row.ID, row.ResourceType, string(row.Action), row.Path)
		for _, col := range header[4:] {
			cells = append(cells, row.Fields[col])
		}
		if err := cw.Write(cells); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes the plan to a CSV file, creating parent directories.
func (p *Plan) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if err := p.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func rowColumns(row *Row) []string {
	columns := []string{"id", "type", "action", "path"}
	names := make([]string, 0, len(row.Fields))
	for name := range row.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return append(columns, names...)
}

func equalColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
