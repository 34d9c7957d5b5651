package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/ipamctl/ipamctl/pkg/engine"
)

// Catalog holds the resource-type specifications the engine consumes.
// It implements the engine's catalog interface.
type Catalog struct {
	mu    sync.RWMutex
	specs map[string]*engine.ResourceSpec
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		specs: make(map[string]*engine.ResourceSpec),
	}
}

// Spec returns the specification for a resource type.
func (c *Catalog) Spec(resourceType string) (*engine.ResourceSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	spec, ok := c.specs[resourceType]
	return spec, ok
}

// Types returns all registered resource types in stable order.
func (c *Catalog) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	types := make([]string, 0, len(c.specs))
	for t := range c.specs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Register adds or replaces a resource-type specification.
func (c *Catalog) Register(spec *engine.ResourceSpec) error {
	if spec == nil || spec.Type == "" {
		return fmt.Errorf("resource spec requires a type")
	}
	if err := spec.Protection.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.specs[spec.Type] = spec
	return nil
}

// CatalogLoader compiles CUE catalog sources into a Catalog.
type CatalogLoader struct {
	ctx *cue.Context
}

// NewCatalogLoader creates a new catalog loader.
func NewCatalogLoader() *CatalogLoader {
	return &CatalogLoader{
		ctx: cuecontext.New(),
	}
}

// LoadBuiltin compiles the built-in catalog.
func (cl *CatalogLoader) LoadBuiltin() (*Catalog, error) {
	return cl.Load(context.Background(), nil)
}

// Load compiles the built-in catalog unified with operator overlay
// sources (files or directories of .cue files) and returns the resulting
// catalog. Overlays may add new types or refine built-in ones; CUE
// unification rejects conflicting redefinitions.
func (cl *CatalogLoader) Load(ctx context.Context, overlays []string) (*Catalog, error) {
	val := cl.ctx.CompileString(builtinCatalogCUE, cue.Filename("builtin.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile built-in catalog: %w", err)
	}

	for _, source := range overlays {
		overlay, errs := cl.loadSource(source)
		if len(errs) > 0 {
			return nil, fmt.Errorf("failed to load catalog overlay %s: %s", source, formatErrors(errs))
		}
		val = val.Unify(overlay)
		if err := val.Err(); err != nil {
			return nil, fmt.Errorf("catalog overlay %s conflicts with existing catalog: %w", source, err)
		}
	}

	return cl.extract(val)
}

// LoadInline compiles inline CUE content unified with the built-in
// catalog. Used by tests and programmatic overlays.
func (cl *CatalogLoader) LoadInline(ctx context.Context, content string) (*Catalog, error) {
	val := cl.ctx.CompileString(builtinCatalogCUE, cue.Filename("builtin.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile built-in catalog: %w", err)
	}

	overlay := cl.ctx.CompileString(content, cue.Filename("inline.cue"))
	if err := overlay.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile inline catalog: %s", formatErrors(convertCUEErrors(err)))
	}

	val = val.Unify(overlay)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("inline catalog conflicts with existing catalog: %w", err)
	}

	return cl.extract(val)
}

// loadSource loads a file or directory as a CUE value.
func (cl *CatalogLoader) loadSource(source string) (cue.Value, []ValidationError) {
	info, err := os.Stat(source)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     source,
			Message:  fmt.Sprintf("failed to stat source: %v", err),
			Severity: "error",
		}}
	}

	if info.IsDir() {
		return cl.loadDirectory(source)
	}
	return cl.loadFile(source)
}

// loadDirectory loads a directory as a CUE package.
func (cl *CatalogLoader) loadDirectory(dir string) (cue.Value, []ValidationError) {
	buildInstances := load.Instances([]string{dir}, nil)
	if len(buildInstances) == 0 {
		return cue.Value{}, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, convertCUEErrors(inst.Err)
	}

	val := cl.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}

	return val, nil
}

// loadFile loads a single CUE file.
func (cl *CatalogLoader) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cl.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}

	return val, nil
}

// resourceSpecDoc mirrors the CUE #ResourceSpec shape for decoding.
type resourceSpecDoc struct {
	Identifying []string          `json:"identifying"`
	Fields      map[string]string `json:"fields"`
	Required    []string          `json:"required"`
	Parents     []string          `json:"parents"`
	References  map[string]string `json:"references"`
	Protection  string            `json:"protection"`
	CIDRScoped  bool              `json:"cidr_scoped"`
}

// extract decodes the unified catalog value into a Catalog and
// cross-checks type references.
func (cl *CatalogLoader) extract(val cue.Value) (*Catalog, error) {
	catalogVal := val.LookupPath(cue.ParsePath("catalog"))
	if !catalogVal.Exists() {
		return nil, fmt.Errorf("catalog source declares no catalog")
	}

	if err := catalogVal.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("catalog validation failed: %s", formatErrors(convertCUEErrors(err)))
	}

	var docs map[string]resourceSpecDoc
	if err := catalogVal.Decode(&docs); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}

	catalog := NewCatalog()
	for typeName, doc := range docs {
		spec := &engine.ResourceSpec{
			Type:              typeName,
			IdentifyingFields: doc.Identifying,
			Fields:            make(map[string]engine.NormalizationClass, len(doc.Fields)),
			RequiredFields:    doc.Required,
			ParentTypes:       doc.Parents,
			ReferenceFields:   doc.References,
			Protection:        engine.ProtectionTier(doc.Protection),
			CIDRScoped:        doc.CIDRScoped,
		}
		for field, class := range doc.Fields {
			spec.Fields[field] = engine.NormalizationClass(class)
		}

		if err := catalog.Register(spec); err != nil {
			return nil, fmt.Errorf("invalid spec for type %s: %w", typeName, err)
		}
	}

	if err := crossCheck(catalog); err != nil {
		return nil, err
	}

	return catalog, nil
}

// crossCheck verifies that parent and reference declarations name types
// the catalog actually defines.
func crossCheck(catalog *Catalog) error {
	for _, typeName := range catalog.Types() {
		spec, _ := catalog.Spec(typeName)

		for _, parent := range spec.ParentTypes {
			if _, ok := catalog.Spec(parent); !ok {
				return fmt.Errorf("type %s declares unknown parent type %s", typeName, parent)
			}
		}

		for field, target := range spec.ReferenceFields {
			if _, ok := catalog.Spec(target); !ok {
				return fmt.Errorf("type %s field %s references unknown type %s", typeName, field, target)
			}
		}
	}
	return nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	errs := errors.Errors(err)
	for _, e := range errs {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// formatErrors renders validation errors as a single string.
func formatErrors(errs []ValidationError) string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		if e.File != "" && e.Line > 0 {
			msgs = append(msgs, fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message))
		} else {
			msgs = append(msgs, e.Message)
		}
	}
	return strings.Join(msgs, "; ")
}
