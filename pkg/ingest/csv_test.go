package ingest

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ipamctl/ipamctl/pkg/engine"
)

type staticCatalog struct {
	specs map[string]*engine.ResourceSpec
}

func (c *staticCatalog) Spec(resourceType string) (*engine.ResourceSpec, bool) {
	spec, ok := c.specs[resourceType]
	return spec, ok
}

func (c *staticCatalog) Types() []string {
	types := make([]string, 0, len(c.specs))
	for t := range c.specs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func testCatalog() *staticCatalog {
	return &staticCatalog{specs: map[string]*engine.ResourceSpec{
		"configuration": {
			Type:              "configuration",
			IdentifyingFields: []string{"name"},
			Fields: map[string]engine.NormalizationClass{
				"name":        engine.NormalizeName,
				"description": engine.NormalizeVerbatim,
			},
			RequiredFields: []string{"name"},
		},
		"network": {
			Type:              "network",
			IdentifyingFields: []string{"cidr"},
			Fields: map[string]engine.NormalizationClass{
				"cidr":    engine.NormalizeCIDR,
				"name":    engine.NormalizeName,
				"gateway": engine.NormalizeAddress,
			},
			RequiredFields: []string{"cidr"},
			ParentTypes:    []string{"configuration"},
			CIDRScoped:     true,
		},
		"address": {
			Type:              "address",
			IdentifyingFields: []string{"address"},
			Fields: map[string]engine.NormalizationClass{
				"address": engine.NormalizeAddress,
				"name":    engine.NormalizeName,
				"state":   engine.NormalizeVerbatim,
			},
			RequiredFields: []string{"address"},
			ParentTypes:    []string{"network"},
		},
		"dhcp_range": {
			Type:              "dhcp_range",
			IdentifyingFields: []string{"start", "end"},
			Fields: map[string]engine.NormalizationClass{
				"start": engine.NormalizeAddress,
				"end":   engine.NormalizeAddress,
				"name":  engine.NormalizeName,
			},
			RequiredFields: []string{"start", "end"},
			ParentTypes:    []string{"network"},
		},
		"zone": {
			Type:              "zone",
			IdentifyingFields: []string{"name"},
			Fields: map[string]engine.NormalizationClass{
				"name":    engine.NormalizeFQDN,
				"comment": engine.NormalizeVerbatim,
			},
			RequiredFields: []string{"name"},
			ParentTypes:    []string{"view", "zone"},
		},
		"host_record": {
			Type:              "host_record",
			IdentifyingFields: []string{"name"},
			Fields: map[string]engine.NormalizationClass{
				"name":      engine.NormalizeFQDN,
				"addresses": engine.NormalizeMultiValue,
				"ttl":       engine.NormalizeVerbatim,
			},
			RequiredFields: []string{"name", "addresses"},
			ParentTypes:    []string{"zone"},
		},
	}}
}

func parseString(t *testing.T, opts Options, input string) *Result {
	t.Helper()
	r, err := NewReader(opts, testCatalog(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create reader: %v", err)
	}
	res, err := r.Read(strings.NewReader(input))
	if err != nil {
		t.Fatalf("failed to read input: %v", err)
	}
	return res
}

func TestNewReaderRequiresCatalog(t *testing.T) {
	if _, err := NewReader(Options{}, nil, zerolog.Nop()); err == nil {
		t.Error("expected error for nil catalog")
	}
}

func TestReadBasic(t *testing.T) {
	input := `id,type,action,path,name,gateway
# staging networks
n1,network,create,prod/10.1.0.0/16,backbone,10.1.0.1
a1,address,,prod/10.1.0.0/16/10.1.0.10,,
`
	res := parseString(t, Options{Comment: '#'}, input)
	if len(res.Errors) != 0 {
		t.Fatalf("expected no row errors, got %v", res.Errors)
	}
	if len(res.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(res.Records))
	}

	net := res.Records[0]
	if net.ID != "n1" || net.ResourceType != "network" {
		t.Errorf("unexpected record identity: %+v", net)
	}
	if net.Action != engine.ActionCreate {
		t.Errorf("expected create action, got %s", net.Action)
	}
	if net.Name != "backbone" {
		t.Errorf("expected name backbone, got %q", net.Name)
	}
	if net.Fields["cidr"] != "10.1.0.0/16" {
		t.Errorf("expected cidr derived from path, got %v", net.Fields["cidr"])
	}
	if net.Fields["name"] != "backbone" || net.Fields["gateway"] != "10.1.0.1" {
		t.Errorf("unexpected fields: %v", net.Fields)
	}

	if net.ParentPath != "" {
		t.Errorf("expected cidr-scoped parent to stay open, got %q", net.ParentPath)
	}

	addr := res.Records[1]
	if addr.Action != engine.ActionUpsert {
		t.Errorf("expected blank action to normalize to upsert, got %s", addr.Action)
	}
	if addr.Name != "10.1.0.10" {
		t.Errorf("expected name derived from path, got %q", addr.Name)
	}
	if addr.Fields["address"] != "10.1.0.10" {
		t.Errorf("expected address derived from path, got %v", addr.Fields["address"])
	}
	if len(addr.Fields) != 1 {
		t.Errorf("expected empty cells to be dropped, got %v", addr.Fields)
	}
	if addr.ParentPath != "prod/10.1.0.0/16" {
		t.Errorf("expected parent derived from path, got %q", addr.ParentPath)
	}
}

func TestReadExplicitParent(t *testing.T) {
	input := `id,type,path,parent
a1,address,prod/10.1.0.0/16/10.1.0.10,prod/10.9.0.0/16
z1,zone,default/internal/corp.example.com,
`
	res := parseString(t, Options{}, input)
	if len(res.Records) != 2 {
		t.Fatalf("expected 2 records, got %v", res.Errors)
	}
	if res.Records[0].ParentPath != "prod/10.9.0.0/16" {
		t.Errorf("expected explicit parent to win, got %q", res.Records[0].ParentPath)
	}
	if res.Records[1].ParentPath != "default/internal" {
		t.Errorf("expected zone parent from path, got %q", res.Records[1].ParentPath)
	}
}

func TestReadHeaderSwitch(t *testing.T) {
	input := `id,type,action,path,*cidr
n1,network,create,prod/10.2.0.0/16,10.2.0.0/16
id,type,action,path,name,comment
z1,zone,create,default/internal/corp.example.com,corp.example.com,main zone
`
	res := parseString(t, Options{}, input)
	if len(res.Errors) != 0 {
		t.Fatalf("expected no row errors, got %v", res.Errors)
	}
	if len(res.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(res.Records))
	}
	if res.Records[0].Fields["cidr"] != "10.2.0.0/16" {
		t.Errorf("unexpected network fields: %v", res.Records[0].Fields)
	}
	zone := res.Records[1]
	if zone.ResourceType != "zone" || zone.Fields["comment"] != "main zone" {
		t.Errorf("unexpected zone record: %+v", zone)
	}
}

func TestReadRequiredColumnMarker(t *testing.T) {
	input := `id,type,action,path,*cidr
n1,network,create,prod/10.2.0.0/16,
`
	res := parseString(t, Options{}, input)
	if len(res.Records) != 0 {
		t.Fatalf("expected no records, got %d", len(res.Records))
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected 1 row error, got %v", res.Errors)
	}
	if !strings.Contains(res.Errors[0].Message, `required column "cidr" is empty`) {
		t.Errorf("unexpected error message: %s", res.Errors[0].Message)
	}
}

func TestReadBadAction(t *testing.T) {
	input := `id,type,action,path
n1,network,destroy,prod/10.0.0.0/8
`
	res := parseString(t, Options{}, input)
	if len(res.Errors) != 1 {
		t.Fatalf("expected 1 row error, got %v", res.Errors)
	}
	if !strings.Contains(res.Errors[0].Message, "invalid record action") {
		t.Errorf("unexpected error message: %s", res.Errors[0].Message)
	}
}

func TestReadUnknownType(t *testing.T) {
	input := `id,type,path
r1,router,prod/core-1
`
	res := parseString(t, Options{}, input)
	if len(res.Errors) != 1 {
		t.Fatalf("expected 1 row error, got %v", res.Errors)
	}
	if !strings.Contains(res.Errors[0].Message, `unknown resource type "router"`) {
		t.Errorf("unexpected error message: %s", res.Errors[0].Message)
	}
}

func TestReadDuplicateID(t *testing.T) {
	input := `id,type,path
a1,address,prod/10.1.0.0/16/10.1.0.10
a1,address,prod/10.1.0.0/16/10.1.0.11
`
	res := parseString(t, Options{}, input)
	if len(res.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(res.Records))
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected 1 row error, got %v", res.Errors)
	}
	want := `duplicate id "a1", first used on line 2`
	if res.Errors[0].Message != want {
		t.Errorf("expected %q, got %q", want, res.Errors[0].Message)
	}
	if res.Errors[0].Line != 3 {
		t.Errorf("expected error on line 3, got %d", res.Errors[0].Line)
	}
}

func TestReadDataBeforeHeader(t *testing.T) {
	input := `a1,address,prod/10.1.0.0/16/10.1.0.10
`
	res := parseString(t, Options{}, input)
	if len(res.Records) != 0 {
		t.Fatalf("expected no records, got %d", len(res.Records))
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0].Message, "before any column header") {
		t.Fatalf("expected data-before-header error, got %v", res.Errors)
	}
}

func TestReadHeaderRecovery(t *testing.T) {
	input := `id,type,action
x1,address,create
id,type,path
x2,address,prod/10.1.0.0/16/10.1.0.12
`
	res := parseString(t, Options{}, input)
	if len(res.Errors) != 2 {
		t.Fatalf("expected 2 row errors, got %v", res.Errors)
	}
	if !strings.Contains(res.Errors[0].Message, "missing the path column") {
		t.Errorf("unexpected header error: %s", res.Errors[0].Message)
	}
	if !strings.Contains(res.Errors[1].Message, "before any column header") {
		t.Errorf("unexpected data error: %s", res.Errors[1].Message)
	}
	if len(res.Records) != 1 || res.Records[0].ID != "x2" {
		t.Fatalf("expected recovery after valid header, got %+v", res.Records)
	}
}

func TestReadStrict(t *testing.T) {
	input := `id,type,path
r1,router,prod/core-1
a1,address,prod/10.1.0.0/16/10.1.0.10
`
	r, err := NewReader(Options{Strict: true}, testCatalog(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create reader: %v", err)
	}
	_, err = r.Read(strings.NewReader(input))
	if err == nil {
		t.Fatal("expected strict mode to fail on the first bad row")
	}
	if !strings.Contains(err.Error(), "line 2") || !strings.Contains(err.Error(), "unknown resource type") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestReadMissingRequiredFields(t *testing.T) {
	input := `id,type,action,path
h1,host_record,create,default/internal/corp.example.com/www
h2,host_record,delete,default/internal/corp.example.com/old
`
	res := parseString(t, Options{}, input)
	if len(res.Errors) != 1 {
		t.Fatalf("expected 1 row error, got %v", res.Errors)
	}
	if !strings.Contains(res.Errors[0].Message, "missing required field(s) addresses for host_record") {
		t.Errorf("unexpected error message: %s", res.Errors[0].Message)
	}

	// Delete rows carry no desired state, so required fields do not apply.
	if len(res.Records) != 1 || res.Records[0].ID != "h2" {
		t.Fatalf("expected the delete row to survive, got %+v", res.Records)
	}
}

func TestReadDependsOn(t *testing.T) {
	input := `id,type,path,depends_on
a1,address,prod/10.1.0.0/16/10.1.0.10,"n1, n2"
`
	res := parseString(t, Options{}, input)
	if len(res.Records) != 1 {
		t.Fatalf("expected 1 record, got %v", res.Errors)
	}
	deps := res.Records[0].DependsOn
	if len(deps) != 2 || deps[0] != "n1" || deps[1] != "n2" {
		t.Errorf("unexpected depends_on: %v", deps)
	}
}

func TestReadPreservesEmptyDescription(t *testing.T) {
	input := `id,type,action,path,description
c1,configuration,update,prod,
`
	res := parseString(t, Options{}, input)
	if len(res.Records) != 1 {
		t.Fatalf("expected 1 record, got %v", res.Errors)
	}
	desc, ok := res.Records[0].Fields["description"]
	if !ok {
		t.Fatal("expected empty description to be preserved")
	}
	if desc != "" {
		t.Errorf("expected empty string, got %v", desc)
	}
}

func TestReadRangeIdentity(t *testing.T) {
	input := `id,type,path
d1,dhcp_range,prod/10.1.0.0/16/10.1.0.100-10.1.0.200
`
	res := parseString(t, Options{}, input)
	if len(res.Records) != 1 {
		t.Fatalf("expected 1 record, got %v", res.Errors)
	}
	fields := res.Records[0].Fields
	if fields["start"] != "10.1.0.100" || fields["end"] != "10.1.0.200" {
		t.Errorf("expected range bounds from path segment, got %v", fields)
	}
}

func TestReadByteOrderMark(t *testing.T) {
	input := "\xef\xbb\xbfid,type,path\r\na1,address,prod/10.1.0.0/16/10.1.0.10\r\n"
	res := parseString(t, Options{}, input)
	if len(res.Errors) != 0 {
		t.Fatalf("expected no row errors, got %v", res.Errors)
	}
	if len(res.Records) != 1 || res.Records[0].ID != "a1" {
		t.Fatalf("expected 1 record, got %+v", res.Records)
	}
}

func TestReadRaggedRows(t *testing.T) {
	input := `id,type,path,name,state
a1,address,prod/10.1.0.0/16/10.1.0.10
a2,address,prod/10.1.0.0/16/10.1.0.11,web-1,STATIC,extra,cells
`
	res := parseString(t, Options{}, input)
	if len(res.Errors) != 0 {
		t.Fatalf("expected no row errors, got %v", res.Errors)
	}
	if len(res.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(res.Records))
	}
	if res.Records[0].Fields["address"] != "10.1.0.10" {
		t.Errorf("short row parsed wrong: %v", res.Records[0].Fields)
	}
	if res.Records[1].Fields["state"] != "STATIC" {
		t.Errorf("long row parsed wrong: %v", res.Records[1].Fields)
	}
}

func TestReadMalformedRowCollected(t *testing.T) {
	input := "id,type,path\na1,addr\"ess,prod/x\na2,address,prod/10.1.0.0/16/10.1.0.10\n"
	res := parseString(t, Options{}, input)
	if len(res.Errors) != 1 {
		t.Fatalf("expected 1 row error, got %v", res.Errors)
	}
	if res.Errors[0].Line != 2 {
		t.Errorf("expected error on line 2, got %d", res.Errors[0].Line)
	}
	if len(res.Records) != 1 || res.Records[0].ID != "a2" {
		t.Fatalf("expected parsing to continue past the bad row, got %+v", res.Records)
	}
}

func TestReadSemicolonDialect(t *testing.T) {
	input := "id;type;path\na1;address;prod/10.1.0.0/16/10.1.0.10\n"
	res := parseString(t, Options{Comma: ';'}, input)
	if len(res.Records) != 1 {
		t.Fatalf("expected 1 record, got %v", res.Errors)
	}
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "input.csv")
	input := "id,type,path\na1,address,prod/10.1.0.0/16/10.1.0.10\n"
	if err := os.WriteFile(path, []byte(input), 0o644); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}

	r, err := NewReader(Options{}, testCatalog(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create reader: %v", err)
	}
	res, err := r.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read file: %v", err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(res.Records))
	}

	if _, err := r.ReadFile(filepath.Join(dir, "missing.csv")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestReadFilesMergesAndDetectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.csv")
	second := filepath.Join(dir, "second.csv")
	if err := os.WriteFile(first, []byte("id,type,path\na1,address,prod/10.1.0.0/16/10.1.0.10\n"), 0o644); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}
	if err := os.WriteFile(second, []byte("id,type,path\na1,address,prod/10.1.0.0/16/10.1.0.11\na2,address,prod/10.1.0.0/16/10.1.0.12\n"), 0o644); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}

	r, err := NewReader(Options{}, testCatalog(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create reader: %v", err)
	}
	res, err := r.ReadFiles([]string{first, second})
	if err != nil {
		t.Fatalf("failed to read files: %v", err)
	}

	if len(res.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(res.Records))
	}
	if res.Records[0].ID != "a1" || res.Records[1].ID != "a2" {
		t.Errorf("unexpected record order: %+v", res.Records)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected 1 error, got %v", res.Errors)
	}
	if !strings.Contains(res.Errors[0].Message, `duplicate id "a1"`) ||
		!strings.Contains(res.Errors[0].Message, "first.csv") {
		t.Errorf("unexpected error message: %s", res.Errors[0].Message)
	}
}

func TestParseHeaderErrors(t *testing.T) {
	tests := []struct {
		name string
		row  []string
		want string
	}{
		{"duplicate column", []string{"id", "type", "path", "type"}, "duplicate header column"},
		{"missing type", []string{"id", "path"}, "missing the type column"},
		{"missing path", []string{"id", "type"}, "missing the path column"},
		{"empty column", []string{"id", "type", "", "path"}, "header column 3 is empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseHeader(tt.row, 1)
			if err == nil {
				t.Fatal("expected header error")
			}
			if !strings.Contains(err.Message, tt.want) {
				t.Errorf("expected %q in %q", tt.want, err.Message)
			}
		})
	}
}

func TestLastPathSegment(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"prod", "prod"},
		{"prod/10.0.0.0/8", "10.0.0.0/8"},
		{"prod/10.0.0.0/8/10.1.0.0/16", "10.1.0.0/16"},
		{"default/internal/corp.example.com/www", "www"},
		{"prod/10.1.0.0/16/10.1.0.100-10.1.0.200", "10.1.0.100-10.1.0.200"},
		{"default/2001:db8::/32", "2001:db8::/32"},
		{"a//b", "b"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := lastPathSegment(tt.path); got != tt.want {
			t.Errorf("lastPathSegment(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestParentPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"prod", ""},
		{"prod/10.0.0.0/8", "prod"},
		{"prod/10.1.0.0/16/10.1.0.10", "prod/10.1.0.0/16"},
		{"default/internal/corp.example.com", "default/internal"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := parentPath(tt.path); got != tt.want {
			t.Errorf("parentPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
