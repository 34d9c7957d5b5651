package engine

import (
	"net/netip"
	"sync"
)

// PendingEntry describes a resource that does not exist remotely yet but is
// scheduled to be created by an operation in the current run.
type PendingEntry struct {
	// RecordID is the identifier of the input record (and therefore the
	// operation) that will create the resource.
	RecordID string `json:"recordId"`

	// ResourceType is the pending resource's type.
	ResourceType string `json:"resourceType"`

	// Path is the hierarchical path the resource will occupy once created.
	Path string `json:"path"`
}

// PendingResources tracks resources that will exist only after their
// creating operation succeeds. The resolver consults it before issuing a
// live lookup so intra-run references become deferred instead of failing
// with a spurious not-found. Entries are removed as creations are confirmed
// or cancelled, so the registry must tolerate concurrent mutation during
// execution.
type PendingResources struct {
	mu      sync.RWMutex
	entries map[string]PendingEntry
}

// BuildPendingResources scans the input records and registers every record
// whose action can create a resource. Update and delete records never
// create, so they are excluded.
func BuildPendingResources(records []Record) *PendingResources {
	p := &PendingResources{entries: make(map[string]PendingEntry, len(records))}
	for i := range records {
		rec := &records[i]
		if rec.Action != ActionCreate && rec.Action != ActionUpsert {
			continue
		}
		if rec.Path == "" {
			continue
		}
		p.entries[rec.Path] = PendingEntry{
			RecordID:     rec.ID,
			ResourceType: rec.ResourceType,
			Path:         rec.Path,
		}
	}
	return p
}

// Lookup returns the identifier of the operation that will create the
// resource at path, if one is pending.
func (p *PendingResources) Lookup(path string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.entries[path]
	if !ok {
		return "", false
	}
	return entry.RecordID, true
}

// Remove drops the entry for path. Called when a creation is confirmed
// (the resource now resolves concretely) or cancelled (it never will).
func (p *PendingResources) Remove(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, path)
}

// Len returns the number of pending entries.
func (p *PendingResources) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// prefixCandidate is a record that can act as a containment parent.
type prefixCandidate struct {
	path         string
	resourceType string
	prefix       netip.Prefix
}

// AssignParents fills in the parent path for records that omit one. For
// address-space records the parent is the record in the same run with the
// narrowest prefix that contains the record's own prefix; everything else
// defaults to the configuration root. Candidates come from every record
// regardless of action, so delete runs order child prefixes under their
// containers the same way create runs do. Records that already name a
// parent are left alone.
func AssignParents(records []Record, catalog Catalog, root string) {
	var candidates []prefixCandidate
	if catalog != nil {
		for i := range records {
			rec := &records[i]
			spec, ok := catalog.Spec(rec.ResourceType)
			if !ok || !spec.CIDRScoped {
				continue
			}
			if pfx, ok := recordPrefix(rec); ok {
				candidates = append(candidates, prefixCandidate{
					path:         rec.Path,
					resourceType: rec.ResourceType,
					prefix:       pfx,
				})
			}
		}
	}

	for i := range records {
		rec := &records[i]
		if rec.ParentPath != "" || rec.Path == root {
			continue
		}
		if catalog != nil {
			if spec, ok := catalog.Spec(rec.ResourceType); ok {
				if len(spec.ParentTypes) == 0 {
					continue
				}
				if spec.CIDRScoped {
					if parent, ok := containingPath(rec, spec.ParentTypes, candidates); ok {
						rec.ParentPath = parent
						continue
					}
				}
			}
		}
		rec.ParentPath = root
	}
}

// containingPath returns the path of the narrowest candidate of an allowed
// type whose prefix strictly contains the record's prefix.
func containingPath(rec *Record, parentTypes []string, candidates []prefixCandidate) (string, bool) {
	pfx, ok := recordPrefix(rec)
	if !ok {
		return "", false
	}
	best := ""
	bestBits := -1
	for _, c := range candidates {
		if c.path == rec.Path {
			continue
		}
		if !typeAllowed(c.resourceType, parentTypes) {
			continue
		}
		if c.prefix.Bits() >= pfx.Bits() || !c.prefix.Contains(pfx.Addr()) {
			continue
		}
		if c.prefix.Bits() > bestBits {
			best = c.path
			bestBits = c.prefix.Bits()
		}
	}
	return best, best != ""
}

// recordPrefix extracts the record's CIDR from its cidr field or, failing
// that, its name.
func recordPrefix(rec *Record) (netip.Prefix, bool) {
	candidates := make([]string, 0, 2)
	if v, ok := rec.Fields["cidr"]; ok {
		if s, ok := v.(string); ok {
			candidates = append(candidates, s)
		}
	}
	if rec.Name != "" {
		candidates = append(candidates, rec.Name)
	}
	for _, c := range candidates {
		if pfx, err := netip.ParsePrefix(c); err == nil {
			return pfx.Masked(), true
		}
	}
	return netip.Prefix{}, false
}

func typeAllowed(resourceType string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, t := range allowed {
		if t == resourceType {
			return true
		}
	}
	return false
}
