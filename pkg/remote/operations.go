package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/ipamctl/ipamctl/pkg/engine"
)

// maxListPages bounds pagination so a misbehaving server cannot keep a
// listing alive forever.
const maxListPages = 1000

// Get fetches a resource by its remote identifier.
func (c *Client) Get(ctx context.Context, resourceType string, id int64) (map[string]interface{}, error) {
	var state map[string]interface{}
	endpoint := collectionFor(resourceType) + "/" + strconv.FormatInt(id, 10)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &state); err != nil {
		return nil, err
	}
	return state, nil
}

// Create posts a new resource under parentID and returns the identifier
// the server assigned. The payload is copied before the type and parent
// are injected so the caller's map stays untouched.
func (c *Client) Create(ctx context.Context, resourceType string, parentID int64, payload map[string]interface{}) (int64, error) {
	body := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		body[k] = v
	}
	body["type"] = resourceType
	if parentID > 0 {
		body["parentId"] = parentID
	}

	var created map[string]interface{}
	if err := c.do(ctx, http.MethodPost, collectionFor(resourceType), nil, body, &created); err != nil {
		return 0, err
	}
	id, ok := resourceID(created)
	if !ok {
		return 0, engine.NewPermanentError(
			fmt.Sprintf("create response for %s carried no id", resourceType), nil).
			WithCode(engine.ErrCodeInternal)
	}
	return id, nil
}

// Update patches an existing resource. The server requires the type
// discriminator in every write body.
func (c *Client) Update(ctx context.Context, resourceType string, id int64, payload map[string]interface{}) error {
	body := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["type"] = resourceType

	endpoint := collectionFor(resourceType) + "/" + strconv.FormatInt(id, 10)
	return c.do(ctx, http.MethodPatch, endpoint, nil, body, nil)
}

// Delete removes a resource by identifier.
func (c *Client) Delete(ctx context.Context, resourceType string, id int64) error {
	endpoint := collectionFor(resourceType) + "/" + strconv.FormatInt(id, 10)
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil, nil)
}

// List fetches every resource of a type under parentID, following
// paginated responses until the server stops handing out a next link.
// Filter fields narrow the listing server-side.
func (c *Client) List(ctx context.Context, resourceType string, parentID int64, filter map[string]string) ([]map[string]interface{}, error) {
	endpoint := collectionFor(resourceType)
	query := url.Values{}
	if f := buildFilter(parentID, filter); f != "" {
		query.Set("filter", f)
	}

	var items []map[string]interface{}
	seen := make(map[string]struct{})
	for page := 0; ; page++ {
		if page >= maxListPages {
			c.logger.Warn().Str("resource_type", resourceType).Msg("pagination page cap reached")
			break
		}
		key := endpoint + "?" + query.Encode()
		if _, dup := seen[key]; dup {
			c.logger.Warn().Str("resource_type", resourceType).Msg("pagination loop detected")
			break
		}
		seen[key] = struct{}{}

		var envelope listEnvelope
		if err := c.do(ctx, http.MethodGet, endpoint, query, nil, &envelope); err != nil {
			return nil, err
		}
		items = append(items, envelope.Data...)

		next := envelope.Links.Next.Href
		if next == "" {
			break
		}
		var err error
		endpoint, query, err = c.parseNextLink(next)
		if err != nil {
			return nil, engine.NewPermanentError("malformed pagination link", err)
		}
	}
	return items, nil
}

// parseNextLink turns a pagination href back into an endpoint and query
// relative to the client's base URL.
func (c *Client) parseNextLink(href string) (string, url.Values, error) {
	u, err := url.Parse(href)
	if err != nil {
		return "", nil, err
	}
	endpoint := u.Path
	if base, err := url.Parse(c.baseURL); err == nil && base.Path != "" {
		endpoint = strings.TrimPrefix(endpoint, base.Path)
	}
	return strings.Trim(endpoint, "/"), u.Query(), nil
}

// GetByPath resolves a hierarchical path to the identifier of the
// resource at its end. The first segment names a configuration; every
// following hop is looked up among the catalog's child types of the
// current resource, with the final hop pinned to the requested type.
func (c *Client) GetByPath(ctx context.Context, path, resourceType string) (int64, error) {
	hops := splitHops(path)
	if len(hops) == 0 {
		return 0, engine.NewPermanentError("empty resource path", nil).
			WithCode(engine.ErrCodeNotFound).WithPath(path)
	}

	curID, err := c.lookupChild(ctx, "configuration", 0, hops[0])
	if err != nil {
		return 0, pathError(err, path)
	}
	if resourceType == "configuration" {
		if len(hops) != 1 {
			return 0, engine.NewPermanentError(
				fmt.Sprintf("path continues past the configuration %q", hops[0]), nil).
				WithCode(engine.ErrCodeNotFound).WithPath(path)
		}
		return curID, nil
	}
	if len(hops) == 1 {
		return 0, engine.NewPermanentError(
			fmt.Sprintf("path stops at the configuration root, want a %s", resourceType), nil).
			WithCode(engine.ErrCodeNotFound).WithPath(path)
	}

	curType := "configuration"
	for i, hop := range hops[1:] {
		last := i == len(hops)-2
		candidates := c.childTypes(curType)
		if last {
			candidates = []string{resourceType}
		}

		matched := false
		for _, childType := range candidates {
			if !hopMatchesType(hop, c.spec(childType)) {
				continue
			}
			id, err := c.lookupChild(ctx, childType, curID, hop)
			if err != nil {
				if engine.IsNotFound(err) {
					continue
				}
				return 0, pathError(err, path)
			}
			curID, curType = id, childType
			matched = true
			break
		}
		if !matched {
			return 0, engine.NewPermanentError(
				fmt.Sprintf("segment %q not found under %s", hop, curType), nil).
				WithCode(engine.ErrCodeNotFound).WithPath(path)
		}
	}
	return curID, nil
}

// childTypes lists the catalog types that may sit under parentType,
// sorted so the walk order is stable.
func (c *Client) childTypes(parentType string) []string {
	var types []string
	for _, t := range c.catalog.Types() {
		spec, ok := c.catalog.Spec(t)
		if !ok {
			continue
		}
		for _, p := range spec.ParentTypes {
			if p == parentType {
				types = append(types, t)
				break
			}
		}
	}
	sort.Strings(types)
	return types
}

func (c *Client) spec(resourceType string) *engine.ResourceSpec {
	spec, ok := c.catalog.Spec(resourceType)
	if !ok {
		return nil
	}
	return spec
}

// hopMatchesType prunes candidate child types by segment shape: CIDR
// scoped types match segments carrying a prefix length, everything else
// matches segments without one.
func hopMatchesType(hop string, spec *engine.ResourceSpec) bool {
	if spec == nil {
		return true
	}
	if spec.CIDRScoped {
		return strings.Contains(hop, "/")
	}
	return !strings.Contains(hop, "/")
}

// lookupChild finds the single resource of a type under parentID whose
// identifying fields match the path segment.
func (c *Client) lookupChild(ctx context.Context, resourceType string, parentID int64, hop string) (int64, error) {
	items, err := c.List(ctx, resourceType, parentID, identityFilter(c.spec(resourceType), hop))
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, engine.NewPermanentError(
			fmt.Sprintf("no %s matching %q", resourceType, hop), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	id, ok := resourceID(items[0])
	if !ok {
		return 0, engine.NewPermanentError(
			fmt.Sprintf("%s %q carried no id", resourceType, hop), nil).
			WithCode(engine.ErrCodeInternal)
	}
	return id, nil
}

// identityFilter maps a path segment onto the type's identifying fields.
// Types identified by several fields, like ranges with a start and end,
// encode them in the segment joined by dashes.
func identityFilter(spec *engine.ResourceSpec, hop string) map[string]string {
	if spec == nil || len(spec.IdentifyingFields) == 0 {
		return map[string]string{"name": hop}
	}
	if len(spec.IdentifyingFields) == 1 {
		return map[string]string{spec.IdentifyingFields[0]: hop}
	}
	parts := strings.SplitN(hop, "-", len(spec.IdentifyingFields))
	if len(parts) != len(spec.IdentifyingFields) {
		return map[string]string{spec.IdentifyingFields[0]: hop}
	}
	filter := make(map[string]string, len(parts))
	for i, field := range spec.IdentifyingFields {
		filter[field] = parts[i]
	}
	return filter
}

// splitHops cuts a path into segments, rejoining CIDR notation that the
// separator split apart: "corp/10.0.0.0/8" is the block 10.0.0.0/8
// inside the configuration corp, not three segments.
func splitHops(path string) []string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	var hops []string
	for i := 0; i < len(segs); i++ {
		seg := segs[i]
		if seg == "" {
			continue
		}
		if i+1 < len(segs) && isPrefixLen(segs[i+1]) {
			if _, err := netip.ParseAddr(seg); err == nil {
				hops = append(hops, seg+"/"+segs[i+1])
				i++
				continue
			}
		}
		hops = append(hops, seg)
	}
	return hops
}

// isPrefixLen reports whether seg is a bare prefix length. The round trip
// through Itoa rejects forms like "08" that ParseInt would accept.
func isPrefixLen(seg string) bool {
	n, err := strconv.Atoi(seg)
	if err != nil || n < 0 || n > 128 {
		return false
	}
	return seg == strconv.Itoa(n)
}

// pathError stamps the failing path onto an engine error.
func pathError(err error, path string) error {
	var e *engine.EngineError
	if errors.As(err, &e) {
		return e.WithPath(path)
	}
	return err
}
