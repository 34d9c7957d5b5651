package remote

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// collections maps resource types to their REST collection paths. The DNS
// record types share one collection; the "type" field in their payloads
// tells them apart.
var collections = map[string]string{
	"configuration":        "configurations",
	"block":                "blocks",
	"network":              "networks",
	"address":              "addresses",
	"dhcp_range":           "ranges",
	"view":                 "views",
	"zone":                 "zones",
	"host_record":          "records",
	"alias_record":         "records",
	"external_host_record": "records",
	"txt_record":           "records",
	"mx_record":            "records",
	"srv_record":           "records",
}

// collectionFor returns the collection path for a resource type. Types the
// table does not know, such as catalog overlay additions served by plugin
// handlers, fall back to the pluralized type name.
func collectionFor(resourceType string) string {
	if c, ok := collections[resourceType]; ok {
		return c
	}
	return resourceType + "s"
}

// buildFilter renders a filter expression from a parent constraint and
// field values: terms joined with " and ", integer operands bare,
// everything else quoted. Field keys are sorted so the generated query is
// stable.
func buildFilter(parentID int64, fields map[string]string) string {
	terms := make([]string, 0, len(fields)+1)
	if parentID > 0 {
		terms = append(terms, "parent.id:"+strconv.FormatInt(parentID, 10))
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		terms = append(terms, k+":"+filterOperand(fields[k]))
	}
	return strings.Join(terms, " and ")
}

// filterOperand quotes a filter value. Integers stay bare. Colon-bearing
// values (IPv6 addresses, MACs) take double quotes; the filter grammar
// reads a colon inside single quotes as a term separator.
func filterOperand(v string) string {
	if _, err := strconv.ParseInt(v, 10, 64); err == nil {
		return v
	}
	if strings.Contains(v, ":") {
		return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
	}
	return "'" + strings.ReplaceAll(v, "'", `\'`) + "'"
}

// listEnvelope is the collection response shape: items under data, the
// pagination cursor under _links.
type listEnvelope struct {
	Count int                      `json:"count"`
	Data  []map[string]interface{} `json:"data"`
	Links struct {
		Next struct {
			Href string `json:"href"`
		} `json:"next"`
	} `json:"_links"`
}

// sessionResponse is the body returned by POST /sessions.
type sessionResponse struct {
	APIToken    string `json:"apiToken"`
	Credentials string `json:"basicAuthenticationCredentials"`
}

// apiError is the error body the server sends with non-2xx statuses.
type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Detail  string `json:"detail"`
}

// resourceID extracts the numeric identifier from a decoded resource.
// Plain JSON decoding delivers numbers as float64.
func resourceID(m map[string]interface{}) (int64, bool) {
	switch id := m["id"].(type) {
	case float64:
		return int64(id), true
	case int64:
		return id, true
	case int:
		return int64(id), true
	case json.Number:
		n, err := id.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(id, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
