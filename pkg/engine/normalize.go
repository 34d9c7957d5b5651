package engine

import (
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"
)

// NormalizeValue canonicalizes a field value according to its normalization
// class so the diff compares semantics instead of formatting. Values that
// fail to parse for their class fall back to trimmed lowercase comparison
// rather than erroring; the diff then reports them as changed only when the
// raw forms differ.
func NormalizeValue(v interface{}, class NormalizationClass) string {
	s := canonicalScalar(v)
	switch class {
	case NormalizeName:
		return strings.Join(strings.Fields(strings.ToLower(s)), " ")
	case NormalizeCIDR:
		return normalizeCIDR(s)
	case NormalizeAddress:
		return normalizeAddress(s)
	case NormalizeFQDN:
		return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), ".")
	case NormalizeMultiValue:
		return normalizeMultiValue(v, s)
	default:
		return strings.TrimSpace(s)
	}
}

// canonicalScalar renders a value as a comparison string. Numeric values
// are canonicalized so "10", 10 and 10.0 compare equal.
func canonicalScalar(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		if n, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil && strings.TrimSpace(val) != "" {
			return formatNumber(n)
		}
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return formatNumber(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatNumber renders integral floats without a decimal part.
func formatNumber(n float64) string {
	if n == float64(int64(n)) {
		return strconv.FormatInt(int64(n), 10)
	}
	return strconv.FormatFloat(n, 'f', -1, 64)
}

func normalizeCIDR(s string) string {
	p, err := netip.ParsePrefix(strings.TrimSpace(s))
	if err != nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return p.Masked().String()
}

func normalizeAddress(s string) string {
	a, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return a.String()
}

func normalizeMultiValue(v interface{}, s string) string {
	var parts []string
	switch val := v.(type) {
	case []interface{}:
		for _, item := range val {
			parts = append(parts, canonicalScalar(item))
		}
	case []string:
		parts = append(parts, val...)
	default:
		parts = strings.Split(s, ",")
	}
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(strings.ToLower(part))
		if part != "" {
			out = append(out, part)
		}
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}
