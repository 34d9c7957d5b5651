package engine

import "testing"

func TestNormalizeValue_Name(t *testing.T) {
	tests := []struct {
		in   interface{}
		want string
	}{
		{"Backbone  Block", "backbone block"},
		{"  backbone block ", "backbone block"},
		{"BACKBONE BLOCK", "backbone block"},
		{"", ""},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := NormalizeValue(tt.in, NormalizeName); got != tt.want {
			t.Errorf("NormalizeValue(%q, name) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeValue_CIDR(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"10.0.0.0/8", "10.0.0.0/8"},
		{" 10.0.0.0/8 ", "10.0.0.0/8"},
		{"10.0.0.1/8", "10.0.0.0/8"},
		{"2001:DB8::/32", "2001:db8::/32"},
		{"not-a-cidr", "not-a-cidr"},
	}
	for _, tt := range tests {
		if got := NormalizeValue(tt.in, NormalizeCIDR); got != tt.want {
			t.Errorf("NormalizeValue(%q, cidr) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeValue_Address(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"192.168.1.10", "192.168.1.10"},
		{" 192.168.1.10 ", "192.168.1.10"},
		{"2001:0db8:0000:0000:0000:0000:0000:0001", "2001:db8::1"},
		{"2001:DB8::1", "2001:db8::1"},
	}
	for _, tt := range tests {
		if got := NormalizeValue(tt.in, NormalizeAddress); got != tt.want {
			t.Errorf("NormalizeValue(%q, address) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeValue_FQDN(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"WWW.Example.COM.", "www.example.com"},
		{"www.example.com", "www.example.com"},
		{" host.example.com ", "host.example.com"},
	}
	for _, tt := range tests {
		if got := NormalizeValue(tt.in, NormalizeFQDN); got != tt.want {
			t.Errorf("NormalizeValue(%q, fqdn) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeValue_MultiValue(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{"comma string reordered", "b, a ,c", "a,b,c"},
		{"slice of strings", []string{"c", "a", "b"}, "a,b,c"},
		{"slice of interfaces", []interface{}{"B", "a"}, "a,b"},
		{"empty entries dropped", "a,,b,", "a,b"},
	}
	for _, tt := range tests {
		if got := NormalizeValue(tt.in, NormalizeMultiValue); got != tt.want {
			t.Errorf("%s: NormalizeValue = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestNormalizeValue_NumericEquivalence(t *testing.T) {
	// Values decoded from JSON arrive as float64, values from CSV as
	// strings. All three spellings of the same number must compare equal.
	forms := []interface{}{int(300), int64(300), float64(300), "300"}
	want := NormalizeValue(forms[0], NormalizeVerbatim)
	for _, form := range forms[1:] {
		if got := NormalizeValue(form, NormalizeVerbatim); got != want {
			t.Errorf("NormalizeValue(%v) = %q, want %q", form, got, want)
		}
	}
}
