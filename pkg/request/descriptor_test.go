package request

import (
	"errors"
	"testing"
)

func TestDescriptor_Canonical(t *testing.T) {
	tests := []struct {
		name    string
		dataset string
		params  map[string]string
		format  Format
		want    string
	}{
		{
			name:    "no params defaults to json",
			dataset: "XIT002",
			want:    "reinfolib:XIT002:json:",
		},
		{
			name:    "params are sorted",
			dataset: "XIT001",
			params:  map[string]string{"year": "2023", "area": "13", "quarter": "1"},
			want:    "reinfolib:XIT001:json:area=13&quarter=1&year=2023",
		},
		{
			name:    "dataset is upper-cased",
			dataset: " xkt001 ",
			params:  map[string]string{"z": "15", "x": "29105", "y": "12903"},
			format:  FormatGeoJSON,
			want:    "reinfolib:XKT001:geojson:x=29105&y=12903&z=15",
		},
		{
			name:    "separators in values are escaped",
			dataset: "XPT001",
			params:  map[string]string{"landTypeCode": "01,02&07", "q": "a=b:c"},
			format:  FormatPBF,
			want:    "reinfolib:XPT001:pbf:landTypeCode=01,02%2607&q=a%3Db%3Ac",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.dataset, tt.params, tt.format, nil)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if got := d.Canonical(); got != tt.want {
				t.Errorf("Canonical() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDescriptor_KeyIsOrderIndependent(t *testing.T) {
	a := MustNew("XIT001", map[string]string{"area": "13", "year": "2023"}, FormatJSON, nil)
	b := MustNew("xit001", map[string]string{"year": "2023", "area": "13"}, "JSON", nil)

	if a.Key() != b.Key() {
		t.Errorf("equal descriptors produced different keys: %s vs %s", a.Key(), b.Key())
	}
}

func TestDescriptor_KeyDistinguishes(t *testing.T) {
	base := MustNew("XIT001", map[string]string{"area": "13"}, FormatJSON, nil)

	others := []Descriptor{
		MustNew("XIT002", map[string]string{"area": "13"}, FormatJSON, nil),
		MustNew("XIT001", map[string]string{"area": "14"}, FormatJSON, nil),
		MustNew("XIT001", map[string]string{"area": "13"}, FormatGeoJSON, nil),
		MustNew("XIT001", map[string]string{"area": "13", "year": "2023"}, FormatJSON, nil),
		MustNew("XIT001", map[string]string{"area=13": ""}, FormatJSON, nil),
	}

	for _, o := range others {
		if o.Key() == base.Key() {
			t.Errorf("%s collides with %s", o, base)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		dataset string
		params  map[string]string
		format  Format
		field   string
	}{
		{name: "empty dataset", dataset: "  ", field: "dataset"},
		{name: "path in dataset", dataset: "XIT001/../x", field: "dataset"},
		{name: "bad format", dataset: "XIT001", format: "xml", field: "format"},
		{name: "empty param name", dataset: "XIT001", params: map[string]string{" ": "1"}, field: "params"},
		{name: "names equal after trim", dataset: "XIT001", params: map[string]string{"area": "1", " area": "2"}, field: "params"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.dataset, tt.params, tt.format, nil)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestNew_PaddedNamesNeverYieldUnstableKey(t *testing.T) {
	params := map[string]string{"a": "1", " a": "2", "a ": "3"}

	// Map iteration order varies between calls; every attempt must fail the
	// same way rather than produce some ordering of the three values.
	for i := 0; i < 100; i++ {
		_, err := New("XIT001", params, FormatJSON, nil)
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Field != "params" {
			t.Fatalf("attempt %d: New() error = %v, want params ValidationError", i, err)
		}
	}

	trimmed := MustNew("XIT001", map[string]string{" area ": "13"}, FormatJSON, nil)
	plain := MustNew("XIT001", map[string]string{"area": "13"}, FormatJSON, nil)
	if trimmed.Key() != plain.Key() {
		t.Errorf("padded name key = %s, want %s", trimmed.Key(), plain.Key())
	}
}

func TestDescriptor_ParamsIsCopy(t *testing.T) {
	d := MustNew("XIT001", map[string]string{"area": "13"}, FormatJSON, nil)
	p := d.Params()
	p[0].Value = "99"

	if d.Params()[0].Value != "13" {
		t.Error("mutating Params() leaked into the descriptor")
	}
}

func TestKey_RoundTrip(t *testing.T) {
	k := MustNew("XKT026", map[string]string{"z": "15"}, FormatGeoJSON, nil).Key()

	parsed, err := ParseKey(k.String())
	if err != nil {
		t.Fatalf("ParseKey() error = %v", err)
	}
	if parsed != k {
		t.Errorf("ParseKey() = %s, want %s", parsed, k)
	}
	if len(k.String()) != 64 {
		t.Errorf("key width = %d, want 64", len(k.String()))
	}

	if _, err := ParseKey("abc"); err == nil {
		t.Error("ParseKey accepted a short key")
	}
	if _, err := ParseKey(string(make([]byte, 64))); err == nil {
		t.Error("ParseKey accepted non-hex input")
	}
}
