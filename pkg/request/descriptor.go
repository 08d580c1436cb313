// Package request defines the normalized description of an upstream reinfolib
// call and the cache key derived from it.
package request

import (
	"fmt"
	"sort"
	"strings"
)

// Format is the response format requested from the upstream dataset.
type Format string

const (
	FormatJSON    Format = "json"
	FormatGeoJSON Format = "geojson"
	FormatPBF     Format = "pbf"
	FormatMVT     Format = "mvt"
)

// ContentType returns the default media type for the format.
// An upstream Content-Type header takes precedence where one is present.
func (f Format) ContentType() string {
	switch f {
	case FormatGeoJSON:
		return "application/geo+json"
	case FormatPBF, FormatMVT:
		return "application/vnd.mapbox-vector-tile"
	default:
		return "application/json"
	}
}

// ParseFormat normalizes a format name. An empty name means JSON.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatGeoJSON, FormatPBF, FormatMVT:
		return f, nil
	default:
		return "", &ValidationError{Field: "format", Reason: fmt.Sprintf("unsupported format %q", s)}
	}
}

// Param is a single query parameter of a descriptor.
type Param struct {
	Name  string
	Value string
}

// Descriptor identifies one cacheable upstream request. It is immutable once
// built; use New to construct it.
type Descriptor struct {
	dataset string
	params  []Param
	format  Format
	class   TTLClass
}

// New validates and canonicalizes a request. Parameter order is irrelevant:
// params are sorted by name so that equal sets always produce the same key.
// Names are trimmed, and two names that trim to the same one are rejected.
// The TTL class is resolved from classes at construction time.
func New(dataset string, params map[string]string, format Format, classes *ClassMap) (Descriptor, error) {
	dataset = strings.ToUpper(strings.TrimSpace(dataset))
	if dataset == "" {
		return Descriptor{}, &ValidationError{Field: "dataset", Reason: "dataset identifier is required"}
	}
	if strings.ContainsAny(dataset, "/?#& ") {
		return Descriptor{}, &ValidationError{Field: "dataset", Reason: fmt.Sprintf("invalid dataset identifier %q", dataset)}
	}

	format, err := ParseFormat(string(format))
	if err != nil {
		return Descriptor{}, err
	}

	sorted := make([]Param, 0, len(params))
	seen := make(map[string]struct{}, len(params))
	for name, value := range params {
		name = strings.TrimSpace(name)
		if name == "" {
			return Descriptor{}, &ValidationError{Field: "params", Reason: "empty parameter name"}
		}
		if _, dup := seen[name]; dup {
			return Descriptor{}, &ValidationError{Field: "params", Reason: fmt.Sprintf("duplicate parameter %q", name)}
		}
		seen[name] = struct{}{}
		sorted = append(sorted, Param{Name: name, Value: value})
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	if classes == nil {
		classes = DefaultClassMap()
	}

	return Descriptor{
		dataset: dataset,
		params:  sorted,
		format:  format,
		class:   classes.Lookup(dataset),
	}, nil
}

// MustNew is New for tests and static tables; it panics on invalid input.
func MustNew(dataset string, params map[string]string, format Format, classes *ClassMap) Descriptor {
	d, err := New(dataset, params, format, classes)
	if err != nil {
		panic(err)
	}
	return d
}

// Dataset returns the upstream dataset identifier, e.g. XIT001.
func (d Descriptor) Dataset() string { return d.dataset }

// Format returns the requested response format.
func (d Descriptor) Format() Format { return d.format }

// Class returns the TTL class resolved when the descriptor was built.
func (d Descriptor) Class() TTLClass { return d.class }

// Params returns a copy of the canonical (sorted) parameters.
func (d Descriptor) Params() []Param {
	out := make([]Param, len(d.params))
	copy(out, d.params)
	return out
}

// Canonical is the stable serialization the cache key is derived from.
//
// Format: reinfolib:<dataset>:<format>:name1=value1&name2=value2
//
// Names and values are query-escaped so separators inside values cannot
// collide with the framing.
func (d Descriptor) Canonical() string {
	parts := make([]string, 0, len(d.params))
	for _, p := range d.params {
		parts = append(parts, escape(p.Name)+"="+escape(p.Value))
	}
	return strings.Join([]string{"reinfolib", d.dataset, string(d.format), strings.Join(parts, "&")}, ":")
}

// Key returns the fixed-width cache key for the descriptor.
func (d Descriptor) Key() Key {
	return KeyOf(d.Canonical())
}

// String is a log-friendly form. It never carries credentials because
// credentials are not part of a descriptor.
func (d Descriptor) String() string {
	return d.Canonical()
}

var canonicalEscaper = strings.NewReplacer("%", "%25", "&", "%26", "=", "%3D", ":", "%3A")

func escape(s string) string {
	return canonicalEscaper.Replace(s)
}

// ValidationError reports a malformed request descriptor. It is fatal and
// never retried.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}
