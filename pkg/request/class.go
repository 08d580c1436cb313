package request

import (
	"fmt"
	"sort"
	"strings"
)

// TTLClass names a cache lifetime policy bucket.
type TTLClass string

const (
	// ClassMetadata covers tabular and lookup datasets (about an hour).
	ClassMetadata TTLClass = "metadata"

	// ClassGeoLayer covers tiled geospatial layers (about a day).
	ClassGeoLayer TTLClass = "geo_layer"
)

// ClassMap assigns TTL classes to datasets. Entries match either an exact
// dataset identifier or a prefix of one; the longest match wins.
type ClassMap struct {
	fallback TTLClass
	rules    []classRule
}

type classRule struct {
	pattern string
	class   TTLClass
}

// NewClassMap builds a mapping from pattern -> class. fallback is used for
// datasets no pattern matches.
func NewClassMap(mapping map[string]TTLClass, fallback TTLClass) *ClassMap {
	if fallback == "" {
		fallback = ClassMetadata
	}
	m := &ClassMap{fallback: fallback}
	for pattern, class := range mapping {
		pattern = strings.ToUpper(strings.TrimSpace(pattern))
		if pattern == "" || class == "" {
			continue
		}
		m.rules = append(m.rules, classRule{pattern: pattern, class: class})
	}
	// Longest pattern first so exact identifiers beat family prefixes.
	sort.Slice(m.rules, func(i, j int) bool {
		if len(m.rules[i].pattern) != len(m.rules[j].pattern) {
			return len(m.rules[i].pattern) > len(m.rules[j].pattern)
		}
		return m.rules[i].pattern < m.rules[j].pattern
	})
	return m
}

// DefaultClassMap maps the tabular families (XIT, XCT) to metadata and the
// tiled families (XKT, XPT, XGT) to geo layers.
func DefaultClassMap() *ClassMap {
	return NewClassMap(map[string]TTLClass{
		"XIT": ClassMetadata,
		"XCT": ClassMetadata,
		"XKT": ClassGeoLayer,
		"XPT": ClassGeoLayer,
		"XGT": ClassGeoLayer,
	}, ClassMetadata)
}

// ParseClassMap parses "pattern=class,pattern=class" pairs already split into
// a map, as produced by the environment loader.
func ParseClassMap(raw map[string]string, fallback string) (*ClassMap, error) {
	mapping := make(map[string]TTLClass, len(raw))
	for pattern, class := range raw {
		class = strings.TrimSpace(class)
		if class == "" {
			return nil, fmt.Errorf("dataset pattern %q has no ttl class", pattern)
		}
		mapping[pattern] = TTLClass(class)
	}
	return NewClassMap(mapping, TTLClass(strings.TrimSpace(fallback))), nil
}

// Lookup returns the class for a dataset identifier.
func (m *ClassMap) Lookup(dataset string) TTLClass {
	if m == nil {
		return ClassMetadata
	}
	dataset = strings.ToUpper(dataset)
	for _, r := range m.rules {
		if strings.HasPrefix(dataset, r.pattern) {
			return r.class
		}
	}
	return m.fallback
}

// Classes returns every class the map can produce, including the fallback.
func (m *ClassMap) Classes() []TTLClass {
	seen := map[TTLClass]bool{m.fallback: true}
	out := []TTLClass{m.fallback}
	for _, r := range m.rules {
		if !seen[r.class] {
			seen[r.class] = true
			out = append(out, r.class)
		}
	}
	return out
}
