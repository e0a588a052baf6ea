package config

import (
	"context"
	"fmt"
	"strings"
)

// Property-type index columns, in catalogue order. The order is the
// iteration order of a run and therefore the order of its output.
const (
	SemiDetachedIndex = "SemiDetachedIndex"
	DetachedIndex     = "DetachedIndex"
	TerracedIndex     = "TerracedIndex"
	FlatIndex         = "FlatIndex"
)

// Required columns of every external data record.
const (
	DateColumn   = "Date"
	RegionColumn = "RegionName"
)

// PropertyTypes is the property-type catalogue.
var PropertyTypes = []string{SemiDetachedIndex, DetachedIndex, TerracedIndex, FlatIndex}

// FeatureColumns are the economic and mortgage indicators lagged alongside the target.
var FeatureColumns = []string{
	"cpi_rate",
	"cpih_rate",
	"bank_rate",
	"unemployment_rate",
	"population",
	"New dwellings Price",
	"New dwellings average advance",
	"New dwellings average recorded income of borrowers",
	"Other dwellings Price",
	"Other dwellings average advance",
	"Other dwellings average recorded income of borrowers",
	"All dwellings Price",
	"All dwellings average advance",
	"All dwellings average recorded income of borrowers",
	"First time buyers Price",
	"First time buyers average advance",
	"First time buyers average recorded income of borrowers",
	"Former owner occupiers Price",
	"Former owner occupiers average advance",
	"Former owner occupiers average recorded income of borrowers",
}

// authorityFallbacks maps authorities without a usable HPI series to a neighbour that has one.
var authorityFallbacks = map[string]string{
	"westminster":    "Camden",
	"city of london": "Camden",
}

// AuthoritySource lists the authorities present in the external data
type AuthoritySource interface {
	ListAuthorities(ctx context.Context) ([]string, error)
}

// NormalizeAuthority trims and collapses whitespace and applies the HPI fallbacks.
func NormalizeAuthority(name string) string {
	normalized := strings.Join(strings.Fields(name), " ")
	if fallback, ok := authorityFallbacks[strings.ToLower(normalized)]; ok {
		return fallback
	}
	return normalized
}

// KnownAuthorities returns the distinct authority names of the source in first-seen order
func KnownAuthorities(ctx context.Context, src AuthoritySource) ([]string, error) {
	names, err := src.ListAuthorities(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list authorities: %w", err)
	}

	seen := make(map[string]bool)
	authorities := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.Join(strings.Fields(name), " ")
		key := strings.ToLower(name)
		if name == "" || seen[key] {
			continue
		}
		seen[key] = true
		authorities = append(authorities, name)
	}
	return authorities, nil
}

// PropertyTypeColumn maps a short property type (Terraced, Detached, SemiDetached, Flat)
// to its index column.
func PropertyTypeColumn(propertyType string) (string, error) {
	switch propertyType {
	case "Terraced", "Detached", "SemiDetached", "Flat":
		return propertyType + "Index", nil
	default:
		return "", fmt.Errorf("property_type must be one of Terraced, Detached, SemiDetached, Flat, got %q", propertyType)
	}
}

// IsPropertyType reports whether column is one of the index columns.
func IsPropertyType(column string) bool {
	for _, pt := range PropertyTypes {
		if pt == column {
			return true
		}
	}
	return false
}

// InputColumns returns the property-type columns followed by the feature columns.
func InputColumns() []string {
	columns := make([]string, 0, len(PropertyTypes)+len(FeatureColumns))
	columns = append(columns, PropertyTypes...)
	return append(columns, FeatureColumns...)
}
