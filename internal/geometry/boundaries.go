package geometry

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/sirupsen/logrus"
)

// ErrUnknownAuthority is returned when no boundary exists for an authority
var ErrUnknownAuthority = errors.New("unknown local authority")

// nameProperties are the feature properties tried, in order, for the authority name
var nameProperties = []string{"LAD23NM", "LAD22NM", "LAD21NM", "lad_name", "name"}

// Boundary is the outline of one local authority
type Boundary struct {
	Authority string
	Geometry  orb.Geometry
	Bound     orb.Bound
}

// BoundaryIndex answers adjacency questions over local authority outlines
type BoundaryIndex struct {
	boundaries []*Boundary
	byName     map[string]*Boundary
	tolerance  float64
	logger     *logrus.Logger
}

// LoadBoundaries reads a GeoJSON FeatureCollection of authority polygons
func LoadBoundaries(path string, tolerance float64, logger *logrus.Logger) (*BoundaryIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read boundaries: %w", err)
	}
	return ParseBoundaries(data, tolerance, logger)
}

// ParseBoundaries builds an index from GeoJSON. Features without a polygon
// geometry or a name are skipped.
func ParseBoundaries(data []byte, tolerance float64, logger *logrus.Logger) (*BoundaryIndex, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse boundaries: %w", err)
	}

	index := &BoundaryIndex{
		byName:    make(map[string]*Boundary),
		tolerance: tolerance,
		logger:    logger,
	}

	for i, feature := range fc.Features {
		name := featureName(feature)
		switch feature.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			logger.WithField("feature", i).Warn("Skipping boundary without polygon geometry")
			continue
		}
		if name == "" {
			logger.WithField("feature", i).Warn("Skipping boundary without a name")
			continue
		}

		boundary := &Boundary{
			Authority: name,
			Geometry:  feature.Geometry,
			Bound:     feature.Geometry.Bound(),
		}
		index.boundaries = append(index.boundaries, boundary)
		index.byName[strings.ToLower(name)] = boundary
	}

	logger.WithField("boundaries", len(index.boundaries)).Info("Loaded local authority boundaries")
	return index, nil
}

func featureName(feature *geojson.Feature) string {
	for _, key := range nameProperties {
		if name := strings.TrimSpace(feature.Properties.MustString(key, "")); name != "" {
			return name
		}
	}
	return ""
}

// Len returns the number of indexed boundaries
func (idx *BoundaryIndex) Len() int {
	return len(idx.boundaries)
}

// Bordering returns the sorted names of the authorities whose outline
// touches the outline of authority.
func (idx *BoundaryIndex) Bordering(authority string) ([]string, error) {
	target, ok := idx.byName[strings.ToLower(strings.TrimSpace(authority))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAuthority, authority)
	}

	padded := target.Bound.Pad(idx.tolerance)
	var bordering []string
	for _, other := range idx.boundaries {
		if other == target || !padded.Intersects(other.Bound) {
			continue
		}
		if touches(target.Geometry, other.Geometry, idx.tolerance) {
			bordering = append(bordering, other.Authority)
		}
	}

	sort.Strings(bordering)
	return bordering, nil
}

// touches reports whether a vertex of either outline lies within tolerance of the other.
func touches(a, b orb.Geometry, tolerance float64) bool {
	return anyVertexNear(a, b, tolerance) || anyVertexNear(b, a, tolerance)
}

func anyVertexNear(from, to orb.Geometry, tolerance float64) bool {
	for _, ring := range rings(from) {
		for _, p := range ring {
			if planar.DistanceFrom(to, p) <= tolerance {
				return true
			}
		}
	}
	return false
}

func rings(g orb.Geometry) []orb.Ring {
	switch geom := g.(type) {
	case orb.Polygon:
		return geom
	case orb.MultiPolygon:
		var all []orb.Ring
		for _, polygon := range geom {
			all = append(all, polygon...)
		}
		return all
	default:
		return nil
	}
}
