package geofence

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/geojson"
	"github.com/tidwall/geojson/geometry"
)

var (
	// ErrClosed is returned by a resolver used after Close.
	ErrClosed = errors.New("geofence: resolver closed")
	// ErrEmptyDataset indicates the geofence file holds no geometry.
	ErrEmptyDataset = errors.New("geofence: dataset is empty")
)

// Resolver answers whether satellite communication is allowed inside a token's
// cell. Resolvers hold the whole dataset in memory and are released when idle.
type Resolver interface {
	AllowedAt(token Token) (bool, error)
	Close() error
}

// Factory builds a Resolver from a dataset file. allowedRegion reports whether
// the dataset's regions are where access is allowed (true) or denied (false).
type Factory func(path string, allowedRegion bool) (Resolver, error)

// GeoJSONResolver evaluates tokens against regions loaded from a GeoJSON file.
type GeoJSONResolver struct {
	path          string
	allowedRegion bool
	regions       geojson.Object
}

// OpenGeoJSON loads a GeoJSON dataset. It satisfies Factory.
func OpenGeoJSON(path string, allowedRegion bool) (Resolver, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("geofence: dataset path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read geofence dataset: %w", err)
	}
	obj, err := geojson.Parse(string(data), geojson.DefaultParseOptions)
	if err != nil {
		return nil, fmt.Errorf("parse geofence dataset %s: %w", path, err)
	}
	if obj.Empty() {
		return nil, fmt.Errorf("%w: %s", ErrEmptyDataset, path)
	}
	return &GeoJSONResolver{path: path, allowedRegion: allowedRegion, regions: obj}, nil
}

// AllowedAt implements Resolver.
func (r *GeoJSONResolver) AllowedAt(token Token) (bool, error) {
	if r.regions == nil {
		return false, ErrClosed
	}
	if token == "" {
		return false, fmt.Errorf("geofence: empty token")
	}
	lat, lon := token.Center()
	inside := r.regions.Contains(geojson.NewPoint(geometry.Point{X: lon, Y: lat}))
	return inside == r.allowedRegion, nil
}

// Close releases the dataset.
func (r *GeoJSONResolver) Close() error {
	r.regions = nil
	return nil
}
