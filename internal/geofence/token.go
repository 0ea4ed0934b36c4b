// Package geofence holds the on-device geofence lookup: location tokens, the
// token → answer cache and resolvers backed by an offline region dataset.
package geofence

import (
	geohash "github.com/TomiHiltunen/geohash-golang"
)

const (
	// DefaultPrecision is the geohash length used for tokens, a cell of
	// roughly 1.2km x 0.6km.
	DefaultPrecision = 6
	maxPrecision     = 12
)

// Token is a reduced-precision encoding of a coordinate. Coordinates that fall
// in the same cell share a token and are answered identically.
type Token string

// NewToken quantises (lat, lon) to a token of the given precision. Out of range
// precisions fall back to DefaultPrecision.
func NewToken(lat, lon float64, precision int) Token {
	if precision <= 0 || precision > maxPrecision {
		precision = DefaultPrecision
	}
	return Token(geohash.EncodeWithPrecision(lat, lon, precision))
}

// Center returns the coordinate at the middle of the token's cell. Resolvers
// evaluate this point so every coordinate of the cell gets the same answer.
func (t Token) Center() (lat, lon float64) {
	c := geohash.Decode(string(t)).Center()
	return c.Lat(), c.Lng()
}

func (t Token) String() string { return string(t) }
