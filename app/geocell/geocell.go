// Package geocell maps a position to a coarse rectangular grid cell.
//
// Only the cell identifier leaves this package; raw coordinates are never
// stored or transmitted past Encode.
package geocell

import (
	"fmt"
	"math"
)

// MetersPerDegreeLat is the fixed length of one degree of latitude.
const MetersPerDegreeLat = 111320.0

// minCosLat keeps the longitude step finite near the poles.
const minCosLat = 0.01

// Bands lists the supported cell widths in meters, finest first.
var Bands = []int{50, 100, 200, 500}

// DefaultBand is used when a caller has never chosen a band.
const DefaultBand = 100

// ValidBand reports whether band is one of the supported widths.
func ValidBand(band int) bool {
	for _, b := range Bands {
		if b == band {
			return true
		}
	}
	return false
}

// ValidateCoordinates rejects positions outside the WGS84 ranges.
func ValidateCoordinates(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || lat < -90 || lat > 90 {
		return fmt.Errorf("latitude %v out of range", lat)
	}
	if math.IsNaN(lng) || math.IsInf(lng, 0) || lng < -180 || lng > 180 {
		return fmt.Errorf("longitude %v out of range", lng)
	}
	return nil
}

// Encode returns the cell id for a position at the given band width.
// Indices are rounded, so cells are centered on multiples of the step.
// The band is part of the id so cells of different bands never collide.
func Encode(lat, lng float64, bandMeters int) string {
	latIndex, lngIndex := Indices(lat, lng, bandMeters)
	return fmt.Sprintf("%d:%d:%d", bandMeters, latIndex, lngIndex)
}

// Indices returns the grid indices Encode uses.
func Indices(lat, lng float64, bandMeters int) (int64, int64) {
	band := float64(bandMeters)
	latStep := band / MetersPerDegreeLat
	cosLat := math.Max(math.Cos(lat*math.Pi/180), minCosLat)
	lngStep := band / (MetersPerDegreeLat * cosLat)
	return int64(math.Round(lat / latStep)), int64(math.Round(lng / lngStep))
}
