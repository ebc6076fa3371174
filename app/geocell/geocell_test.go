package geocell

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeIsDeterministic(t *testing.T) {
	for _, band := range Bands {
		first := Encode(37.7749, -122.4194, band)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, Encode(37.7749, -122.4194, band))
		}
	}
}

func TestEncodeNearbyPointsShareCell(t *testing.T) {
	a := Encode(37.7749, -122.4194, 500)
	b := Encode(37.7750, -122.4195, 500)
	assert.Equal(t, "500:8410:-21543", a)
	assert.Equal(t, a, b)
}

func TestEncodeWithinHalfCell(t *testing.T) {
	// Points at the center of a cell stay in it when nudged by less than half a step.
	const band = 200
	latStep := float64(band) / MetersPerDegreeLat
	center := 1000 * latStep
	base := Encode(center, 0, band)
	assert.Equal(t, base, Encode(center+0.4*latStep, 0, band))
	assert.Equal(t, base, Encode(center-0.4*latStep, 0, band))
	assert.NotEqual(t, base, Encode(center+1.2*latStep, 0, band))
}

func TestEncodeSeparatesBands(t *testing.T) {
	seen := map[string]int{}
	for _, band := range Bands {
		id := Encode(0, 0, band)
		_, dup := seen[id]
		require.False(t, dup, "band %d collides", band)
		seen[id] = band
	}
}

func TestEncodeNearPoles(t *testing.T) {
	assert.NotPanics(t, func() {
		assert.Equal(t, "100:100188:111", Encode(90, 10, 100))
		Encode(-90, -180, 50)
	})
}

func TestValidateCoordinates(t *testing.T) {
	tests := []struct {
		name     string
		lat, lng float64
		wantErr  bool
	}{
		{"origin", 0, 0, false},
		{"san francisco", 37.7749, -122.4194, false},
		{"north pole", 90, 0, false},
		{"lat too high", 90.1, 0, true},
		{"lat too low", -91, 0, true},
		{"lng too high", 0, 180.5, true},
		{"lng too low", 0, -181, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCoordinates(tt.lat, tt.lng)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidBand(t *testing.T) {
	assert.True(t, ValidBand(50))
	assert.True(t, ValidBand(500))
	assert.False(t, ValidBand(0))
	assert.False(t, ValidBand(250))
}
