package fare

import (
	"fmt"
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// Config holds the pricing knobs. Amounts are integer currency units.
type Config struct {
	BaseFare  int64
	PerKmRate int64
}

// Estimate computes the ride price from pickup and destination.
// Pure and deterministic: same inputs, same price; distance is
// symmetric so Estimate(A,B) == Estimate(B,A).
func (c Config) Estimate(pickup, destination models.Coord) (int64, error) {
	if err := validateCoord(pickup); err != nil {
		return 0, fmt.Errorf("pickup: %w", err)
	}
	if err := validateCoord(destination); err != nil {
		return 0, fmt.Errorf("destination: %w", err)
	}
	km := HaversineKm(pickup.Lat, pickup.Lng, destination.Lat, destination.Lng)
	return int64(math.Round(float64(c.BaseFare) + float64(c.PerKmRate)*km)), nil
}

func validateCoord(c models.Coord) error {
	if math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) || math.IsNaN(c.Lng) || math.IsInf(c.Lng, 0) {
		return fmt.Errorf("%w: coordinate is not a finite number", models.ErrValidation)
	}
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: latitude %.4f out of range", models.ErrValidation, c.Lat)
	}
	if c.Lng < -180 || c.Lng > 180 {
		return fmt.Errorf("%w: longitude %.4f out of range", models.ErrValidation, c.Lng)
	}
	return nil
}

// HaversineKm is the great-circle distance in kilometers.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
