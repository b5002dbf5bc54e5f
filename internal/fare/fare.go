package fare

import (
	"math"

	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
)

// Estimate is the quoted price band for a trip. Passengers see the low/high
// range; the high end doubles as the default final fare on completion.
type Estimate struct {
	DistanceKm float64 `json:"distance_km"`
	BaseFare   float64 `json:"base_fare"`
	PerKmRate  float64 `json:"per_km_rate"`
	Fare       float64 `json:"estimated_fare"`
	Low        float64 `json:"estimated_fare_low"`
	High       float64 `json:"estimated_fare_high"`
	Town       string  `json:"town"`
}

type Rates struct {
	Base    float64
	PerKm   float64
	Minimum float64
}

type Estimator struct {
	defaults Rates
	byTown   map[string]Rates
}

func NewEstimator(defaults Rates) *Estimator {
	return &Estimator{defaults: defaults, byTown: make(map[string]Rates)}
}

// SetTownRates overrides the default rate card for one town.
func (e *Estimator) SetTownRates(town string, r Rates) { e.byTown[town] = r }

func (e *Estimator) Estimate(pickup, dest models.Coord) Estimate {
	dist := geo.HaversineKm(pickup.Lat, pickup.Lng, dest.Lat, dest.Lng)
	town := resolveTown(pickup.Lat)

	rates, ok := e.byTown[town]
	if !ok {
		rates = e.defaults
	}

	fare := rates.Base + dist*rates.PerKm
	if fare < rates.Minimum {
		fare = rates.Minimum
	}
	fare = round2(fare)

	return Estimate{
		DistanceKm: round2(dist),
		BaseFare:   rates.Base,
		PerKmRate:  rates.PerKm,
		Fare:       fare,
		Low:        round2(fare * 0.9),
		High:       round2(fare * 1.1),
		Town:       town,
	}
}

// resolveTown picks the rate card by latitude: Chililabombwe sits north of
// Mufulira, the split falls at -12.45.
func resolveTown(lat float64) string {
	if lat > -12.45 {
		return "Chililabombwe"
	}
	return "Mufulira"
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
