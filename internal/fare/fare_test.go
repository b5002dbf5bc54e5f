package fare

import (
	"math"
	"testing"

	"github.com/example/trip-dispatch/internal/models"
)

func newTestEstimator() *Estimator {
	return NewEstimator(Rates{Base: 10, PerKm: 5, Minimum: 15})
}

func TestEstimateMinimumClamp(t *testing.T) {
	e := newTestEstimator()
	// pickup == destination: base fare alone is below the minimum
	got := e.Estimate(models.Coord{Lat: -12.37, Lng: 28.43}, models.Coord{Lat: -12.37, Lng: 28.43})
	if got.Fare != 15 {
		t.Fatalf("expected minimum fare 15, got %f", got.Fare)
	}
	if got.DistanceKm != 0 {
		t.Fatalf("expected zero distance, got %f", got.DistanceKm)
	}
}

func TestEstimateBand(t *testing.T) {
	e := newTestEstimator()
	// ~0.01 deg latitude apart, just over a kilometre
	got := e.Estimate(models.Coord{Lat: -12.37, Lng: 28.43}, models.Coord{Lat: -12.38, Lng: 28.43})
	if got.Fare < 15 {
		t.Fatalf("fare below minimum: %f", got.Fare)
	}
	wantLow := math.Round(got.Fare*0.9*100) / 100
	wantHigh := math.Round(got.Fare*1.1*100) / 100
	if got.Low != wantLow || got.High != wantHigh {
		t.Fatalf("band mismatch: low=%f high=%f fare=%f", got.Low, got.High, got.Fare)
	}
	if got.Low >= got.Fare || got.High <= got.Fare {
		t.Fatalf("band does not bracket fare: %f..%f vs %f", got.Low, got.High, got.Fare)
	}
}

func TestEstimateRounding(t *testing.T) {
	e := newTestEstimator()
	got := e.Estimate(models.Coord{Lat: -12.37, Lng: 28.43}, models.Coord{Lat: -12.3456, Lng: 28.4567})
	for name, v := range map[string]float64{"fare": got.Fare, "low": got.Low, "high": got.High, "distance": got.DistanceKm} {
		if math.Round(v*100)/100 != v {
			t.Fatalf("%s not rounded to 2dp: %v", name, v)
		}
	}
}

func TestEstimateTownResolution(t *testing.T) {
	e := newTestEstimator()
	north := e.Estimate(models.Coord{Lat: -12.37, Lng: 28.43}, models.Coord{Lat: -12.38, Lng: 28.43})
	if north.Town != "Chililabombwe" {
		t.Fatalf("expected Chililabombwe north of the split, got %s", north.Town)
	}
	south := e.Estimate(models.Coord{Lat: -12.54, Lng: 28.24}, models.Coord{Lat: -12.55, Lng: 28.24})
	if south.Town != "Mufulira" {
		t.Fatalf("expected Mufulira south of the split, got %s", south.Town)
	}
}

func TestEstimateTownRateOverride(t *testing.T) {
	e := newTestEstimator()
	e.SetTownRates("Mufulira", Rates{Base: 20, PerKm: 8, Minimum: 25})

	got := e.Estimate(models.Coord{Lat: -12.54, Lng: 28.24}, models.Coord{Lat: -12.54, Lng: 28.24})
	if got.BaseFare != 20 || got.PerKmRate != 8 {
		t.Fatalf("override not applied: base=%f perkm=%f", got.BaseFare, got.PerKmRate)
	}
	if got.Fare != 25 {
		t.Fatalf("expected overridden minimum 25, got %f", got.Fare)
	}

	// the default card still applies to the other town
	other := e.Estimate(models.Coord{Lat: -12.37, Lng: 28.43}, models.Coord{Lat: -12.37, Lng: 28.43})
	if other.BaseFare != 10 {
		t.Fatalf("default rates lost: base=%f", other.BaseFare)
	}
}
