package geo

import (
	"math"
	"testing"
)

const eps = 1e-9

func TestDistanceMiles_ZeroAndSymmetric(t *testing.T) {
	points := [][2]float64{
		{51.5, -0.1},
		{53.4808, -2.2426},
		{-33.8688, 151.2093},
		{0, 0},
		{89.9, 179.9},
	}
	for _, a := range points {
		if d := DistanceMiles(a[0], a[1], a[0], a[1]); math.Abs(d) > eps {
			t.Fatalf("d(a,a) = %v for %v", d, a)
		}
		for _, b := range points {
			ab := DistanceMiles(a[0], a[1], b[0], b[1])
			ba := DistanceMiles(b[0], b[1], a[0], a[1])
			if math.Abs(ab-ba) > eps {
				t.Fatalf("asymmetric: d(%v,%v)=%v d(%v,%v)=%v", a, b, ab, b, a, ba)
			}
		}
	}
}

func TestDistanceMiles_KnownPair(t *testing.T) {
	// London to Manchester is roughly 163 miles as the crow flies.
	d := DistanceMiles(51.5074, -0.1278, 53.4808, -2.2426)
	if d < 160 || d > 166 {
		t.Fatalf("London-Manchester = %.1f miles", d)
	}
}

func TestDistanceMiles_AlongMeridian(t *testing.T) {
	for _, miles := range []float64{9.9, 10, 10.5} {
		d := DistanceMiles(51.5, -0.1, 51.5+miles/MilesPerDegreeLatitude, -0.1)
		if math.Abs(d-miles) > 1e-6 {
			t.Fatalf("meridian offset %v gave %v", miles, d)
		}
	}
}
