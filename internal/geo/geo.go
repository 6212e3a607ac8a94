// Package geo scores a reported device position against the authorized
// perimeter.
package geo

import "math"

const (
	// SpoofAccuracyCeiling is the accuracy above which a reading is treated
	// as fabricated regardless of position.
	SpoofAccuracyCeiling = 10000.0
	// DefaultAccuracyMeters is the per-deployment accuracy threshold.
	DefaultAccuracyMeters = 20.0

	earthRadiusMeters = 6371000.0
)

// Reason explains a verdict.
type Reason string

const (
	ReasonOK                 Reason = "ok"
	ReasonSpoofedAccuracy    Reason = "spoofed_accuracy"
	ReasonAccuracyTooLow     Reason = "accuracy_too_low"
	ReasonOutsidePerimeter   Reason = "outside_perimeter"
	ReasonInvalidCoordinates Reason = "invalid_coordinates"
)

// Perimeter is the authorized area.
type Perimeter struct {
	CenterLat         float64 `json:"center_lat"`
	CenterLon         float64 `json:"center_lon"`
	RadiusMeters      float64 `json:"radius_m"`
	MaxAccuracyMeters float64 `json:"max_accuracy_m"`
}

// Result is the verdict for one reading.
type Result struct {
	Valid          bool    `json:"valid"`
	Reason         Reason  `json:"reason"`
	AccuracyMeters float64 `json:"accuracy_m"`
	DistanceMeters float64 `json:"distance_m,omitempty"`
}

// Validate applies, in order: spoofed accuracy, accuracy threshold, distance.
func Validate(lat, lon, accuracy float64, p Perimeter) Result {
	res := Result{AccuracyMeters: accuracy}

	if accuracy == 0 || accuracy > SpoofAccuracyCeiling || math.IsNaN(accuracy) || accuracy < 0 {
		res.Reason = ReasonSpoofedAccuracy
		return res
	}
	if !validCoordinate(lat, lon) {
		res.Reason = ReasonInvalidCoordinates
		return res
	}

	threshold := p.MaxAccuracyMeters
	if threshold <= 0 {
		threshold = DefaultAccuracyMeters
	}
	if accuracy > threshold {
		res.Reason = ReasonAccuracyTooLow
		return res
	}

	res.DistanceMeters = Haversine(lat, lon, p.CenterLat, p.CenterLon)
	if res.DistanceMeters > p.RadiusMeters {
		res.Reason = ReasonOutsidePerimeter
		return res
	}

	res.Valid = true
	res.Reason = ReasonOK
	return res
}

// Haversine returns the great-circle distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

func validCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
