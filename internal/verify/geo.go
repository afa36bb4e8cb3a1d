package verify

import (
	"context"
	"math"

	"uniattend/internal/attendance"
)

// EarthRadiusMeters is the mean radius of the spherical earth model.
const EarthRadiusMeters = 6371000.0

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Lat float64
	Lng float64
}

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return EarthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

type geoProof struct {
	Lat      *float64 `json:"lat" validate:"required,latitude"`
	Lng      *float64 `json:"lng" validate:"required,longitude"`
	Accuracy *float64 `json:"accuracy,omitempty" validate:"omitempty,gte=0"`
}

// Geo accepts device coordinates inside the session's geofence.
type Geo struct{}

// NewGeo creates the geo provider.
func NewGeo() *Geo { return &Geo{} }

func (*Geo) Method() attendance.Method { return attendance.MethodGeo }

// Verify compares the device position with the session geofence.
func (*Geo) Verify(_ context.Context, c attendance.Claim) (attendance.Decision, error) {
	var p geoProof
	if err := decodeProof(attendance.MethodGeo, c.Proof, &p); err != nil {
		return attendance.Decision{}, err
	}
	fence := c.Session.Geofence
	distance := Haversine(Point{Lat: *p.Lat, Lng: *p.Lng}, Point{Lat: fence.Lat, Lng: fence.Lng})
	if distance > fence.RadiusMeters {
		return attendance.Reject("too far from class location: %.0fm > %.0fm", distance, fence.RadiusMeters), nil
	}
	data := map[string]any{
		"lat":        *p.Lat,
		"lng":        *p.Lng,
		"distance_m": math.Round(distance*10) / 10,
		"radius_m":   fence.RadiusMeters,
	}
	if p.Accuracy != nil {
		data["accuracy_m"] = *p.Accuracy
	}
	return attendance.Accept(data), nil
}
