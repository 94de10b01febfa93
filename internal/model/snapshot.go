package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"github.com/twpayne/go-geom/encoding/wkt"
)

// SRID is the spatial reference used for snapshot locations (WGS 84).
const SRID = 4326

// Snapshot is the immutable location/time context a strategy is built for.
type Snapshot struct {
	ID               string          `json:"id"`
	Lat              float64         `json:"lat"`
	Lng              float64         `json:"lng"`
	FormattedAddress string          `json:"formatted_address"`
	City             string          `json:"city,omitempty"`
	State            string          `json:"state,omitempty"`
	LocalTime        time.Time       `json:"local_time"`
	Timezone         string          `json:"timezone"`
	DayOfWeek        string          `json:"day_of_week"`
	DayPart          string          `json:"day_part,omitempty"`
	Weather          json.RawMessage `json:"weather,omitempty"`
	AirportContext   json.RawMessage `json:"airport_context,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Validate checks the fields a snapshot must carry before it is stored.
func (s *Snapshot) Validate() error {
	var problems []string
	if s.Lat < -90 || s.Lat > 90 {
		problems = append(problems, "lat must be between -90 and 90")
	}
	if s.Lng < -180 || s.Lng > 180 {
		problems = append(problems, "lng must be between -180 and 180")
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			problems = append(problems, fmt.Sprintf("unknown timezone %q", s.Timezone))
		}
	}
	if len(s.Weather) > 0 && !json.Valid(s.Weather) {
		problems = append(problems, "weather must be valid JSON")
	}
	if len(s.AirportContext) > 0 && !json.Valid(s.AirportContext) {
		problems = append(problems, "airport_context must be valid JSON")
	}
	if len(problems) > 0 {
		return eris.Errorf("model: invalid snapshot: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Normalize fills derived fields (day of week, day part) from LocalTime and
// Timezone when the caller left them blank.
func (s *Snapshot) Normalize() {
	if s.LocalTime.IsZero() {
		return
	}
	t := s.LocalTime
	if s.Timezone != "" {
		if loc, err := time.LoadLocation(s.Timezone); err == nil {
			t = t.In(loc)
		}
	}
	if s.DayOfWeek == "" {
		s.DayOfWeek = t.Weekday().String()
	}
	if s.DayPart == "" {
		s.DayPart = DayPart(t.Hour())
	}
}

// DayPart buckets an hour of day.
func DayPart(hour int) string {
	switch {
	case hour < 5:
		return "overnight"
	case hour < 12:
		return "morning"
	case hour < 17:
		return "afternoon"
	case hour < 21:
		return "evening"
	default:
		return "late_evening"
	}
}

// Clone returns a copy of s under a new id, for retried requests.
func (s *Snapshot) Clone(id string) *Snapshot {
	c := *s
	c.ID = id
	c.CreatedAt = time.Time{}
	c.Weather = append(json.RawMessage(nil), s.Weather...)
	c.AirportContext = append(json.RawMessage(nil), s.AirportContext...)
	return &c
}

// Point returns the snapshot location as a point with SRID 4326.
func (s *Snapshot) Point() *geom.Point {
	return geom.NewPointFlat(geom.XY, []float64{s.Lng, s.Lat}).SetSRID(SRID)
}

// EncodeLocation returns the snapshot location as little-endian EWKB.
func (s *Snapshot) EncodeLocation() ([]byte, error) {
	data, err := ewkb.Marshal(s.Point(), ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "model: encode location")
	}
	return data, nil
}

// DecodeLocation sets Lat/Lng from an EWKB point.
func (s *Snapshot) DecodeLocation(data []byte) error {
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return eris.Wrap(err, "model: decode location")
	}
	pt, ok := g.(*geom.Point)
	if !ok {
		return eris.Errorf("model: location is %T, want point", g)
	}
	s.Lng, s.Lat = pt.X(), pt.Y()
	return nil
}

// LocationWKT renders the location as WKT for prompts.
func (s *Snapshot) LocationWKT() string {
	out, err := wkt.Marshal(s.Point())
	if err != nil {
		return fmt.Sprintf("POINT (%f %f)", s.Lng, s.Lat)
	}
	return out
}
