package model

import (
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
)

// DisasterType is the closed taxonomy the type oracle scores against.
// The numeric value is the index into a ClassificationVector.
type DisasterType int

const (
	DisasterCyclone DisasterType = iota
	DisasterEarthquake
	DisasterFlood
	DisasterVolcano
	DisasterWildfire
)

// NumDisasterTypes is the length of every ClassificationVector.
const NumDisasterTypes = 5

// ErrUnknownDisasterType is returned when an event declares a type outside
// the taxonomy.
var ErrUnknownDisasterType = eris.New("unknown disaster type")

var disasterNames = [NumDisasterTypes]string{
	DisasterCyclone:    "cyclone",
	DisasterEarthquake: "earthquake",
	DisasterFlood:      "flood",
	DisasterVolcano:    "volcano",
	DisasterWildfire:   "wildfire",
}

var disasterByName = map[string]DisasterType{
	"cyclone":    DisasterCyclone,
	"earthquake": DisasterEarthquake,
	"flood":      DisasterFlood,
	"volcano":    DisasterVolcano,
	"wildfire":   DisasterWildfire,
}

// ParseDisasterType maps a declared type string to the enumeration.
// Matching is case-insensitive and ignores surrounding whitespace.
func ParseDisasterType(s string) (DisasterType, error) {
	key := cases.Fold().String(strings.TrimSpace(s))
	if t, ok := disasterByName[key]; ok {
		return t, nil
	}
	return 0, eris.Wrapf(ErrUnknownDisasterType, "%q", s)
}

// AllDisasterTypes returns the taxonomy in vector order.
func AllDisasterTypes() []DisasterType {
	out := make([]DisasterType, NumDisasterTypes)
	for i := range out {
		out[i] = DisasterType(i)
	}
	return out
}

// Index returns the position of t in a ClassificationVector.
func (t DisasterType) Index() int { return int(t) }

// Valid reports whether t is part of the taxonomy.
func (t DisasterType) Valid() bool { return t >= 0 && int(t) < NumDisasterTypes }

func (t DisasterType) String() string {
	if !t.Valid() {
		return "unknown"
	}
	return disasterNames[t]
}

// MarshalText encodes the type by name.
func (t DisasterType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, eris.Wrapf(ErrUnknownDisasterType, "index %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText decodes the type by name.
func (t *DisasterType) UnmarshalText(b []byte) error {
	v, err := ParseDisasterType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ClassificationVector holds per-class confidences aligned to DisasterType.
type ClassificationVector []float64

// Max returns the highest confidence in the vector.
func (v ClassificationVector) Max() float64 {
	if len(v) == 0 {
		return 0
	}
	m := v[0]
	for _, c := range v[1:] {
		if c > m {
			m = c
		}
	}
	return m
}

// At returns the confidence for t.
func (v ClassificationVector) At(t DisasterType) float64 {
	return v[t.Index()]
}
