package datum

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"vshift/internal/types"
)

// Spec is a resolved transformation endpoint: a datum plus an optional geoid
// and an optional epoch.
type Spec struct {
	Datum Datum    `json:"datum"`
	Geoid string   `json:"geoid,omitempty"`
	Epoch *float64 `json:"epoch,omitempty"`
}

// ParseSpec parses "<code>[:<modifier>]". The code is an EPSG number or a
// known datum name; the modifier is a decimal-year epoch or a known geoid.
// Anything else is rejected.
func ParseSpec(s string) (Spec, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Spec{}, types.NewUnsupportedDatumError(s, fmt.Errorf("empty datum"))
	}

	codePart, modifier, hasModifier := strings.Cut(raw, ":")
	if hasModifier && (modifier == "" || strings.Contains(modifier, ":")) {
		return Spec{}, types.NewUnsupportedDatumError(s, fmt.Errorf("malformed modifier"))
	}

	d, err := parseCode(codePart)
	if err != nil {
		return Spec{}, types.NewUnsupportedDatumError(s, err)
	}

	spec := Spec{Datum: d}
	if !hasModifier {
		return spec, nil
	}

	if epoch, ok := parseEpoch(modifier); ok {
		if epoch < types.MinEpoch || epoch > types.MaxEpoch {
			return Spec{}, types.NewUnsupportedDatumError(s,
				fmt.Errorf("epoch %g outside [%g, %g]", epoch, types.MinEpoch, types.MaxEpoch))
		}
		spec.Epoch = &epoch
		return spec, nil
	}

	g, ok := LookupGeoid(strings.TrimPrefix(modifier, "geoid="))
	if !ok {
		return Spec{}, types.NewUnsupportedDatumError(s, fmt.Errorf("unknown geoid %q", modifier))
	}
	if d.Class == ClassEllipsoidal || d.Class == ClassHydraulic {
		return Spec{}, types.NewUnsupportedDatumError(s,
			fmt.Errorf("a geoid modifier is not valid on a %s datum", d.Class))
	}
	spec.Geoid = g.Name
	return spec, nil
}

func parseCode(code string) (Datum, error) {
	code = strings.TrimSpace(code)
	if n, err := strconv.Atoi(code); err == nil {
		d, ok := Lookup(n)
		if !ok {
			return Datum{}, fmt.Errorf("unknown EPSG code %d", n)
		}
		return d, nil
	}
	d, ok := LookupName(code)
	if !ok {
		return Datum{}, fmt.Errorf("unknown datum %q", code)
	}
	return d, nil
}

// parseEpoch accepts a decimal year such as "2010" or "2010.5". NaN and
// infinities are not epochs.
func parseEpoch(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// WithEpoch returns a copy of the spec with the epoch replaced.
func (s Spec) WithEpoch(epoch float64) Spec {
	s.Epoch = &epoch
	return s
}

// EffectiveEpoch is the explicit epoch, else the frame epoch of an
// ellipsoidal datum, else DefaultEpoch.
func (s Spec) EffectiveEpoch() float64 {
	if s.Epoch != nil {
		return *s.Epoch
	}
	if s.Datum.Class == ClassEllipsoidal && s.Datum.FrameEpoch != 0 {
		return s.Datum.FrameEpoch
	}
	return DefaultEpoch
}

// EffectiveGeoid is the explicit geoid, else the datum's default geoid.
func (s Spec) EffectiveGeoid() string {
	if s.Geoid != "" {
		return s.Geoid
	}
	return s.Datum.DefaultGeoid
}

// Frame returns the ellipsoidal frame the endpoint is tied to.
func (s Spec) Frame() Datum {
	switch s.Datum.Class {
	case ClassEllipsoidal:
		return s.Datum
	case ClassOrthometric:
		if d, ok := Lookup(s.Datum.Ellipsoid); ok {
			return d
		}
	}
	return datums[HubEPSG]
}

// Same reports whether two specs name the same surface, geoid and epoch.
// Tidal codes sharing a dataset are one surface whatever the geoid, since
// both ends of a tidal round trip are tied to the ellipsoid by one geoid.
func (s Spec) Same(o Spec) bool {
	if s.Datum.Class == ClassTidal && o.Datum.Class == ClassTidal {
		return s.Datum.Dataset != "" &&
			s.Datum.Dataset == o.Datum.Dataset &&
			s.EffectiveEpoch() == o.EffectiveEpoch()
	}
	return s.Datum.EPSG == o.Datum.EPSG &&
		s.Datum.Name == o.Datum.Name &&
		s.EffectiveGeoid() == o.EffectiveGeoid() &&
		s.EffectiveEpoch() == o.EffectiveEpoch()
}

// String renders the spec in the same grammar ParseSpec accepts.
func (s Spec) String() string {
	out := strconv.Itoa(s.Datum.EPSG)
	switch {
	case s.Geoid != "":
		out += ":" + s.Geoid
	case s.Epoch != nil:
		out += ":" + strconv.FormatFloat(*s.Epoch, 'f', -1, 64)
	}
	return out
}
