// Package datum holds the vertical datum definitions and the Resolver that
// turns a pair of endpoint specs into an ordered chain of TransformSteps.
package datum

import (
	"fmt"
	"log/slog"

	"vshift/internal/types"
)

// edges is the fixed class graph. Tidal surfaces reach the ellipsoid through
// the regional tidal model; orthometric surfaces through a geoid.
var edges = map[Class][]Class{
	ClassTidal:       {ClassEllipsoidal},
	ClassEllipsoidal: {ClassTidal, ClassOrthometric},
	ClassOrthometric: {ClassEllipsoidal},
}

// Resolver plans transformation chains. It performs no I/O.
type Resolver struct {
	logger *slog.Logger
}

// NewResolver creates a Resolver. A nil logger uses slog.Default().
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger}
}

// ResolveStrings parses both endpoint specs and resolves the chain.
func (r *Resolver) ResolveStrings(in, out string) (Spec, Spec, []TransformStep, error) {
	specIn, err := ParseSpec(in)
	if err != nil {
		return Spec{}, Spec{}, nil, err
	}
	specOut, err := ParseSpec(out)
	if err != nil {
		return Spec{}, Spec{}, nil, err
	}
	steps, err := r.Resolve(specIn, specOut)
	return specIn, specOut, steps, err
}

// Resolve returns the ordered steps converting heights on in to heights on
// out. Geometric steps come first; an EPOCH step, when needed, is always last.
// Identical endpoints yield an empty chain.
func (r *Resolver) Resolve(in, out Spec) ([]TransformStep, error) {
	if in.Same(out) {
		return nil, nil
	}

	for _, s := range []Spec{in, out} {
		if s.Datum.Class == ClassHydraulic {
			return nil, types.NewNoPathError(in.String(), out.String(),
				fmt.Sprintf("%s has no transformation model", s.Datum.Name))
		}
		if s.Datum.Class == ClassOrthometric && s.EffectiveGeoid() == "" {
			return nil, types.NewNoPathError(in.String(), out.String(),
				fmt.Sprintf("no geoid available for %s", s.Datum.Name))
		}
	}

	path := classPath(in, out)
	if path == nil {
		return nil, types.NewNoPathError(in.String(), out.String(), "classes are not connected")
	}

	hubGeoid := tidalHubGeoid(in, out)
	var steps []TransformStep
	for i := 0; i+1 < len(path); i++ {
		from, to := path[i], path[i+1]
		switch {
		case from == ClassTidal && to == ClassEllipsoidal:
			steps = append(steps, tidalStep(in, hubGeoid))
		case from == ClassEllipsoidal && to == ClassTidal:
			steps = append(steps, tidalStep(out, hubGeoid).Inverse())
		case from == ClassOrthometric && to == ClassEllipsoidal:
			steps = append(steps, geoidStep(in))
		case from == ClassEllipsoidal && to == ClassOrthometric:
			steps = append(steps, geoidStep(out).Inverse())
		default:
			return nil, types.NewNoPathError(in.String(), out.String(),
				fmt.Sprintf("no model for %s to %s", from, to))
		}
	}

	if step, ok := epochStep(in, out); ok {
		steps = append(steps, step)
	}

	r.logger.Debug("resolved datum chain",
		"from", in.String(),
		"to", out.String(),
		"steps", len(steps),
		"chain", Describe(steps),
	)
	return steps, nil
}

// classPath finds the shortest class path. Two different surfaces of the same
// non-ellipsoidal class are connected through the ellipsoid.
func classPath(in, out Spec) []Class {
	a, b := in.Datum.Class, out.Datum.Class
	if a == b {
		if a == ClassEllipsoidal {
			return []Class{a}
		}
		return []Class{a, ClassEllipsoidal, b}
	}
	return shortestPath(a, b)
}

// shortestPath runs a breadth-first search over the class graph.
func shortestPath(from, to Class) []Class {
	prev := map[Class]Class{from: from}
	queue := []Class{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			path := []Class{to}
			for c := to; c != from; {
				c = prev[c]
				path = append([]Class{c}, path...)
			}
			return path
		}
		for _, next := range edges[cur] {
			if _, seen := prev[next]; !seen {
				prev[next] = cur
				queue = append(queue, next)
			}
		}
	}
	return nil
}

// tidalHubGeoid picks the geoid that ties tidal models to the ellipsoid: an
// explicit geoid on a tidal endpoint, else the orthometric endpoint's geoid,
// else the default.
func tidalHubGeoid(in, out Spec) string {
	for _, s := range []Spec{in, out} {
		if s.Datum.Class == ClassTidal && s.Geoid != "" {
			return s.Geoid
		}
	}
	for _, s := range []Spec{in, out} {
		if s.Datum.Class == ClassOrthometric {
			return s.EffectiveGeoid()
		}
	}
	return DefaultHubGeoid
}

func hubSpec(epoch float64) Spec {
	return Spec{Datum: datums[HubEPSG], Epoch: &epoch}
}

// tidalStep converts heights on a tidal surface to the hub ellipsoid:
// tidal separation, then sea surface topography, then the hub geoid.
func tidalStep(s Spec, geoid string) TransformStep {
	var terms []Term
	if s.Datum.Dataset != "" {
		terms = append(terms, Term{Dataset: s.Datum.Dataset, Factor: 1})
	}
	terms = append(terms,
		Term{Dataset: types.DatasetTSS, Factor: 1},
		Term{Dataset: geoid, Factor: 1},
	)
	epoch := s.EffectiveEpoch()
	return TransformStep{
		Kind:      KindTidal,
		From:      s,
		To:        hubSpec(epoch),
		Terms:     terms,
		Geoid:     geoid,
		EpochFrom: epoch,
		EpochTo:   epoch,
	}
}

// geoidStep converts orthometric heights to ellipsoidal heights (h = H + N).
func geoidStep(s Spec) TransformStep {
	geoid := s.EffectiveGeoid()
	epoch := s.EffectiveEpoch()
	frame := s.Frame()
	return TransformStep{
		Kind:      KindGeoid,
		From:      s,
		To:        Spec{Datum: frame, Epoch: &epoch},
		Terms:     []Term{{Dataset: geoid, Factor: 1}},
		Geoid:     geoid,
		EpochFrom: epoch,
		EpochTo:   epoch,
	}
}

// epochStep builds the crustal-motion step between the two endpoint frames
// and epochs, if they differ.
func epochStep(in, out Spec) (TransformStep, bool) {
	frameIn, frameOut := in.Frame(), out.Frame()
	epochIn, epochOut := in.EffectiveEpoch(), out.EffectiveEpoch()

	var terms []Term
	if frameIn.FrameID != frameOut.FrameID {
		lo, hi := frameIn.FrameID, frameOut.FrameID
		factor := 1.0
		if lo > hi {
			lo, hi = hi, lo
			factor = -1
		}
		terms = append(terms, Term{
			Dataset: fmt.Sprintf("%s%d_%d", types.DatasetFramePrefix, lo, hi),
			Factor:  factor,
		})
	}
	if epochIn != epochOut {
		terms = append(terms, Term{Dataset: types.DatasetVerticalVelocity, Factor: epochOut - epochIn})
	}
	if len(terms) == 0 {
		return TransformStep{}, false
	}

	return TransformStep{
		Kind:      KindEpoch,
		From:      Spec{Datum: frameIn, Epoch: &epochIn},
		To:        Spec{Datum: frameOut, Epoch: &epochOut},
		Terms:     terms,
		EpochFrom: epochIn,
		EpochTo:   epochOut,
	}, true
}
