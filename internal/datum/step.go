package datum

import (
	"fmt"
	"strings"
)

// Kind tags the physical model a TransformStep uses.
type Kind string

const (
	KindTidal Kind = "TIDAL"
	KindGeoid Kind = "GEOID"
	KindEpoch Kind = "EPOCH"
)

// Term is one signed source layer of a step. The step's shift at a cell is
// the sum of Factor times the mosaicked Dataset value.
type Term struct {
	Dataset string  `json:"dataset"`
	Factor  float64 `json:"factor"`
}

// TransformStep is one atomic conversion of a chain.
type TransformStep struct {
	Kind  Kind   `json:"kind"`
	From  Spec   `json:"from"`
	To    Spec   `json:"to"`
	Terms []Term `json:"terms"`

	Geoid     string  `json:"geoid,omitempty"`
	EpochFrom float64 `json:"epoch_from,omitempty"`
	EpochTo   float64 `json:"epoch_to,omitempty"`
}

// Datasets lists the datasets the step reads, in term order.
func (s TransformStep) Datasets() []string {
	out := make([]string, len(s.Terms))
	for i, t := range s.Terms {
		out[i] = t.Dataset
	}
	return out
}

// Inverse returns the step that undoes s.
func (s TransformStep) Inverse() TransformStep {
	inv := s
	inv.From, inv.To = s.To, s.From
	inv.EpochFrom, inv.EpochTo = s.EpochTo, s.EpochFrom
	inv.Terms = make([]Term, len(s.Terms))
	for i, t := range s.Terms {
		inv.Terms[i] = Term{Dataset: t.Dataset, Factor: -t.Factor}
	}
	return inv
}

func (s TransformStep) String() string {
	parts := make([]string, len(s.Terms))
	for i, t := range s.Terms {
		parts[i] = fmt.Sprintf("%+g*%s", t.Factor, t.Dataset)
	}
	return fmt.Sprintf("%s %s->%s [%s]", s.Kind, s.From, s.To, strings.Join(parts, " "))
}

// Describe renders a chain on one line for logs and CLI output.
func Describe(steps []TransformStep) string {
	if len(steps) == 0 {
		return "identity"
	}
	parts := make([]string, len(steps))
	for i, s := range steps {
		parts[i] = s.String()
	}
	return strings.Join(parts, " | ")
}
