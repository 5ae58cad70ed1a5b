// Package gate decides whether an image belongs to an event: a binary
// relevance check followed by a disaster-type match against the event's
// declared type.
package gate

import (
	"context"
	"math"

	"github.com/rotisserie/eris"

	"github.com/sells-group/imagefilter/internal/model"
)

// RelevanceOracle scores whether a tensor shows a disaster at all.
type RelevanceOracle interface {
	Score(ctx context.Context, t model.Tensor) (offTopic, onTopic float64, err error)
}

// TypeOracle scores a tensor against every disaster type.
type TypeOracle interface {
	Score(ctx context.Context, t model.Tensor) (model.ClassificationVector, error)
}

var (
	// ErrOracle wraps failures returned by either oracle.
	ErrOracle = eris.New("gate: oracle failure")
	// ErrVectorLength is returned when the type oracle's vector does not
	// cover the disaster enumeration exactly.
	ErrVectorLength = eris.New("gate: classification vector length mismatch")
	// ErrPlaceholderRelevant is returned when the placeholder tensor passes
	// the relevance check, which would let unreachable images be accepted.
	ErrPlaceholderRelevant = eris.New("gate: placeholder passes relevance check")
	// ErrScoreRange is returned when a type score is not a probability,
	// beyond float32 rounding.
	ErrScoreRange = eris.New("gate: type score out of range")
)

// ScoreTolerance is how far outside [0,1] a type score may fall and still
// be clamped into range. Softmax outputs in float32 routinely land a few
// ulps above 1.
const ScoreTolerance = 1e-4

// Decision is the gate's verdict for one image.
type Decision struct {
	Accepted   bool
	Confidence float64
	Reason     model.RejectReason

	OffTopic float64
	OnTopic  float64
	Vector   model.ClassificationVector
}

// Gate runs the two-stage classification.
type Gate struct {
	relevance RelevanceOracle
	types     TypeOracle
}

// New creates a Gate.
func New(relevance RelevanceOracle, types TypeOracle) *Gate {
	return &Gate{relevance: relevance, types: types}
}

// Classify accepts t for target when the relevance oracle does not prefer
// off-topic (a tie counts as on-topic) and the target's confidence equals
// the vector maximum (ties that include the target accept). The attached
// confidence is the target's score. Oracle failures and malformed outputs
// are returned as errors; they are never per-image rejections.
func (g *Gate) Classify(ctx context.Context, t model.Tensor, target model.DisasterType) (Decision, error) {
	if !target.Valid() {
		return Decision{}, eris.Wrapf(model.ErrUnknownDisasterType, "target %d", int(target))
	}

	off, on, err := g.relevance.Score(ctx, t)
	if err != nil {
		return Decision{}, eris.Wrapf(ErrOracle, "relevance: %v", err)
	}
	if math.IsNaN(off) || math.IsNaN(on) {
		return Decision{}, eris.Wrap(ErrOracle, "relevance returned NaN")
	}

	d := Decision{OffTopic: off, OnTopic: on}
	if off > on {
		d.Reason = model.RejectOffTopic
		return d, nil
	}

	vec, err := g.types.Score(ctx, t)
	if err != nil {
		return Decision{}, eris.Wrapf(ErrOracle, "type: %v", err)
	}
	if len(vec) != model.NumDisasterTypes {
		return Decision{}, eris.Wrapf(ErrVectorLength, "got %d, want %d", len(vec), model.NumDisasterTypes)
	}
	vec, err = clampScores(vec)
	if err != nil {
		return Decision{}, err
	}
	d.Vector = vec

	score := vec.At(target)
	if score != vec.Max() {
		d.Reason = model.RejectTypeMismatch
		return d, nil
	}

	d.Accepted = true
	d.Confidence = score
	return d, nil
}

// clampScores returns a copy of vec with every score in [0,1]. Scores
// within ScoreTolerance of the range are clamped; anything else, including
// NaN and infinities, is an error.
func clampScores(vec model.ClassificationVector) (model.ClassificationVector, error) {
	out := make(model.ClassificationVector, len(vec))
	for i, v := range vec {
		if math.IsNaN(v) {
			return nil, eris.Wrap(ErrOracle, "type returned NaN")
		}
		if v < -ScoreTolerance || v > 1+ScoreTolerance {
			return nil, eris.Wrapf(ErrScoreRange, "%s scored %v", model.DisasterType(i), v)
		}
		out[i] = math.Min(math.Max(v, 0), 1)
	}
	return out, nil
}

// VerifyPlaceholder checks that the relevance oracle rejects the
// placeholder tensor. Callers refuse to start when it does not.
func VerifyPlaceholder(ctx context.Context, relevance RelevanceOracle, placeholder model.Tensor) error {
	off, on, err := relevance.Score(ctx, placeholder)
	if err != nil {
		return eris.Wrapf(ErrOracle, "relevance on placeholder: %v", err)
	}
	if !(off > on) {
		return eris.Wrapf(ErrPlaceholderRelevant, "off=%.4f on=%.4f", off, on)
	}
	return nil
}
