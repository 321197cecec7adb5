package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAssignmentProbability_NoIntrinsicMeansNoRisk(t *testing.T) {
	assert.Zero(t, AssignmentProbability(0, 0.5, 1))
	assert.Zero(t, AssignmentProbability(-2, 0.5, 1))
}

func TestAssignmentProbability_DeepITMNearExpiry(t *testing.T) {
	// Almost pure intrinsic two days out: early exercise is nearly certain.
	p := AssignmentProbability(10, 0.5, 2)
	assert.Greater(t, p, 0.80)
}

func TestAssignmentProbability_TimeValueProtects(t *testing.T) {
	// The same intrinsic with substantial time value left is much safer.
	rich := AssignmentProbability(10, 0.5, 2)
	cushioned := AssignmentProbability(10, 8, 2)
	assert.Less(t, cushioned, rich)
	assert.Less(t, cushioned, 0.60)
}

func TestAssignmentProbability_DecaysWithDTE(t *testing.T) {
	prev := 1.1
	for _, dte := range []int{0, 2, 5, 10, 30} {
		p := AssignmentProbability(10, 0.5, dte)
		assert.Less(t, p, prev, "probability must fall as expiry recedes (dte=%d)", dte)
		prev = p
	}
	assert.Less(t, AssignmentProbability(10, 0.5, 30), 0.01)
}

func TestAssignmentProbability_NegativeTimeValueClamped(t *testing.T) {
	// Marks below intrinsic happen on wide spreads; treat as zero time value.
	assert.InDelta(t,
		AssignmentProbability(10, 0, 1),
		AssignmentProbability(10, -0.3, 1), 1e-12)
}
