package protocol

import (
	"gonum.org/v1/gonum/stat/distuv"
)

// Early-exercise hazard by days to expiry, calibrated so the probability mass
// concentrates inside the final week.
const (
	assignmentMu    = 5.0
	assignmentSigma = 2.0
)

// AssignmentProbability estimates the chance a short option is exercised
// early, from the intrinsic/time-value decomposition of its mark. Deep ITM
// legs with little time value remaining and few days to expiry score highest.
func AssignmentProbability(intrinsic, timeValue float64, dte int) float64 {
	if intrinsic <= 0 {
		return 0
	}
	if timeValue < 0 {
		timeValue = 0
	}

	intrinsicShare := intrinsic / (intrinsic + timeValue)

	hazard := distuv.Normal{Mu: assignmentMu, Sigma: assignmentSigma}
	nearExpiry := 1 - hazard.CDF(float64(dte))

	return intrinsicShare * nearExpiry
}
