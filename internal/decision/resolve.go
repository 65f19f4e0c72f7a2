// Package decision applies classified replies to the ledger: it decides
// the target status and performs the archival side effect for approvals.
package decision

import (
	"fmt"
	"strings"

	"invoice-approval/internal/model"
)

// DefaultThreshold is the confidence an approval must exceed to archive.
const DefaultThreshold = 0.8

// Policy parameterizes Resolve.
type Policy struct {
	// Threshold is exclusive: confidence must be strictly greater.
	Threshold float64
	// LowConfidence is the status for approvals at or below Threshold.
	LowConfidence model.Status
}

func DefaultPolicy() Policy {
	return Policy{Threshold: DefaultThreshold, LowConfidence: model.StatusNeedsModifications}
}

// ParseLowConfidence accepts needs_modifications or rejected; archiving
// on a doubtful approval is never an option.
func ParseLowConfidence(s string) (model.Status, error) {
	switch st := model.Status(strings.ToLower(strings.TrimSpace(s))); st {
	case "":
		return model.StatusNeedsModifications, nil
	case model.StatusNeedsModifications, model.StatusRejected:
		return st, nil
	}
	return "", &model.ValidationError{
		Field:   "approval.low_confidence_fallback",
		Message: "must be needs_modifications or rejected",
	}
}

// Resolve maps a verdict to the status the invoice moves to. Only a
// confident approval yields StatusApproved.
func Resolve(c model.Classification, p Policy) (model.Status, error) {
	switch c.Status {
	case model.StatusApproved:
		if c.Confidence > p.Threshold {
			return model.StatusApproved, nil
		}
		if p.LowConfidence == "" || p.LowConfidence == model.StatusApproved || !p.LowConfidence.Terminal() {
			return model.StatusNeedsModifications, nil
		}
		return p.LowConfidence, nil
	case model.StatusRejected:
		return model.StatusRejected, nil
	case model.StatusNeedsModifications:
		return model.StatusNeedsModifications, nil
	}
	return "", &model.ClassificationError{Err: fmt.Errorf("no transition for status %q", c.Status)}
}
