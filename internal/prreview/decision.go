// Package prreview implements the PR review bot: it drives integration
// reviews from external PR risk analysis.
package prreview

import (
	"fmt"

	"github.com/botfactory/botfactory/internal/analysis"
)

// Actions the bot can take on a completed analysis.
const (
	ActionAutoReject  = "auto_reject"
	ActionHumanQueue  = "human_queue"
	ActionAutoApprove = "auto_approve"
	ActionFlagHuman   = "flag_for_human_review"
)

// Decision is the outcome of applying the review policy to one analysis.
type Decision struct {
	Action string
	Reason string
}

// Decide applies the decision policy in precedence order:
//  1. critical risk always auto-rejects, regardless of confidence
//  2. moderate risk never auto-decides: human queue with suggestions
//  3. low/none risk with confidence at or above threshold auto-approves
//  4. anything else is flagged for human review
func Decide(res *analysis.Result, threshold float64) Decision {
	switch res.RiskLevel {
	case analysis.RiskCritical:
		return Decision{
			Action: ActionAutoReject,
			Reason: fmt.Sprintf("critical risk detected (confidence %.2f)", res.Confidence),
		}
	case analysis.RiskModerate:
		return Decision{
			Action: ActionHumanQueue,
			Reason: "moderate risk requires human judgement",
		}
	case analysis.RiskLow, analysis.RiskNone:
		if res.Confidence >= threshold {
			return Decision{
				Action: ActionAutoApprove,
				Reason: fmt.Sprintf("%s risk at confidence %.2f (threshold %.2f)", res.RiskLevel, res.Confidence, threshold),
			}
		}
		return Decision{
			Action: ActionFlagHuman,
			Reason: fmt.Sprintf("confidence %.2f below threshold %.2f", res.Confidence, threshold),
		}
	}
	return Decision{
		Action: ActionFlagHuman,
		Reason: fmt.Sprintf("unknown risk level %q", res.RiskLevel),
	}
}
