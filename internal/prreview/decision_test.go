package prreview

import (
	"testing"

	"github.com/botfactory/botfactory/internal/analysis"
)

func TestDecidePolicyMatrix(t *testing.T) {
	cases := []struct {
		name       string
		risk       string
		confidence float64
		want       string
	}{
		{"critical rejects at max confidence", analysis.RiskCritical, 0.99, ActionAutoReject},
		{"critical rejects at min confidence", analysis.RiskCritical, 0.01, ActionAutoReject},
		{"moderate queues regardless of confidence", analysis.RiskModerate, 0.99, ActionHumanQueue},
		{"low above threshold approves", analysis.RiskLow, 0.90, ActionAutoApprove},
		{"low at threshold approves", analysis.RiskLow, 0.85, ActionAutoApprove},
		{"low below threshold flags", analysis.RiskLow, 0.50, ActionFlagHuman},
		{"none above threshold approves", analysis.RiskNone, 0.95, ActionAutoApprove},
		{"unknown risk flags", "weird", 0.99, ActionFlagHuman},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Decide(&analysis.Result{RiskLevel: tc.risk, Confidence: tc.confidence}, 0.85)
			if d.Action != tc.want {
				t.Fatalf("risk=%s conf=%.2f: got %s, want %s", tc.risk, tc.confidence, d.Action, tc.want)
			}
			if d.Reason == "" {
				t.Fatal("empty reason")
			}
		})
	}
}
