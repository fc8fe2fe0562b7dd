package prreview

import (
	"fmt"
	"strings"

	"github.com/botfactory/botfactory/internal/analysis"
)

// BuildReport renders the rejection/flag report attached to a review. The
// service-exported markdown, when available, is appended verbatim.
func BuildReport(prURL string, res *analysis.Result, decision Decision, serviceMarkdown string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# PR Analysis Report\n\n")
	fmt.Fprintf(&b, "- PR: %s\n", prURL)
	fmt.Fprintf(&b, "- Analysis: %s\n", res.AnalysisID)
	fmt.Fprintf(&b, "- Risk level: %s\n", res.RiskLevel)
	fmt.Fprintf(&b, "- Confidence: %.2f\n", res.Confidence)
	fmt.Fprintf(&b, "- Action: %s\n", decision.Action)
	fmt.Fprintf(&b, "- Reason: %s\n", decision.Reason)

	if len(res.Clusters) > 0 {
		b.WriteString("\n## Risk clusters\n\n")
		for _, c := range res.Clusters {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if len(res.Suggestions) > 0 {
		b.WriteString("\n## Suggestions\n\n")
		for _, s := range res.Suggestions {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	if serviceMarkdown != "" {
		b.WriteString("\n---\n\n")
		b.WriteString(serviceMarkdown)
		if !strings.HasSuffix(serviceMarkdown, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}
