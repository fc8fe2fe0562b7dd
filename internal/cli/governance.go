package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/botfactory/botfactory/internal/config"
	"github.com/botfactory/botfactory/internal/governance"
)

var governanceCmd = &cobra.Command{
	Use:   "governance",
	Short: "Manage domains, integrations and reviews",
}

var (
	govCapabilities []string
	govMetadata     []string
	govReviewStatus string
	govActor        string
	govRationale    string
)

var govRegisterDomainCmd = &cobra.Command{
	Use:   "register-domain <code>",
	Short: "Register a domain and connect it to the hub",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGovernance(func(gov *governance.Manager) error {
			info, err := gov.RegisterDomain(args[0], govCapabilities)
			if err != nil {
				return err
			}
			fmt.Printf("Domain registered: %s\n", info.Domain.Code)
			fmt.Printf("Hub connection:   %s ↔ %s\n", info.Domain.Code, governance.HubDomain)
			return nil
		})
	},
}

var govRequestIntegrationCmd = &cobra.Command{
	Use:   "request-integration <source> <target>",
	Short: "Request an integration between two domains",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGovernance(func(gov *governance.Manager) error {
			meta := map[string]string{}
			for _, kv := range govMetadata {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("metadata %q must be key=value", kv)
				}
				meta[k] = v
			}
			req, err := gov.RequestIntegration(context.Background(), args[0], args[1], meta)
			if err != nil {
				return err
			}
			fmt.Printf("Integration requested: %s\n", req.Integration.ID)
			fmt.Printf("Review opened:         %s (%s)\n", req.Review.ID, req.Review.Priority)
			for _, p := range req.Precedents {
				fmt.Printf("Precedent: %s (%.0f%%) %s\n", p.Record.Outcome, p.Confidence*100, p.Record.Summary)
			}
			return nil
		})
	},
}

var govListReviewsCmd = &cobra.Command{
	Use:   "list-reviews",
	Short: "List reviews, optionally filtered by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGovernance(func(gov *governance.Manager) error {
			reviews := gov.Reviews(govReviewStatus)
			if len(reviews) == 0 {
				fmt.Println("No reviews.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tPRIORITY\tSTATUS\tSUBSTATE\tREVIEWERS")
			for _, r := range reviews {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Type, r.Priority, colorStatus(r.Status), r.Substate,
					strings.Join(r.Reviewers, ","))
			}
			return w.Flush()
		})
	},
}

var govApproveCmd = &cobra.Command{
	Use:   "approve <review-id>",
	Short: "Settle a review as approved (administrative override)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGovernance(func(gov *governance.Manager) error {
			r, err := gov.ApproveIntegration(context.Background(), args[0], govActor, govRationale)
			if err != nil {
				return err
			}
			fmt.Printf("Review %s: %s\n", r.ID, colorStatus(r.Status))
			return nil
		})
	},
}

var govRejectCmd = &cobra.Command{
	Use:   "reject <review-id>",
	Short: "Settle a review as rejected (rationale required)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGovernance(func(gov *governance.Manager) error {
			r, err := gov.RejectIntegration(context.Background(), args[0], govActor, govRationale)
			if err != nil {
				return err
			}
			fmt.Printf("Review %s: %s\n", r.ID, colorStatus(r.Status))
			return nil
		})
	},
}

var govDecideCmd = &cobra.Command{
	Use:   "decide <review-id> <approve|reject>",
	Short: "Submit a decision as an assigned reviewer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGovernance(func(gov *governance.Manager) error {
			r, err := gov.SubmitDecision(context.Background(), args[0], govActor, args[1], govRationale)
			if err != nil {
				return err
			}
			fmt.Printf("Review %s: %s (%d/%d votes)\n", r.ID, colorStatus(r.Status), len(r.Votes), len(r.Reviewers))
			return nil
		})
	},
}

var govResetCmd = &cobra.Command{
	Use:   "reset <review-id>",
	Short: "Reset a terminal review back to pending (audited, rationale required)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGovernance(func(gov *governance.Manager) error {
			r, err := gov.ResetReview(args[0], govActor, govRationale)
			if err != nil {
				return err
			}
			fmt.Printf("Review %s reset to %s\n", r.ID, r.Status)
			return nil
		})
	},
}

var govComplianceCmd = &cobra.Command{
	Use:   "compliance [entity-id]",
	Short: "Show compliance for one entity or the whole ecosystem",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGovernance(func(gov *governance.Manager) error {
			if len(args) == 1 {
				rec, err := gov.EvaluateCompliance(args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Entity %s: %.0f%%\n", rec.EntityID, rec.Fraction()*100)
				for _, cat := range governance.Categories {
					fmt.Printf("  %-22s %s\n", cat, rec.Scores[cat])
				}
				return nil
			}
			fmt.Printf("Ecosystem compliance: %.0f%%\n", gov.EcosystemCompliance()*100)
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DOMAIN\tSTATUS")
			for _, d := range gov.Domains() {
				fmt.Fprintf(w, "%s\t%s\n", d.Code, d.Status)
			}
			return w.Flush()
		})
	},
}

func withGovernance(fn func(*governance.Manager) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gov, closeGov, err := openGovernance(cfg)
	if err != nil {
		return err
	}
	defer closeGov()
	return fn(gov)
}

func colorStatus(status string) string {
	switch status {
	case governance.ReviewApproved:
		return color.GreenString(status)
	case governance.ReviewRejected:
		return color.RedString(status)
	case governance.ReviewCancelled:
		return color.YellowString(status)
	default:
		return status
	}
}

func init() {
	govRegisterDomainCmd.Flags().StringSliceVar(&govCapabilities, "capability", nil, "Capability the domain provides (repeatable)")
	govRequestIntegrationCmd.Flags().StringSliceVar(&govMetadata, "meta", nil, "Metadata key=value (repeatable, e.g. pr_url=...)")
	govListReviewsCmd.Flags().StringVar(&govReviewStatus, "status", "", "Filter by review status")
	govApproveCmd.Flags().StringVar(&govActor, "actor", "", "Acting reviewer")
	govApproveCmd.Flags().StringVar(&govRationale, "rationale", "", "Decision rationale")
	govRejectCmd.Flags().StringVar(&govActor, "actor", "", "Acting reviewer")
	govRejectCmd.Flags().StringVar(&govRationale, "rationale", "", "Decision rationale (required)")
	govDecideCmd.Flags().StringVar(&govActor, "actor", "", "Acting reviewer")
	govDecideCmd.Flags().StringVar(&govRationale, "rationale", "", "Decision rationale (required on reject)")
	govResetCmd.Flags().StringVar(&govActor, "actor", "", "Acting reviewer")
	govResetCmd.Flags().StringVar(&govRationale, "rationale", "", "Reset rationale (required)")

	governanceCmd.AddCommand(govRegisterDomainCmd, govRequestIntegrationCmd,
		govListReviewsCmd, govApproveCmd, govRejectCmd, govDecideCmd, govResetCmd,
		govComplianceCmd)
}
