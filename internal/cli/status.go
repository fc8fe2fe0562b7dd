package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/botfactory/botfactory/internal/bus"
	"github.com/botfactory/botfactory/internal/config"
	"github.com/botfactory/botfactory/internal/governance"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ BotFactory Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📊 BotFactory Status")
		fmt.Printf("Version: %s\n", version)

		configPath, err := config.ConfigPath()
		if err == nil {
			if _, serr := os.Stat(configPath); serr == nil {
				fmt.Println("Config:  ✓ Found (" + configPath + ")")
			} else {
				fmt.Println("Config:  ✗ Not found (" + configPath + ")")
			}
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config error: %v\n", err)
			return
		}
		fmt.Printf("Factory: %s (%d bots configured)\n", cfg.Factory.Name, len(cfg.Factory.Bots))

		gov, closeGov, err := openGovernance(cfg)
		if err != nil {
			fmt.Printf("Governance: ✗ %v\n", err)
			return
		}
		defer closeGov()

		fmt.Printf("Domains: %d\n", len(gov.Domains()))
		fmt.Printf("Reviews: %d total, %d open\n",
			len(gov.Reviews("")), len(gov.PendingIntegrationReviews()))
		fmt.Printf("Ecosystem compliance: %.0f%%\n", gov.EcosystemCompliance()*100)
		fmt.Println("Status:  Ready")
	},
}

// openGovernance opens the governance store read-side for one-shot commands.
func openGovernance(cfg *config.Config) (*governance.Manager, func(), error) {
	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		return nil, nil, err
	}
	store, err := governance.NewStore(cfg.Paths.GovernanceDB())
	if err != nil {
		return nil, nil, err
	}
	policy, err := governance.PolicyByName(cfg.Governance.ApprovalPolicy, cfg.Governance.CriticalReviewers)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	gov, err := governance.NewManager(store, bus.New(), governance.Options{
		Exceptions: cfg.Governance.IntegrationExceptions,
		Policy:     policy,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return gov, func() { store.Close() }, nil
}
