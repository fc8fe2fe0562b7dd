package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/botfactory/botfactory/internal/analysis"
	"github.com/botfactory/botfactory/internal/bot"
	"github.com/botfactory/botfactory/internal/bus"
	"github.com/botfactory/botfactory/internal/config"
	"github.com/botfactory/botfactory/internal/federation"
	"github.com/botfactory/botfactory/internal/governance"
	"github.com/botfactory/botfactory/internal/knowledge"
	"github.com/botfactory/botfactory/internal/notify"
	"github.com/botfactory/botfactory/internal/prreview"
	"github.com/botfactory/botfactory/internal/state"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the bot factory until interrupted",
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	printHeader("🏭 BotFactory Daemon")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events := bus.New()

	states, err := state.NewManager(cfg.Paths.StateDB())
	if err != nil {
		return fmt.Errorf("state store: %w", err)
	}
	defer states.Close()

	store, err := governance.NewStore(cfg.Paths.GovernanceDB())
	if err != nil {
		return fmt.Errorf("governance store: %w", err)
	}
	defer store.Close()

	know, err := knowledge.NewSQLiteStore(cfg.Paths.KnowledgeDB())
	if err != nil {
		return fmt.Errorf("knowledge store: %w", err)
	}
	defer know.Close()

	policy, err := governance.PolicyByName(cfg.Governance.ApprovalPolicy, cfg.Governance.CriticalReviewers)
	if err != nil {
		return err
	}
	gov, err := governance.NewManager(store, events, governance.Options{
		Exceptions: cfg.Governance.IntegrationExceptions,
		Policy:     policy,
		Knowledge:  know,
	})
	if err != nil {
		return fmt.Errorf("governance: %w", err)
	}

	orch := bot.NewOrchestrator(states, events)
	orch.RegisterKind(prreview.Kind, func(bc bot.Config) (bot.Runner, error) {
		botCfg := botConfigFor(cfg, bc.BotID)
		return prreview.NewRunner(prreview.Options{
			Governance:          gov,
			Analysis:            analysis.NewClient(cfg.Analysis.BaseURL, cfg.Analysis.APIKey, time.Duration(cfg.Analysis.TimeoutSeconds)*time.Second),
			Knowledge:           know,
			Reviewers:           botCfg.Reviewers,
			ConfidenceThreshold: botCfg.AutoApproveConfidenceThreshold,
			Backoff:             analysis.Backoff{Initial: 500 * time.Millisecond, Max: 15 * time.Second, Retries: cfg.Analysis.Retries},
		})
	})

	// Subscribers attach before Start so no early event is missed.
	notifier := notify.New(notify.Options{Token: cfg.Notify.SlackToken, Channel: cfg.Notify.SlackChannel})
	notifier.Start(context.Background(), events)

	var mirror *federation.Mirror
	var consumers []*federation.Consumer
	if cfg.Federation.Enabled {
		mirror = federation.NewMirror(cfg.Factory.Name, cfg.Federation.Brokers)
		mirror.Start(context.Background(), events)
		for _, peer := range cfg.Federation.Peers {
			c := federation.NewConsumer(cfg.Factory.Name, peer, cfg.Federation.Brokers, events)
			if err := c.Start(ctx); err != nil {
				return fmt.Errorf("federation consumer %s: %w", peer, err)
			}
			consumers = append(consumers, c)
		}
	}

	// The bus outlives the signal context so queued events still drain
	// between bot shutdown and Stop.
	events.Start(context.Background())

	for _, bc := range cfg.Factory.Bots {
		b, err := orch.Spawn(ctx, bot.Config{
			BotID:          bc.BotID,
			Kind:           bc.Kind,
			PollInterval:   bc.PollInterval(),
			ErrorThreshold: bc.ErrorThreshold,
		})
		if err != nil {
			slog.Error("Bot spawn failed", "bot_id", bc.BotID, "error", err)
			continue
		}
		fmt.Printf("Bot started: %s (%s)\n", b.ID(), b.Kind())
	}

	fmt.Printf("Factory %s running, %d bots. Ctrl-C to stop.\n", cfg.Factory.Name, len(orch.HealthAll()))
	<-ctx.Done()
	fmt.Println("\nShutting down...")

	// Shutdown order: bots first so they stop publishing, then the bus so
	// queued events drain to federation and notify, then external links.
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orch.StopAll(stopCtx); err != nil {
		slog.Warn("Bot shutdown incomplete", "error", err)
	}
	events.Stop()
	for _, c := range consumers {
		c.Close()
	}
	if mirror != nil {
		mirror.Close()
	}
	fmt.Println("Stopped.")
	return nil
}

func botConfigFor(cfg *config.Config, botID string) config.BotConfig {
	for _, b := range cfg.Factory.Bots {
		if b.BotID == botID {
			return b
		}
	}
	return config.BotConfig{}
}
