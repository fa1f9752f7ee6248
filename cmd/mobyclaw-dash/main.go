// Package main is the entry point for the mobyclaw dashboard CLI.
// It serves the task dashboard HTTP API and provides local commands
// for inspecting tasks and managing the agent's memory document.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/mobyclaw/dashboard/internal/config"
	"github.com/mobyclaw/dashboard/internal/data"
	"github.com/mobyclaw/dashboard/internal/memory"
	"github.com/mobyclaw/dashboard/internal/server"
)

var (
	version = "0.3.0"
	cfgPath string
	verbose bool
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mobyclaw-dash",
		Short: "Mobyclaw dashboard - task tracking and memory for an autonomous agent",
		Long: `Mobyclaw dashboard serves the agent's task board, conversation index,
and lessons store over HTTP, and manages the MEMORY.md working memory
document: budget-aware context assembly and archival compaction of
completed tasks.

Start the server:        mobyclaw-dash serve
Inspect memory:          mobyclaw-dash memory show
Compact finished tasks:  mobyclaw-dash memory compress`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(memoryCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mobyclaw-dash %s\n", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// applyLogConfig applies the configured log level and optional log
// file. The --verbose flag always wins.
func applyLogConfig(lc config.LoggingConfig) {
	if !verbose {
		if level, err := zerolog.ParseLevel(lc.Level); err == nil && lc.Level != "" {
			zerolog.SetGlobalLevel(level)
		}
	}
	if lc.File != "" {
		if f, err := os.OpenFile(lc.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			log.Logger = log.Output(zerolog.MultiLevelWriter(
				zerolog.ConsoleWriter{Out: os.Stderr},
				f,
			))
		}
	}
}

func loadConfig() (*config.Config, error) {
	if cfgPath != "" {
		return config.LoadFromPath(cfgPath)
	}
	return config.Load()
}

// openStores builds the data store and memory engine from config.
func openStores(cfg *config.Config) (*data.Store, *memory.Engine, error) {
	store, err := data.NewDB(cfg.DBDir())
	if err != nil {
		return nil, nil, fmt.Errorf("open task store: %w", err)
	}

	docs := memory.NewDocumentStore(cfg.Memory.Path, cfg.Memory.ArchiveDir, cfg.Memory.InnerStatePath)
	engineCfg := memory.DefaultConfig()
	engineCfg.DefaultBudgetTokens = cfg.Memory.DefaultBudgetTokens
	engine := memory.NewEngine(docs, engineCfg)

	return store, engine, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SERVE
// ═══════════════════════════════════════════════════════════════════════════════

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyLogConfig(cfg.Logging)

	store, engine, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Retry.Enabled {
		sweeper := data.NewRetrySweeper(store, cfg.Retry.Interval)
		go sweeper.Run(ctx)
	}

	srv := server.New(cfg, store, engine)
	return srv.Start(ctx)
}

// ═══════════════════════════════════════════════════════════════════════════════
// STATUS
// ═══════════════════════════════════════════════════════════════════════════════

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show task and memory statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, engine, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			stats, err := store.Stats(ctx)
			if err != nil {
				return err
			}
			_, convs, lessons, err := store.Counts(ctx)
			if err != nil {
				return err
			}

			doc, err := engine.Document()
			if err != nil {
				return err
			}

			fmt.Println(titleStyle.Render("Mobyclaw Dashboard"))
			fmt.Println()
			printRow("Tasks", fmt.Sprintf("%d total", stats.Total))
			for _, status := range []string{data.StatusTodo, data.StatusInProgress, data.StatusDone, data.StatusFailed, data.StatusCancelled} {
				if n := stats.ByStatus[status]; n > 0 {
					printRow("  "+status, fmt.Sprintf("%d", n))
				}
			}
			if stats.Overdue > 0 {
				fmt.Printf("  %s %s\n", labelStyle.Render("overdue:"), warnStyle.Render(fmt.Sprintf("%d", stats.Overdue)))
			}
			printRow("Conversations", fmt.Sprintf("%d", convs))
			printRow("Lessons", fmt.Sprintf("%d", lessons))
			printRow("Memory", fmt.Sprintf("%d tokens across %d sections",
				memory.EstimateTokens(doc), len(memory.ParseSections(doc))))
			return nil
		},
	}
}

func printRow(label, value string) {
	fmt.Printf("%s %s\n", labelStyle.Render(label+":"), valueStyle.Render(value))
}

// ═══════════════════════════════════════════════════════════════════════════════
// MEMORY
// ═══════════════════════════════════════════════════════════════════════════════

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and compact the memory document",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Render the memory document",
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			_, engine, err := openStores(cfg)
			if err != nil {
				return err
			}

			doc, err := engine.Document()
			if err != nil {
				return err
			}
			if strings.TrimSpace(doc) == "" {
				fmt.Println("Memory document is empty.")
				return nil
			}

			renderer, err := glamour.NewTermRenderer(
				glamour.WithAutoStyle(),
				glamour.WithWordWrap(100),
			)
			if err != nil {
				// Plain output when the terminal renderer is unavailable.
				fmt.Println(doc)
				return nil
			}
			rendered, err := renderer.Render(doc)
			if err != nil {
				fmt.Println(doc)
				return nil
			}
			fmt.Print(rendered)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "compress",
		Short: "Archive completed and cancelled task sections",
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			_, engine, err := openStores(cfg)
			if err != nil {
				return err
			}

			result, err := engine.Compress()
			if err != nil {
				return err
			}
			if result.Archived == 0 {
				fmt.Println("Nothing to archive.")
				return nil
			}
			fmt.Printf("Archived %d section(s) to %s\n", result.Archived, result.ArchiveFile)
			return nil
		},
	})

	contextCmd := &cobra.Command{
		Use:   "context [query]",
		Short: "Assemble a budget-aware context from memory",
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			_, engine, err := openStores(cfg)
			if err != nil {
				return err
			}

			budget, _ := c.Flags().GetInt("budget")
			result, err := engine.BuildContext(strings.Join(args, " "), budget)
			if err != nil {
				return err
			}

			fmt.Println(titleStyle.Render("Context"))
			printRow("Budget", fmt.Sprintf("%d tokens", result.BudgetTokens))
			printRow("Used", fmt.Sprintf("%d tokens", result.TotalTokens))
			printRow("Sections", fmt.Sprintf("%d of %d (%d pruned)",
				result.SectionsIncluded, result.SectionsTotal, result.SectionsPruned))
			fmt.Println()
			fmt.Println(result.Context)
			return nil
		},
	}
	contextCmd.Flags().Int("budget", 0, "token budget (0 uses the configured default)")
	cmd.AddCommand(contextCmd)

	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG AND AUTH
// ═══════════════════════════════════════════════════════════════════════════════

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			printRow("Data dir", cfg.DataDir)
			printRow("Port", fmt.Sprintf("%d", cfg.Server.Port))
			printRow("Memory path", cfg.Memory.Path)
			printRow("Archive dir", cfg.Memory.ArchiveDir)
			printRow("Inner state", cfg.Memory.InnerStatePath)
			printRow("Default budget", fmt.Sprintf("%d tokens", cfg.Memory.DefaultBudgetTokens))
			printRow("Retry sweeper", fmt.Sprintf("enabled=%v interval=%s", cfg.Retry.Enabled, cfg.Retry.Interval))
			authState := "disabled"
			if cfg.Server.APITokenHash != "" {
				authState = "enabled"
			}
			printRow("API auth", authState)
			return nil
		},
	})

	return cmd
}

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Generate a bcrypt hash for the api_token_hash config field",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash token: %w", err)
			}
			fmt.Println(string(hash))
			return nil
		},
	}
}
