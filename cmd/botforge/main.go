package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"botforge/internal/config"
	"botforge/internal/gateway"
	"botforge/internal/logging"
	"botforge/internal/pipeline"
	"botforge/internal/provider"
	"botforge/internal/sandbox"
	"botforge/internal/server"
	"botforge/internal/store"
)

const version = "0.3.0"

var (
	// Global flags
	verbose    bool
	configPath string
	workspace  string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "botforge",
	Short: "botforge - bot task orchestration backend",
	Long: `botforge runs AI bot tasks against a workspace: it gathers project
files through a path-validated sandbox, routes generation across multiple
AI backends with scoring and fallback, and keeps a persistent control
channel to the gateway for skills, sessions, and presence.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// serveCmd runs the HTTP server and the gateway connection
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration server",
	Long: `Starts the HTTP API, opens the record store, connects to the gateway
(degrading gracefully when it is unreachable), and serves bot execution
until interrupted.`,
	RunE: runServe,
}

// runCmd executes a single bot task from the command line
var runCmd = &cobra.Command{
	Use:   "run [skill] [paths...]",
	Short: "Execute one bot task against the workspace",
	Long: `Runs a single skill over the given workspace paths and prints the
result as JSON. Paths default to the workspace root.

Example:
  botforge run code-review src --role "Senior Reviewer"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTask,
}

var (
	runRole    string
	runModel   string
	runFix     bool
	runExclude []string
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (default .botforge/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace root (default current directory)")

	runCmd.Flags().StringVar(&runRole, "role", "Software Engineer", "Role title for the bot")
	runCmd.Flags().StringVar(&runModel, "model", "", "Explicit model (prefix selects the backend)")
	runCmd.Flags().BoolVar(&runFix, "fix", false, "Apply labeled file blocks from the response")
	runCmd.Flags().StringSliceVar(&runExclude, "exclude", nil, "Paths to exclude from gathering")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		ws := workspace
		if ws == "" {
			ws, _ = os.Getwd()
		}
		path = config.DefaultConfigPath(ws)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if workspace != "" {
		cfg.Workspace = workspace
	}
	if cfg.Workspace == "" {
		cfg.Workspace, _ = os.Getwd()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := logging.Initialize(cfg.Workspace); err != nil {
		logger.Warn("file logging unavailable", zap.Error(err))
	}
	return cfg, nil
}

// buildRunner assembles the pipeline from config. The gateway client and
// record store are returned for lifecycle management and may be nil.
func buildRunner(ctx context.Context, cfg *config.Config) (*pipeline.Runner, *provider.Router, *gateway.Client, *store.RecordStore, *pipeline.SkillSet, error) {
	router, errs := provider.NewRouterFromConfig(ctx, cfg.Providers)
	for _, err := range errs {
		logger.Warn("provider unavailable", zap.Error(err))
	}
	if len(router.Services()) == 0 {
		logger.Warn("no AI backends configured; only gateway execution will work")
	}

	box, err := sandbox.New(cfg.Workspace)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("workspace: %w", err)
	}

	var records *store.RecordStore
	if cfg.Store.Path != "" {
		records, err = store.NewRecordStore(cfg.Store.Path)
		if err != nil {
			logger.Warn("record store unavailable", zap.Error(err))
			records = nil
		}
	}

	var gw *gateway.Client
	if cfg.Gateway.Enabled && cfg.Gateway.URL != "" {
		gw = gateway.New(gateway.Options{
			URL:           cfg.Gateway.URL,
			Token:         cfg.Gateway.Token,
			ClientID:      cfg.Gateway.ClientID,
			ClientVersion: cfg.Gateway.ClientVersion,
			Locale:        cfg.Gateway.Locale,
			AutoReconnect: cfg.Gateway.AutoReconnect,
			DeviceTokens:  gateway.NewFileDeviceTokenStore(cfg.Workspace),
		})
		if !gw.Connect(ctx) {
			logger.Warn("gateway unreachable, continuing offline",
				zap.String("url", cfg.Gateway.URL))
			logging.GatewayWarn("initial connect to %s failed", cfg.Gateway.URL)
		}
	}

	skills := pipeline.NewSkillSet(cfg.Skills.PromptDir)
	if err := skills.Watch(); err != nil {
		logger.Warn("skill prompt watch failed", zap.Error(err))
	}

	var anchor pipeline.Anchor
	if records != nil {
		anchor = &pipeline.StoreAnchor{Records: records}
	}

	var gwExec pipeline.GatewayExecutor
	if gw != nil {
		gwExec = gw
	}
	runner := pipeline.NewRunner(box, router, gwExec, anchor, skills)
	return runner, router, gw, records, skills, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner, router, gw, records, skills, err := buildRunner(ctx, cfg)
	if err != nil {
		return err
	}
	defer skills.Close()
	if records != nil {
		defer records.Close()
	}
	if gw != nil {
		defer gw.Close()
	}

	srv := server.New(server.Options{
		Addr:            cfg.Server.Addr,
		ShutdownTimeout: config.ParseDuration(cfg.Server.ShutdownTimeout, 10*time.Second),
		Log:             logger,
		Runner:          runner,
		Router:          router,
		Records:         records,
		Gateway:         gw,
		Version:         version,
	})

	logger.Info("starting botforge",
		zap.String("version", version),
		zap.String("workspace", cfg.Workspace),
		zap.String("addr", cfg.Server.Addr),
	)
	logging.Boot("botforge %s starting, workspace=%s", version, cfg.Workspace)
	return srv.Run(ctx)
}

func runTask(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner, _, gw, records, skills, err := buildRunner(ctx, cfg)
	if err != nil {
		return err
	}
	defer skills.Close()
	if records != nil {
		defer records.Close()
	}
	if gw != nil {
		defer gw.Close()
	}

	skill := args[0]
	targets := args[1:]
	if len(targets) == 0 {
		targets = []string{"."}
	}

	task := &pipeline.Task{
		BotID:          "cli",
		UserID:         "cli",
		Skill:          skill,
		Specialization: skill,
		Role:           pipeline.RoleAllocation{Title: runRole},
		TargetPaths:    targets,
		ExcludePaths:   runExclude,
		Model:          runModel,
	}

	var result interface{}
	if runFix {
		result, err = runner.ExecuteFix(ctx, task)
	} else {
		result, err = runner.Execute(ctx, task)
	}
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, strings.TrimSpace(err.Error()))
		os.Exit(1)
	}
}
