package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huangang/costsentry/internal/config"
	"github.com/huangang/costsentry/internal/middleware"
	"github.com/huangang/costsentry/internal/models"
	"github.com/huangang/costsentry/internal/utils"
	"github.com/huangang/costsentry/pkg/logger"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "costsentry",
	Short: "CostSentry - usage ledger, budget alerts and alert delivery",
	Long: `CostSentry records provider usage exactly once per logical key, evaluates
account budgets against alert tiers and delivers the resulting alerts through
email and chat webhooks under per-user rate limits.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server, the scheduler and the evaluation worker",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE:  runMigrate,
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run one dispatch tick and exit",
	RunE:  runDispatch,
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate every budgeted account once and exit",
	RunE:  runEvaluate,
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write the default configuration to the config path",
	RunE:  runInitConfig,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for the usage sync job",
	RunE:  runToken,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $CONFIG_PATH or config.yaml)")

	tokenCmd.Flags().Uint("user-id", 0, "user id carried by the token")
	tokenCmd.Flags().String("name", "usage-sync", "subject name carried by the token")
	tokenCmd.Flags().String("role", middleware.RoleService, "role: service, admin or user")
	tokenCmd.Flags().Int("hours", 24*30, "token lifetime in hours")

	initConfigCmd.Flags().Bool("force", false, "overwrite an existing file")

	rootCmd.AddCommand(serveCmd, migrateCmd, dispatchCmd, evaluateCmd, tokenCmd, initConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if env := os.Getenv("CONFIG_PATH"); env != "" {
		return env
	}
	return "config.yaml"
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	app, err := bootstrap(cfg)
	if err != nil {
		return err
	}
	defer app.shutdown()

	if err := app.startBackground(); err != nil {
		return err
	}

	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	rateLimiter := registerRoutes(r, app)
	defer rateLimiter.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("Server starting")
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
	}
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := models.InitDB(&cfg.Database, cfg.Log.Level)
	if err != nil {
		return err
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	logger.Info().Str("driver", cfg.Database.Driver).Msg("Database schema is up to date")
	return nil
}

func runDispatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	app, err := bootstrap(cfg)
	if err != nil {
		return err
	}
	defer app.shutdown()

	stats, err := app.dispatcher.Tick(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "fetched=%d sent=%d rate_limited=%d retried=%d failed=%d dead_letter=%d errors=%d skipped=%t truncated=%t\n",
		stats.Fetched, stats.Sent, stats.RateLimited, stats.Retried, stats.Failed, stats.DeadLettered,
		stats.Errors, stats.Skipped, stats.Truncated)
	return nil
}

func runEvaluate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	app, err := bootstrap(cfg)
	if err != nil {
		return err
	}
	defer app.shutdown()

	return app.evaluator.EvaluateAll(cmd.Context())
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	utils.SetJWTSecret(cfg.JWT.Secret)

	userID, _ := cmd.Flags().GetUint("user-id")
	name, _ := cmd.Flags().GetString("name")
	role, _ := cmd.Flags().GetString("role")
	hours, _ := cmd.Flags().GetInt("hours")

	switch role {
	case middleware.RoleService, middleware.RoleAdmin, middleware.RoleUser:
	default:
		return fmt.Errorf("unknown role %q", role)
	}
	if hours <= 0 {
		return fmt.Errorf("hours must be positive")
	}

	token, err := utils.GenerateToken(userID, name, role, hours)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func runInitConfig(cmd *cobra.Command, _ []string) error {
	path := configPath()
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	}
	if err := config.DefaultConfig().Save(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}
