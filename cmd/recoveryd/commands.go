package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/breatheroute/recoveryd/internal/config"
)

// --- Global Command Variables ---
var (
	configPath string
	serverURL  string
	token      string

	tokenSubject string
	tokenTTL     time.Duration

	rootCmd = &cobra.Command{
		Use:           "recoveryd",
		Short:         "Self-healing supervisor for the services on this host",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor and its status surface",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in cmd_serve.go
	}

	// --- Control ---
	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Print the liveness summary of a running supervisor",
		Args:  cobra.NoArgs,
		RunE:  runHealth, // Defined in cmd_control.go
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Print the full state of a running supervisor",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Clear restart counters, degraded services and circuits",
		Args:  cobra.NoArgs,
		RunE:  runReset,
	}
	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the reset endpoint",
		Args:  cobra.NoArgs,
		RunE:  runToken,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE:  runConfig, // Defined in cmd_config.go
	}
)

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("recoveryd %s (built %s)\n", Version, BuildTime))
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: $RECOVERYD_CONFIG or ./recoveryd.yaml)")

	for _, cmd := range []*cobra.Command{healthCmd, statusCmd, resetCmd} {
		cmd.Flags().StringVar(&serverURL, "url", "", "status surface URL (default: derived from server.port)")
		cmd.Flags().StringVar(&token, "token", "", "bearer token for protected endpoints")
	}
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "operator", "token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")

	rootCmd.AddCommand(serveCmd, healthCmd, statusCmd, resetCmd, tokenCmd, configCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

// baseURL is the --url flag, or the local status surface of the configured
// server.
func baseURL(cfg *config.Config) string {
	if serverURL != "" {
		return serverURL
	}
	return "http://127.0.0.1:" + strconv.Itoa(cfg.Server.Port)
}
