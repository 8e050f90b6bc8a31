package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/config"
)

var configPath string

func main() {
	// .env is optional
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "hrask",
		Short:         "Role-scoped HR question answering over a Redis request queue",
		Version:       hrask.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", envOr("HRASK_CONFIG", "config.yaml"), "path to the YAML configuration file")

	root.AddCommand(
		newServeCommand(),
		newAskCommand(),
		newListenCommand(),
		newHealthCommand(),
		newIngestCommand(),
		newMCPCommand(),
	)
	return root
}

// loadConfig reads the configuration and initializes logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Log.Format, cfg.Log.Level); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}

func newClient() (*hrask.HRClient, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	client, err := hrask.NewHRClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	return client, cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
