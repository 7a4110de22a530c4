package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	port       string
	configPath string
	nodeID     string
)

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	envPort := os.Getenv("PORT")
	if envPort == "" {
		envPort = "8080"
	}
	envConfig := os.Getenv("CONFIG_PATH")
	if envConfig == "" {
		envConfig = "config/config.yaml"
	}
	envNode := os.Getenv("NODE_ID")

	cmd := &cobra.Command{
		Use:   "session-service",
		Short: "Real-time quiz session orchestration engine",
	}

	cmd.PersistentFlags().StringVar(&port, "port", envPort, "port to listen on")
	cmd.PersistentFlags().StringVar(&configPath, "config", envConfig, "path to YAML config")
	cmd.PersistentFlags().StringVar(&nodeID, "node-id", envNode, "unique node identifier within the fleet")
	cmd.AddCommand(NewStartCmd(&configPath, &port, &nodeID))
	cmd.AddCommand(NewMigrateCmd(&configPath))
	return cmd
}
