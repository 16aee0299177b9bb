package cmd

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "beacon",
	Short: "beacon — message gateway between chat adaptors and remote agents",
	Long: `beacon accepts messages from chat-platform adaptors, keeps a replayable
per-channel event log, streams it over SSE and WebSocket, and forwards each
message to the brain or id agent over MCP.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cmd.Flags().Changed("log-level") {
			setLogLevel(logLevel)
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.beacon/config.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
}

// setLogLevel picks the stdlib log flags. debug adds microseconds and the
// calling file.
func setLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	default:
		log.SetFlags(log.LstdFlags)
	}
}
