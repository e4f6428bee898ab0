package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// RootCmd provides the commandline parser root.
var RootCmd = &cobra.Command{
	Use:   "negortc",
	Short: "Negotiate WebRTC connections through a signaling relay",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
		os.Exit(2)
	},
}

func main() {
	RootCmd.PersistentFlags().String("log-level", "info", "Log level (one of debug, info, warn or error)")
	RootCmd.AddCommand(commandRelay())
	RootCmd.AddCommand(commandOffer())
	RootCmd.AddCommand(commandAnswer())

	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newLogger(cmd *cobra.Command) (*zap.SugaredLogger, error) {
	logLevel, _ := cmd.Flags().GetString("log-level")
	level, err := zap.ParseAtomicLevel(logLevel)
	if err != nil {
		return nil, err
	}
	config := zap.NewDevelopmentConfig()
	config.Level = level
	config.DisableStacktrace = true
	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
