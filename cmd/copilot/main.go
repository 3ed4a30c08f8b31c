// Command copilot is the portfolio copilot CLI.
package main

import (
	"fmt"
	"os"
	"strings"

	"portfolio-copilot/internal/cli"
	"portfolio-copilot/internal/config"
	"portfolio-copilot/internal/logging"
)

func main() {
	cfg, err := config.Load(configDir(os.Args[1:]))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLoggerWithConfig(cfg.LogConfig())

	root := cli.NewRootCmd(cfg, logger)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// configDir finds --config before cobra parses flags, since the config has
// to be loaded to build the command tree.
func configDir(args []string) string {
	for i, a := range args {
		switch {
		case a == "--":
			return ""
		case a == "--config" && i+1 < len(args):
			return args[i+1]
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		}
	}
	return ""
}
