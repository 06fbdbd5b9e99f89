// Command geniectl drives grant and donor genie sessions from the terminal.
// Drafts are kept in a local YAML file between invocations.
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/grantgenie/genie-engine/pkg/config"
	"github.com/grantgenie/genie-engine/pkg/genie"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logCfg := zap.NewDevelopmentConfig()
	logCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	logger, err := logCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	app := newCLIApp(&environment{
		cfg:    cfg,
		out:    os.Stdout,
		in:     os.Stdin,
		logger: logger,
		newAPI: func(url, token string) genie.SessionAPI {
			return genie.NewHTTPClient(url, token, logger)
		},
	})
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
