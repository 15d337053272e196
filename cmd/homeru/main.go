package main

import (
	"fmt"
	"os"

	"github.com/bdobrica/Homeru/internal/homeru/app"
	"github.com/bdobrica/Homeru/internal/homeru/observability"
)

func main() {
	cfg := app.ConfigFromEnv()
	logger := observability.Setup(cfg.LogLevel, cfg.LogFormat)

	if err := newRoot(cfg, logger).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
