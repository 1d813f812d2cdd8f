// Package main is the entry point for the agentauth authorization server.
package main

import (
	"os"

	"github.com/agentauth/agentauth/cmd/agentauthd/app"
	"github.com/agentauth/agentauth/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
