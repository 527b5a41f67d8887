// Package main is the entry point for the farmnode-router command.
package main

import (
	"os"

	"github.com/rendermesh/farmnode/cmd/farmnode-router/app"
	"github.com/rendermesh/farmnode/pkg/logger"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}
