// Package main is the entry point for the farmnode command.
package main

import (
	"os"

	"github.com/rendermesh/farmnode/cmd/farmnode/app"
	"github.com/rendermesh/farmnode/pkg/logger"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}
