package main

import (
	"os"

	appLogger "github.com/session-intent/backend/pkg/logger"
)

func main() {
	defer appLogger.Sync()

	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
