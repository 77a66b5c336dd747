package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/xtrntr/papertrade/internal/config"
	"github.com/xtrntr/papertrade/migrations"
)

const usage = `Usage: migrate [command] [args]

Commands:
  up          apply all pending migrations (default)
  down        roll back the last migration
  status      print the status of every migration
  redo        roll back and reapply the last migration
  version     print the current schema version
`

// Apply or inspect database schema migrations
func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	command := "up"
	args := flag.Args()
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	dbURL, err := config.DatabaseURL(".")
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	if err := migrations.Run(context.Background(), dbURL, command, args...); err != nil {
		logrus.Fatalf("Migration failed: %v", err)
	}
	logrus.WithField("command", command).Info("migration complete")
}
