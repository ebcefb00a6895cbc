package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"sealed-relay/config"
	"sealed-relay/pkg/database"
)

const usage = `
Sealed Relay - Database CLI Tool

Usage:
  migrate [command]

Commands:
  up          Apply all pending migrations
  down        Roll back the most recent migration
  status      Show applied state of every migration
  version     Print the current schema version
  reset       Roll back every migration (DANGEROUS)

Examples:
  go run ./cmd/migrate up
  go run ./cmd/migrate status
`

func main() {
	timeout := flag.Duration("timeout", 5*time.Minute, "Overall timeout for the command")

	flag.Usage = func() {
		fmt.Print(usage)
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	command := flag.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cfg := config.LoadConfig()
	db, err := database.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	defer db.Close()

	switch command {
	case "up":
		log.Println("Running migrations up...")
		if err := database.Migrate(ctx, db); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Migrations completed successfully")
	case "down":
		log.Println("Rolling back the latest migration...")
		if err := database.Rollback(ctx, db); err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
		log.Println("Rollback completed successfully")
	case "status":
		if err := database.Status(ctx, db); err != nil {
			log.Fatalf("Status failed: %v", err)
		}
	case "version":
		v, err := database.Version(ctx, db)
		if err != nil {
			log.Fatalf("Version failed: %v", err)
		}
		fmt.Println(v)
	case "reset":
		log.Println("WARNING: rolling back every migration")
		if err := database.Reset(ctx, db); err != nil {
			log.Fatalf("Reset failed: %v", err)
		}
		log.Println("Reset completed")
	default:
		fmt.Printf("Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}
