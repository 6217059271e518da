// Command formscout-admin runs operational tasks against the production
// stores: schema migrations and one-shot sweeps.
//
// Usage:
//
//	formscout-admin migrate up          apply all pending migrations
//	formscout-admin migrate down N      roll back N migrations
//	formscout-admin migrate steps N     apply N migrations forward
//	formscout-admin sweep               run one timeout/offline sweep pass
//
// Exit codes: 0 success, 1 operation failed, 2 bad usage.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"github.com/formscout/formscout/pkg/config"
	"github.com/formscout/formscout/pkg/database"
	"github.com/formscout/formscout/pkg/faststore"
	"github.com/formscout/formscout/pkg/services"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "migrate":
		err = runMigrate(os.Args[2:])
	case "sweep":
		err = runSweep()
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  formscout-admin migrate up
  formscout-admin migrate down N
  formscout-admin migrate steps N
  formscout-admin sweep`)
}

func runMigrate(args []string) error {
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	switch args[0] {
	case "up":
		return database.MigrateSteps(db, 0)
	case "down":
		n, err := stepCount(args)
		if err != nil {
			return err
		}
		return database.MigrateSteps(db, -n)
	case "steps":
		n, err := stepCount(args)
		if err != nil {
			return err
		}
		return database.MigrateSteps(db, n)
	default:
		usage()
		os.Exit(2)
		return nil
	}
}

func stepCount(args []string) (int, error) {
	if len(args) < 2 {
		usage()
		os.Exit(2)
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("step count must be a positive integer, got %q", args[1])
	}
	return n, nil
}

// openDB connects without running migrations; the migrate subcommands
// decide what to apply.
func openDB() (*sql.DB, error) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// runSweep executes one manual pass of the timeout and offline sweeps,
// useful after an incident without waiting for the server's ticker.
func runSweep() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg, err := config.Initialize(ctx, configDir())
	if err != nil {
		return err
	}

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	fast, err := faststore.New(ctx, cfg.FastStore)
	if err != nil {
		return err
	}
	defer fast.Close()

	sessions := services.NewSessionService(db)
	agents := services.NewAgentService(db)

	ids, err := sessions.SweepTimeouts(ctx, time.Now().Add(-cfg.Session.TTL))
	if err != nil {
		return fmt.Errorf("session sweep failed: %w", err)
	}
	for _, id := range ids {
		if err := fast.DeleteSession(ctx, id); err != nil {
			slog.Warn("Failed to drop session record", "session_id", id, "error", err)
		}
	}

	offline, err := agents.SweepOffline(ctx, time.Now().Add(-cfg.Session.HeartbeatThreshold))
	if err != nil {
		return fmt.Errorf("agent sweep failed: %w", err)
	}

	fmt.Printf("swept %d timed-out sessions, %d offline agents\n", len(ids), offline)
	return nil
}

func configDir() string {
	if dir := os.Getenv("FORMSCOUT_CONFIG_DIR"); dir != "" {
		return dir
	}
	return "."
}
