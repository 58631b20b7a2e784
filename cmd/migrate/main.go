package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/NikhilSetiya/agentguard/internal/ledger"
	"github.com/NikhilSetiya/agentguard/pkg/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	if command == "help" {
		printUsage()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	migrator, err := ledger.NewMigrator(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to create migrator: %v", err)
	}
	defer migrator.Close()

	switch command {
	case "up":
		fmt.Println("Running ledger migrations...")
		if err := migrator.Up(); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		fmt.Println("Migrations completed successfully")
	case "down":
		fmt.Println("Rolling back ledger migrations...")
		if err := migrator.Down(); err != nil {
			log.Fatalf("Failed to rollback migrations: %v", err)
		}
		fmt.Println("Rollback completed successfully")
	case "steps":
		n := intArg(os.Args[2:], "steps")
		fmt.Printf("Running %d migration steps...\n", n)
		if err := migrator.Steps(n); err != nil {
			log.Fatalf("Failed to run migration steps: %v", err)
		}
		fmt.Println("Migration steps completed successfully")
	case "version":
		version, dirty, err := migrator.Version()
		if err != nil {
			log.Fatalf("Failed to get migration version: %v", err)
		}
		fmt.Printf("Current ledger schema version: %d\n", version)
		if dirty {
			fmt.Println("WARNING: ledger schema is in a dirty state, fix it and run force")
		}
	case "force":
		version := intArg(os.Args[2:], "force")
		fmt.Printf("Forcing migration version to %d...\n", version)
		if err := migrator.Force(version); err != nil {
			log.Fatalf("Failed to force migration version: %v", err)
		}
		fmt.Println("Migration version forced successfully")
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func intArg(args []string, command string) int {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "%s requires a number argument\n", command)
		os.Exit(1)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid %s argument: %s\n", command, args[0])
		os.Exit(1)
	}
	return n
}

func printUsage() {
	fmt.Println("AgentGuard ledger migration tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  migrate <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  up           Run all available migrations")
	fmt.Println("  down         Rollback all migrations")
	fmt.Println("  steps <n>    Run n migrations up (positive) or down (negative)")
	fmt.Println("  version      Show current migration version")
	fmt.Println("  force <v>    Force set migration version without running migrations")
	fmt.Println("  help         Show this help message")
	fmt.Println()
	fmt.Println("Connection settings come from the DB_* environment variables.")
}
