package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/payhook/internal/config"
	"github.com/mattjoyce/payhook/internal/tui"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "deadletter":
		return runDeadLetterNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "monitor":
		return runMonitor(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`payhook - Payment webhook ingestion and order reconciliation

Usage:
  payhook <noun> <action> [flags]

Resources (Nouns):
  system      Service lifecycle and health
  config      Configuration inspection and validation
  deadletter  Events that could not be reconciled

System Commands:
  system start      Start ingestion, workers and sweeper in the foreground
  system status     Show config, database and process lock state
  system monitor    Real-time TUI over the admin API

Config Commands:
  config check      Validate configuration and runtime settings
  config show       Show resolved configuration (secrets redacted)
  config get        Read a single value
  config set        Change a value (--dry-run or --apply)

Dead Letter Commands:
  deadletter list           List dead letters, newest first
  deadletter replay <id>    Re-enqueue a dead letter after fixing its cause

General:
  version           Show version information
  help              Show this help message

Use 'payhook <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "monitor":
		if hasHelpFlag(actionArgs) {
			printSystemMonitorHelp()
			return 0
		}
		return runMonitor(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "get":
		if hasHelpFlag(actionArgs) {
			printConfigGetHelp()
			return 0
		}
		return runConfigGet(actionArgs)
	case "set":
		if hasHelpFlag(actionArgs) {
			printConfigSetHelp()
			return 0
		}
		return runConfigSet(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runDeadLetterNoun(args []string) int {
	if len(args) < 1 {
		printDeadLetterNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printDeadLetterNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printDeadLetterListHelp()
			return 0
		}
		return runDeadLetterList(actionArgs)
	case "replay":
		if hasHelpFlag(actionArgs) {
			printDeadLetterReplayHelp()
			return 0
		}
		return runDeadLetterReplay(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown deadletter action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: payhook system <action>")
	fmt.Fprintln(w, "Actions: start, status, monitor")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: payhook config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, show, get, set")
}

func printDeadLetterNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: payhook deadletter <action> [flags]")
	fmt.Fprintln(w, "Actions: list, replay")
}

func printSystemStartHelp() {
	fmt.Println("Usage: payhook system start [--config PATH]")
	fmt.Println("Start webhook ingestion, reconciliation workers and the sweeper in the foreground.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: payhook system status [--config PATH] [--json]")
	fmt.Println("Show config validity, database readiness, and whether a payhook process holds the lock.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  All required checks passed")
	fmt.Println("  1  One or more checks failed")
}

func printSystemMonitorHelp() {
	fmt.Println("Usage: payhook system monitor [--api-url URL] [--token TOKEN]")
	fmt.Println("Launch the real-time TUI dashboard. The token needs stats:ro and events:ro.")
	fmt.Println("")
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  r                Refresh stats")
	fmt.Println("  ↑/↓, k/j         Scroll events")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: payhook config check [--config PATH] [--format human|json] [--strict]")
	fmt.Println("Validate configuration syntax and runtime settings. --strict fails on warnings.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: payhook config show [path|provider:NAME] [--config PATH] [--json]")
	fmt.Println("Show the resolved configuration or one node of it. Secrets are redacted.")
}

func printConfigGetHelp() {
	fmt.Println("Usage: payhook config get <path> [--config PATH] [--json]")
	fmt.Println("Read a single value from the resolved configuration.")
}

func printConfigSetHelp() {
	fmt.Println("Usage: payhook config set <path>=<value> [--config PATH] [--dry-run | --apply]")
	fmt.Println("Set a configuration value. provider:NAME.field addresses ingest.providers.NAME.field.")
}

func printDeadLetterListHelp() {
	fmt.Println("Usage: payhook deadletter list [--config PATH] [--limit N] [--all] [--json]")
	fmt.Println("List dead letters, newest first. --all includes replayed entries.")
}

func printDeadLetterReplayHelp() {
	fmt.Println("Usage: payhook deadletter replay <id> [--config PATH]")
	fmt.Println("Reopen the event's dedup record and put it back on the queue with a fresh attempt count.")
}

func runMonitor(args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8081", "Admin API URL")
	token := fs.String("token", os.Getenv("PAYHOOK_API_TOKEN"), "API bearer token (or PAYHOOK_API_TOKEN)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *token == "" {
		fmt.Fprintln(os.Stderr, "Error: API token required. Use --token or PAYHOOK_API_TOKEN env var.")
		return 1
	}

	p := tea.NewProgram(tui.NewMonitor(*apiURL, *token), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

// loadConfigForTool loads configPath, or the discovered config when empty.
func loadConfigForTool(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}
