package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/mattjoyce/payhook/internal/deadletter"
	"github.com/mattjoyce/payhook/internal/dedup"
)

const deadLetterCommandTimeout = 30 * time.Second

func runDeadLetterList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 50, "Maximum number of entries")
	all := fs.Bool("all", false, "Include replayed entries")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *limit <= 0 {
		fmt.Fprintln(os.Stderr, "Error: --limit must be positive")
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), deadLetterCommandTimeout)
	defer cancel()

	p, err := openPipeline(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer p.Close()

	entries, err := p.deadLetters.List(ctx, deadletter.ListOptions{Limit: *limit, IncludeReplayed: *all})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		if entries == nil {
			entries = []deadletter.Entry{}
		}
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	if len(entries) == 0 {
		fmt.Println("No dead letters.")
		return 0
	}
	fmt.Println(renderDeadLetters(entries))
	return 0
}

func renderDeadLetters(entries []deadletter.Entry) string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		replayed := ""
		if e.Replayed() {
			replayed = e.ReplayedAt.UTC().Format(time.RFC3339)
		}
		rows = append(rows, []string{
			e.ID,
			e.DedupeKey,
			string(e.Event.Kind),
			e.Event.OrderReference,
			strconv.Itoa(e.Attempts),
			e.DeadAt.UTC().Format(time.RFC3339),
			replayed,
			e.Reason,
		})
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "DEDUPE KEY", "KIND", "ORDER", "ATTEMPTS", "DEAD AT", "REPLAYED", "REASON").
		Rows(rows...).
		String()
}

func runDeadLetterReplay(args []string) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	flags, positionals := splitFlagsAndPositionals(args, map[string]bool{"--config": true, "-config": true})
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positionals) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: payhook deadletter replay <id> [--config PATH]")
		return 1
	}
	id := positionals[0]

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), deadLetterCommandTimeout)
	defer cancel()

	p, err := openPipeline(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer p.Close()

	queueID, err := p.replayer.Replay(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, deadletter.ErrNotFound):
		fmt.Fprintf(os.Stderr, "Dead letter %s not found\n", id)
		return 1
	case errors.Is(err, deadletter.ErrAlreadyReplayed):
		fmt.Fprintf(os.Stderr, "Dead letter %s was already replayed\n", id)
		return 1
	case errors.Is(err, dedup.ErrPending):
		fmt.Fprintf(os.Stderr, "Event for dead letter %s is already being processed\n", id)
		return 1
	default:
		fmt.Fprintf(os.Stderr, "Replay failed: %v\n", err)
		return 1
	}

	fmt.Printf("Replayed %s as queue item %s\n", id, queueID)
	return 0
}
