package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mattjoyce/payhook/internal/config"
	"github.com/mattjoyce/payhook/internal/lock"
	"github.com/mattjoyce/payhook/internal/storage"
)

type statusCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type statusReport struct {
	Healthy bool          `json:"healthy"`
	Config  string        `json:"config,omitempty"`
	PID     int           `json:"pid,omitempty"`
	Checks  []statusCheck `json:"checks"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	report := collectStatus(*configPath)

	if *jsonOut {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		for _, c := range report.Checks {
			mark := "✓"
			if !c.OK {
				mark = "✗"
			}
			fmt.Printf("%s %-10s %s\n", mark, c.Name, c.Detail)
		}
	}

	if !report.Healthy {
		return 1
	}
	return 0
}

func collectStatus(configPath string) statusReport {
	report := statusReport{Healthy: true}
	add := func(name string, ok bool, detail string) {
		report.Checks = append(report.Checks, statusCheck{Name: name, OK: ok, Detail: detail})
		if !ok {
			report.Healthy = false
		}
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		add("config", false, err.Error())
		return report
	}
	report.Config = cfg.SourceFile
	add("config", true, cfg.SourceFile)

	if err := checkDatabase(cfg); err != nil {
		add("database", false, err.Error())
	} else {
		add("database", true, cfg.State.Path)
	}

	// Status is informational: a stopped service is not a failed check.
	lockPath := lock.PathFor(cfg.State.Path)
	if pid, running := lockHolder(lockPath); running {
		report.PID = pid
		add("process", true, fmt.Sprintf("running (pid %d)", pid))
	} else {
		add("process", true, "not running")
	}
	return report
}

func checkDatabase(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.PingContext(ctx)
}

// lockHolder reports whether another process holds the lock at path.
func lockHolder(path string) (int, bool) {
	l, err := lock.AcquirePIDLock(path)
	if err == nil {
		_ = l.Release()
		return 0, false
	}
	if errors.Is(err, lock.ErrLocked) {
		pid, _ := lock.HolderPID(path)
		return pid, true
	}
	return 0, false
}
