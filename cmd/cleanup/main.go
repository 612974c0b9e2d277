package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/qs3c/persona_go_server/config"
	"github.com/qs3c/persona_go_server/internal/database"
	"github.com/qs3c/persona_go_server/internal/pkg/cron"
	"github.com/qs3c/persona_go_server/internal/pkg/logging"
	"github.com/qs3c/persona_go_server/internal/repository"
)

var (
	dryRun        = flag.Bool("dry-run", true, "Dry run mode, only count expired usage logs")
	retentionDays = flag.Int("days", 0, "Days of usage logs to keep (0 = retention.usage_log_days)")
)

func main() {
	flag.Parse()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLoggerWithService("persona-cleanup", cfg.Log.Level, "text")

	days := *retentionDays
	if days <= 0 {
		days = cfg.Retention.UsageLogDays
	}

	db, err := database.NewMySQL(&cfg.Database)
	if err != nil {
		logger.WithField("error", err.Error()).Fatal("failed to connect database")
	}

	usageRepo := repository.NewUsageLogRepository(db)
	retention := cron.NewService(usageRepo, days, logger)
	cutoff := retention.Cutoff()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	expired, err := usageRepo.CountBefore(ctx, cutoff)
	if err != nil {
		logger.WithField("error", err.Error()).Fatal("failed to count usage logs")
	}

	var deleted int64
	if !*dryRun {
		deleted, err = retention.RunNow(ctx)
		if err != nil {
			logger.WithField("error", err.Error()).Fatal("failed to prune usage logs")
		}
	}

	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("Usage log cleanup")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Retention:   %d days\n", days)
	fmt.Printf("Cutoff:      %s\n", cutoff.Format(time.RFC3339))
	fmt.Printf("Expired:     %d rows\n", expired)
	if *dryRun {
		fmt.Println("DRY RUN MODE - nothing deleted, run with -dry-run=false to delete")
	} else {
		fmt.Printf("Deleted:     %d rows\n", deleted)
	}
	fmt.Println(strings.Repeat("=", 60))
}
