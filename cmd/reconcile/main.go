package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/chicplay/internal/app"
)

func main() {
	var (
		grace   time.Duration
		timeout time.Duration
	)
	flag.DurationVar(&grace, "grace", 0, "minimum saga age to reconcile (0 = CHICPLAY_RECONCILE_GRACE)")
	flag.DurationVar(&timeout, "timeout", 2*time.Minute, "overall timeout")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := app.LoadConfigFromEnv()
	if err != nil {
		fail("load config: %v", err)
	}
	if grace > 0 {
		cfg.ReconcileGrace = grace
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	report, err := app.ReconcileOnce(ctx, cfg)
	if err != nil {
		cancel()
		fail("reconcile: %v", err)
	}
	fmt.Println(formatReport(report.Scanned, report.Completed, report.Compensated, report.Failed, report.Skipped))
	if report.Failed > 0 {
		cancel()
		os.Exit(2)
	}
}

func formatReport(scanned, completed, compensated, failed, skipped int) string {
	return fmt.Sprintf("reconcile: scanned=%d completed=%d compensated=%d failed=%d skipped=%d",
		scanned, completed, compensated, failed, skipped)
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
