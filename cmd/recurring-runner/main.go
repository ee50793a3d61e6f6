package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/budget_backend/config"
	"bitbucket.org/mmdatafocus/budget_backend/workflow"
	"github.com/sirupsen/logrus"
)

// One-shot batch runner for cron/Cloud Scheduler jobs: processes everything
// due as of now (or --as-of) and exits non-zero if any occurrence failed.
func main() {
	asOfStr := flag.String("as-of", "", "Optional: RFC3339 instant to run as of (defaults to now)")
	timeout := flag.Duration("timeout", 10*time.Minute, "Optional: overall run deadline")
	flag.Parse()

	asOf := time.Now()
	if strings.TrimSpace(*asOfStr) != "" {
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(*asOfStr))
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --as-of: %v\n", err)
			os.Exit(1)
		}
		asOf = parsed
	}

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	sigCtx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	report, err := workflow.RunDue(sigCtx, db, asOf)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "recurring-runner"}).Error(err.Error())
		os.Exit(1)
	}
	logger.WithFields(logrus.Fields{
		"owners":        report.Owners,
		"templates":     report.Templates,
		"posted":        report.Posted,
		"skipped":       report.Skipped,
		"duplicates":    report.Duplicates,
		"failed":        report.Failed,
		"lock_timeouts": report.LockTimeouts,
		"cancelled":     report.Cancelled,
	}).Info("recurring run finished")
	if len(report.HaltedAccounts) > 0 {
		logger.WithFields(logrus.Fields{"accounts": report.HaltedAccounts}).
			Warn("accounts halted by balance drift; run reconcile-balances")
	}
	if report.Failed > 0 {
		os.Exit(1)
	}
}
