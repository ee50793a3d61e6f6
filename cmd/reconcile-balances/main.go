package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/budget_backend/config"
	"bitbucket.org/mmdatafocus/budget_backend/utils"
	"bitbucket.org/mmdatafocus/budget_backend/workflow"
	"github.com/sirupsen/logrus"
)

// Drift sweep for operators. Detection only by default; --rebuild rewrites
// the drifted balances (and logs a balance_rebuild row per account).
func main() {
	accountID := flag.Int("account-id", 0, "Optional: reconcile a single account")
	rebuild := flag.Bool("rebuild", false, "Rewrite drifted balances instead of only reporting them")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	ctx := utils.SetSkipOwnerScopeInContext(context.Background(), true)

	var drifted []workflow.DriftReport
	if *accountID > 0 {
		if err := workflow.ReconcileAccount(ctx, db, *accountID); err != nil {
			drifted = append(drifted, workflow.DriftReport{AccountId: *accountID, Detail: err.Error()})
		}
	} else {
		var err error
		drifted, err = workflow.ReconcileAllAccounts(ctx, db)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "reconcile-balances"}).Error(err.Error())
			os.Exit(1)
		}
	}

	if len(drifted) == 0 {
		logger.Info("no balance drift detected")
		return
	}
	for _, report := range drifted {
		logger.WithFields(logrus.Fields{
			"account_id": report.AccountId,
			"detail":     report.Detail,
		}).Warn("balance drift")
		if *rebuild {
			balance, err := workflow.RebuildAccountBalance(ctx, db, report.AccountId)
			if err != nil {
				logger.WithFields(logrus.Fields{"account_id": report.AccountId}).Error(err.Error())
				continue
			}
			logger.WithFields(logrus.Fields{
				"account_id": report.AccountId,
				"balance":    balance.String(),
			}).Info("balance rebuilt")
		}
	}
	if !*rebuild {
		os.Exit(2)
	}
}
