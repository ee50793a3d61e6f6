package workflow

import (
	"fmt"
	"sort"

	"bitbucket.org/mmdatafocus/budget_backend/utils"
	"gorm.io/gorm"
)

// MySQL advisory locks serialize posting per template and per account. They
// are connection-scoped, so they must be taken and released on the same gorm
// transaction; releasing is still explicit because the session outlives the
// transaction in the pool.

const dbLockWaitSeconds = 10

func templateLockName(recurringId int) string {
	return fmt.Sprintf("recurring_post:%d", recurringId)
}

func accountLockName(accountId int) string {
	return fmt.Sprintf("account_balance:%d", accountId)
}

func acquireDbLock(tx *gorm.DB, name string) error {
	var got *int
	if err := tx.Raw("SELECT GET_LOCK(?, ?)", name, dbLockWaitSeconds).Scan(&got).Error; err != nil {
		return err
	}
	if got == nil || *got != 1 {
		return fmt.Errorf("advisory lock %q: %w", name, utils.ErrLockTimeout)
	}
	return nil
}

func releaseDbLock(tx *gorm.DB, name string) {
	var released int
	tx.Raw("SELECT RELEASE_LOCK(?)", name).Scan(&released)
}

// lockAccounts takes the advisory lock for every account id in ascending
// order. A fixed order across all workers rules out lock-order deadlocks
// between the two legs of a transfer.
func lockAccounts(tx *gorm.DB, accountIds ...int) (release func(), err error) {
	ids := append([]int(nil), accountIds...)
	sort.Ints(ids)
	var held []string
	release = func() {
		for i := len(held) - 1; i >= 0; i-- {
			releaseDbLock(tx, held[i])
		}
	}
	for _, id := range ids {
		name := accountLockName(id)
		if err := acquireDbLock(tx, name); err != nil {
			release()
			return nil, err
		}
		held = append(held, name)
	}
	return release, nil
}
