package credit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllocateDeductionPriorityOrder(t *testing.T) {
	breakdown, daily, expiring, nonExpiring := allocateDeduction(1.0, 2.0, 3.0, 4.0, false)

	assert.Equal(t, 1.0, breakdown.Daily)
	assert.Equal(t, 2.0, breakdown.Expiring)
	assert.Equal(t, 1.0, breakdown.NonExpiring)
	assert.Equal(t, 0.0, daily)
	assert.Equal(t, 0.0, expiring)
	assert.Equal(t, 2.0, nonExpiring)
}

func TestAllocateDeductionDailyCoversAll(t *testing.T) {
	breakdown, daily, expiring, nonExpiring := allocateDeduction(5.0, 2.0, 3.0, 1.5, false)

	assert.Equal(t, 1.5, breakdown.Daily)
	assert.Equal(t, 0.0, breakdown.Expiring)
	assert.Equal(t, 0.0, breakdown.NonExpiring)
	assert.Equal(t, 3.5, daily)
	assert.Equal(t, 2.0, expiring)
	assert.Equal(t, 3.0, nonExpiring)
}

func TestAllocateDeductionAllowNegativeOverdraftsNonExpiring(t *testing.T) {
	breakdown, daily, expiring, nonExpiring := allocateDeduction(0, 0.02, 0.01, 0.05, true)

	assert.Equal(t, 0.0, breakdown.Daily)
	assert.Equal(t, 0.02, breakdown.Expiring)
	assert.InDelta(t, 0.03, breakdown.NonExpiring, 1e-9)
	assert.Equal(t, 0.0, daily)
	assert.Equal(t, 0.0, expiring)
	assert.InDelta(t, -0.02, nonExpiring, 1e-9)
}

func TestAllocateDeductionExactExhaustion(t *testing.T) {
	breakdown, daily, expiring, nonExpiring := allocateDeduction(1.0, 1.0, 1.0, 3.0, false)

	assert.Equal(t, 1.0, breakdown.Daily)
	assert.Equal(t, 1.0, breakdown.Expiring)
	assert.Equal(t, 1.0, breakdown.NonExpiring)
	assert.Equal(t, 0.0, daily+expiring+nonExpiring)
}

func TestApplyExpiringResetZeroesOnlyExpiringPool(t *testing.T) {
	acct := &Account{DailyPool: 100, ExpiringPool: 5, NonExpiringPool: 7, Balance: 112}

	delta := applyExpiringReset(acct, 0)

	assert.Equal(t, -5.0, delta)
	assert.Equal(t, 0.0, acct.ExpiringPool)
	assert.Equal(t, 100.0, acct.DailyPool, "daily pool untouched by an expiry sweep")
	assert.Equal(t, 7.0, acct.NonExpiringPool)
	assert.Equal(t, 107.0, acct.Balance)
}

func TestApplyExpiringResetMonthlyRenewal(t *testing.T) {
	acct := &Account{DailyPool: 1, ExpiringPool: 2, NonExpiringPool: 3, Balance: 6}

	delta := applyExpiringReset(acct, 50)

	assert.Equal(t, 48.0, delta)
	assert.Equal(t, 50.0, acct.ExpiringPool)
	assert.Equal(t, 1.0, acct.DailyPool)
	assert.Equal(t, 3.0, acct.NonExpiringPool)
	assert.Equal(t, 54.0, acct.Balance)
}

func TestReconcilerConfigDefaults(t *testing.T) {
	cfg := ReconcilerConfig{}.withDefaults()

	assert.Equal(t, 24*time.Hour, cfg.OrphanWindow)
	assert.Equal(t, 60*time.Second, cfg.DuplicateWindow)
	assert.Equal(t, 0.01, cfg.DriftTolerance)
	assert.NotNil(t, cfg.TierMonthlyGrant)
}
