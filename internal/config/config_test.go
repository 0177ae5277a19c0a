package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("REDIS_ENABLED", "yes")
	t.Setenv("LINEAGE_LOCK_TTL", "3")
	t.Setenv("APPSTORE_VERIFY_TIMEOUT", "2s")
	t.Setenv("APPSTORE_SHARED_SECRET", "  s3cret ")

	cfg := Load()

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 3*time.Second, cfg.Redis.LockTTL)
	assert.Equal(t, 2*time.Second, cfg.AppStore.VerifyTimeout)
	assert.Equal(t, "s3cret", cfg.AppStore.SharedSecret)
	assert.Equal(t, DefaultVerifyURL, cfg.AppStore.VerifyURL)
}

func TestGetenvDurationFallsBackOnGarbage(t *testing.T) {
	t.Setenv("X_DURATION", "soon")
	assert.Equal(t, time.Minute, getenvDuration("X_DURATION", time.Minute))
}

func TestStatusTaxonomyDefaults(t *testing.T) {
	statuses := DefaultReconcileConfig().Statuses

	cases := map[string]string{
		"INITIAL_BUY":         StatusPrepaid,
		"renewal":             StatusPrepaid,
		"DID_RECOVER":         StatusPrepaid,
		"INTERACTIVE_RENEWAL": StatusPrepaid,
		"CANCEL":              StatusRefund,
		"REFUND":              StatusRefund,
		"DID_FAIL_TO_RENEW":   StatusFail,
		"PRICE_INCREASE":      "",
	}
	for kind, want := range cases {
		assert.Equal(t, want, statuses.Status(kind), kind)
	}
}

func TestStatusTaxonomyResolveNeverDowngradesRefund(t *testing.T) {
	statuses := DefaultReconcileConfig().Statuses

	assert.Equal(t, StatusRefund, statuses.Resolve(StatusRefund, StatusFail))
	assert.Equal(t, StatusRefund, statuses.Resolve(StatusPrepaidRefund, StatusRefund))
	assert.Equal(t, StatusFail, statuses.Resolve(StatusPrepaid, StatusFail))
	assert.Equal(t, StatusRefund, statuses.Resolve(StatusFail, StatusRefund))
	assert.Equal(t, StatusFail, statuses.Resolve("legacy", StatusFail))
}

func TestValidateReconcileConfigRejectsUnknownPrecedenceStatus(t *testing.T) {
	cfg := DefaultReconcileConfig()
	cfg.Statuses.Precedence = append(cfg.Statuses.Precedence, "voided")

	err := validateReconcileConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "precedence")
}

func TestValidateReconcileConfigRejectsUnknownStatus(t *testing.T) {
	cfg := DefaultReconcileConfig()
	cfg.Statuses.Cancel = "voided"

	err := validateReconcileConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancel")
}

func TestValidateReconcileConfigRejectsDuplicateProducts(t *testing.T) {
	cfg := DefaultReconcileConfig()
	cfg.Products = []ProductSeed{
		{ProductID: "com.example.monthly", SubscriptionTypeID: 1},
		{ProductID: "com.example.monthly", SubscriptionTypeID: 2},
	}

	require.Error(t, validateReconcileConfig(cfg))
}

func TestReconcileConfigHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reconcile.yml")
	content := []byte(`reconcile:
  statuses:
    cancel: prepaid_refund
  products:
    - product_id: com.example.monthly
      subscription_type_id: 42
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	holder, err := NewReconcileConfigHolder(Config{ReconcileConfigPath: path}, zap.NewNop())
	require.NoError(t, err)

	got := holder.Get()
	assert.Equal(t, StatusPrepaidRefund, got.Statuses.Cancel)
	assert.Equal(t, StatusRefund, got.Statuses.Refund)
	assert.Equal(t, DefaultReconcileConfig().Statuses.Precedence, got.Statuses.Precedence)
	require.Len(t, got.Products, 1)
	assert.Equal(t, int64(42), got.Products[0].SubscriptionTypeID)
}
