package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ReconcileConfig is the operator-editable part of reconciliation: which
// payment status each lifecycle event produces and which App Store products
// map to which internal subscription types.
type ReconcileConfig struct {
	Statuses StatusTaxonomy `mapstructure:"statuses"`
	Products []ProductSeed  `mapstructure:"products"`
}

type StatusTaxonomy struct {
	Allowed []string `mapstructure:"allowed"`
	// Precedence lists statuses weakest first. A termination never replaces
	// a status ranked above the one it maps to.
	Precedence []string `mapstructure:"precedence"`

	InitialBuy         string `mapstructure:"initial_buy"`
	Renewal            string `mapstructure:"renewal"`
	DidRecover         string `mapstructure:"did_recover"`
	InteractiveRenewal string `mapstructure:"interactive_renewal"`
	Cancel             string `mapstructure:"cancel"`
	Refund             string `mapstructure:"refund"`
	DidFailToRenew     string `mapstructure:"did_fail_to_renew"`
}

type ProductSeed struct {
	ProductID          string `mapstructure:"product_id"`
	SubscriptionTypeID int64  `mapstructure:"subscription_type_id"`
}

const (
	StatusPrepaid       = "prepaid"
	StatusPaid          = "paid"
	StatusRefund        = "refund"
	StatusFail          = "fail"
	StatusPrepaidRefund = "prepaid_refund"
)

func DefaultReconcileConfig() ReconcileConfig {
	return ReconcileConfig{
		Statuses: StatusTaxonomy{
			Allowed:            []string{StatusPrepaid, StatusPaid, StatusRefund, StatusFail, StatusPrepaidRefund},
			Precedence:         []string{StatusPrepaid, StatusPaid, StatusFail, StatusPrepaidRefund, StatusRefund},
			InitialBuy:         StatusPrepaid,
			Renewal:            StatusPrepaid,
			DidRecover:         StatusPrepaid,
			InteractiveRenewal: StatusPrepaid,
			Cancel:             StatusRefund,
			Refund:             StatusRefund,
			DidFailToRenew:     StatusFail,
		},
	}
}

// Status returns the configured payment status for a notification kind
// (INITIAL_BUY, CANCEL, ...). Unknown kinds return "".
func (t StatusTaxonomy) Status(kind string) string {
	switch strings.ToUpper(strings.TrimSpace(kind)) {
	case "INITIAL_BUY":
		return t.InitialBuy
	case "RENEWAL":
		return t.Renewal
	case "DID_RECOVER":
		return t.DidRecover
	case "INTERACTIVE_RENEWAL":
		return t.InteractiveRenewal
	case "CANCEL":
		return t.Cancel
	case "REFUND":
		return t.Refund
	case "DID_FAIL_TO_RENEW":
		return t.DidFailToRenew
	default:
		return ""
	}
}

// Resolve returns the status a payment ends up with when an event mapping to
// next reaches a payment currently in current. Statuses missing from
// Precedence never block a change.
func (t StatusTaxonomy) Resolve(current, next string) string {
	if t.rank(current) > t.rank(next) {
		return current
	}
	return next
}

func (t StatusTaxonomy) rank(status string) int {
	status = strings.TrimSpace(status)
	for i, candidate := range t.Precedence {
		if strings.TrimSpace(candidate) == status {
			return i
		}
	}
	return -1
}

type ReconcileConfigHolder struct {
	current atomic.Value // holds ReconcileConfig
}

// NewStaticReconcileConfigHolder returns a holder that never reloads.
func NewStaticReconcileConfigHolder(cfg ReconcileConfig) (*ReconcileConfigHolder, error) {
	if err := validateReconcileConfig(cfg); err != nil {
		return nil, err
	}
	holder := &ReconcileConfigHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func NewReconcileConfigHolder(cfg Config, log *zap.Logger) (*ReconcileConfigHolder, error) {
	log = log.Named("config.reconcile")
	v := viper.New()

	if cfg.ReconcileConfigPath != "" {
		v.SetConfigFile(cfg.ReconcileConfigPath)
	} else {
		v.SetConfigName("reconcile")
		v.SetConfigType("yml")
		v.AddConfigPath("/var/lib/iapsync/config")
		v.AddConfigPath("/etc/iapsync")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("IAPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setReconcileDefaults(v, DefaultReconcileConfig())

	watch := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read reconcile config: %w", err)
		}
		watch = false
		log.Info("reconcile config file not found, using defaults")
	}

	current, err := decodeReconcileConfig(v)
	if err != nil {
		return nil, err
	}
	if err := validateReconcileConfig(current); err != nil {
		return nil, err
	}

	holder := &ReconcileConfigHolder{}
	holder.current.Store(current)

	if watch {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeReconcileConfig(v)
			if err != nil {
				log.Warn("reconcile config reload failed", zap.Error(err))
				return
			}
			if err := validateReconcileConfig(updated); err != nil {
				log.Warn("invalid reconcile config ignored", zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("reconcile config reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

func (h *ReconcileConfigHolder) Get() ReconcileConfig {
	return h.current.Load().(ReconcileConfig)
}

// decodeReconcileConfig goes through AllSettings so file values are merged
// with per-key defaults instead of replacing the whole section.
func decodeReconcileConfig(v *viper.Viper) (ReconcileConfig, error) {
	var root struct {
		Reconcile ReconcileConfig `mapstructure:"reconcile"`
	}
	if err := v.Unmarshal(&root); err != nil {
		return ReconcileConfig{}, err
	}
	return root.Reconcile, nil
}

func setReconcileDefaults(v *viper.Viper, defaults ReconcileConfig) {
	s := defaults.Statuses
	v.SetDefault("reconcile.statuses.allowed", s.Allowed)
	v.SetDefault("reconcile.statuses.precedence", s.Precedence)
	v.SetDefault("reconcile.statuses.initial_buy", s.InitialBuy)
	v.SetDefault("reconcile.statuses.renewal", s.Renewal)
	v.SetDefault("reconcile.statuses.did_recover", s.DidRecover)
	v.SetDefault("reconcile.statuses.interactive_renewal", s.InteractiveRenewal)
	v.SetDefault("reconcile.statuses.cancel", s.Cancel)
	v.SetDefault("reconcile.statuses.refund", s.Refund)
	v.SetDefault("reconcile.statuses.did_fail_to_renew", s.DidFailToRenew)
}

func validateReconcileConfig(cfg ReconcileConfig) error {
	s := cfg.Statuses
	values := map[string]string{
		"initial_buy":         s.InitialBuy,
		"renewal":             s.Renewal,
		"did_recover":         s.DidRecover,
		"interactive_renewal": s.InteractiveRenewal,
		"cancel":              s.Cancel,
		"refund":              s.Refund,
		"did_fail_to_renew":   s.DidFailToRenew,
	}
	allowed := make(map[string]struct{}, len(s.Allowed))
	for _, status := range s.Allowed {
		allowed[strings.TrimSpace(status)] = struct{}{}
	}
	for key, status := range values {
		status = strings.TrimSpace(status)
		if status == "" {
			return fmt.Errorf("reconcile.statuses.%s cannot be empty", key)
		}
		if len(allowed) > 0 {
			if _, ok := allowed[status]; !ok {
				return fmt.Errorf("reconcile.statuses.%s: status %q is not in reconcile.statuses.allowed", key, status)
			}
		}
	}
	if len(allowed) > 0 {
		for _, status := range s.Precedence {
			if _, ok := allowed[strings.TrimSpace(status)]; !ok {
				return fmt.Errorf("reconcile.statuses.precedence: status %q is not in reconcile.statuses.allowed", status)
			}
		}
	}

	seen := make(map[string]struct{}, len(cfg.Products))
	for i, product := range cfg.Products {
		productID := strings.TrimSpace(product.ProductID)
		if productID == "" {
			return fmt.Errorf("reconcile.products[%d].product_id cannot be empty", i)
		}
		if product.SubscriptionTypeID <= 0 {
			return fmt.Errorf("reconcile.products[%d].subscription_type_id must be positive", i)
		}
		if _, dup := seen[productID]; dup {
			return fmt.Errorf("reconcile.products: duplicate product_id %q", productID)
		}
		seen[productID] = struct{}{}
	}
	return nil
}
