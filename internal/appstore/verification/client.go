package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/iapsync/internal/appstore/domain"
	"github.com/smallbiznis/iapsync/internal/appstore/normalizer"
	"github.com/smallbiznis/iapsync/internal/config"
	"github.com/smallbiznis/iapsync/internal/observability/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// verifyReceipt status codes.
const (
	StatusOK                   = 0
	StatusServerUnavailable    = 21005
	StatusSandboxReceipt       = 21007
	StatusProductionReceipt    = 21008
	StatusInternalDataAccess   = 21009
	maxResponseBytes           = 4 << 20
	defaultVerifyClientTimeout = 15 * time.Second
)

type verifyRequest struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password,omitempty"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions"`
}

// Response is the subset of the verifyReceipt body reconciliation reads.
type Response struct {
	Status            int                        `json:"status"`
	Environment       string                     `json:"environment"`
	IsRetryable       bool                       `json:"is-retryable"`
	LatestReceiptInfo normalizer.ReceiptInfoList `json:"latest_receipt_info"`
	Receipt           struct {
		InApp normalizer.ReceiptInfoList `json:"in_app"`
	} `json:"receipt"`
}

// Entries returns latest_receipt_info, falling back to receipt.in_app.
func (r *Response) Entries() []normalizer.ReceiptEntry {
	if len(r.LatestReceiptInfo) > 0 {
		return r.LatestReceiptInfo
	}
	return r.Receipt.InApp
}

type Client struct {
	httpClient             *http.Client
	log                    *zap.Logger
	productionURL          string
	sandboxURL             string
	password               string
	excludeOldTransactions bool
}

func NewClient(cfg config.AppStoreConfig, log *zap.Logger) *Client {
	timeout := cfg.VerifyTimeout
	if timeout <= 0 {
		timeout = defaultVerifyClientTimeout
	}
	productionURL := strings.TrimSpace(cfg.VerifyURL)
	if productionURL == "" {
		productionURL = config.DefaultVerifyURL
	}
	sandboxURL := strings.TrimSpace(cfg.SandboxVerifyURL)
	if sandboxURL == "" {
		sandboxURL = config.DefaultSandboxVerifyURL
	}
	return &Client{
		httpClient:             &http.Client{Timeout: timeout},
		log:                    log.Named("appstore.verify_client"),
		productionURL:          productionURL,
		sandboxURL:             sandboxURL,
		password:               cfg.SharedSecret,
		excludeOldTransactions: cfg.ExcludeOldTransactions,
	}
}

// Verify posts the receipt to production and follows the environment
// redirect statuses once. No other retries are attempted.
func (c *Client) Verify(ctx context.Context, receiptBlob string) (*Response, error) {
	ctx, span := otel.Tracer("iapsync/appstore").Start(ctx, "appstore.verify_receipt")
	defer span.End()

	target := c.productionURL
	var resp *Response
	for attempt := 0; attempt < 2; attempt++ {
		var err error
		resp, err = c.post(ctx, target, receiptBlob)
		if err != nil {
			span.RecordError(tracing.SafeError(err))
			span.SetStatus(codes.Error, "verification unavailable")
			return nil, err
		}
		switch {
		case resp.Status == StatusSandboxReceipt && target != c.sandboxURL:
			target = c.sandboxURL
			continue
		case resp.Status == StatusProductionReceipt && target != c.productionURL:
			target = c.productionURL
			continue
		}
		break
	}

	span.SetAttributes(tracing.SafeAttributes(
		attribute.Int("appstore.status", resp.Status),
		attribute.String("appstore.environment", resp.Environment),
	)...)

	if err := classifyStatus(resp); err != nil {
		span.SetStatus(codes.Error, err.Error())
		c.log.Warn("receipt verification failed",
			zap.Int("status", resp.Status),
			zap.String("environment", resp.Environment),
			zap.Error(err),
		)
		return nil, err
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, url, receiptBlob string) (*Response, error) {
	body, err := json.Marshal(verifyRequest{
		ReceiptData:            receiptBlob,
		Password:               c.password,
		ExcludeOldTransactions: c.excludeOldTransactions,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrVerificationUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrVerificationUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: verifyReceipt answered %d", domain.ErrVerificationUnavailable, res.StatusCode)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: verifyReceipt answered %d", domain.ErrVerificationRejected, res.StatusCode)
	}

	var out Response
	if err := json.NewDecoder(io.LimitReader(res.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode verifyReceipt response: %v", domain.ErrVerificationUnavailable, err)
	}
	return &out, nil
}

func classifyStatus(resp *Response) error {
	switch {
	case resp.Status == StatusOK:
		return nil
	case resp.Status == StatusServerUnavailable,
		resp.Status == StatusInternalDataAccess,
		resp.Status >= 21100 && resp.Status <= 21199,
		resp.IsRetryable:
		return fmt.Errorf("%w: status %d", domain.ErrVerificationUnavailable, resp.Status)
	default:
		return fmt.Errorf("%w: status %d", domain.ErrVerificationRejected, resp.Status)
	}
}
