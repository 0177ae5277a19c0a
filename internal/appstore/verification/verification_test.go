package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/iapsync/internal/appstore/domain"
	"github.com/smallbiznis/iapsync/internal/appstore/normalizer"
	"github.com/smallbiznis/iapsync/internal/appstore/repository"
	appstoreservice "github.com/smallbiznis/iapsync/internal/appstore/service"
	authdomain "github.com/smallbiznis/iapsync/internal/auth/domain"
	"github.com/smallbiznis/iapsync/internal/cache"
	"github.com/smallbiznis/iapsync/internal/clock"
	"github.com/smallbiznis/iapsync/internal/config"
	"github.com/smallbiznis/iapsync/internal/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const productID = "apple_appstore_test_product_id"

var day0 = time.Date(2066, 1, 2, 15, 4, 5, 0, time.UTC)

// fakeAppStore answers verifyReceipt on two paths, one per environment.
type fakeAppStore struct {
	mu         sync.Mutex
	production func(req verifyRequest) (int, any)
	sandbox    func(req verifyRequest) (int, any)
	calls      []string
	requests   []verifyRequest
}

func (f *fakeAppStore) handler() http.Handler {
	mux := http.NewServeMux()
	serve := func(name string, fn *func(verifyRequest) (int, any)) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			var req verifyRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			f.mu.Lock()
			f.calls = append(f.calls, name)
			f.requests = append(f.requests, req)
			handle := *fn
			f.mu.Unlock()

			status, body := handle(req)
			w.WriteHeader(status)
			if raw, ok := body.(string); ok {
				_, _ = w.Write([]byte(raw))
				return
			}
			_ = json.NewEncoder(w).Encode(body)
		}
	}
	mux.Handle("/production", serve("production", &f.production))
	mux.Handle("/sandbox", serve("sandbox", &f.sandbox))
	return mux
}

func newClient(t *testing.T, fake *fakeAppStore) *Client {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	return NewClient(config.AppStoreConfig{
		SharedSecret:     "shared-secret",
		VerifyURL:        srv.URL + "/production",
		SandboxVerifyURL: srv.URL + "/sandbox",
		VerifyTimeout:    2 * time.Second,
	}, zap.NewNop())
}

func status(code int) func(verifyRequest) (int, any) {
	return func(verifyRequest) (int, any) {
		return http.StatusOK, map[string]any{"status": code}
	}
}

func entry(otx, txID string, start time.Time) map[string]any {
	return map[string]any{
		"original_transaction_id": otx,
		"transaction_id":          txID,
		"product_id":              productID,
		"quantity":                "1",
		"purchase_date_ms":        normalizer.FormatMillis(start),
		"expires_date_ms":         normalizer.FormatMillis(start.Add(31 * 24 * time.Hour)),
	}
}

func receipt(environment string, entries ...map[string]any) func(verifyRequest) (int, any) {
	return func(verifyRequest) (int, any) {
		return http.StatusOK, map[string]any{
			"status":              0,
			"environment":         environment,
			"latest_receipt_info": entries,
		}
	}
}

func TestVerifyFollowsSandboxRedirect(t *testing.T) {
	fake := &fakeAppStore{
		production: status(StatusSandboxReceipt),
		sandbox:    receipt(domain.EnvironmentSandbox, entry("otx", "otx", day0)),
	}
	client := newClient(t, fake)

	resp, err := client.Verify(context.Background(), "cmVjZWlwdA==")
	require.NoError(t, err)
	assert.Equal(t, domain.EnvironmentSandbox, resp.Environment)
	assert.Len(t, resp.Entries(), 1)
	assert.Equal(t, []string{"production", "sandbox"}, fake.calls)
	assert.Equal(t, "cmVjZWlwdA==", fake.requests[0].ReceiptData)
	assert.Equal(t, "shared-secret", fake.requests[0].Password)
}

func TestVerifyClassifiesFailures(t *testing.T) {
	cases := map[string]struct {
		production func(verifyRequest) (int, any)
		want       error
	}{
		"server unavailable": {status(StatusServerUnavailable), domain.ErrVerificationUnavailable},
		"internal data":      {status(StatusInternalDataAccess), domain.ErrVerificationUnavailable},
		"invalid receipt":    {status(21002), domain.ErrVerificationRejected},
		"unauthorized":       {status(21004), domain.ErrVerificationRejected},
		"http 503": {func(verifyRequest) (int, any) {
			return http.StatusServiceUnavailable, "down"
		}, domain.ErrVerificationUnavailable},
		"undecodable": {func(verifyRequest) (int, any) {
			return http.StatusOK, "{not json"
		}, domain.ErrVerificationUnavailable},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			client := newClient(t, &fakeAppStore{production: tc.production, sandbox: status(0)})
			_, err := client.Verify(context.Background(), "cmVjZWlwdA==")
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestVerifyTransportErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	client := NewClient(config.AppStoreConfig{VerifyURL: srv.URL, SandboxVerifyURL: srv.URL}, zap.NewNop())
	_, err := client.Verify(context.Background(), "cmVjZWlwdA==")
	assert.ErrorIs(t, err, domain.ErrVerificationUnavailable)
}

type serviceFixture struct {
	db  *gorm.DB
	svc *Service
}

func newServiceFixture(t *testing.T, fake *fakeAppStore) *serviceFixture {
	t.Helper()

	db := dbtest.Open(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	holder, err := config.NewStaticReconcileConfigHolder(config.DefaultReconcileConfig())
	require.NoError(t, err)
	repo := repository.Provide()
	products := cache.NewProductCache()
	clk := clock.NewFakeClock(day0)

	admin := appstoreservice.NewAdminService(appstoreservice.AdminParams{
		DB: db, Log: zap.NewNop(), GenID: node, Repo: repo, Products: products, Clock: clk,
	})
	_, err = admin.UpsertProduct(context.Background(), productID, 7)
	require.NoError(t, err)

	reconciler := appstoreservice.NewService(appstoreservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Repo: repo, Products: products, Clock: clk, Config: holder,
	})

	svc := NewService(Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Repo:       repo,
		Clock:      clk,
		Client:     newClient(t, fake),
		Reconciler: reconciler,
	})
	return &serviceFixture{db: db, svc: svc}
}

func TestVerifyPurchaseReconcilesOldestFirst(t *testing.T) {
	renewal := entry("otx-1", "tx-2", day0.Add(31*24*time.Hour))
	initial := entry("otx-1", "otx-1", day0)
	f := newServiceFixture(t, &fakeAppStore{
		production: receipt(domain.EnvironmentProduction, renewal, initial),
		sandbox:    status(0),
	})

	ctx := authdomain.WithPrincipal(context.Background(), authdomain.Principal{UserID: 55, TokenHash: "hash-55"})
	result, err := f.svc.VerifyPurchase(ctx, "cmVjZWlwdA==", 55)
	require.NoError(t, err)
	require.Len(t, result.Events, 2)
	require.Len(t, result.Results, 2)
	assert.Equal(t, domain.KindInitialBuy, result.Events[0].Kind())
	assert.Equal(t, domain.KindRenewal, result.Events[1].Kind())
	assert.True(t, result.Created())

	var link domain.TransactionLink
	require.NoError(t, f.db.Where("original_transaction_id = ?", "otx-1").Take(&link).Error)
	assert.Equal(t, snowflake.ID(55), link.UserID)
	assert.Equal(t, domain.SourceIOSApp, link.Source)
	assert.Equal(t, int64(1), dbtest.Count(t, f.db, "appstore_access_token_links", "token_hash = ? AND original_transaction_id = ?", "hash-55", "otx-1"))

	again, err := f.svc.VerifyPurchase(ctx, "cmVjZWlwdA==", 55)
	require.NoError(t, err)
	assert.False(t, again.Created())
	for _, res := range again.Results {
		assert.True(t, res.IdempotentDuplicate)
	}
	assert.Equal(t, int64(2), dbtest.Count(t, f.db, "payments", ""))
}

func TestVerifyPurchaseRejectsForeignLineage(t *testing.T) {
	f := newServiceFixture(t, &fakeAppStore{
		production: receipt(domain.EnvironmentProduction, entry("otx-1", "otx-1", day0)),
		sandbox:    status(0),
	})

	_, err := f.svc.VerifyPurchase(context.Background(), "cmVjZWlwdA==", 1)
	require.NoError(t, err)

	_, err = f.svc.VerifyPurchase(context.Background(), "cmVjZWlwdA==", 2)
	assert.ErrorIs(t, err, domain.ErrLineageOwnedByAnotherUser)
	assert.Equal(t, int64(1), dbtest.Count(t, f.db, "payments", ""))
}

func TestVerifyPurchaseRejectedReceipt(t *testing.T) {
	f := newServiceFixture(t, &fakeAppStore{production: status(21003), sandbox: status(0)})

	_, err := f.svc.VerifyPurchase(context.Background(), "cmVjZWlwdA==", 1)
	assert.ErrorIs(t, err, domain.ErrVerificationRejected)
	assert.Equal(t, int64(0), dbtest.Count(t, f.db, "appstore_transaction_links", ""))
}

func TestVerifyPurchaseValidatesInput(t *testing.T) {
	f := newServiceFixture(t, &fakeAppStore{production: status(0), sandbox: status(0)})

	_, err := f.svc.VerifyPurchase(context.Background(), " ", 1)
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)

	_, err = f.svc.VerifyPurchase(context.Background(), "cmVjZWlwdA==", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidUser)
}

func TestResponseEntriesFallsBackToInApp(t *testing.T) {
	var resp Response
	body := fmt.Sprintf(`{"status":0,"receipt":{"in_app":[{"original_transaction_id":"a","transaction_id":"a","product_id":"p","purchase_date_ms":"%d"}]}}`, day0.UnixMilli())
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	require.Len(t, resp.Entries(), 1)
	assert.Equal(t, "a", resp.Entries()[0].TransactionID.String())
}
