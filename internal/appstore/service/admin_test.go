package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/smallbiznis/iapsync/internal/appstore/domain"
	"github.com/smallbiznis/iapsync/internal/dbtest"
	"github.com/smallbiznis/iapsync/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestUpsertProductUpdatesAndInvalidatesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.admin.UpsertProduct(ctx, " "+testProductID+" ", 3)
	require.NoError(t, err)
	assert.Equal(t, testProductID, created.ProductID)

	f.admin.products.SetProduct(*created)

	updated, err := f.admin.UpsertProduct(ctx, testProductID, 4)
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, int64(4), updated.SubscriptionTypeID)

	_, cached := f.admin.products.GetProduct(testProductID)
	assert.False(t, cached)
	assert.Equal(t, int64(1), dbtest.Count(t, f.db, "appstore_product_mappings", ""))
}

func TestUpsertProductValidates(t *testing.T) {
	f := newFixture(t)

	_, err := f.admin.UpsertProduct(context.Background(), "  ", 1)
	assert.ErrorIs(t, err, domain.ErrInvalidProductID)

	_, err = f.admin.UpsertProduct(context.Background(), testProductID, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidSubscriptionType)
}

func TestListProductsPaginates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := f.admin.UpsertProduct(ctx, fmt.Sprintf("product_%d", i), int64(i+1))
		require.NoError(t, err)
	}

	page, err := f.admin.ListProducts(ctx, domain.ListProductsRequest{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Products, 2)
	assert.Equal(t, "product_0", page.Products[0].ProductID)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.NextPageToken)

	var seen []string
	token := ""
	for {
		page, err := f.admin.ListProducts(ctx, domain.ListProductsRequest{PageSize: 2, PageToken: token})
		require.NoError(t, err)
		for _, p := range page.Products {
			seen = append(seen, p.ProductID)
		}
		if !page.HasMore {
			break
		}
		token = page.NextPageToken
	}
	assert.Equal(t, []string{"product_0", "product_1", "product_2", "product_3", "product_4"}, seen)

	_, err = f.admin.ListProducts(ctx, domain.ListProductsRequest{PageToken: "%%%"})
	assert.ErrorIs(t, err, pagination.ErrInvalidPageToken)
}

func TestListProductsEmpty(t *testing.T) {
	f := newFixture(t)

	page, err := f.admin.ListProducts(context.Background(), domain.ListProductsRequest{})
	require.NoError(t, err)
	assert.NotNil(t, page.Products)
	assert.Empty(t, page.Products)
	assert.False(t, page.HasMore)
}

func TestLinkTransactionOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	link, err := f.admin.LinkTransaction(ctx, testOTX, testUserID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.SourceAdmin, link.Source)

	again, err := f.admin.LinkTransaction(ctx, testOTX, testUserID, domain.SourceIOSApp)
	require.NoError(t, err)
	assert.Equal(t, link.ID, again.ID)
	assert.Equal(t, domain.SourceAdmin, again.Source)

	_, err = f.admin.LinkTransaction(ctx, testOTX, testUserID+1, domain.SourceAdmin)
	assert.ErrorIs(t, err, domain.ErrLineageOwnedByAnotherUser)

	_, err = f.admin.LinkTransaction(ctx, "", testUserID, domain.SourceAdmin)
	assert.ErrorIs(t, err, domain.ErrInvalidOriginalTransaction)

	_, err = f.admin.LinkTransaction(ctx, testOTX, 0, domain.SourceAdmin)
	assert.ErrorIs(t, err, domain.ErrInvalidUser)
}

func TestTokenLinkCleanerRemovesPairs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, otx := range []string{"a", "b"} {
		require.NoError(t, f.repo.InsertTokenLink(ctx, f.db, &domain.AccessTokenLink{
			TokenHash:             "hash-1",
			OriginalTransactionID: otx,
			CreatedAt:             baseDate,
		}))
	}
	require.NoError(t, f.repo.InsertTokenLink(ctx, f.db, &domain.AccessTokenLink{
		TokenHash:             "hash-2",
		OriginalTransactionID: "a",
		CreatedAt:             baseDate,
	}))

	cleaner := NewTokenLinkCleaner(f.db, zap.NewNop(), f.repo)
	require.NoError(t, cleaner.OnAccessTokenRemoved(ctx, "hash-1"))
	require.NoError(t, cleaner.OnAccessTokenRemoved(ctx, ""))

	assert.Equal(t, int64(0), dbtest.Count(t, f.db, "appstore_access_token_links", "token_hash = ?", "hash-1"))
	assert.Equal(t, int64(1), dbtest.Count(t, f.db, "appstore_access_token_links", "token_hash = ?", "hash-2"))
}
