package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
)

var blushM = domain.StockCell{Kind: domain.StockKindVariations, Color: "Blush", Size: "M"}

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func seedDress(t *testing.T, store *ProductStore, blushQty int) {
	t.Helper()
	err := store.SaveProduct(context.Background(), domain.Product{
		ID:       "dress-1",
		Name:     "Floral Dress",
		XPReward: 50,
		Variations: []domain.ColorVariation{
			{ColorName: "Blush", SizeStock: []domain.SizeStock{{Size: "M", Quantity: blushQty}, {Size: "L", Quantity: 1}}},
			{ColorName: "Navy", SizeStock: []domain.SizeStock{{Size: "M", Quantity: 1}}},
		},
	})
	require.NoError(t, err)
}

func TestProductStore_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)
	store := NewProductStore(client, nil)
	seedDress(t, store, 3)

	product, err := store.GetProduct(ctx, "dress-1")
	require.NoError(t, err)
	require.Equal(t, "Floral Dress", product.Name)
	require.Equal(t, domain.StockKindVariations, product.StockKind())
	require.Equal(t, 5, product.TotalStock)
	require.Equal(t, product.TotalStock, sumStock(product))
	require.Len(t, product.Sizes, 2)
	require.False(t, product.UpdatedAt.IsZero())

	_, err = store.GetProduct(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrProductNotFound)
}

func TestProductStore_ClaimAndRelease(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)
	store := NewProductStore(client, nil)
	seedDress(t, store, 2)

	require.NoError(t, store.Claim(ctx, "order-1", []domain.ClaimLine{{ProductID: "dress-1", Cell: blushM, Quantity: 2}}))

	product, err := store.GetProduct(ctx, "dress-1")
	require.NoError(t, err)
	qty, _ := product.Available(blushM)
	require.Equal(t, 0, qty)
	require.Equal(t, 2, product.TotalStock)
	require.EqualValues(t, 2, product.SalesCount)

	// повторное списание по тому же заказу ничего не меняет
	require.NoError(t, store.Claim(ctx, "order-1", []domain.ClaimLine{{ProductID: "dress-1", Cell: blushM, Quantity: 2}}))

	err = store.Claim(ctx, "order-2", []domain.ClaimLine{{ProductID: "dress-1", Cell: blushM, Quantity: 1}})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	require.ErrorIs(t, err, domain.ErrDeductionRace)
	var stockErr *domain.StockError
	require.True(t, errors.As(err, &stockErr))
	require.Equal(t, "Floral Dress", stockErr.ProductName)
	require.Zero(t, stockErr.Available)

	claimed, err := store.HasClaim(ctx, "order-1")
	require.NoError(t, err)
	require.True(t, claimed)

	released, err := store.Release(ctx, "order-1")
	require.NoError(t, err)
	require.True(t, released)

	product, err = store.GetProduct(ctx, "dress-1")
	require.NoError(t, err)
	qty, _ = product.Available(blushM)
	require.Equal(t, 2, qty)
	require.Equal(t, 4, product.TotalStock)
	require.Zero(t, product.SalesCount)

	released, err = store.Release(ctx, "order-1")
	require.NoError(t, err)
	require.False(t, released)
}

func TestProductStore_ClaimIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)
	store := NewProductStore(client, nil)
	seedDress(t, store, 5)
	require.NoError(t, store.SaveProduct(ctx, domain.Product{ID: "tee", Name: "Basic Tee", Sizes: []domain.SizeStock{{Size: "M", Quantity: 1}}}))

	err := store.Claim(ctx, "order-1", []domain.ClaimLine{
		{ProductID: "dress-1", Cell: blushM, Quantity: 1},
		{ProductID: "tee", Cell: domain.StockCell{Kind: domain.StockKindSizes, Size: "M"}, Quantity: 2},
	})
	var stockErr *domain.StockError
	require.True(t, errors.As(err, &stockErr))
	require.Equal(t, "tee", stockErr.ProductID)
	require.Equal(t, 1, stockErr.Available)
	require.Equal(t, 2, stockErr.Requested)

	product, err := store.GetProduct(ctx, "dress-1")
	require.NoError(t, err)
	qty, _ := product.Available(blushM)
	require.Equal(t, 5, qty)

	claimed, err := store.HasClaim(ctx, "order-1")
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestProductStore_ClaimFailureCodes(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)
	store := NewProductStore(client, nil)
	seedDress(t, store, 1)

	err := store.Claim(ctx, "order-1", []domain.ClaimLine{{ProductID: "ghost", Cell: blushM, Quantity: 1}})
	require.ErrorIs(t, err, domain.ErrProductNotFound)

	err = store.Claim(ctx, "order-2", []domain.ClaimLine{{
		ProductID: "dress-1",
		Cell:      domain.StockCell{Kind: domain.StockKindVariations, Color: "Navy", Size: "XL"},
		Quantity:  1,
	}})
	require.ErrorIs(t, err, domain.ErrSizeUnavailableForColor)
}

func TestProductStore_FlatStock(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)
	store := NewProductStore(client, nil)
	require.NoError(t, store.SaveProduct(ctx, domain.Product{ID: "scarf", Name: "Silk Scarf", TotalStock: 3}))

	flat := domain.StockCell{Kind: domain.StockKindFlat}
	require.NoError(t, store.Claim(ctx, "order-1", []domain.ClaimLine{{ProductID: "scarf", Cell: flat, Quantity: 2}}))

	product, err := store.GetProduct(ctx, "scarf")
	require.NoError(t, err)
	require.Equal(t, 1, product.TotalStock)
	require.EqualValues(t, 2, product.SalesCount)
}

func TestProductStore_NoOversellUnderConcurrency(t *testing.T) {
	const buyers = 20
	ctx := context.Background()
	client, _ := newTestClient(t)
	store := NewProductStore(client, nil)
	seedDress(t, store, buyers-1)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.Claim(ctx, fmt.Sprintf("order-%d", i), []domain.ClaimLine{{ProductID: "dress-1", Cell: blushM, Quantity: 1}})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			if errors.Is(err, domain.ErrInsufficientStock) {
				rejected++
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, buyers-1, succeeded)
	require.Equal(t, 1, rejected)

	product, err := store.GetProduct(ctx, "dress-1")
	require.NoError(t, err)
	qty, _ := product.Available(blushM)
	require.Equal(t, 0, qty)
	require.Equal(t, product.TotalStock, sumStock(product))
}

func TestProductStore_IncrementViews(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)
	store := NewProductStore(client, nil)
	seedDress(t, store, 1)

	views, err := store.IncrementViews(ctx, "dress-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, views)
	views, err = store.IncrementViews(ctx, "dress-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, views)

	_, err = store.IncrementViews(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrProductNotFound)
}

func TestProductStore_SaveKeepsCounters(t *testing.T) {
	ctx := context.Background()
	client, srv := newTestClient(t)
	store := NewProductStore(client, nil)
	seedDress(t, store, 3)

	require.NoError(t, store.Claim(ctx, "order-1", []domain.ClaimLine{{ProductID: "dress-1", Cell: blushM, Quantity: 2}}))
	_, err := store.IncrementViews(ctx, "dress-1")
	require.NoError(t, err)

	// пересохранение с новой сеткой: счётчики остаются, убранная ячейка исчезает
	require.NoError(t, store.SaveProduct(ctx, domain.Product{
		ID:   "dress-1",
		Name: "Floral Dress",
		Variations: []domain.ColorVariation{
			{ColorName: "Blush", SizeStock: []domain.SizeStock{{Size: "M", Quantity: 4}}},
		},
	}))

	product, err := store.GetProduct(ctx, "dress-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, product.SalesCount)
	require.EqualValues(t, 1, product.ViewCount)
	require.Equal(t, 4, product.TotalStock)
	require.Empty(t, srv.HGet(stockKey("dress-1"), "v|Navy|M"))
	require.Equal(t, "2", srv.HGet(stockKey("dress-1"), fieldSales))
}

func TestProductStore_SaveDoesNotLoseConcurrentViews(t *testing.T) {
	const viewers = 50
	ctx := context.Background()
	client, _ := newTestClient(t)
	store := NewProductStore(client, nil)
	seedDress(t, store, 3)

	product, err := store.GetProduct(ctx, "dress-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, viewers+5)
	for i := 0; i < viewers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.IncrementViews(ctx, "dress-1")
			errs <- err
		}()
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.SaveProduct(ctx, product)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	product, err = store.GetProduct(ctx, "dress-1")
	require.NoError(t, err)
	require.EqualValues(t, viewers, product.ViewCount)
	require.Equal(t, 5, product.TotalStock)
}

func TestOpen_PingsServer(t *testing.T) {
	_, srv := newTestClient(t)

	client, err := Open(context.Background(), Options{Addr: srv.Addr()})
	require.NoError(t, err)
	require.NoError(t, client.Close())

	addr := srv.Addr()
	srv.Close()
	_, err = Open(context.Background(), Options{Addr: addr})
	require.Error(t, err)
}

// sumStock — сумма по авторитетной разбивке; у согласованного товара равна TotalStock.
func sumStock(p domain.Product) int {
	total := 0
	switch p.StockKind() {
	case domain.StockKindVariations:
		for _, v := range p.Variations {
			for _, s := range v.SizeStock {
				total += s.Quantity
			}
		}
	case domain.StockKindSizes:
		for _, s := range p.Sizes {
			total += s.Quantity
		}
	default:
		total = p.TotalStock
	}
	return total
}
