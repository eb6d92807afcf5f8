package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
)

func setupTestDB(t *testing.T) (CartRepository, func()) {
	ctx := context.Background()

	// Start MongoDB container
	mongoContainer, err := mongodb.Run(ctx, "mongo:7")
	require.NoError(t, err)

	// Get connection string
	uri, err := mongoContainer.ConnectionString(ctx)
	require.NoError(t, err)

	// Connect to MongoDB
	db, err := ConnectMongoDB(ctx, uri, "testdb")
	require.NoError(t, err)

	// Create repository
	repo := NewMongoRepository(db)

	// Create indexes
	mongoRepo := repo.(*mongoRepository)
	err = mongoRepo.CreateIndexes(ctx)
	require.NoError(t, err)

	cleanup := func() {
		if err := mongoContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	}

	return repo, cleanup
}

func newTestCart(userID, sessionID string) *domain.Cart {
	now := time.Now()
	cartType := domain.CartTypeGuest
	if userID != "" {
		cartType = domain.CartTypeUser
	}
	return &domain.Cart{
		ID:        uuid.NewString(),
		UserID:    userID,
		SessionID: sessionID,
		Status:    domain.CartStatusActive,
		CartType:  cartType,
		Currency:  "USD",
		Items: []domain.CartItem{
			{
				ID:        uuid.NewString(),
				ProductID: 1,
				Quantity:  2,
				UnitPrice: decimal.RequireFromString("19.99"),
				AddedAt:   now,
				UpdatedAt: now,
			},
		},
		Subtotal:       decimal.RequireFromString("39.98"),
		TotalAmount:    decimal.RequireFromString("39.98"),
		ExpiresAt:      now.Add(24 * time.Hour),
		LastActivityAt: now,
		CreatedAt:      now,
	}
}

func TestGetByID_NotFound(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	cart, err := repo.GetByID(ctx, "nonexistent")

	assert.ErrorIs(t, err, ErrCartNotFound)
	assert.Nil(t, cart)
}

func TestInsertAndGetByID_DecimalsRoundTrip(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	cart := newTestCart("user123", "")
	require.NoError(t, repo.Insert(ctx, cart))

	got, err := repo.GetByID(ctx, cart.ID)
	require.NoError(t, err)
	assert.Equal(t, cart.ID, got.ID)
	assert.Equal(t, "user123", got.UserID)
	require.Len(t, got.Items, 1)
	assert.True(t, got.Items[0].UnitPrice.Equal(decimal.RequireFromString("19.99")))
	assert.True(t, got.Subtotal.Equal(decimal.RequireFromString("39.98")))
	assert.Equal(t, int64(1), got.Version, "insert must initialize the version")
}

func TestFindActiveByUser(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	cart := newTestCart("user123", "")
	require.NoError(t, repo.Insert(ctx, cart))

	carts, err := repo.FindActiveByUser(ctx, "user123")
	require.NoError(t, err)
	require.Len(t, carts, 1)
	assert.Equal(t, cart.ID, carts[0].ID)

	carts, err = repo.FindActiveByUser(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, carts)
}

func TestFindActiveByUser_OrderedByRecentActivity(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	older := newTestCart("user123", "")
	older.LastActivityAt = time.Now().Add(-time.Hour)
	newer := newTestCart("user123", "")
	require.NoError(t, repo.Insert(ctx, older))
	require.NoError(t, repo.Insert(ctx, newer))

	carts, err := repo.FindActiveByUser(ctx, "user123")
	require.NoError(t, err)
	require.Len(t, carts, 2)
	assert.Equal(t, newer.ID, carts[0].ID, "most recent activity must come first")
}

func TestFindActive_ExcludesExpiredAndNonActive(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	expired := newTestCart("user123", "")
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	converted := newTestCart("user123", "")
	converted.Status = domain.CartStatusConverted
	require.NoError(t, repo.Insert(ctx, expired))
	require.NoError(t, repo.Insert(ctx, converted))

	carts, err := repo.FindActiveByUser(ctx, "user123")
	require.NoError(t, err)
	assert.Empty(t, carts)
}

func TestFindActiveBySession(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	cart := newTestCart("", "sess-1")
	require.NoError(t, repo.Insert(ctx, cart))

	carts, err := repo.FindActiveBySession(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, carts, 1)
	assert.True(t, carts[0].IsGuest())
}

func TestUpdate_VersionConflict(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	cart := newTestCart("user123", "")
	require.NoError(t, repo.Insert(ctx, cart))

	first, err := repo.GetByID(ctx, cart.ID)
	require.NoError(t, err)
	second, err := repo.GetByID(ctx, cart.ID)
	require.NoError(t, err)

	first.CouponCode = "WELCOME10"
	require.NoError(t, repo.Update(ctx, first))

	second.CouponCode = "SAVE20"
	err = repo.Update(ctx, second)
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, err := repo.GetByID(ctx, cart.ID)
	require.NoError(t, err)
	assert.Equal(t, "WELCOME10", got.CouponCode, "the first writer must win")
}

func TestUpdate_MissingCart(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	cart := newTestCart("user123", "")
	cart.Version = 1
	err := repo.Update(context.Background(), cart)
	assert.ErrorIs(t, err, ErrCartNotFound)
}

func TestSoftDelete(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	cart := newTestCart("user123", "")
	require.NoError(t, repo.Insert(ctx, cart))

	require.NoError(t, repo.SoftDelete(ctx, cart.ID, "user request"))

	_, err := repo.GetByID(ctx, cart.ID)
	assert.ErrorIs(t, err, ErrCartNotFound, "soft-deleted carts are invisible to reads")

	carts, err := repo.FindActiveByUser(ctx, "user123")
	require.NoError(t, err)
	assert.Empty(t, carts)

	err = repo.SoftDelete(ctx, cart.ID, "again")
	assert.ErrorIs(t, err, ErrCartNotFound, "double delete must not resurrect the cart")
}

func TestFindCheckoutStarted(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	frozen := newTestCart("user123", "sess-1")
	frozen.Status = domain.CartStatusCheckoutStarted
	require.NoError(t, repo.Insert(ctx, frozen))

	carts, err := repo.FindCheckoutStarted(ctx, "user123", "")
	require.NoError(t, err)
	require.Len(t, carts, 1)

	carts, err = repo.FindCheckoutStarted(ctx, "", "sess-1")
	require.NoError(t, err)
	require.Len(t, carts, 1)

	carts, err = repo.FindCheckoutStarted(ctx, "other", "other")
	require.NoError(t, err)
	assert.Empty(t, carts)
}

func TestFindCheckoutStarted_ExcludesExpired(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	abandoned := newTestCart("user123", "")
	abandoned.Status = domain.CartStatusCheckoutStarted
	abandoned.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, repo.Insert(ctx, abandoned))

	carts, err := repo.FindCheckoutStarted(ctx, "user123", "")
	require.NoError(t, err)
	assert.Empty(t, carts, "an expired checkout must not block the identity")
}

func TestFindExpired(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	expired := newTestCart("user123", "")
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	abandoned := newTestCart("user789", "")
	abandoned.Status = domain.CartStatusCheckoutStarted
	abandoned.ExpiresAt = time.Now().Add(-time.Minute)
	live := newTestCart("user456", "")
	require.NoError(t, repo.Insert(ctx, expired))
	require.NoError(t, repo.Insert(ctx, abandoned))
	require.NoError(t, repo.Insert(ctx, live))

	carts, err := repo.FindExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, carts, 2)

	ids := []string{carts[0].ID, carts[1].ID}
	assert.Contains(t, ids, expired.ID)
	assert.Contains(t, ids, abandoned.ID, "an abandoned checkout must be swept like any expired cart")
}

func TestFindDuplicateActiveIdentities(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, newTestCart("user123", "")))
	require.NoError(t, repo.Insert(ctx, newTestCart("user123", "")))
	require.NoError(t, repo.Insert(ctx, newTestCart("user456", "")))
	require.NoError(t, repo.Insert(ctx, newTestCart("", "sess-1")))
	require.NoError(t, repo.Insert(ctx, newTestCart("", "sess-1")))

	refs, err := repo.FindDuplicateActiveIdentities(ctx, 10)
	require.NoError(t, err)
	require.Len(t, refs, 2)

	var users, sessions []string
	for _, ref := range refs {
		if ref.UserID != "" {
			users = append(users, ref.UserID)
		}
		if ref.SessionID != "" {
			sessions = append(sessions, ref.SessionID)
		}
	}
	assert.Equal(t, []string{"user123"}, users)
	assert.Equal(t, []string{"sess-1"}, sessions)
}
