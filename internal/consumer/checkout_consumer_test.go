package consumer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/hmonster013/ecommerce-microservice-sub004/internal/cache"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/domain"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memRepo struct {
	mu    sync.Mutex
	carts map[string]*domain.Cart
}

func newMemRepo(carts ...*domain.Cart) *memRepo {
	r := &memRepo{carts: make(map[string]*domain.Cart)}
	for _, c := range carts {
		cp := *c
		r.carts[c.ID] = &cp
	}
	return r
}

func (r *memRepo) get(id string) *domain.Cart {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.carts[id]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

func (r *memRepo) GetByID(_ context.Context, id string) (*domain.Cart, error) {
	if c := r.get(id); c != nil {
		return c, nil
	}
	return nil, repository.ErrCartNotFound
}

func (r *memRepo) active(match func(*domain.Cart) bool) []*domain.Cart {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Cart
	for _, c := range r.carts {
		if c.Status != domain.CartStatusActive || c.DeletedAt != nil {
			continue
		}
		if match(c) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out
}

func (r *memRepo) FindActiveByIdentity(_ context.Context, userID, sessionID string) ([]*domain.Cart, error) {
	return r.active(func(c *domain.Cart) bool {
		return c.UserID == userID && c.SessionID == sessionID
	}), nil
}

func (r *memRepo) FindActiveByUser(_ context.Context, userID string) ([]*domain.Cart, error) {
	return r.active(func(c *domain.Cart) bool { return c.UserID == userID }), nil
}

func (r *memRepo) FindActiveBySession(_ context.Context, sessionID string) ([]*domain.Cart, error) {
	return r.active(func(c *domain.Cart) bool { return c.SessionID == sessionID }), nil
}

func (r *memRepo) Insert(_ context.Context, cart *domain.Cart) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *cart
	r.carts[cart.ID] = &cp
	return nil
}

func (r *memRepo) Update(_ context.Context, cart *domain.Cart) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.carts[cart.ID]
	if !ok {
		return repository.ErrCartNotFound
	}
	if stored.Version != cart.Version {
		return repository.ErrVersionConflict
	}
	cart.Version++
	cp := *cart
	r.carts[cart.ID] = &cp
	return nil
}

func (r *memRepo) FindCheckoutStarted(_ context.Context, userID, sessionID string) ([]*domain.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var out []*domain.Cart
	for _, c := range r.carts {
		if c.Status != domain.CartStatusCheckoutStarted || c.DeletedAt != nil || c.IsExpired(now) {
			continue
		}
		if (userID != "" && c.UserID == userID) || (sessionID != "" && c.SessionID == sessionID) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) SoftDelete(context.Context, string, string) error { return nil }

func (r *memRepo) FindExpired(context.Context, time.Time, int) ([]*domain.Cart, error) {
	return nil, nil
}

func (r *memRepo) FindDuplicateActiveIdentities(context.Context, int) ([]repository.IdentityRef, error) {
	return nil, nil
}

type memCache struct {
	mu          sync.Mutex
	invalidated []string
}

func (c *memCache) Get(context.Context, string) (*domain.Cart, error) {
	return nil, cache.ErrCacheMiss
}

func (c *memCache) Set(context.Context, *domain.Cart) error { return nil }

func (c *memCache) Invalidate(_ context.Context, cart *domain.Cart) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, cart.ID)
	return nil
}

func (c *memCache) invalidatedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.invalidated...)
}

func activeCart(id, userID string) *domain.Cart {
	now := time.Now()
	return &domain.Cart{
		ID:             id,
		UserID:         userID,
		Status:         domain.CartStatusActive,
		CartType:       domain.CartTypeUser,
		ExpiresAt:      now.Add(24 * time.Hour),
		LastActivityAt: now,
	}
}

func testConsumer(repo *memRepo, cartCache *memCache) *Consumer {
	return &Consumer{repo: repo, cache: cartCache, log: zap.NewNop()}
}

func marshal(t *testing.T, event CheckoutCompletedEvent) []byte {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return payload
}

func TestHandleEvent_ConvertsCartByID(t *testing.T) {
	repo := newMemRepo(activeCart("cart-1", "user-1"))
	cartCache := &memCache{}
	sut := testConsumer(repo, cartCache)

	err := sut.handleEvent(context.Background(), marshal(t, CheckoutCompletedEvent{
		CheckoutID: "chk-1",
		CartID:     "cart-1",
	}))
	require.NoError(t, err)

	assert.Equal(t, domain.CartStatusConverted, repo.get("cart-1").Status)
	assert.Contains(t, cartCache.invalidatedIDs(), "cart-1")
}

func TestHandleEvent_FallsBackToUserLookup(t *testing.T) {
	repo := newMemRepo(activeCart("cart-1", "user-1"))
	sut := testConsumer(repo, &memCache{})

	err := sut.handleEvent(context.Background(), marshal(t, CheckoutCompletedEvent{
		CheckoutID: "chk-1",
		UserID:     "user-1",
	}))
	require.NoError(t, err)
	assert.Equal(t, domain.CartStatusConverted, repo.get("cart-1").Status)
}

func TestHandleEvent_UserFallbackFindsFrozenCart(t *testing.T) {
	frozen := activeCart("cart-1", "user-1")
	frozen.Status = domain.CartStatusCheckoutStarted
	repo := newMemRepo(frozen)
	sut := testConsumer(repo, &memCache{})

	err := sut.handleEvent(context.Background(), marshal(t, CheckoutCompletedEvent{
		CheckoutID: "chk-1",
		UserID:     "user-1",
	}))
	require.NoError(t, err)
	assert.Equal(t, domain.CartStatusConverted, repo.get("cart-1").Status,
		"a cart mid-checkout is the one the event is about")
}

func TestHandleEvent_SessionFallbackFindsFrozenCart(t *testing.T) {
	frozen := activeCart("cart-1", "")
	frozen.SessionID = "sess-1"
	frozen.CartType = domain.CartTypeGuest
	frozen.Status = domain.CartStatusCheckoutStarted
	repo := newMemRepo(frozen)
	sut := testConsumer(repo, &memCache{})

	err := sut.handleEvent(context.Background(), marshal(t, CheckoutCompletedEvent{
		CheckoutID: "chk-1",
		SessionID:  "sess-1",
	}))
	require.NoError(t, err)
	assert.Equal(t, domain.CartStatusConverted, repo.get("cart-1").Status)
}

func TestHandleEvent_MissingCartIsNotAnError(t *testing.T) {
	sut := testConsumer(newMemRepo(), &memCache{})

	err := sut.handleEvent(context.Background(), marshal(t, CheckoutCompletedEvent{
		CheckoutID: "chk-1",
		CartID:     "gone",
	}))
	assert.NoError(t, err)
}

func TestHandleEvent_ReplayIsIdempotent(t *testing.T) {
	repo := newMemRepo(activeCart("cart-1", "user-1"))
	sut := testConsumer(repo, &memCache{})

	payload := marshal(t, CheckoutCompletedEvent{CheckoutID: "chk-1", CartID: "cart-1"})
	require.NoError(t, sut.handleEvent(context.Background(), payload))
	versionAfterFirst := repo.get("cart-1").Version

	require.NoError(t, sut.handleEvent(context.Background(), payload))
	assert.Equal(t, versionAfterFirst, repo.get("cart-1").Version,
		"a replayed event must not rewrite the cart")
}

func TestHandleEvent_MalformedPayload(t *testing.T) {
	sut := testConsumer(newMemRepo(), &memCache{})

	err := sut.handleEvent(context.Background(), []byte("{not json"))
	assert.Error(t, err)
}
