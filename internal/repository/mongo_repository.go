package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hmonster013/ecommerce-microservice-sub004/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoRepository struct {
	collection *mongo.Collection
}

func NewMongoRepository(db *mongo.Database) CartRepository {
	return &mongoRepository{
		collection: db.Collection("carts"),
	}
}

// notDeleted excludes soft-deleted carts from a query.
func notDeleted() bson.M {
	return bson.M{"$exists": false}
}

func activeFilter(now time.Time) bson.M {
	return bson.M{
		"status":     domain.CartStatusActive,
		"deleted_at": notDeleted(),
		"expires_at": bson.M{"$gt": now},
	}
}

func (m *mongoRepository) GetByID(ctx context.Context, id string) (*domain.Cart, error) {
	var cart domain.Cart

	filter := bson.M{"_id": id, "deleted_at": notDeleted()}
	err := m.collection.FindOne(ctx, filter).Decode(&cart)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}

	return &cart, nil
}

func (m *mongoRepository) FindActiveByIdentity(ctx context.Context, userID, sessionID string) ([]*domain.Cart, error) {
	filter := activeFilter(time.Now())
	filter["user_id"] = userID
	filter["session_id"] = sessionID
	return m.findActive(ctx, filter)
}

func (m *mongoRepository) FindActiveByUser(ctx context.Context, userID string) ([]*domain.Cart, error) {
	filter := activeFilter(time.Now())
	filter["user_id"] = userID
	return m.findActive(ctx, filter)
}

func (m *mongoRepository) FindActiveBySession(ctx context.Context, sessionID string) ([]*domain.Cart, error) {
	filter := activeFilter(time.Now())
	filter["session_id"] = sessionID
	return m.findActive(ctx, filter)
}

// findActive returns matches ordered by most recent activity first, so the
// first element is always the reconciliation primary.
func (m *mongoRepository) findActive(ctx context.Context, filter bson.M) ([]*domain.Cart, error) {
	opts := options.Find().SetSort(bson.D{{Key: "last_activity_at", Value: -1}})
	cursor, err := m.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find active carts: %w", err)
	}
	defer cursor.Close(ctx)

	var carts []*domain.Cart
	if err := cursor.All(ctx, &carts); err != nil {
		return nil, fmt.Errorf("failed to decode carts: %w", err)
	}

	return carts, nil
}

func (m *mongoRepository) FindCheckoutStarted(ctx context.Context, userID, sessionID string) ([]*domain.Cart, error) {
	identity := bson.A{}
	if userID != "" {
		identity = append(identity, bson.M{"user_id": userID})
	}
	if sessionID != "" {
		identity = append(identity, bson.M{"session_id": sessionID})
	}
	if len(identity) == 0 {
		return nil, nil
	}

	filter := bson.M{
		"status":     domain.CartStatusCheckoutStarted,
		"deleted_at": notDeleted(),
		"expires_at": bson.M{"$gt": time.Now()},
		"$or":        identity,
	}
	return m.findActive(ctx, filter)
}

func (m *mongoRepository) Insert(ctx context.Context, cart *domain.Cart) error {
	now := time.Now()
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = now
	}
	cart.UpdatedAt = now
	if cart.Version == 0 {
		cart.Version = 1
	}

	if _, err := m.collection.InsertOne(ctx, cart); err != nil {
		return fmt.Errorf("failed to insert cart: %w", err)
	}

	return nil
}

func (m *mongoRepository) Update(ctx context.Context, cart *domain.Cart) error {
	prev := cart.Version
	cart.Version = prev + 1
	cart.UpdatedAt = time.Now()

	filter := bson.M{"_id": cart.ID, "version": prev}
	res, err := m.collection.ReplaceOne(ctx, filter, cart)
	if err != nil {
		cart.Version = prev
		return fmt.Errorf("failed to update cart: %w", err)
	}

	if res.MatchedCount == 0 {
		cart.Version = prev
		// Distinguish a concurrent writer from a missing document.
		err := m.collection.FindOne(ctx, bson.M{"_id": cart.ID}).Err()
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ErrCartNotFound
		}
		return ErrVersionConflict
	}

	return nil
}

func (m *mongoRepository) SoftDelete(ctx context.Context, id, reason string) error {
	now := time.Now()
	filter := bson.M{"_id": id, "deleted_at": notDeleted()}
	update := bson.M{
		"$set": bson.M{
			"deleted_at":    now,
			"delete_reason": reason,
			"updated_at":    now,
		},
		"$inc": bson.M{"version": 1},
	}

	res, err := m.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to soft-delete cart: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrCartNotFound
	}

	return nil
}

func (m *mongoRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Cart, error) {
	// CHECKOUT_STARTED carts expire too: a checkout that never completed must
	// not keep its identity frozen.
	filter := bson.M{
		"status":     bson.M{"$in": bson.A{domain.CartStatusActive, domain.CartStatusCheckoutStarted}},
		"deleted_at": notDeleted(),
		"expires_at": bson.M{"$lte": now},
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "expires_at", Value: 1}}).
		SetLimit(int64(limit))
	cursor, err := m.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find expired carts: %w", err)
	}
	defer cursor.Close(ctx)

	var carts []*domain.Cart
	if err := cursor.All(ctx, &carts); err != nil {
		return nil, fmt.Errorf("failed to decode expired carts: %w", err)
	}

	return carts, nil
}

func (m *mongoRepository) FindDuplicateActiveIdentities(ctx context.Context, limit int) ([]IdentityRef, error) {
	users, err := m.duplicateKeys(ctx, "user_id", limit)
	if err != nil {
		return nil, err
	}
	sessions, err := m.duplicateKeys(ctx, "session_id", limit)
	if err != nil {
		return nil, err
	}

	refs := make([]IdentityRef, 0, len(users)+len(sessions))
	for _, u := range users {
		refs = append(refs, IdentityRef{UserID: u})
	}
	for _, s := range sessions {
		refs = append(refs, IdentityRef{SessionID: s})
	}

	return refs, nil
}

func (m *mongoRepository) duplicateKeys(ctx context.Context, field string, limit int) ([]string, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"status":     domain.CartStatusActive,
			"deleted_at": notDeleted(),
			field:        bson.M{"$nin": bson.A{nil, ""}},
		}}},
		{{Key: "$group", Value: bson.M{
			"_id":   "$" + field,
			"count": bson.M{"$sum": 1},
		}}},
		{{Key: "$match", Value: bson.M{"count": bson.M{"$gt": 1}}}},
		{{Key: "$limit", Value: limit}},
	}

	cursor, err := m.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate duplicate %s carts: %w", field, err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Key string `bson:"_id"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode duplicate keys: %w", err)
	}

	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.Key
	}

	return keys, nil
}

func (m *mongoRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "status", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "status", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "expires_at", Value: 1}},
		},
	}

	_, err := m.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	return nil
}
