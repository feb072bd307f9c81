package cart

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bnomei/kart-go/internal/domain"
)

var ErrCartNotFound = errors.New("cart not found")

// CustomerCarts persists the carts of logged-in customers, which outlive
// sessions. Consumers define this interface, not the MongoDB
// implementation.
type CustomerCarts interface {
	Get(ctx context.Context, owner string) (*domain.Cart, error)
	Upsert(ctx context.Context, cart *domain.Cart) error
	Delete(ctx context.Context, owner string) error
}

// NewMongoCarts returns a CustomerCarts over the given collection.
func NewMongoCarts(collection *mongo.Collection) CustomerCarts {
	return &mongoRepository{collection: collection}
}

type mongoRepository struct {
	collection *mongo.Collection
}

func (m *mongoRepository) Get(ctx context.Context, owner string) (*domain.Cart, error) {
	var cart domain.Cart

	filter := bson.M{"owner": owner}
	err := m.collection.FindOne(ctx, filter).Decode(&cart)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}

	return &cart, nil
}

func (m *mongoRepository) Upsert(ctx context.Context, cart *domain.Cart) error {
	filter := bson.M{"owner": cart.Owner}
	update := bson.M{"$set": bson.M{
		"owner":      cart.Owner,
		"lines":      cart.Lines,
		"created_at": cart.CreatedAt,
		"updated_at": cart.UpdatedAt,
	}}
	opts := options.Update().SetUpsert(true)

	if _, err := m.collection.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("failed to upsert cart: %w", err)
	}
	return nil
}

func (m *mongoRepository) Delete(ctx context.Context, owner string) error {
	res, err := m.collection.DeleteOne(ctx, bson.M{"owner": owner})
	if err != nil {
		return fmt.Errorf("failed to delete cart: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrCartNotFound
	}
	return nil
}
