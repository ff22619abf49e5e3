package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"stopkeeper/pkg/types"
)

const (
	collOrderState = "order_state"
	collPositions  = "positions"
	collStopLimits = "stoplimit_repository"
	collProgress   = "tracker_progress"
)

// Mongo is the document-DB backed Store.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

// OpenMongo connects to the document DB at uri and pings it.
func OpenMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &Mongo{client: client, db: client.Database(database)}, nil
}

// EnsureIndexes creates the query indexes the reconciler depends on.
// The symbol-keyed collections use _id=symbol, which is unique by nature.
func (s *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(collOrderState).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "symbol", Value: 1}, {Key: "side", Value: 1}, {Key: "statusNorm", Value: 1}}},
		{Keys: bson.D{{Key: "statusNorm", Value: 1}, {Key: "side", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create order_state indexes: %w", err)
	}
	return nil
}

func (s *Mongo) upsert(ctx context.Context, coll string, id interface{}, doc interface{}) error {
	_, err := s.db.Collection(coll).ReplaceOne(ctx,
		bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert %s: %w", coll, err)
	}
	return nil
}

func (s *Mongo) delete(ctx context.Context, coll string, id interface{}) error {
	_, err := s.db.Collection(coll).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete %s: %w", coll, err)
	}
	return nil
}

func (s *Mongo) UpsertOrderState(ctx context.Context, order types.Order) error {
	return s.upsert(ctx, collOrderState, order.BrokerOrderID, order)
}

func (s *Mongo) DeleteOrderState(ctx context.Context, brokerOrderID string) error {
	return s.delete(ctx, collOrderState, brokerOrderID)
}

func (s *Mongo) LoadAllActiveOrders(ctx context.Context) ([]types.Order, error) {
	cur, err := s.db.Collection(collOrderState).Find(ctx, bson.M{"statusNorm": types.StatusActive})
	if err != nil {
		return nil, fmt.Errorf("find active orders: %w", err)
	}
	var out []types.Order
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode active orders: %w", err)
	}
	return out, nil
}

func (s *Mongo) UpsertPosition(ctx context.Context, pos types.Position) error {
	return s.upsert(ctx, collPositions, pos.Symbol, pos)
}

func (s *Mongo) DeletePosition(ctx context.Context, symbol string) error {
	return s.delete(ctx, collPositions, symbol)
}

func (s *Mongo) FindPosition(ctx context.Context, symbol string) (*types.Position, error) {
	var pos types.Position
	err := s.db.Collection(collPositions).FindOne(ctx, bson.M{"_id": symbol}).Decode(&pos)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find position: %w", err)
	}
	return &pos, nil
}

func (s *Mongo) UpsertStopLimitEntry(ctx context.Context, entry types.StopLimitEntry) error {
	return s.upsert(ctx, collStopLimits, entry.Symbol, entry)
}

func (s *Mongo) DeleteStopLimitEntry(ctx context.Context, symbol string) error {
	return s.delete(ctx, collStopLimits, symbol)
}

func (s *Mongo) FindActiveStopLimitBySymbol(ctx context.Context, symbol string) (*types.StopLimitEntry, error) {
	var entry types.StopLimitEntry
	err := s.db.Collection(collStopLimits).FindOne(ctx, bson.M{"_id": symbol}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find stoplimit entry: %w", err)
	}
	// Status filtering happens here rather than in the query so the
	// normalization table stays in exactly one place.
	if types.NormalizeStatus(entry.StatusRaw) != types.StatusActive {
		return nil, ErrNotFound
	}
	return &entry, nil
}

func (s *Mongo) LoadAllActiveStopLimitEntries(ctx context.Context) ([]types.StopLimitEntry, error) {
	cur, err := s.db.Collection(collStopLimits).Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("find stoplimit entries: %w", err)
	}
	var rows []types.StopLimitEntry
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decode stoplimit entries: %w", err)
	}
	out := rows[:0]
	for _, entry := range rows {
		if types.NormalizeStatus(entry.StatusRaw) == types.StatusActive {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *Mongo) UpsertTrackerProgress(ctx context.Context, progress types.TrackerProgress) error {
	return s.upsert(ctx, collProgress, progress.Symbol, progress)
}

func (s *Mongo) DeleteTrackerProgress(ctx context.Context, symbol string) error {
	return s.delete(ctx, collProgress, symbol)
}

func (s *Mongo) LoadAllTrackerProgress(ctx context.Context) ([]types.TrackerProgress, error) {
	cur, err := s.db.Collection(collProgress).Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("find tracker progress: %w", err)
	}
	var out []types.TrackerProgress
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode tracker progress: %w", err)
	}
	return out, nil
}

func (s *Mongo) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
