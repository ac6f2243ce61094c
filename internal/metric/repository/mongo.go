package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"iot-platform/monitoring-service/internal/metric/domain"
)

// Collection names.
const (
	MetricsCollection   = "metrics"
	SnapshotsCollection = "weather_logs"
)

type metricDoc struct {
	DeviceID  int64          `bson:"device_id"`
	OwnerID   int64          `bson:"owner_id"`
	Topic     string         `bson:"topic"`
	Data      map[string]any `bson:"data"`
	Timestamp time.Time      `bson:"timestamp"`
}

type snapshotDoc struct {
	Key      string         `bson:"key"`
	Data     map[string]any `bson:"data"`
	LoggedAt time.Time      `bson:"logged_at"`
}

// metricProjection drops _id; the collection is append-only and records are addressed by device/owner and time only.
var metricProjection = bson.D{{Key: "_id", Value: 0}}

// newestFirst orders by timestamp desc, then by _id desc so that equal timestamps return the latest insert first.
var newestFirst = bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}

// MongoStore is a Store backed by MongoDB collections.
type MongoStore struct {
	client    *mongo.Client
	metrics   *mongo.Collection
	snapshots *mongo.Collection
}

// NewMongoStore returns a store using database dbName on client and ensures the
// (device_id, timestamp desc), (owner_id, timestamp desc) and (logged_at desc) indexes.
// The store owns client and disconnects it on Close.
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoStore, error) {
	database := client.Database(dbName)
	s := &MongoStore{
		client:    client,
		metrics:   database.Collection(MetricsCollection),
		snapshots: database.Collection(SnapshotsCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.metrics.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "device_id", Value: 1}, {Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}},
			Options: options.Index().SetName("device_id_timestamp"),
		},
		{
			Keys:    bson.D{{Key: "owner_id", Value: 1}, {Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}},
			Options: options.Index().SetName("owner_id_timestamp"),
		},
	})
	if err != nil {
		return fmt.Errorf("ensure metrics indexes: %w", err)
	}
	_, err = s.snapshots.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "logged_at", Value: -1}, {Key: "_id", Value: -1}},
		Options: options.Index().SetName("logged_at"),
	})
	if err != nil {
		return fmt.Errorf("ensure snapshot indexes: %w", err)
	}
	return nil
}

// Insert persists m.
func (s *MongoStore) Insert(ctx context.Context, m domain.Metric) error {
	doc := metricDoc{
		DeviceID:  m.DeviceID,
		OwnerID:   m.OwnerID,
		Topic:     m.Topic,
		Data:      domain.CloneData(m.Data),
		Timestamp: m.Timestamp.UTC(),
	}
	if _, err := s.metrics.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

// HistoryByDevice returns the latest metrics for deviceID.
func (s *MongoStore) HistoryByDevice(ctx context.Context, deviceID int64, limit int) ([]domain.Metric, error) {
	return s.find(ctx, bson.D{{Key: "device_id", Value: deviceID}}, limit)
}

// ByDateRange returns the latest metrics for deviceID with start <= timestamp <= end.
func (s *MongoStore) ByDateRange(ctx context.Context, deviceID int64, start, end time.Time, limit int) ([]domain.Metric, error) {
	filter := bson.D{
		{Key: "device_id", Value: deviceID},
		{Key: "timestamp", Value: bson.D{{Key: "$gte", Value: start.UTC()}, {Key: "$lte", Value: end.UTC()}}},
	}
	return s.find(ctx, filter, limit)
}

// ByOwner returns the latest metrics across all devices of ownerID.
func (s *MongoStore) ByOwner(ctx context.Context, ownerID int64, limit int) ([]domain.Metric, error) {
	return s.find(ctx, bson.D{{Key: "owner_id", Value: ownerID}}, limit)
}

func (s *MongoStore) find(ctx context.Context, filter bson.D, limit int) ([]domain.Metric, error) {
	if limit <= 0 {
		return []domain.Metric{}, nil
	}
	opts := options.Find().
		SetProjection(metricProjection).
		SetSort(newestFirst).
		SetLimit(int64(limit))
	cur, err := s.metrics.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	var docs []metricDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	out := make([]domain.Metric, len(docs))
	for i, d := range docs {
		out[i] = domain.Metric{
			DeviceID:  d.DeviceID,
			OwnerID:   d.OwnerID,
			Topic:     d.Topic,
			Data:      plainDocument(d.Data),
			Timestamp: d.Timestamp.UTC(),
		}
	}
	return out, nil
}

// InsertSnapshot persists snap.
func (s *MongoStore) InsertSnapshot(ctx context.Context, snap domain.Snapshot) error {
	doc := snapshotDoc{Key: snap.Key, Data: domain.CloneData(snap.Data), LoggedAt: snap.LoggedAt.UTC()}
	if _, err := s.snapshots.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot, or nil if the collection is empty.
func (s *MongoStore) LatestSnapshot(ctx context.Context) (*domain.Snapshot, error) {
	opts := options.FindOne().
		SetProjection(bson.D{{Key: "_id", Value: 0}}).
		SetSort(bson.D{{Key: "logged_at", Value: -1}, {Key: "_id", Value: -1}})
	var doc snapshotDoc
	if err := s.snapshots.FindOne(ctx, bson.D{}, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	return &domain.Snapshot{Key: doc.Key, Data: plainDocument(doc.Data), LoggedAt: doc.LoggedAt.UTC()}, nil
}

// plainDocument rewrites decoded bson.M and bson.A values into plain maps and slices
// so callers see the same shapes as the postgres and memory stores.
func plainDocument(d map[string]any) map[string]any {
	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = plainValue(v)
	}
	return out
}

func plainValue(v any) any {
	switch t := v.(type) {
	case bson.M:
		return plainDocument(t)
	case map[string]any:
		return plainDocument(t)
	case bson.A:
		out := make([]any, len(t))
		for i := range t {
			out[i] = plainValue(t[i])
		}
		return out
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = plainValue(e.Value)
		}
		return out
	case int32:
		return int64(t)
	default:
		return v
	}
}

// Ping checks connectivity to the primary.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
