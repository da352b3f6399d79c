// Package history persists finished deployment jobs so operators can see
// what went to a fleet and when, and which release to redeploy when rolling
// back by hand.
package history

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"fleet-cd/internal/config"
	"fleet-cd/internal/types"
)

// DeploymentRecord is one finished job.
type DeploymentRecord struct {
	JobID       string         `bson:"job_id" json:"job_id"`
	ReleaseID   string         `bson:"release_id" json:"release_id"`
	Service     string         `bson:"service" json:"service"`
	Environment string         `bson:"environment" json:"environment"`
	Hosts       []string       `bson:"hosts" json:"hosts"`
	State       types.JobState `bson:"state" json:"state"`
	User        string         `bson:"user" json:"user"`
	StartedAt   time.Time      `bson:"started_at" json:"started_at"`
	FinishedAt  time.Time      `bson:"finished_at" json:"finished_at"`
}

// MongoHistory stores records in fleet_cd.deploy_history with a TTL index
// so old records expire on their own.
type MongoHistory struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func NewMongoHistory(cfg *config.MongoConfig) (*MongoHistory, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("history store connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("history store ping: %w", err)
	}

	coll := client.Database("fleet_cd").Collection("deploy_history")
	ttlSeconds := int32(cfg.TTLHours * 3600)
	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "service", Value: 1}, {Key: "environment", Value: 1}}},
		{Keys: bson.D{{Key: "release_id", Value: 1}}},
		{Keys: bson.D{{Key: "finished_at", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(ttlSeconds)},
	})
	if err != nil {
		return nil, fmt.Errorf("history store indexes: %w", err)
	}

	return &MongoHistory{client: client, coll: coll}, nil
}

// Record inserts one finished job.
func (h *MongoHistory) Record(ctx context.Context, rec DeploymentRecord) error {
	if rec.JobID == "" || rec.ReleaseID == "" {
		return fmt.Errorf("record needs job_id and release_id")
	}
	if _, err := h.coll.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("insert deployment record: %w", err)
	}
	return nil
}

// Recent returns the latest n records for a service, newest first.
func (h *MongoHistory) Recent(ctx context.Context, service string, n int) ([]DeploymentRecord, error) {
	filter := bson.D{}
	if service != "" {
		filter = bson.D{{Key: "service", Value: service}}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "finished_at", Value: -1}}).
		SetLimit(int64(n))
	cursor, err := h.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []DeploymentRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Close disconnects from the store.
func (h *MongoHistory) Close(ctx context.Context) error {
	return h.client.Disconnect(ctx)
}
