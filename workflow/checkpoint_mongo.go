package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"
)

// mongoCheckpoint 是 Checkpoint 在 MongoDB 中的文档形态。
// _id 即 session id，天然保证每会话单文档；State 存 JSON 串避免
// BSON 与 JSON 的数值类型差异渗入引擎。
type mongoCheckpoint struct {
	SessionID string    `bson:"_id"`
	Version   int       `bson:"version"`
	State     string    `bson:"state"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// MongoCheckpointStore 以 ReplaceOne upsert 语义持久化 Checkpoint。
type MongoCheckpointStore struct {
	coll   *mongo.Collection
	logger *zap.Logger
}

// NewMongoCheckpointStore 包装既有客户端的一个集合。
func NewMongoCheckpointStore(client *mongo.Client, database, collection string, logger *zap.Logger) *MongoCheckpointStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MongoCheckpointStore{
		coll:   client.Database(database).Collection(collection),
		logger: logger.With(zap.String("component", "mongo_checkpoint_store")),
	}
}

// NewMongoCheckpointStoreFromURI 连接并 Ping 确认可用。
func NewMongoCheckpointStoreFromURI(ctx context.Context, uri, database, collection string, logger *zap.Logger) (*MongoCheckpointStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping failed: %w", err)
	}
	return NewMongoCheckpointStore(client, database, collection, logger), nil
}

func (s *MongoCheckpointStore) Get(ctx context.Context, sessionID string) (*Checkpoint, error) {
	var doc mongoCheckpoint
	err := s.coll.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("session %q: %w", sessionID, ErrCheckpointNotFound)
		}
		return nil, fmt.Errorf("mongo find: %w", err)
	}

	var state ExecutionState
	if err := json.Unmarshal([]byte(doc.State), &state); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint for session %q: %w", sessionID, err)
	}
	return &Checkpoint{
		SessionID: doc.SessionID,
		Version:   doc.Version,
		State:     &state,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

func (s *MongoCheckpointStore) Put(ctx context.Context, ckpt *Checkpoint) error {
	if ckpt == nil || ckpt.SessionID == "" {
		return fmt.Errorf("checkpoint requires a session id")
	}

	version := 1
	var prev mongoCheckpoint
	err := s.coll.FindOne(ctx, bson.M{"_id": ckpt.SessionID}).Decode(&prev)
	switch {
	case err == nil:
		version = prev.Version + 1
	case errors.Is(err, mongo.ErrNoDocuments):
	default:
		return fmt.Errorf("mongo find version: %w", err)
	}

	stateJSON, err := json.Marshal(ckpt.State.Clone())
	if err != nil {
		return fmt.Errorf("marshal checkpoint state: %w", err)
	}
	updatedAt := ckpt.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	doc := mongoCheckpoint{
		SessionID: ckpt.SessionID,
		Version:   version,
		State:     string(stateJSON),
		UpdatedAt: updatedAt,
	}
	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": ckpt.SessionID}, doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo replace: %w", err)
	}

	s.logger.Debug("checkpoint stored",
		zap.String("session_id", ckpt.SessionID),
		zap.Int("version", version))
	return nil
}

func (s *MongoCheckpointStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": sessionID}); err != nil {
		return fmt.Errorf("mongo delete: %w", err)
	}
	return nil
}

var _ CheckpointStore = (*MongoCheckpointStore)(nil)
