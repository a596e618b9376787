// Package mongo hosts the MongoDB client used by the continuity store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/loomline/loomline/runtime/artifact"
	"github.com/loomline/loomline/runtime/store"
	"github.com/loomline/loomline/runtime/wire"
)

const (
	defaultCollection = "loomline_sessions"
	defaultOpTimeout  = 5 * time.Second
	storeClientName   = "store-mongo"
)

// Client exposes Mongo-backed operations for session continuity state.
type Client interface {
	health.Pinger

	LoadCursor(ctx context.Context, sessionID string) (int64, error)
	SaveCursor(ctx context.Context, sessionID string, seq int64) error

	LoadSeed(ctx context.Context, sessionID string) (string, error)
	SaveSeed(ctx context.Context, sessionID string, seed string) error

	LoadArtifact(ctx context.Context, sessionID string) (*artifact.Snapshot, error)
	SaveArtifact(ctx context.Context, sessionID string, snap *artifact.Snapshot) error
	ClearArtifact(ctx context.Context, sessionID string) error

	DeleteSession(ctx context.Context, sessionID string) error
}

// Options configures the Mongo continuity client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo    *mongodriver.Client
	sessions collection
	timeout  time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collectionName := opts.Collection
	if collectionName == "" {
		collectionName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collectionName)
	wrapper := mongoCollection{coll: coll}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return storeClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) LoadCursor(ctx context.Context, sessionID string) (int64, error) {
	doc, err := c.loadDocument(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if doc.Cursor == nil {
		return 0, store.ErrNotFound
	}
	return *doc.Cursor, nil
}

func (c *client) SaveCursor(ctx context.Context, sessionID string, seq int64) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	return c.upsertFields(ctx, sessionID, bson.M{"cursor": seq})
}

func (c *client) LoadSeed(ctx context.Context, sessionID string) (string, error) {
	doc, err := c.loadDocument(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if doc.Seed == nil {
		return "", store.ErrNotFound
	}
	return *doc.Seed, nil
}

func (c *client) SaveSeed(ctx context.Context, sessionID string, seed string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	return c.upsertFields(ctx, sessionID, bson.M{"seed": seed})
}

func (c *client) LoadArtifact(ctx context.Context, sessionID string) (*artifact.Snapshot, error) {
	doc, err := c.loadDocument(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		// A session without a recorded snapshot is a normal state.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.Artifact.toSnapshot(), nil
}

func (c *client) SaveArtifact(ctx context.Context, sessionID string, snap *artifact.Snapshot) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if snap == nil {
		return errors.New("snapshot is required")
	}
	return c.upsertFields(ctx, sessionID, bson.M{"artifact": fromSnapshot(snap)})
}

func (c *client) ClearArtifact(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sessionID}
	update := bson.M{
		"$unset": bson.M{"artifact": ""},
		"$set":   bson.M{"updated_at": time.Now().UTC()},
	}
	// No upsert: clearing a session that was never saved must not create one.
	_, err := c.sessions.UpdateOne(ctx, filter, update)
	return err
}

func (c *client) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.sessions.DeleteOne(ctx, bson.M{"session_id": sessionID})
	return err
}

func (c *client) loadDocument(ctx context.Context, sessionID string) (sessionDocument, error) {
	if sessionID == "" {
		return sessionDocument{}, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sessionID}
	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return sessionDocument{}, store.ErrNotFound
		}
		return sessionDocument{}, err
	}
	return doc, nil
}

func (c *client) upsertFields(ctx context.Context, sessionID string, fields bson.M) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	fields["updated_at"] = time.Now().UTC()
	filter := bson.M{"session_id": sessionID}
	update := bson.M{
		"$set":         fields,
		"$setOnInsert": bson.M{"session_id": sessionID},
	}
	_, err := c.sessions.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type sessionDocument struct {
	SessionID string            `bson:"session_id"`
	Cursor    *int64            `bson:"cursor,omitempty"`
	Seed      *string           `bson:"seed,omitempty"`
	Artifact  *artifactDocument `bson:"artifact,omitempty"`
	UpdatedAt time.Time         `bson:"updated_at"`
}

type artifactDocument struct {
	ToolID       string         `bson:"tool_id"`
	EventID      string         `bson:"event_id,omitempty"`
	WorkflowName string         `bson:"workflow_name"`
	Payload      map[string]any `bson:"payload,omitempty"`
	DisplayMode  string         `bson:"display_mode"`
	Timestamp    time.Time      `bson:"timestamp"`
}

func fromSnapshot(snap *artifact.Snapshot) *artifactDocument {
	if snap == nil {
		return nil
	}
	return &artifactDocument{
		ToolID:       snap.ToolID,
		EventID:      snap.EventID,
		WorkflowName: snap.WorkflowName,
		Payload:      clonePayload(snap.Payload),
		DisplayMode:  string(snap.DisplayMode),
		Timestamp:    snap.Timestamp.UTC(),
	}
}

func (doc *artifactDocument) toSnapshot() *artifact.Snapshot {
	if doc == nil {
		return nil
	}
	return &artifact.Snapshot{
		ToolID:       doc.ToolID,
		EventID:      doc.EventID,
		WorkflowName: doc.WorkflowName,
		Payload:      clonePayload(doc.Payload),
		DisplayMode:  wire.DisplayMode(doc.DisplayMode),
		Timestamp:    doc.Timestamp.UTC(),
	}
}

func clonePayload(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func ensureIndexes(ctx context.Context, sessionsColl collection) error {
	sessionIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := sessionsColl.Indexes().CreateOne(ctx, sessionIndex); err != nil {
		return err
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, sessionsColl collection, timeout time.Duration) (*client, error) {
	if sessionsColl == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:    mongoClient,
		sessions: sessionsColl,
		timeout:  timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any,
		opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any,
	opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
