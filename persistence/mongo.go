package persistence

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ar-nelson/osmosis/ids"
	"github.com/ar-nelson/osmosis/oplog"
	"github.com/ar-nelson/osmosis/savepoint"
)

// Mongo persists ops and save points as two MongoDB collections: one
// document per op/save point, keyed and indexed by (author, index).
// The op and save-point bodies are stored as JSON text rather than
// BSON: the save-point state keys maps by timestamp and by
// string-or-int path step, which BSON cannot represent.
type Mongo struct {
	ops        *mongo.Collection
	savePoints *mongo.Collection
	meta       *mongo.Collection
	logger     *zap.Logger
}

type mongoOpDoc struct {
	Author string `bson:"author"`
	Index  uint32 `bson:"index"`
	Data   string `bson:"data"`
}

type mongoSavePointDoc struct {
	Author string `bson:"author"`
	Index  uint32 `bson:"index"`
	Data   string `bson:"data"`
}

type mongoMetaDoc struct {
	ID   string `bson:"_id"`
	Uuid string `bson:"uuid"`
}

// NewMongo connects the backend to database, creating the ops/save
// point/meta collections and their (author, index) indexes if needed.
func NewMongo(ctx context.Context, client *mongo.Client, database string, logger *zap.Logger) (*Mongo, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db := client.Database(database)
	m := &Mongo{
		ops:        db.Collection("osmosis_ops"),
		savePoints: db.Collection("osmosis_savepoints"),
		meta:       db.Collection("osmosis_meta"),
		logger:     logger,
	}

	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "author", Value: 1}, {Key: "index", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := m.ops.Indexes().CreateMany(ctx, indexModels); err != nil {
		return nil, errors.Wrap(err, "persistence: creating op indexes")
	}
	if _, err := m.savePoints.Indexes().CreateMany(ctx, indexModels); err != nil {
		return nil, errors.Wrap(err, "persistence: creating savepoint indexes")
	}
	return m, nil
}

func (m *Mongo) Load(ctx context.Context) (Loaded, error) {
	var metaDoc mongoMetaDoc
	err := m.meta.FindOne(ctx, bson.M{"_id": "replica"}).Decode(&metaDoc)
	uuid := ids.NewUuid()
	if err == nil {
		uuid = ids.Uuid(metaDoc.Uuid)
	} else if err != mongo.ErrNoDocuments {
		return Loaded{}, errors.Wrap(err, "persistence: loading meta")
	} else {
		if _, err := m.meta.InsertOne(ctx, mongoMetaDoc{ID: "replica", Uuid: string(uuid)}); err != nil {
			return Loaded{}, errors.Wrap(err, "persistence: seeding meta")
		}
	}

	// Sorting by numeric index then author matches the timestamp total
	// order, so the loaded log is already sorted.
	sortOrder := options.Find().SetSort(bson.D{{Key: "index", Value: 1}, {Key: "author", Value: 1}})

	opCursor, err := m.ops.Find(ctx, bson.M{}, sortOrder)
	if err != nil {
		return Loaded{}, errors.Wrap(err, "persistence: loading ops")
	}
	defer opCursor.Close(ctx)
	var ops []oplog.Op
	for opCursor.Next(ctx) {
		var doc mongoOpDoc
		if err := opCursor.Decode(&doc); err != nil {
			return Loaded{}, errors.Wrap(err, "persistence: decoding op")
		}
		var op oplog.Op
		if err := json.Unmarshal([]byte(doc.Data), &op); err != nil {
			return Loaded{}, errors.Wrap(err, "persistence: decoding op body")
		}
		ops = append(ops, op)
	}

	spCursor, err := m.savePoints.Find(ctx, bson.M{}, sortOrder)
	if err != nil {
		return Loaded{}, errors.Wrap(err, "persistence: loading savepoints")
	}
	defer spCursor.Close(ctx)
	var sps []savepoint.SavePoint
	for spCursor.Next(ctx) {
		var doc mongoSavePointDoc
		if err := spCursor.Decode(&doc); err != nil {
			return Loaded{}, errors.Wrap(err, "persistence: decoding savepoint")
		}
		var sp savepoint.SavePoint
		if err := json.Unmarshal([]byte(doc.Data), &sp); err != nil {
			return Loaded{}, errors.Wrap(err, "persistence: decoding savepoint body")
		}
		sps = append(sps, sp)
	}

	return Loaded{Uuid: uuid, Ops: ops, SavePoints: sps}, nil
}

func (m *Mongo) AddOp(ctx context.Context, op oplog.Op) error {
	data, err := json.Marshal(op)
	if err != nil {
		return errors.Wrap(err, "persistence: encoding op")
	}
	_, err = m.ops.InsertOne(ctx, mongoOpDoc{Author: string(op.Timestamp.Author), Index: op.Timestamp.Index, Data: string(data)})
	if err != nil {
		m.logger.Error("failed to persist op", zap.Error(err), zap.String("timestamp", op.Timestamp.String()))
	}
	return err
}

func (m *Mongo) AddSavePoint(ctx context.Context, sp savepoint.SavePoint) error {
	data, err := json.Marshal(sp)
	if err != nil {
		return errors.Wrap(err, "persistence: encoding savepoint")
	}
	_, err = m.savePoints.InsertOne(ctx, mongoSavePointDoc{Author: string(sp.Timestamp.Author), Index: sp.Timestamp.Index, Data: string(data)})
	if err != nil {
		m.logger.Error("failed to persist savepoint", zap.Error(err), zap.String("timestamp", sp.Timestamp.String()))
	}
	return err
}

func (m *Mongo) DeleteSavePoint(ctx context.Context, ts ids.Timestamp) error {
	_, err := m.savePoints.DeleteOne(ctx, bson.M{"author": string(ts.Author), "index": ts.Index})
	return err
}

func (m *Mongo) DeleteEverythingAfter(ctx context.Context, ts ids.Timestamp) error {
	filter := bson.M{"$or": []bson.M{
		{"index": bson.M{"$gt": ts.Index}},
		{"index": ts.Index, "author": bson.M{"$gt": string(ts.Author)}},
	}}
	if _, err := m.ops.DeleteMany(ctx, filter); err != nil {
		return errors.Wrap(err, "persistence: truncating ops")
	}
	if _, err := m.savePoints.DeleteMany(ctx, filter); err != nil {
		return errors.Wrap(err, "persistence: truncating savepoints")
	}
	return nil
}

func (m *Mongo) Close() error { return nil }
