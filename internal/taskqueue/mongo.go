package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/jobpool/pkg/api"
)

// MongoBroker implements api.Broker on top of MongoDB.
//
// Collection schema:
//
//	{
//	  _id:            string,    // uuid v7, so ids sort in insertion order
//	  tube:           string,
//	  payload:        []byte,
//	  state:          "ready" | "reserved" | "buried",
//	  ready_at:       time.Time,
//	  reserved_until: time.Time,
//	  reserves:       int,
//	  created_at:     time.Time,
//	}
type MongoBroker struct {
	coll  *mongo.Collection
	opts  options
	watch *watchList
}

// Ensure MongoBroker implements api.Broker.
var _ api.Broker = (*MongoBroker)(nil)

// NewMongoBroker creates a Mongo-backed broker.
// dbName defaults to "jobpool", collName to "jobs".
func NewMongoBroker(client *mongo.Client, dbName, collName string, opts ...Option) *MongoBroker {
	if dbName == "" {
		dbName = "jobpool"
	}
	if collName == "" {
		collName = "jobs"
	}
	return &MongoBroker{
		coll:  client.Database(dbName).Collection(collName),
		opts:  buildOptions(100*time.Millisecond, opts),
		watch: newWatchList(),
	}
}

type mongoJobDoc struct {
	ID            string    `bson:"_id"`
	Tube          string    `bson:"tube"`
	Payload       []byte    `bson:"payload"`
	State         string    `bson:"state"`
	ReadyAt       time.Time `bson:"ready_at"`
	ReservedUntil time.Time `bson:"reserved_until"`
	Reserves      int       `bson:"reserves"`
	CreatedAt     time.Time `bson:"created_at"`
}

func (b *MongoBroker) Put(ctx context.Context, tube string, payload []byte, delay time.Duration) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	doc := mongoJobDoc{
		ID:        id.String(),
		Tube:      tube,
		Payload:   payload,
		State:     stateReady,
		ReadyAt:   now.Add(delay),
		CreatedAt: now,
	}
	if _, err := b.coll.InsertOne(ctx, doc); err != nil {
		return "", err
	}
	return doc.ID, nil
}

func (b *MongoBroker) Watch(_ context.Context, tube string) error {
	b.watch.watch(tube)
	return nil
}

func (b *MongoBroker) Ignore(_ context.Context, tube string) error {
	b.watch.ignore(tube)
	return nil
}

func (b *MongoBroker) Reserve(ctx context.Context, timeout time.Duration) (*api.Job, error) {
	return poll(ctx, timeout, b.opts.pollInterval, b.tryReserve)
}

func (b *MongoBroker) tryReserve(ctx context.Context) (*api.Job, error) {
	tubes := b.watch.list()
	if len(tubes) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	filter := bson.M{
		"tube": bson.M{"$in": tubes},
		"$or": bson.A{
			bson.M{"state": stateReady, "ready_at": bson.M{"$lte": now}},
			bson.M{"state": stateReserved, "reserved_until": bson.M{"$lte": now}},
		},
	}
	update := bson.M{
		"$set": bson.M{"state": stateReserved, "reserved_until": b.opts.ttrDeadline(now)},
		"$inc": bson.M{"reserves": 1},
	}
	opts := mongooptions.FindOneAndUpdate().
		SetSort(bson.D{{Key: "ready_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetReturnDocument(mongooptions.After)

	var doc mongoJobDoc
	if err := b.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}

	return &api.Job{
		ID:       doc.ID,
		Tube:     doc.Tube,
		Payload:  doc.Payload,
		Attempts: doc.Reserves - 1,
	}, nil
}

func (b *MongoBroker) Touch(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return b.update(ctx, id,
		bson.M{"_id": id, "state": stateReserved, "reserved_until": bson.M{"$gt": now}},
		bson.M{"$set": bson.M{"reserved_until": b.opts.ttrDeadline(now)}},
	)
}

func (b *MongoBroker) Delete(ctx context.Context, id string) error {
	res, err := b.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("job %q: %w", id, ErrJobNotFound)
	}
	return nil
}

func (b *MongoBroker) Release(ctx context.Context, id string, delay time.Duration) error {
	return b.update(ctx, id,
		bson.M{"_id": id, "state": stateReserved},
		bson.M{"$set": bson.M{
			"state":          stateReady,
			"ready_at":       time.Now().UTC().Add(delay),
			"reserved_until": time.Time{},
		}},
	)
}

func (b *MongoBroker) Bury(ctx context.Context, id string) error {
	return b.update(ctx, id,
		bson.M{"_id": id, "state": stateReserved},
		bson.M{"$set": bson.M{"state": stateBuried, "reserved_until": time.Time{}}},
	)
}

func (b *MongoBroker) update(ctx context.Context, id string, filter, update bson.M) error {
	res, err := b.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("job %q: %w", id, ErrJobNotFound)
	}
	return nil
}

// Len returns the number of ready and reserved jobs.
func (b *MongoBroker) Len(ctx context.Context) (int, error) {
	n, err := b.coll.CountDocuments(ctx, bson.M{"state": bson.M{"$ne": stateBuried}})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close does not disconnect the client, which belongs to the caller.
func (b *MongoBroker) Close() error { return nil }
