// Package mongodb relays envelopes through a MongoDB collection. Receivers
// watch a change stream for new documents and claim each one by deleting
// it, so an envelope is delivered once even with several readers. The
// deployment must support change streams (a replica set).
package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/logging"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/atomic"

	"github.com/shynome/negortc/signaler"
)

const (
	// CollectionName is where envelopes are stored.
	CollectionName = "envelopes"
	// Lifetime is how long an unclaimed envelope is kept.
	Lifetime = 24 * time.Hour

	keyField       = "key"
	toField        = "to"
	createdAtField = "created_at"
	expireIndex    = "envelope_expire"
)

type document struct {
	ID                primitive.ObjectID `bson:"_id,omitempty"`
	Key               string             `bson:"key"`
	CreatedAt         time.Time          `bson:"created_at"`
	signaler.Envelope `bson:",inline"`
}

type Mailbox struct {
	key  string
	id   string
	coll *mongo.Collection

	closed *atomic.Bool
	done   chan struct{}

	log logging.LeveledLogger
}

var _ signaler.Mailbox = (*Mailbox)(nil)

// NewMailbox returns the mailbox of id under key, stored in database db.
// The indexes of the collection are created when missing. An empty id is
// replaced by a random one.
func NewMailbox(ctx context.Context, client *mongo.Client, db string, key string, id string) (*Mailbox, error) {
	coll := client.Database(db).Collection(CollectionName)
	if err := EnsureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	if id == "" {
		id = signaler.NewID()
	}
	return &Mailbox{
		key:  key,
		id:   id,
		coll: coll,

		closed: atomic.NewBool(false),
		done:   make(chan struct{}),

		log: logging.NewDefaultLoggerFactory().NewLogger("mongodb"),
	}, nil
}

// EnsureIndexes creates the lookup index and the index that expires
// unclaimed envelopes after Lifetime.
func EnsureIndexes(ctx context.Context, coll *mongo.Collection) error {
	expireAfter := int32(Lifetime.Seconds())
	name := expireIndex
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: keyField, Value: 1},
				{Key: toField, Value: 1},
			},
		},
		{
			Keys: bson.D{
				{Key: createdAtField, Value: 1},
			},
			Options: &options.IndexOptions{
				Name:               &name,
				ExpireAfterSeconds: &expireAfter,
			},
		},
	})
	return errors.Wrap(err, "ensure envelope indexes")
}

// SetLogger replaces the default pion logger.
func (m *Mailbox) SetLogger(log logging.LeveledLogger) { m.log = log }

func (m *Mailbox) ID() string { return m.id }

func (m *Mailbox) Post(ctx context.Context, env signaler.Envelope) error {
	if m.closed.Load() {
		return fmt.Errorf("mailbox %s is closed", m.id)
	}
	if env.To == "" {
		return fmt.Errorf("envelope has no recipient")
	}
	env.ID, env.From = "", m.id
	_, err := m.coll.InsertOne(ctx, document{
		Key:       m.key,
		CreatedAt: time.Now(),
		Envelope:  env,
	})
	return errors.Wrapf(err, "post to %s", env.To)
}

// Subscribe watches for new envelopes before reading the ones already
// stored, so none inserted in between is missed.
func (m *Mailbox) Subscribe(ctx context.Context) (<-chan signaler.Envelope, error) {
	if m.closed.Load() {
		return nil, fmt.Errorf("mailbox %s is closed", m.id)
	}
	ctx, cancel := context.WithCancel(ctx)
	cs, err := m.coll.Watch(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: "insert"},
			{Key: "fullDocument." + keyField, Value: m.key},
			{Key: "fullDocument." + toField, Value: m.id},
		}}},
	})
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "watch envelopes")
	}
	cursor, err := m.coll.Find(ctx,
		bson.D{{Key: keyField, Value: m.key}, {Key: toField, Value: m.id}},
		options.Find().SetSort(bson.D{{Key: createdAtField, Value: 1}}),
	)
	if err != nil {
		cs.Close(context.Background())
		cancel()
		return nil, errors.Wrap(err, "find envelopes")
	}
	var stored []document
	if err := cursor.All(ctx, &stored); err != nil {
		cs.Close(context.Background())
		cancel()
		return nil, errors.Wrap(err, "read envelopes")
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-m.done:
			cancel()
		}
	}()

	ch := make(chan signaler.Envelope)
	go func() {
		defer close(ch)
		defer cancel()
		defer cs.Close(context.Background())

		for _, doc := range stored {
			if !m.deliver(ctx, ch, doc) {
				return
			}
		}
		for cs.Next(ctx) {
			var change struct {
				FullDocument document `bson:"fullDocument"`
			}
			if err := cs.Decode(&change); err != nil {
				m.log.Debugf("drop change event: %v", err)
				continue
			}
			if !m.deliver(ctx, ch, change.FullDocument) {
				return
			}
		}
		if err := cs.Err(); err != nil && ctx.Err() == nil {
			m.log.Warnf("envelope stream of %s ended: %v", m.id, err)
		}
	}()
	return ch, nil
}

// deliver claims doc and hands it out. Documents claimed by another reader
// are skipped. It reports false once ctx has ended.
func (m *Mailbox) deliver(ctx context.Context, ch chan<- signaler.Envelope, doc document) bool {
	res, err := m.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: doc.ID}})
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		m.log.Warnf("claim envelope %s: %v", doc.ID.Hex(), err)
		return true
	}
	if res.DeletedCount != 1 {
		return true
	}
	env := doc.Envelope
	env.ID = doc.ID.Hex()
	select {
	case ch <- env:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Mailbox) Close() (err error) {
	if m.closed.CompareAndSwap(false, true) {
		close(m.done)
	}
	return
}
