package identity

import (
	"context"
	"time"

	"pq_chat/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	MongoStore struct {
		collection *mongo.Collection
	}

	identityDoc struct {
		ID            primitive.ObjectID `bson:"_id,omitempty"`
		ChatCode      string             `bson:"chat_code"`
		Scheme        string             `bson:"scheme"`
		PublicKey     []byte             `bson:"public_key"`
		PrivateKey    []byte             `bson:"private_key"`
		PeerPublicKey []byte             `bson:"peer_public_key,omitempty"`
		CreatedAt     time.Time          `bson:"created_at"`
		UpdatedAt     time.Time          `bson:"updated_at"`
	}
)

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		collection: db.Collection("identities"),
	}
}

func (r *MongoStore) find(ctx context.Context, chatCode string) (*identityDoc, error) {
	filter := bson.M{
		"chat_code": chatCode,
	}

	var doc identityDoc
	err := r.collection.FindOne(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return &doc, nil
}

func (r *MongoStore) Get(ctx context.Context, chatCode string) (*model.KeyPair, error) {
	doc, err := r.find(ctx, chatCode)
	if err != nil {
		return nil, err
	}
	if len(doc.PrivateKey) == 0 {
		return nil, ErrNotFound
	}

	return &model.KeyPair{
		Scheme:     doc.Scheme,
		PublicKey:  doc.PublicKey,
		PrivateKey: doc.PrivateKey,
	}, nil
}

func (r *MongoStore) Create(ctx context.Context, chatCode string, kp *model.KeyPair) error {
	now := time.Now().UTC()
	filter := bson.M{"chat_code": chatCode}
	update := bson.M{
		"$set": bson.M{
			"scheme":      kp.Scheme,
			"public_key":  kp.PublicKey,
			"private_key": kp.PrivateKey,
			"updated_at":  now,
		},
		"$setOnInsert": bson.M{"created_at": now},
	}

	_, err := r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (r *MongoStore) GetPeerKey(ctx context.Context, chatCode string) ([]byte, error) {
	doc, err := r.find(ctx, chatCode)
	if err != nil {
		return nil, err
	}
	if len(doc.PeerPublicKey) == 0 {
		return nil, ErrNotFound
	}
	return doc.PeerPublicKey, nil
}

func (r *MongoStore) SavePeerKey(ctx context.Context, chatCode string, pub []byte) error {
	now := time.Now().UTC()
	filter := bson.M{"chat_code": chatCode}
	update := bson.M{
		"$set": bson.M{
			"peer_public_key": pub,
			"updated_at":      now,
		},
		"$setOnInsert": bson.M{"created_at": now},
	}

	_, err := r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// Connect opens a client against uri and checks it with a ping.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
