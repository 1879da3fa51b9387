package mongodb

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/goevery/chatrelay/internal/broadcaster"
	"github.com/goevery/chatrelay/internal/persistence"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	messagesCollection = "messages"
	presenceCollection = "presence"
	usersCollection    = "users"
)

type Message struct {
	Id         bson.ObjectID `bson:"_id"`
	AuthorName string        `bson:"authorName"`
	Body       string        `bson:"body"`
	SentAt     time.Time     `bson:"sentAt"`
	Room       string        `bson:"room"`
}

type Presence struct {
	Username   string    `bson:"username"`
	IsOnline   bool      `bson:"isOnline"`
	LastSeenAt time.Time `bson:"lastSeenAt"`
}

type User struct {
	Id           bson.ObjectID `bson:"_id"`
	Username     string        `bson:"username"`
	PasswordHash string        `bson:"passwordHash"`
	CreatedAt    time.Time     `bson:"createdAt"`
}

type PersistenceEngine struct {
	database *mongo.Database
	messages *mongo.Collection
	presence *mongo.Collection
	users    *mongo.Collection
}

func NewPersistenceEngine(client *mongo.Client, databaseName string) *PersistenceEngine {
	database := client.Database(databaseName)

	return &PersistenceEngine{
		database: database,
		messages: database.Collection(messagesCollection),
		presence: database.Collection(presenceCollection),
		users:    database.Collection(usersCollection),
	}
}

func (e *PersistenceEngine) Setup(ctx context.Context) error {
	_, err := e.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "sentAt", Value: -1},
			{Key: "_id", Value: -1},
		},
	})
	if err != nil {
		return err
	}

	_, err = e.presence.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}

	_, err = e.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}

	// No session survives a restart; rows left online by a crash are stale.
	_, err = e.presence.UpdateMany(ctx,
		bson.D{{Key: "isOnline", Value: true}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "isOnline", Value: false}}}},
	)

	return err
}

func (e *PersistenceEngine) AppendMessage(ctx context.Context, message broadcaster.Message) (broadcaster.Message, error) {
	id := bson.NewObjectID()
	if message.Id != "" {
		parsed, err := bson.ObjectIDFromHex(message.Id)
		if err != nil {
			return broadcaster.Message{}, err
		}
		id = parsed
	}

	// BSON dates keep millisecond precision; stamp at that precision so the
	// broadcast copy matches what history replays later.
	sentAt := message.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	sentAt = sentAt.UTC().Truncate(time.Millisecond)

	room := message.Room
	if room == "" {
		room = broadcaster.DefaultRoom
	}

	_, err := e.messages.InsertOne(ctx, Message{
		Id:         id,
		AuthorName: message.AuthorName,
		Body:       message.Body,
		SentAt:     sentAt,
		Room:       room,
	})
	if err != nil {
		return broadcaster.Message{}, err
	}

	return broadcaster.Message{
		Id:         id.Hex(),
		AuthorName: message.AuthorName,
		Body:       message.Body,
		SentAt:     sentAt,
		Room:       room,
	}, nil
}

func (e *PersistenceEngine) RecentMessages(ctx context.Context, limit int) ([]broadcaster.Message, error) {
	// A zero limit means no limit to the driver.
	if limit <= 0 {
		return []broadcaster.Message{}, nil
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "sentAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))

	result, err := e.messages.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, err
	}

	var mongoMessages []Message
	err = result.All(ctx, &mongoMessages)
	if err != nil {
		return nil, err
	}

	messages := make([]broadcaster.Message, len(mongoMessages))
	for i, m := range mongoMessages {
		messages[i] = broadcaster.Message{
			Id:         m.Id.Hex(),
			AuthorName: m.AuthorName,
			Body:       m.Body,
			SentAt:     m.SentAt.UTC(),
			Room:       m.Room,
		}
	}

	slices.Reverse(messages)

	return messages, nil
}

func (e *PersistenceEngine) UpsertPresence(ctx context.Context, username string, patch broadcaster.PresencePatch) error {
	update := bson.D{
		{Key: "$set", Value: bson.D{{Key: "isOnline", Value: patch.IsOnline}}},
		{Key: "$max", Value: bson.D{{Key: "lastSeenAt", Value: patch.LastSeenAt.UTC()}}},
	}

	_, err := e.presence.UpdateOne(ctx,
		bson.D{{Key: "username", Value: username}},
		update,
		options.UpdateOne().SetUpsert(true),
	)

	return err
}

func (e *PersistenceEngine) ListPresence(ctx context.Context) ([]broadcaster.PresenceRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "username", Value: 1}})

	result, err := e.presence.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, err
	}

	var rows []Presence
	err = result.All(ctx, &rows)
	if err != nil {
		return nil, err
	}

	records := make([]broadcaster.PresenceRecord, len(rows))
	for i, row := range rows {
		records[i] = broadcaster.PresenceRecord{
			Username:   row.Username,
			IsOnline:   row.IsOnline,
			LastSeenAt: row.LastSeenAt.UTC(),
		}
	}

	return records, nil
}

func (e *PersistenceEngine) CreateUser(ctx context.Context, user persistence.User) (persistence.User, error) {
	document := User{
		Id:           bson.NewObjectID(),
		Username:     user.Username,
		PasswordHash: user.PasswordHash,
		CreatedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}

	_, err := e.users.InsertOne(ctx, document)
	if mongo.IsDuplicateKeyError(err) {
		return persistence.User{}, persistence.ErrUserExists
	}
	if err != nil {
		return persistence.User{}, err
	}

	return toUser(document), nil
}

func (e *PersistenceEngine) FindUserByUsername(ctx context.Context, username string) (persistence.User, error) {
	var document User

	err := e.users.FindOne(ctx, bson.D{{Key: "username", Value: username}}).Decode(&document)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return persistence.User{}, persistence.ErrUserNotFound
	}
	if err != nil {
		return persistence.User{}, err
	}

	return toUser(document), nil
}

// DropAll drops every collection of the database and returns their names.
func (e *PersistenceEngine) DropAll(ctx context.Context) ([]string, error) {
	names, err := e.database.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, err
	}

	for _, name := range names {
		err := e.database.Collection(name).Drop(ctx)
		if err != nil {
			return nil, err
		}
	}

	return names, nil
}

func toUser(document User) persistence.User {
	return persistence.User{
		Id:           document.Id.Hex(),
		Username:     document.Username,
		PasswordHash: document.PasswordHash,
		CreatedAt:    document.CreatedAt,
	}
}
