package main

import (
	"context"
	"time"

	"github.com/Netflix/go-env"
	"github.com/goevery/chatrelay/internal/persistence/mongodb"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

type Settings struct {
	MongoURI      string `env:"MONGODB_URI,default=mongodb://localhost:27017"`
	MongoDatabase string `env:"MONGODB_DATABASE,default=chatapp"`
}

// resetdb drops every collection of the chat database. Indexes are recreated
// by the server on its next start.
func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	var settings Settings
	_, err := env.UnmarshalFromEnviron(&settings)
	if err != nil {
		logger.Fatal("failed to parse settings from environment", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(settings.MongoURI))
	if err != nil {
		logger.Fatal("failed to connect to mongodb", zap.Error(err))
	}
	defer client.Disconnect(context.Background())

	engine := mongodb.NewPersistenceEngine(client, settings.MongoDatabase)

	dropped, err := engine.DropAll(ctx)
	if err != nil {
		logger.Fatal("failed to reset database", zap.Error(err))
	}

	for _, name := range dropped {
		logger.Info("collection dropped", zap.String("collection", name))
	}

	logger.Info("database reset",
		zap.String("database", settings.MongoDatabase),
		zap.Int("collections", len(dropped)))
}
