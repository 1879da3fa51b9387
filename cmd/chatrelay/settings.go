package main

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

type Settings struct {
	Port     int    `env:"PORT,default=3000"`
	BasePath string `env:"BASE_PATH"`

	JWTSecret     string `env:"JWT_SECRET,required=true"`
	TokenTTLHours int    `env:"TOKEN_TTL_HOURS,default=24"`

	PersistenceEngine string `env:"PERSISTENCE_ENGINE,default=mongodb"`
	MongoURI          string `env:"MONGODB_URI,default=mongodb://localhost:27017"`
	MongoDatabase     string `env:"MONGODB_DATABASE,default=chatapp"`

	PresenceStore string `env:"PRESENCE_STORE,default=persistence"`
	RedisAddr     string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB,default=0"`

	AllowedOrigins string `env:"ALLOWED_ORIGINS,default=http://localhost:5173"`
	LogEncoding    string `env:"LOG_ENCODING,default=console"`

	TypingTimeoutMillis int `env:"TYPING_TIMEOUT_MS,default=2000"`
	HistoryLimit        int `env:"HISTORY_LIMIT,default=20"`
	MessageRate         int `env:"MESSAGE_RATE,default=5"`
	MessageBurst        int `env:"MESSAGE_BURST,default=10"`
	SendBufferSize      int `env:"SEND_BUFFER_SIZE,default=256"`
}

const maxHistoryLimit = 50

func (s Settings) Validate() error {
	if s.HistoryLimit < 1 || s.HistoryLimit > maxHistoryLimit {
		return fmt.Errorf("HISTORY_LIMIT must be between 1 and %d, got %d", maxHistoryLimit, s.HistoryLimit)
	}

	if s.TypingTimeoutMillis <= 0 {
		return fmt.Errorf("TYPING_TIMEOUT_MS must be positive, got %d", s.TypingTimeoutMillis)
	}

	if s.MessageRate < 0 || s.MessageBurst < 0 {
		return fmt.Errorf("MESSAGE_RATE and MESSAGE_BURST must not be negative")
	}

	return nil
}

func (s Settings) TokenTTL() time.Duration {
	return time.Duration(s.TokenTTLHours) * time.Hour
}

func (s Settings) TypingTimeout() time.Duration {
	return time.Duration(s.TypingTimeoutMillis) * time.Millisecond
}

// MessageLimit is the per-session send rate; zero disables limiting.
func (s Settings) MessageLimit() rate.Limit {
	return rate.Limit(s.MessageRate)
}
