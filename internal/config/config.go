package config

import (
	"time"

	pkgconfig "github.com/weiawesome/ephemeral-chat/pkg/config"
	"github.com/weiawesome/ephemeral-chat/pkg/database"
	pkglog "github.com/weiawesome/ephemeral-chat/pkg/log"
	"github.com/weiawesome/ephemeral-chat/pkg/pubsub"
	"github.com/weiawesome/ephemeral-chat/pkg/storage"
)

type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	Database  database.Config
	Redis     RedisConfig
	PubSub    pubsub.Config `mapstructure:"pubsub"`
	Room      RoomConfig
	Sync      SyncConfig
	Reaper    ReaperConfig
	Cache     CacheConfig
	Presence  PresenceConfig
	Prefs     PrefsConfig
	IDs       IDConfig `mapstructure:"ids"`
	Client    ClientConfig
	Log       pkglog.Config
}

type ServerConfig struct {
	Host            string
	Port            int
	PublicURL       string        `mapstructure:"public_url"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
}

type RoomConfig struct {
	TTL               time.Duration `mapstructure:"ttl"`
	IDLength          int           `mapstructure:"id_length"`
	CodeLength        int           `mapstructure:"code_length"`
	MaxCreateAttempts int           `mapstructure:"max_create_attempts"`
}

type SyncConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	SendTimeout  time.Duration `mapstructure:"send_timeout"`
}

type ReaperConfig struct {
	Enabled  bool
	Interval time.Duration
}

type CacheConfig struct {
	RoomTTL time.Duration `mapstructure:"room_ttl"`
	Prefix  string
}

type PresenceConfig struct {
	Enabled           bool
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	EntryTTL          time.Duration `mapstructure:"entry_ttl"`
}

type PrefsConfig struct {
	Storage storage.Config
}

type IDConfig struct {
	MessageStrategy string `mapstructure:"message_strategy"`
}

type ClientConfig struct {
	// Mode "embedded" talks to the database directly; "remote" uses the HTTP API.
	Mode      string
	ServerURL string `mapstructure:"server_url"`
}

// defaults holds every key with a default value.
var defaults = map[string]any{
	"server.host":                   "0.0.0.0",
	"server.port":                   8090,
	"server.public_url":             "http://localhost:8090",
	"server.shutdown_timeout":       10 * time.Second,
	"websocket.ping_interval":       30 * time.Second,
	"websocket.pong_wait":           60 * time.Second,
	"websocket.write_wait":          10 * time.Second,
	"websocket.max_message_size":    4096,
	"database.driver":               "sqlite",
	"database.host":                 "localhost",
	"database.port":                 5432,
	"database.user":                 "postgres",
	"database.password":             "postgres",
	"database.name":                 "ephemeral_chat",
	"database.ssl_mode":             "disable",
	"database.file_path":            "./data/chat.db",
	"database.max_idle_conns":       10,
	"database.max_open_conns":       100,
	"database.conn_max_lifetime":    60,
	"database.log_level":            "silent",
	"redis.enabled":                 false,
	"redis.address":                 "localhost:6379",
	"redis.password":                "",
	"redis.db":                      0,
	"pubsub.driver":                 "memory",
	"pubsub.redis.address":          "localhost:6379",
	"pubsub.redis.pool_size":        10,
	"pubsub.redis.read_timeout":     3 * time.Second,
	"pubsub.redis.write_timeout":    3 * time.Second,
	"pubsub.kafka.brokers":          "localhost:9092",
	"pubsub.kafka.group_id":         "ephemeral-chat",
	"pubsub.kafka.partitions":       4,
	"room.ttl":                      24 * time.Hour,
	"room.id_length":                8,
	"room.code_length":              6,
	"room.max_create_attempts":      5,
	"sync.poll_interval":            3 * time.Second,
	"sync.send_timeout":             10 * time.Second,
	"reaper.enabled":                true,
	"reaper.interval":               10 * time.Minute,
	"cache.room_ttl":                5 * time.Minute,
	"cache.prefix":                  "chat:room",
	"presence.enabled":              false,
	"presence.heartbeat_interval":   15 * time.Second,
	"presence.entry_ttl":            45 * time.Second,
	"prefs.storage.type":            "local",
	"prefs.storage.local.base_path": "./data/prefs",
	"prefs.storage.s3.region":       "us-east-1",
	"prefs.storage.s3.prefix":       "prefs",
	"ids.message_strategy":          "uuid",
	"client.mode":                   "embedded",
	"client.server_url":             "http://localhost:8090",
	"log.level":                     "info",
	"log.service_name":              "ephemeral-chat",
}

// envBindings maps keys to the environment variables that override them.
var envBindings = map[string][]string{
	"server.port":                        {"PORT"},
	"server.public_url":                  {"PUBLIC_URL"},
	"database.driver":                    {"DB_DRIVER"},
	"database.host":                      {"DB_HOST"},
	"database.port":                      {"DB_PORT"},
	"database.user":                      {"DB_USER"},
	"database.password":                  {"DB_PASSWORD"},
	"database.name":                      {"DB_NAME"},
	"database.ssl_mode":                  {"DB_SSLMODE"},
	"database.file_path":                 {"DB_FILE_PATH"},
	"redis.enabled":                      {"REDIS_ENABLED"},
	"redis.address":                      {"REDIS_ADDRESS"},
	"redis.password":                     {"REDIS_PASSWORD"},
	"pubsub.driver":                      {"PUBSUB_DRIVER"},
	"pubsub.redis.address":               {"PUBSUB_REDIS_ADDRESS", "REDIS_ADDRESS"},
	"pubsub.kafka.brokers":               {"KAFKA_BROKERS"},
	"room.ttl":                           {"ROOM_TTL"},
	"sync.poll_interval":                 {"SYNC_POLL_INTERVAL"},
	"reaper.interval":                    {"REAPER_INTERVAL"},
	"presence.enabled":                   {"PRESENCE_ENABLED"},
	"prefs.storage.type":                 {"PREFS_STORAGE_TYPE"},
	"prefs.storage.local.base_path":      {"PREFS_PATH"},
	"prefs.storage.s3.endpoint":          {"S3_ENDPOINT"},
	"prefs.storage.s3.bucket":            {"S3_BUCKET"},
	"prefs.storage.s3.access_key_id":     {"S3_ACCESS_KEY_ID"},
	"prefs.storage.s3.secret_access_key": {"S3_SECRET_ACCESS_KEY"},
	"ids.message_strategy":               {"MESSAGE_ID_STRATEGY"},
	"client.mode":                        {"CHAT_CLIENT_MODE"},
	"client.server_url":                  {"CHAT_SERVER_URL"},
	"log.level":                          {"LOG_LEVEL"},
}

// Load reads config from ./config/config.yaml, env vars and defaults.
func Load() (*Config, error) {
	return LoadFrom("./config", "config")
}

// LoadFrom reads config from the named file under path.
func LoadFrom(path, name string) (*Config, error) {
	v, err := pkgconfig.Load(path, name)
	if err != nil {
		return nil, err
	}

	pkgconfig.SetDefaults(v, defaults)
	if err := pkgconfig.BindEnvs(v, envBindings); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
