package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"certgate/internal/validate"
)

type Config struct {
	Port         string `envconfig:"PORT" default:"8080"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	LogFile      string `envconfig:"LOG_FILE"`
	MaxBodyBytes int    `envconfig:"MAX_BODY_BYTES" default:"10485760"`
	RatePerMin   int    `envconfig:"RATE_LIMIT_PER_MINUTE" default:"120"`

	Storage  Storage  `envconfig:"STORAGE"`
	Channel  Channel  `envconfig:"CHANNEL"`
	Registry Registry `envconfig:"REGISTRY"`
}

// Storage selects the certificate store backend. "memory" keeps everything in
// process; "durable" pairs a blob driver with a SQL metadata collection.
type Storage struct {
	Backend    string `envconfig:"BACKEND" default:"memory"`
	BlobDriver string `envconfig:"BLOB_DRIVER" default:"s3"`
	Bucket     string `envconfig:"BLOB_BUCKET" default:"certificates"`
	BlobDir    string `envconfig:"BLOB_DIR" default:"./data/blobs"`

	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey string `envconfig:"S3_SECRET_KEY"`
	S3PathStyle bool   `envconfig:"S3_PATH_STYLE" default:"false"`

	DBDriver   string `envconfig:"DB_DRIVER" default:"sqlite"`
	DBDSN      string `envconfig:"DB_DSN" default:"certgate.db"`
	Collection string `envconfig:"COLLECTION" default:"products"`
}

type Channel struct {
	Backend              string `envconfig:"BACKEND" default:"none"`
	RequestTopic         string `envconfig:"REQUEST_TOPIC" default:"certificate-requests"`
	ResponseTopic        string `envconfig:"RESPONSE_TOPIC" default:"certificate-responses"`
	RequestSubscription  string `envconfig:"REQUEST_SUBSCRIPTION" default:"certificate-requests-sub"`
	ResponseSubscription string `envconfig:"RESPONSE_SUBSCRIPTION" default:"certificate-responses-sub"`
	AckMode              string `envconfig:"ACK_MODE" default:"on-receipt"`
	MaxInFlight          int    `envconfig:"MAX_IN_FLIGHT" default:"8"`
	ReplyParseErrors     bool   `envconfig:"REPLY_PARSE_ERRORS" default:"true"`
	ReplyUnknown         bool   `envconfig:"REPLY_UNKNOWN" default:"false"`

	RedisAddr      string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword  string        `envconfig:"REDIS_PASSWORD"`
	RedisDB        int           `envconfig:"REDIS_DB" default:"0"`
	RedisConsumer  string        `envconfig:"REDIS_CONSUMER"`
	RedisClaimIdle time.Duration `envconfig:"REDIS_CLAIM_IDLE" default:"5m"`

	KafkaBrokers     []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaPartitions  int32    `envconfig:"KAFKA_PARTITIONS" default:"1"`
	KafkaReplication int16    `envconfig:"KAFKA_REPLICATION" default:"1"`
}

type Registry struct {
	BaseURL          string        `envconfig:"BASE_URL" default:"https://www.iscc-system.org"`
	NoncePath        string        `envconfig:"NONCE_PATH" default:"/certification/certificate-database/all-certificates/"`
	QueryPath        string        `envconfig:"QUERY_PATH" default:"/wp-admin/admin-ajax.php"`
	Action           string        `envconfig:"ACTION" default:"get_wdtable"`
	TableID          string        `envconfig:"TABLE_ID" default:"2"`
	Timeout          time.Duration `envconfig:"TIMEOUT" default:"15s"`
	Stub             bool          `envconfig:"STUB" default:"false"`
	SubjectColumn    int           `envconfig:"SUBJECT_COLUMN" default:"0"`
	ValidFromColumn  int           `envconfig:"VALID_FROM_COLUMN" default:"5"`
	ValidUntilColumn int           `envconfig:"VALID_UNTIL_COLUMN" default:"6"`
	BreakerFailures  uint32        `envconfig:"BREAKER_FAILURES" default:"5"`
	BreakerCooldown  time.Duration `envconfig:"BREAKER_COOLDOWN" default:"30s"`
}

// Load reads the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "durable":
		switch c.Storage.BlobDriver {
		case "s3", "fs":
		default:
			return fmt.Errorf("config: unknown STORAGE_BLOB_DRIVER %q", c.Storage.BlobDriver)
		}
		switch c.Storage.DBDriver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("config: unknown STORAGE_DB_DRIVER %q", c.Storage.DBDriver)
		}
		if !validate.Collection(c.Storage.Collection) {
			return fmt.Errorf("config: invalid STORAGE_COLLECTION %q", c.Storage.Collection)
		}
	default:
		return fmt.Errorf("config: unknown STORAGE_BACKEND %q", c.Storage.Backend)
	}
	switch c.Channel.Backend {
	case "none", "memory", "redis", "kafka":
	default:
		return fmt.Errorf("config: unknown CHANNEL_BACKEND %q", c.Channel.Backend)
	}
	switch c.Channel.AckMode {
	case "on-receipt", "after-response":
	default:
		return fmt.Errorf("config: unknown CHANNEL_ACK_MODE %q", c.Channel.AckMode)
	}
	if c.Channel.MaxInFlight < 1 {
		return fmt.Errorf("config: CHANNEL_MAX_IN_FLIGHT must be positive")
	}
	if c.Registry.Timeout <= 0 {
		return fmt.Errorf("config: REGISTRY_TIMEOUT must be positive")
	}
	return nil
}

// Fields is the loggable summary; secrets are left out.
func (c Config) Fields() map[string]any {
	return map[string]any{
		"port":            c.Port,
		"storage_backend": c.Storage.Backend,
		"blob_driver":     c.Storage.BlobDriver,
		"db_driver":       c.Storage.DBDriver,
		"collection":      c.Storage.Collection,
		"channel_backend": c.Channel.Backend,
		"ack_mode":        c.Channel.AckMode,
		"request_topic":   c.Channel.RequestTopic,
		"response_topic":  c.Channel.ResponseTopic,
		"registry_url":    c.Registry.BaseURL,
		"registry_stub":   c.Registry.Stub,
		"log_file":        c.LogFile,
	}
}
