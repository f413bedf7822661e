// Package config loads service settings from defaults, a YAML file, ORDERSVC_*
// environment variables and command-line flags, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "ORDERSVC_"

type Config struct {
	Log      Log      `yaml:"log"`
	Database Database `yaml:"database"`
	Redis    Redis    `yaml:"redis"`
	Cache    Cache    `yaml:"cache"`
	Kafka    Kafka    `yaml:"kafka"`
	Outbox   Outbox   `yaml:"outbox"`
	Dedup    Dedup    `yaml:"dedup"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type Database struct {
	Driver       string        `yaml:"driver"`
	DSN          string        `yaml:"dsn"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	EnsureSchema bool          `yaml:"ensure_schema"`
}

type Redis struct {
	Addrs     []string      `yaml:"addrs"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	OpTimeout time.Duration `yaml:"op_timeout"`
}

type Cache struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
	Codec   string        `yaml:"codec"`
}

type Kafka struct {
	Brokers        string        `yaml:"brokers"`
	Topic          string        `yaml:"topic"`
	ClientID       string        `yaml:"client_id"`
	GroupID        string        `yaml:"group_id"`
	PublishRetries int           `yaml:"publish_retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

type Outbox struct {
	BatchSize               int           `yaml:"batch_size"`
	DispatchInterval        time.Duration `yaml:"dispatch_interval"`
	DispatchTimeout         time.Duration `yaml:"dispatch_timeout"`
	ImmediatePublishTimeout time.Duration `yaml:"immediate_publish_timeout"`
	BacklogInterval         time.Duration `yaml:"backlog_interval"`
	BacklogThreshold        time.Duration `yaml:"backlog_threshold"`
}

type Dedup struct {
	TTL       time.Duration `yaml:"ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

func Default() *Config {
	return &Config{
		Log: Log{Level: "info"},
		Database: Database{
			Driver:       "mysql",
			QueryTimeout: 5 * time.Second,
			MaxOpenConns: 10,
		},
		Redis: Redis{
			Addrs:     []string{"localhost:6379"},
			OpTimeout: 500 * time.Millisecond,
		},
		Cache: Cache{
			Enabled: true,
			TTL:     10 * time.Minute,
			Codec:   "json",
		},
		Kafka: Kafka{
			Brokers:        "localhost:9092",
			Topic:          "new-orders",
			ClientID:       "ordersvc",
			GroupID:        "order-consumers",
			PublishRetries: 3,
			RetryBackoff:   500 * time.Millisecond,
			PublishTimeout: 5 * time.Second,
		},
		Outbox: Outbox{
			BatchSize:               100,
			DispatchInterval:        5 * time.Second,
			DispatchTimeout:         30 * time.Second,
			ImmediatePublishTimeout: 2 * time.Second,
			BacklogInterval:         time.Minute,
			BacklogThreshold:        time.Minute,
		},
		Dedup: Dedup{
			TTL:       24 * time.Hour,
			KeyPrefix: "dedup:",
		},
	}
}

// Load resolves the configuration for a process. args excludes the program
// name; lookup is usually os.LookupEnv. The result is not validated since
// each binary needs a different subset.
func Load(name string, args []string, lookup func(string) (string, bool)) (*Config, error) {
	probe := newFlagSet(name, Default())
	if err := probe.Parse(args); err != nil {
		return nil, err
	}
	path, _ := probe.GetString("config")

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if lookup != nil {
		if err := cfg.applyEnv(lookup); err != nil {
			return nil, err
		}
	}

	// Flags are bound after file and env so their defaults are the values
	// resolved so far and only explicitly passed flags override them.
	if err := newFlagSet(name, cfg).Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func newFlagSet(name string, c *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file")

	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level (debug, info, warn, error)")
	fs.BoolVar(&c.Log.Development, "log-dev", c.Log.Development, "human readable development logging")

	fs.StringVar(&c.Database.Driver, "db-driver", c.Database.Driver, "database driver (mysql, pgx)")
	fs.StringVar(&c.Database.DSN, "db-dsn", c.Database.DSN, "database DSN")
	fs.DurationVar(&c.Database.QueryTimeout, "db-query-timeout", c.Database.QueryTimeout, "timeout for a single database statement")
	fs.IntVar(&c.Database.MaxOpenConns, "db-max-open-conns", c.Database.MaxOpenConns, "maximum open database connections")
	fs.BoolVar(&c.Database.EnsureSchema, "db-ensure-schema", c.Database.EnsureSchema, "create tables on startup")

	fs.StringSliceVar(&c.Redis.Addrs, "redis-addrs", c.Redis.Addrs, "redis addresses")
	fs.StringVar(&c.Redis.Password, "redis-password", c.Redis.Password, "redis password")
	fs.IntVar(&c.Redis.DB, "redis-db", c.Redis.DB, "redis database number")
	fs.StringVar(&c.Redis.KeyPrefix, "redis-key-prefix", c.Redis.KeyPrefix, "prefix for cache keys")
	fs.DurationVar(&c.Redis.OpTimeout, "redis-op-timeout", c.Redis.OpTimeout, "timeout for a single cache operation")

	fs.BoolVar(&c.Cache.Enabled, "cache-enabled", c.Cache.Enabled, "serve reads through the redis cache")
	fs.DurationVar(&c.Cache.TTL, "cache-ttl", c.Cache.TTL, "cache entry lifetime")
	fs.StringVar(&c.Cache.Codec, "cache-codec", c.Cache.Codec, "cache encoding (json, msgpack)")

	fs.StringVar(&c.Kafka.Brokers, "kafka-brokers", c.Kafka.Brokers, "comma separated kafka bootstrap servers")
	fs.StringVar(&c.Kafka.Topic, "kafka-topic", c.Kafka.Topic, "topic for new-order events")
	fs.StringVar(&c.Kafka.ClientID, "kafka-client-id", c.Kafka.ClientID, "kafka client id")
	fs.StringVar(&c.Kafka.GroupID, "kafka-group-id", c.Kafka.GroupID, "consumer group id")
	fs.IntVar(&c.Kafka.PublishRetries, "kafka-publish-retries", c.Kafka.PublishRetries, "publish attempts per event")
	fs.DurationVar(&c.Kafka.RetryBackoff, "kafka-retry-backoff", c.Kafka.RetryBackoff, "base delay between publish attempts")
	fs.DurationVar(&c.Kafka.PublishTimeout, "kafka-publish-timeout", c.Kafka.PublishTimeout, "delivery report timeout per attempt")

	fs.IntVar(&c.Outbox.BatchSize, "outbox-batch-size", c.Outbox.BatchSize, "events claimed per dispatcher sweep")
	fs.DurationVar(&c.Outbox.DispatchInterval, "outbox-dispatch-interval", c.Outbox.DispatchInterval, "dispatcher sweep interval")
	fs.DurationVar(&c.Outbox.DispatchTimeout, "outbox-dispatch-timeout", c.Outbox.DispatchTimeout, "upper bound for one dispatcher sweep")
	fs.DurationVar(&c.Outbox.ImmediatePublishTimeout, "outbox-immediate-timeout", c.Outbox.ImmediatePublishTimeout, "budget for publishing right after commit")
	fs.DurationVar(&c.Outbox.BacklogInterval, "outbox-backlog-interval", c.Outbox.BacklogInterval, "backlog report interval")
	fs.DurationVar(&c.Outbox.BacklogThreshold, "outbox-backlog-threshold", c.Outbox.BacklogThreshold, "age at which pending events count as backlog")

	fs.DurationVar(&c.Dedup.TTL, "dedup-ttl", c.Dedup.TTL, "lifetime of consumer dedup markers")
	fs.StringVar(&c.Dedup.KeyPrefix, "dedup-key-prefix", c.Dedup.KeyPrefix, "prefix for dedup markers")
	return fs
}

type envVar struct {
	name string
	set  func(string) error
}

func (c *Config) envVars() []envVar {
	return []envVar{
		{"LOG_LEVEL", setString(&c.Log.Level)},
		{"LOG_DEVELOPMENT", setBool(&c.Log.Development)},
		{"DB_DRIVER", setString(&c.Database.Driver)},
		{"DB_DSN", setString(&c.Database.DSN)},
		{"DB_QUERY_TIMEOUT", setDuration(&c.Database.QueryTimeout)},
		{"DB_MAX_OPEN_CONNS", setInt(&c.Database.MaxOpenConns)},
		{"DB_ENSURE_SCHEMA", setBool(&c.Database.EnsureSchema)},
		{"REDIS_ADDRS", setList(&c.Redis.Addrs)},
		{"REDIS_PASSWORD", setString(&c.Redis.Password)},
		{"REDIS_DB", setInt(&c.Redis.DB)},
		{"REDIS_KEY_PREFIX", setString(&c.Redis.KeyPrefix)},
		{"REDIS_OP_TIMEOUT", setDuration(&c.Redis.OpTimeout)},
		{"CACHE_ENABLED", setBool(&c.Cache.Enabled)},
		{"CACHE_TTL", setDuration(&c.Cache.TTL)},
		{"CACHE_CODEC", setString(&c.Cache.Codec)},
		{"KAFKA_BROKERS", setString(&c.Kafka.Brokers)},
		{"KAFKA_TOPIC", setString(&c.Kafka.Topic)},
		{"KAFKA_CLIENT_ID", setString(&c.Kafka.ClientID)},
		{"KAFKA_GROUP_ID", setString(&c.Kafka.GroupID)},
		{"KAFKA_PUBLISH_RETRIES", setInt(&c.Kafka.PublishRetries)},
		{"KAFKA_RETRY_BACKOFF", setDuration(&c.Kafka.RetryBackoff)},
		{"KAFKA_PUBLISH_TIMEOUT", setDuration(&c.Kafka.PublishTimeout)},
		{"OUTBOX_BATCH_SIZE", setInt(&c.Outbox.BatchSize)},
		{"OUTBOX_DISPATCH_INTERVAL", setDuration(&c.Outbox.DispatchInterval)},
		{"OUTBOX_DISPATCH_TIMEOUT", setDuration(&c.Outbox.DispatchTimeout)},
		{"OUTBOX_IMMEDIATE_PUBLISH_TIMEOUT", setDuration(&c.Outbox.ImmediatePublishTimeout)},
		{"OUTBOX_BACKLOG_INTERVAL", setDuration(&c.Outbox.BacklogInterval)},
		{"OUTBOX_BACKLOG_THRESHOLD", setDuration(&c.Outbox.BacklogThreshold)},
		{"DEDUP_TTL", setDuration(&c.Dedup.TTL)},
		{"DEDUP_KEY_PREFIX", setString(&c.Dedup.KeyPrefix)},
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, v := range c.envVars() {
		raw, ok := lookup(EnvPrefix + v.name)
		if !ok {
			continue
		}
		if err := v.set(strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, v.name, err)
		}
	}
	return nil
}

func setString(p *string) func(string) error {
	return func(s string) error {
		*p = s
		return nil
	}
}

func setBool(p *bool) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		*p = v
		return nil
	}
}

func setInt(p *int) func(string) error {
	return func(s string) error {
		v, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*p = v
		return nil
	}
}

func setDuration(p *time.Duration) func(string) error {
	return func(s string) error {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*p = v
		return nil
	}
}

func setList(p *[]string) func(string) error {
	return func(s string) error {
		var out []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*p = out
		return nil
	}
}

// Validate checks the settings used by the order service and outbox relay.
// Every invalid setting is reported at once.
func (c *Config) Validate() error {
	var errs []error
	errs = c.validateDatabase(errs)
	errs = c.validateCache(errs)
	errs = c.validateKafka(errs)
	errs = c.validateOutbox(errs)
	return errors.Join(errs...)
}

// ValidateConsumer checks the settings used by the event consumer.
func (c *Config) ValidateConsumer() error {
	var errs []error
	errs = c.validateKafka(errs)
	if c.Kafka.GroupID == "" {
		errs = append(errs, errors.New("kafka.group_id is required"))
	}
	if len(c.Redis.Addrs) == 0 {
		errs = append(errs, errors.New("redis.addrs is required"))
	}
	if c.Dedup.TTL <= 0 {
		errs = append(errs, errors.New("dedup.ttl must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) validateDatabase(errs []error) []error {
	switch c.Database.Driver {
	case "mysql", "pgx":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unknown driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Database.QueryTimeout <= 0 {
		errs = append(errs, errors.New("database.query_timeout must be positive"))
	}
	return errs
}

func (c *Config) validateCache(errs []error) []error {
	switch c.Cache.Codec {
	case "json", "msgpack":
	default:
		errs = append(errs, fmt.Errorf("cache.codec: unknown codec %q", c.Cache.Codec))
	}
	if c.Cache.Enabled && len(c.Redis.Addrs) == 0 {
		errs = append(errs, errors.New("redis.addrs is required when the cache is enabled"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	return errs
}

func (c *Config) validateKafka(errs []error) []error {
	if c.Kafka.Brokers == "" {
		errs = append(errs, errors.New("kafka.brokers is required"))
	}
	if c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required"))
	}
	if c.Kafka.PublishRetries <= 0 {
		errs = append(errs, errors.New("kafka.publish_retries must be positive"))
	}
	if c.Kafka.RetryBackoff <= 0 || c.Kafka.PublishTimeout <= 0 {
		errs = append(errs, errors.New("kafka retry_backoff and publish_timeout must be positive"))
	}
	return errs
}

func (c *Config) validateOutbox(errs []error) []error {
	if c.Outbox.BatchSize <= 0 {
		errs = append(errs, errors.New("outbox.batch_size must be positive"))
	}
	if c.Outbox.DispatchInterval <= 0 || c.Outbox.DispatchTimeout <= 0 ||
		c.Outbox.ImmediatePublishTimeout <= 0 || c.Outbox.BacklogInterval <= 0 {
		errs = append(errs, errors.New("outbox intervals and timeouts must be positive"))
	}
	return errs
}
