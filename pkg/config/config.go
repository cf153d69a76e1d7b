package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"FinCast/internal/domain/models"
	"FinCast/internal/services/dataset"
	"FinCast/internal/services/model"
	"FinCast/pkg/util"
)

type Config struct {
	Environment string           `yaml:"environment" default:"development" validate:"oneof=development staging production"`
	Log         LogConfig        `yaml:"log"`
	Server      ServerConfig     `yaml:"server"`
	Features    FeaturesConfig   `yaml:"features"`
	Dataset     DatasetConfig    `yaml:"dataset"`
	Model       model.Config     `yaml:"model"`
	Forecast    ForecastConfig   `yaml:"forecast"`
	Training    TrainingConfig   `yaml:"training"`
	Storage     StorageConfig    `yaml:"storage"`
	Source      SourceConfig     `yaml:"source"`
	Kafka       KafkaConfig      `yaml:"kafka"`
	Redis       RedisConfig      `yaml:"redis"`
	ClickHouse  ClickHouseConfig `yaml:"clickhouse"`
}

type LogConfig struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" default:"json" validate:"oneof=json console"`
	Output string `yaml:"output" default:"stdout"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" default:"0.0.0.0"`
	Port            int           `yaml:"port" default:"8080" validate:"gte=1,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
	SlowThreshold   time.Duration `yaml:"slow_threshold" default:"2s"`
	CORS            bool          `yaml:"cors" default:"true"`
}

// FeaturesConfig is the indicator configuration; see FeatureSpec.
type FeaturesConfig struct {
	MAWindows []int  `yaml:"ma_windows" default:"[5,10,20]" validate:"min=1,dive,gte=1"`
	RSIPeriod int    `yaml:"rsi_period" default:"14" validate:"gte=2"`
	MACDFast  int    `yaml:"macd_fast" default:"12" validate:"gte=1"`
	MACDSlow  int    `yaml:"macd_slow" default:"26" validate:"gtfield=MACDFast"`
	Lags      int    `yaml:"lags" default:"3" validate:"gte=0"`
	StartDate string `yaml:"start_date" default:"2015-01-01"`
	MinRows   int    `yaml:"min_rows" default:"100" validate:"gte=1"`
}

// Spec converts the section into the FeatureSpec frozen into artifacts.
func (f FeaturesConfig) Spec() models.FeatureSpec {
	start, _ := util.ParseDate(f.StartDate)
	return models.FeatureSpec{
		MAWindows: append([]int(nil), f.MAWindows...),
		RSIPeriod: f.RSIPeriod,
		MACDFast:  f.MACDFast,
		MACDSlow:  f.MACDSlow,
		Lags:      f.Lags,
		StartDate: start,
		MinRows:   f.MinRows,
	}
}

type DatasetConfig struct {
	Lookback   int                 `yaml:"lookback" default:"60" validate:"gte=1"`
	Split      dataset.Proportions `yaml:"split"`
	TargetMode string              `yaml:"target_mode" default:"ohlc" validate:"oneof=close ohlc"`
}

type ForecastConfig struct {
	MaxHorizon     int           `yaml:"max_horizon" default:"30" validate:"gte=1"`
	DefaultHorizon int           `yaml:"default_horizon" default:"5" validate:"gte=1"`
	DegradeAfter   int           `yaml:"degrade_after" default:"10" validate:"gte=0"`
	Policy         string        `yaml:"policy" default:"carry" validate:"oneof=carry recompute"`
	CacheTTL       time.Duration `yaml:"cache_ttl" default:"10m"`
	BacktestDays   int           `yaml:"backtest_days" default:"252" validate:"gte=1"`
}

type TrainingConfig struct {
	// BatchWorkers bounds concurrent trainings in a batch; 0 means NumCPU.
	BatchWorkers int           `yaml:"batch_workers" default:"0" validate:"gte=0"`
	LockTTL      time.Duration `yaml:"lock_ttl" default:"2h"`
	Timeout      time.Duration `yaml:"timeout" default:"1h"`
	// RateInterval and RateBurst throttle train requests per instrument.
	RateInterval time.Duration `yaml:"rate_interval" default:"1m"`
	RateBurst    int           `yaml:"rate_burst" default:"3" validate:"gte=1"`
}

type StorageConfig struct {
	ArtifactDir string        `yaml:"artifact_dir" default:"data/artifacts" validate:"required"`
	CacheTTL    time.Duration `yaml:"cache_ttl" default:"1m"`
}

type SourceConfig struct {
	Type         string        `yaml:"type" default:"csv" validate:"oneof=csv clickhouse http"`
	CSVDir       string        `yaml:"csv_dir" default:"data/bars"`
	HTTPURL      string        `yaml:"http_url"`
	HTTPTimeout  time.Duration `yaml:"http_timeout" default:"15s"`
	HTTPAttempts int           `yaml:"http_attempts" default:"3" validate:"gte=1"`
}

type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	EventsTopic  string   `yaml:"events_topic" default:"fincast.events"`
	TrainTopic   string   `yaml:"train_topic" default:"fincast.train"`
	LogTopic     string   `yaml:"log_topic" default:"fincast.logs"`
	DLQTopic     string   `yaml:"dlq_topic" default:"fincast.train.dlq"`
	GroupID      string   `yaml:"group_id" default:"fincast-trainer"`
	Workers      int      `yaml:"workers" default:"2" validate:"gte=1"`
	Compression  string   `yaml:"compression" default:"zstd" validate:"oneof=gzip snappy lz4 zstd"`
	RequiredAcks int      `yaml:"required_acks" default:"-1"`
}

type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr" default:"localhost:6379"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db" default:"0"`
	Prefix       string        `yaml:"prefix" default:"fincast"`
	QueueWorkers int           `yaml:"queue_workers" default:"2" validate:"gte=1"`
	RetryLimit   int           `yaml:"retry_limit" default:"3" validate:"gte=0"`
	RetryDelay   time.Duration `yaml:"retry_delay" default:"30s"`
}

type ClickHouseConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Hosts            []string      `yaml:"hosts" default:"[\"localhost\"]"`
	Port             int           `yaml:"port" default:"9000"`
	Database         string        `yaml:"database" default:"fincast"`
	User             string        `yaml:"user" default:"default"`
	Password         string        `yaml:"password"`
	UseHTTP          bool          `yaml:"use_http"`
	AsyncInsert      bool          `yaml:"async_insert"`
	DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
	ReadTimeout      time.Duration `yaml:"read_timeout" default:"30s"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"60s"`
	InitSchema       bool          `yaml:"init_schema" default:"true"`
}

var validate = validator.New()

// Default returns the configuration used when no file is given.
func Default() (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("set defaults: %w", err)
	}
	return &c, nil
}

// Load reads a YAML file over the defaults. An empty path yields the
// defaults alone.
func Load(path string) (*Config, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// LoadWithEnv loads path and applies environment overrides. Setting a
// service address also enables that service.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	c.applyEnv(os.Getenv)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("FINCAST_ENV", &c.Environment)
	str("FINCAST_LOG_LEVEL", &c.Log.Level)
	str("FINCAST_SOURCE", &c.Source.Type)
	str("FINCAST_TARGET_MODE", &c.Dataset.TargetMode)
	str("FINCAST_POLICY", &c.Forecast.Policy)
	str("FINCAST_BARS_URL", &c.Source.HTTPURL)
	str("DATA_DIR", &c.Source.CSVDir)
	str("ARTIFACT_DIR", &c.Storage.ArtifactDir)
	if v := getenv("FINCAST_PORT"); v != "" {
		c.Server.Port = util.ParseIntDefault(v, c.Server.Port)
	}
	if v := getenv("FINCAST_EPOCHS"); v != "" {
		c.Model.Epochs = util.ParseIntDefault(v, c.Model.Epochs)
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = util.SplitList(v)
		c.Kafka.Enabled = true
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	str("REDIS_PASSWORD", &c.Redis.Password)
	if v := getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Hosts = util.SplitList(v)
		c.ClickHouse.Enabled = true
	}
	str("CLICKHOUSE_PASSWORD", &c.ClickHouse.Password)
	if v := getenv("FINCAST_KAFKA_ENABLED"); v != "" {
		c.Kafka.Enabled, _ = strconv.ParseBool(v)
	}
}

// Validate runs the struct tags and the rules that span sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	var errs []error
	if err := c.Dataset.Split.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Forecast.DefaultHorizon > c.Forecast.MaxHorizon {
		errs = append(errs, fmt.Errorf("forecast.default_horizon %d exceeds max_horizon %d", c.Forecast.DefaultHorizon, c.Forecast.MaxHorizon))
	}
	if c.Model.MinLR > c.Model.LearningRate {
		errs = append(errs, fmt.Errorf("model.min_lr %g exceeds learning_rate %g", c.Model.MinLR, c.Model.LearningRate))
	}
	if _, ok := util.ParseDate(c.Features.StartDate); c.Features.StartDate != "" && !ok {
		errs = append(errs, fmt.Errorf("features.start_date %q is not a date", c.Features.StartDate))
	}
	switch c.Source.Type {
	case "clickhouse":
		if !c.ClickHouse.Enabled {
			errs = append(errs, fmt.Errorf("source.type clickhouse requires clickhouse.enabled"))
		}
	case "http":
		if c.Source.HTTPURL == "" {
			errs = append(errs, fmt.Errorf("source.type http requires source.http_url"))
		}
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, fmt.Errorf("kafka.enabled requires kafka.brokers"))
	}
	if c.ClickHouse.Enabled && len(c.ClickHouse.Hosts) == 0 {
		errs = append(errs, fmt.Errorf("clickhouse.enabled requires clickhouse.hosts"))
	}
	return errors.Join(errs...)
}
