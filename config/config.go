package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Env                string            `mapstructure:"env"`
	LogLevel           string            `mapstructure:"log_level"`
	LogType            string            `mapstructure:"log_type"`
	ServiceName        string            `mapstructure:"service_name"`
	Port               string            `mapstructure:"port"`
	Version            string            `mapstructure:"version"`
	GuardSettings      *GuardConfig      `mapstructure:"guard"`
	ScannerSettings    *ScannerConfig    `mapstructure:"scanner"`
	ArchiveSettings    *ArchiveConfig    `mapstructure:"archive"`
	HttpClientSettings *HttpClientConfig `mapstructure:"http_client"`
	HttpServerSettings *HttpServerConfig `mapstructure:"http_server"`
	WorkerSettings     *WorkerConfig     `mapstructure:"worker"`
	CacheSettings      *CacheConfig      `mapstructure:"cache"`
	DbSettings         *DatabaseConfig   `mapstructure:"database"`
	SQSSettings        *SQSConfig        `mapstructure:"sqs"`
	KafkaSettings      *KafkaConfig      `mapstructure:"kafka"`
	TelemetrySettings  *TelemetryConfig  `mapstructure:"telemetry"`
}

// GuardConfig selects how the trusted root domain is derived from a seed URL.
// "last_two_labels" is the default; "public_suffix" uses the public suffix list.
type GuardConfig struct {
	RootPolicy string `mapstructure:"root_policy"`
}

type ScannerConfig struct {
	UserAgent    string        `mapstructure:"user_agent"`
	Accept       string        `mapstructure:"accept"`
	PageTimeout  time.Duration `mapstructure:"page_timeout"`
	MaxPageBytes int64         `mapstructure:"max_page_bytes"`
	Extensions   []string      `mapstructure:"extensions"`
}

type ArchiveConfig struct {
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	MaxDocumentBytes int64         `mapstructure:"max_document_bytes"`
	MaxDocuments     int           `mapstructure:"max_documents"`
	CompressionLevel int           `mapstructure:"compression_level"`
	ErrorDir         string        `mapstructure:"error_dir"`
	UnknownYear      string        `mapstructure:"unknown_year"`
	UnknownType      string        `mapstructure:"unknown_type"`
	ManifestName     string        `mapstructure:"manifest_name"`
	FilenamePrefix   string        `mapstructure:"filename_prefix"`
}

type HttpClientConfig struct {
	RequestTimeout            time.Duration `mapstructure:"request_timeout"`
	MaxIdleConnections        int           `mapstructure:"max_idle_connections"`
	MaxIdleConnectionsPerHost int           `mapstructure:"max_idle_connections_per_host"`
	MaxConnectionsPerHost     int           `mapstructure:"max_connections_per_host"`
	MaxRedirects              int           `mapstructure:"max_redirects"`
	IdleConnectionTimeout     time.Duration `mapstructure:"idle_connection_timeout"`
	TlsHandshakeTimeout       time.Duration `mapstructure:"tls_handshake_timeout"`
	DialTimeout               time.Duration `mapstructure:"dial_timeout"`
	DialKeepAlive             time.Duration `mapstructure:"dial_keep_alive"`
	TlsInsecureSkipVerify     bool          `mapstructure:"tls_insecure_skip_verify"`
}

type HttpServerConfig struct {
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	RequestsLimit   int           `mapstructure:"requests_limit"`
	TimeInterval    time.Duration `mapstructure:"time_interval"`
}

// WorkerConfig drives the queue mode: SQS scan requests in, Kafka discovery results out.
type WorkerConfig struct {
	WorkersNum    int           `mapstructure:"workers_num"`
	RequestsLimit int           `mapstructure:"requests_limit"`
	TimeInterval  time.Duration `mapstructure:"time_interval"`
}

type CacheConfig struct {
	Servers         []string      `mapstructure:"servers"`
	Threshold       uint64        `mapstructure:"threshold"`
	TtlForThreshold time.Duration `mapstructure:"ttl_for_threshold"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
}

type SQSConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	AwsBaseEndpoint     string `mapstructure:"aws_base_endpoint"`
	Region              string `mapstructure:"region"`
	QueueName           string `mapstructure:"queue_name"`
	MaxNumberOfMessages int32  `mapstructure:"max_number_of_messages"`
	WaitTimeSeconds     int32  `mapstructure:"wait_time_seconds"`
	VisibilityTimeout   int32  `mapstructure:"visibility_timeout"`
}

type KafkaConfig struct {
	Producer *ProducerConfig `mapstructure:"producer"`
}

type ProducerConfig struct {
	Addr                []string      `mapstructure:"addr"`
	WriteTopicName      string        `mapstructure:"write_topic_name"`
	DeadLetterTopicName string        `mapstructure:"dlq_topic_name"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	BatchSize           int           `mapstructure:"batch_size"`
	BatchTimeout        time.Duration `mapstructure:"batch_timeout"`
	ReadTimeout         time.Duration `mapstructure:"read_timeout"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	RequiredAsks        int           `mapstructure:"required_acks"`
	Async               bool          `mapstructure:"async"`
}

type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	CollectorUrl string `mapstructure:"collector_url"`
}

func MustLoad() *Config {
	cfg, err := Load(".")
	if err != nil {
		slog.Error("can't initialize config file.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	return cfg
}

// Load reads config.yaml from dir. A missing file is not an error: defaults and
// environment variables are enough to run the service.
func Load(dir string) (*Config, error) {
	if err := godotenv.Load(path.Join(dir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.AddConfigPath(path.Join(dir))
	v.SetConfigName("config")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		slog.Warn("config file not found. Using defaults.", slog.String("dir", dir))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "local")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_type", "text")
	v.SetDefault("service_name", "doc-harvester")
	v.SetDefault("port", "8080")
	v.SetDefault("version", "dev")

	v.SetDefault("guard.root_policy", "last_two_labels")

	v.SetDefault("scanner.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 "+
		"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("scanner.accept", "text/html,application/xhtml+xml,application/xml;q=0.9")
	v.SetDefault("scanner.page_timeout", 30*time.Second)
	v.SetDefault("scanner.max_page_bytes", 10<<20)
	v.SetDefault("scanner.extensions", []string{"pdf", "xlsx", "xls", "zip"})

	v.SetDefault("archive.fetch_timeout", 45*time.Second)
	v.SetDefault("archive.max_document_bytes", 200<<20)
	v.SetDefault("archive.max_documents", 200)
	v.SetDefault("archive.compression_level", 9)
	v.SetDefault("archive.error_dir", "ERRORS")
	v.SetDefault("archive.unknown_year", "Unknown_Year")
	v.SetDefault("archive.unknown_type", "Other")
	v.SetDefault("archive.manifest_name", "manifest.json")
	v.SetDefault("archive.filename_prefix", "financial_docs_")

	v.SetDefault("http_client.request_timeout", 60*time.Second)
	v.SetDefault("http_client.max_idle_connections", 100)
	v.SetDefault("http_client.max_idle_connections_per_host", 10)
	v.SetDefault("http_client.max_connections_per_host", 0)
	v.SetDefault("http_client.max_redirects", 10)
	v.SetDefault("http_client.idle_connection_timeout", 90*time.Second)
	v.SetDefault("http_client.tls_handshake_timeout", 10*time.Second)
	v.SetDefault("http_client.dial_timeout", 10*time.Second)
	v.SetDefault("http_client.dial_keep_alive", 30*time.Second)

	v.SetDefault("http_server.read_timeout", 15*time.Second)
	v.SetDefault("http_server.write_timeout", 0)
	v.SetDefault("http_server.shutdown_timeout", 30*time.Second)
	v.SetDefault("http_server.max_body_bytes", 1<<20)
	v.SetDefault("http_server.requests_limit", 20)
	v.SetDefault("http_server.time_interval", time.Second)

	v.SetDefault("worker.workers_num", 2)
	v.SetDefault("worker.requests_limit", 5)
	v.SetDefault("worker.time_interval", time.Second)

	v.SetDefault("cache.threshold", 30)
	v.SetDefault("cache.ttl_for_threshold", time.Minute)

	v.SetDefault("database.port", "5432")
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.max_open_conns", 5)
	v.SetDefault("database.max_idle_conns", 2)

	v.SetDefault("sqs.enabled", false)
	v.SetDefault("sqs.max_number_of_messages", 10)
	v.SetDefault("sqs.wait_time_seconds", 20)
	v.SetDefault("sqs.visibility_timeout", 60)

	v.SetDefault("kafka.producer.max_attempts", 3)
	v.SetDefault("kafka.producer.batch_size", 50)
	v.SetDefault("kafka.producer.batch_timeout", time.Second)
	v.SetDefault("kafka.producer.read_timeout", 10*time.Second)
	v.SetDefault("kafka.producer.write_timeout", 10*time.Second)
	v.SetDefault("kafka.producer.required_acks", 1)

	v.SetDefault("telemetry.enabled", false)
}
