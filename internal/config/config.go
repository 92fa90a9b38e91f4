package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/khanghh/kguard/params"
	"github.com/spf13/viper"
)

const (
	DefaultListenAddr    = ":3000"
	DefaultStorage       = "memory"
	DefaultGCInterval    = time.Minute
	DefaultNotifyTimeout = 10 * time.Second
	DefaultNotifyQueue   = 256
	DefaultLogMaxSizeMB  = 100
	DefaultLogMaxBackups = 5
	DefaultLogMaxAgeDays = 30
)

type RedisConfig struct {
	URL         string `mapstructure:"url"`
	PoolSize    int    `mapstructure:"poolSize"`
	ClusterMode bool   `mapstructure:"clusterMode"`
}

type StorageConfig struct {
	Backend    string        `mapstructure:"backend"` // memory or redis
	KeyPrefix  string        `mapstructure:"keyPrefix"`
	GCInterval time.Duration `mapstructure:"gcInterval"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"maxSizeMB"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAgeDays"`
	Compress   bool   `mapstructure:"compress"`
}

type AuditConfig struct {
	Retention       time.Duration `mapstructure:"retention"`
	Async           bool          `mapstructure:"async"`
	Shards          int           `mapstructure:"shards"`
	QueueSize       int           `mapstructure:"queueSize"`
	DedupeCacheSize int           `mapstructure:"dedupeCacheSize"`
}

type DetectionConfig struct {
	RulesFile     string        `mapstructure:"rulesFile"`
	Tracker       string        `mapstructure:"tracker"` // memory or redis
	MaxEntries    int           `mapstructure:"maxEntries"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
}

type ResponseConfig struct {
	BlockDuration    time.Duration `mapstructure:"blockDuration"`
	MaxBlockDuration time.Duration `mapstructure:"maxBlockDuration"`
	AlertRetention   time.Duration `mapstructure:"alertRetention"`
}

type SMTPConfig struct {
	Host               string   `mapstructure:"host"`
	Port               int      `mapstructure:"port"`
	Username           string   `mapstructure:"username"`
	Password           string   `mapstructure:"password"`
	From               string   `mapstructure:"from"`
	To                 []string `mapstructure:"to"`
	TLS                bool     `mapstructure:"tls"`
	InsecureSkipVerify bool     `mapstructure:"insecureSkipVerify"`
	CertFile           string   `mapstructure:"certFile"`
	KeyFile            string   `mapstructure:"keyFile"`
	CAFile             string   `mapstructure:"caFile"`
}

type WebhookConfig struct {
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type NotifyConfig struct {
	QueueSize int           `mapstructure:"queueSize"`
	Timeout   time.Duration `mapstructure:"timeout"`
	SMTP      SMTPConfig    `mapstructure:"smtp"`
	Webhook   WebhookConfig `mapstructure:"webhook"`
	Kafka     KafkaConfig   `mapstructure:"kafka"`
}

type GeoIPConfig struct {
	DatabasePath string `mapstructure:"databasePath"`
}

type ScanConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	TaskTimeout    time.Duration `mapstructure:"taskTimeout"`
	SourceDir      string        `mapstructure:"sourceDir"`
	GoModFile      string        `mapstructure:"goModFile"`
	AdvisoriesFile string        `mapstructure:"advisoriesFile"`
	Hosts          []string      `mapstructure:"hosts"`
	URLs           []string      `mapstructure:"urls"`
	DialTimeout    time.Duration `mapstructure:"dialTimeout"`
}

type OperatorConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type GuardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	RejectMatches  bool     `mapstructure:"rejectMatches"`
	InspectHeaders []string `mapstructure:"inspectHeaders"`
	MaxBodySize    int      `mapstructure:"maxBodySize"`
	UserIDHeader   string   `mapstructure:"userIDHeader"`
	SkipPaths      []string `mapstructure:"skipPaths"`
}

type Config struct {
	Debug        bool            `mapstructure:"debug"`
	MasterKey    string          `mapstructure:"masterKey"`
	NodeID       int64           `mapstructure:"nodeID"`
	ListenAddr   string          `mapstructure:"listenAddr"`
	AllowOrigins []string        `mapstructure:"allowOrigins"`
	Log          LogConfig       `mapstructure:"log"`
	Redis        RedisConfig     `mapstructure:"redis"`
	Storage      StorageConfig   `mapstructure:"storage"`
	Audit        AuditConfig     `mapstructure:"audit"`
	Detection    DetectionConfig `mapstructure:"detection"`
	Response     ResponseConfig  `mapstructure:"response"`
	Notify       NotifyConfig    `mapstructure:"notify"`
	GeoIP        GeoIPConfig     `mapstructure:"geoip"`
	Scan         ScanConfig      `mapstructure:"scan"`
	Operator     OperatorConfig  `mapstructure:"operator"`
	Guard        GuardConfig     `mapstructure:"guard"`
}

func (c *Config) Sanitize() error {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.MasterKey == "" {
		return fmt.Errorf("masterKey is required")
	}
	if c.Operator.JWTSecret == "" {
		c.Operator.JWTSecret = c.MasterKey
	}
	c.Storage.Backend = strings.ToLower(c.Storage.Backend)
	if c.Storage.Backend == "" {
		c.Storage.Backend = DefaultStorage
	}
	if c.Storage.Backend != "memory" && c.Storage.Backend != "redis" {
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}
	if c.Storage.KeyPrefix == "" {
		c.Storage.KeyPrefix = params.StorageKeyPrefix
	}
	if c.Storage.GCInterval <= 0 {
		c.Storage.GCInterval = DefaultGCInterval
	}
	c.Detection.Tracker = strings.ToLower(c.Detection.Tracker)
	if c.Detection.Tracker == "" {
		c.Detection.Tracker = "memory"
	}
	if c.Detection.Tracker == "redis" && c.Storage.Backend != "redis" {
		return fmt.Errorf("redis tracker requires the redis storage backend")
	}
	if c.Detection.SweepInterval <= 0 {
		c.Detection.SweepInterval = params.TrackerSweepInterval
	}
	if c.Response.BlockDuration <= 0 {
		c.Response.BlockDuration = params.DefaultBlockDuration
	}
	if c.Response.MaxBlockDuration <= 0 {
		c.Response.MaxBlockDuration = params.MaxBlockDuration
	}
	if c.Notify.QueueSize <= 0 {
		c.Notify.QueueSize = DefaultNotifyQueue
	}
	if c.Notify.Timeout <= 0 {
		c.Notify.Timeout = DefaultNotifyTimeout
	}
	if c.Guard.MaxBodySize <= 0 {
		c.Guard.MaxBodySize = params.GuardMaxInspectBodySize
	}
	if len(c.Guard.InspectHeaders) == 0 {
		c.Guard.InspectHeaders = []string{"User-Agent", "Referer", "X-Forwarded-For"}
	}
	if c.Guard.SkipPaths == nil {
		c.Guard.SkipPaths = []string{params.SecurityAPIPrefix}
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = DefaultLogMaxBackups
	}
	if c.Log.MaxAgeDays <= 0 {
		c.Log.MaxAgeDays = DefaultLogMaxAgeDays
	}
	return nil
}

func LoadConfig(filename string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filename)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("KGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Sanitize(); err != nil {
		return nil, err
	}
	return &config, nil
}
