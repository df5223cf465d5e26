// Package config provides configuration management for the DataBridge service
package config

import (
	"flag"
	"strings"
	"time"

	"github.com/gov-dx-sandbox/databridge/shared/utils"
)

// Config holds all configuration for the service
type Config struct {
	Environment string
	Service     ServiceConfig
	Logging     LoggingConfig
	Auth        AuthConfig
	DBConfigs   DBConfigs
	Ledger      LedgerConfig
	Sweep       SweepConfig
	EnumsPath   string
}

// ServiceConfig holds service-specific configuration
type ServiceConfig struct {
	Name    string
	Port    string
	Host    string
	Timeout time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// AuthConfig describes how bearer tokens from the session service are verified
type AuthConfig struct {
	JWTSecret string
	Issuer    string
	Audience  string
	// AdminRole is the role claim allowed to call operational endpoints
	AdminRole string
	// TrustedProxies lists CIDRs of reverse proxies allowed to set forwarding headers
	TrustedProxies []string
}

// DBConfigs holds database configuration
type DBConfigs struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
	SSLMode  string
}

// LedgerConfig selects and configures the ledger log backend
type LedgerConfig struct {
	// Backend is "redis" or "fabric"
	Backend         string
	TopicPrefix     string
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Workers         int
	QueueSize       int
	Redis           RedisConfig
	Fabric          FabricConfig
}

// RedisConfig holds the Redis Streams ledger connection
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	TLS      bool
}

// FabricConfig holds the Fabric gateway connection
type FabricConfig struct {
	PeerEndpoint  string
	PeerHostAlias string
	TLSCertPath   string
	MSPID         string
	CertPath      string
	KeyPath       string
	Channel       string
	Chaincode     string
}

// SweepConfig controls the background expiry and reconciliation loop
type SweepConfig struct {
	Interval time.Duration
}

// LoadConfig loads configuration from flags and environment variables
func LoadConfig(serviceName string) *Config {
	env := utils.GetEnvOrDefault("ENVIRONMENT", "local")

	envFlag := flag.String("env", env, "Environment: local or production")
	port := flag.String("port", utils.GetEnvOrDefault("PORT", "8085"), "Service port")
	host := flag.String("host", utils.GetEnvOrDefault("HOST", "0.0.0.0"), "Host address")
	timeout := flag.Duration("timeout", 10*time.Second, "Request timeout")
	logLevel := flag.String("log-level", utils.GetEnvOrDefault("LOG_LEVEL", getDefaultLogLevel(env)), "Log level")
	logFormat := flag.String("log-format", getDefaultLogFormat(env), "Log format")
	ledgerBackend := flag.String("ledger", utils.GetEnvOrDefault("LEDGER_BACKEND", "redis"), "Ledger log backend: redis or fabric")
	sweepInterval := flag.Duration("sweep-interval", utils.GetEnvDurationOrDefault("SWEEP_INTERVAL", time.Minute), "Expiry sweep and reconciliation interval")
	enumsPath := flag.String("enums", utils.GetEnvOrDefault("ENUMS_CONFIG_PATH", "config/enums.yaml"), "Path to the domain enum YAML file")

	flag.Parse()

	return &Config{
		Environment: *envFlag,
		Service: ServiceConfig{
			Name:    serviceName,
			Port:    *port,
			Host:    *host,
			Timeout: *timeout,
		},
		Logging: LoggingConfig{
			Level:  *logLevel,
			Format: *logFormat,
		},
		Auth: AuthConfig{
			JWTSecret:      utils.GetEnvOrDefault("AUTH_JWT_SECRET", ""),
			Issuer:         utils.GetEnvOrDefault("AUTH_ISSUER", "databridge-session"),
			Audience:       utils.GetEnvOrDefault("AUTH_AUDIENCE", "databridge"),
			AdminRole:      utils.GetEnvOrDefault("AUTH_ADMIN_ROLE", "admin"),
			TrustedProxies: splitList(utils.GetEnvOrDefault("AUTH_TRUSTED_PROXIES", "")),
		},
		DBConfigs: DBConfigs{
			Host:     utils.GetEnvOrDefault("DB_HOST", "localhost"),
			Port:     utils.GetEnvOrDefault("DB_PORT", "5432"),
			Username: utils.GetEnvOrDefault("DB_USERNAME", "postgres"),
			Password: utils.GetEnvOrDefault("DB_PASSWORD", ""),
			Database: utils.GetEnvOrDefault("DB_NAME", "databridge"),
			SSLMode:  utils.GetEnvOrDefault("DB_SSLMODE", getDefaultSSLMode(env)),
		},
		Ledger: LedgerConfig{
			Backend:         strings.ToLower(*ledgerBackend),
			TopicPrefix:     utils.GetEnvOrDefault("LEDGER_TOPIC_PREFIX", "databridge.audit"),
			MaxAttempts:     utils.GetEnvIntOrDefault("LEDGER_MAX_ATTEMPTS", 5),
			InitialInterval: utils.GetEnvDurationOrDefault("LEDGER_RETRY_INITIAL", 200*time.Millisecond),
			MaxInterval:     utils.GetEnvDurationOrDefault("LEDGER_RETRY_MAX", 10*time.Second),
			Workers:         utils.GetEnvIntOrDefault("LEDGER_WORKERS", 4),
			QueueSize:       utils.GetEnvIntOrDefault("LEDGER_QUEUE_SIZE", 256),
			Redis: RedisConfig{
				Addr:     utils.GetEnvOrDefault("REDIS_ADDR", "localhost:6379"),
				Username: utils.GetEnvOrDefault("REDIS_USERNAME", ""),
				Password: utils.GetEnvOrDefault("REDIS_PASSWORD", ""),
				DB:       utils.GetEnvIntOrDefault("REDIS_DB", 0),
				TLS:      utils.GetEnvOrDefault("REDIS_TLS", "false") == "true",
			},
			Fabric: FabricConfig{
				PeerEndpoint:  utils.GetEnvOrDefault("FABRIC_PEER_ENDPOINT", "localhost:7051"),
				PeerHostAlias: utils.GetEnvOrDefault("FABRIC_PEER_HOST_ALIAS", "peer0.org1.example.com"),
				TLSCertPath:   utils.GetEnvOrDefault("FABRIC_TLS_CERT_PATH", ""),
				MSPID:         utils.GetEnvOrDefault("FABRIC_MSP_ID", "Org1MSP"),
				CertPath:      utils.GetEnvOrDefault("FABRIC_CERT_PATH", ""),
				KeyPath:       utils.GetEnvOrDefault("FABRIC_KEY_PATH", ""),
				Channel:       utils.GetEnvOrDefault("FABRIC_CHANNEL", "mychannel"),
				Chaincode:     utils.GetEnvOrDefault("FABRIC_CHAINCODE", "auditledger"),
			},
		},
		Sweep: SweepConfig{
			Interval: *sweepInterval,
		},
		EnumsPath: *enumsPath,
	}
}

// splitList splits a comma-separated value, dropping empty entries
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getDefaultLogLevel(env string) string {
	if env == "production" {
		return "warn"
	}
	return "debug"
}

func getDefaultLogFormat(env string) string {
	if env == "production" {
		return "json"
	}
	return "text"
}

func getDefaultSSLMode(env string) string {
	if env == "production" {
		return "require"
	}
	return "disable"
}
