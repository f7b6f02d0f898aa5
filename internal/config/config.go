package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rl1809/medistock/internal/core/domain"
)

// DefaultReservationTTL is how long a pickup code stays redeemable.
const DefaultReservationTTL = 24 * time.Hour

type Config struct {
	App         AppConfig
	Server      ServerConfig
	MySQL       MySQLConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Auth        AuthConfig
	Reservation ReservationConfig
	Log         LogConfig
	Tracing     TracingConfig
}

type AppConfig struct {
	Name        string
	Environment string
	// Store selects the persistence backend: "mysql" or "memory".
	Store       string
	Seed        bool
}

type ServerConfig struct {
	HTTPAddr        string
	GRPCAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// PickupRatePerMinute limits code redemptions per client address.
	PickupRatePerMinute int
	PickupBurst         int
}

type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr           string
	PoolSize       int
	IdempotencyTTL time.Duration
	// BreakerFailures consecutive failures open the circuit.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

type AuthConfig struct {
	JWTSecret string
}

type ReservationConfig struct {
	TTL                time.Duration
	Policy             domain.ReservationPolicy
	CodeLength         int
	FallbackCodeLength int
	CodeAttempts       int
	MaxTxRetries       int
}

type LogConfig struct {
	Level      string
	Format     string
	OutputPath string
}

type TracingConfig struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string
	SampleRate   float64
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "medistock")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.store", "mysql")
	v.SetDefault("app.seed", false)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("grpc.addr", ":50051")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.shutdown_timeout", 5*time.Second)
	v.SetDefault("pickup.rate_per_minute", 30)
	v.SetDefault("pickup.burst", 5)

	v.SetDefault("mysql.dsn", "root:root@tcp(localhost:3306)/medistock?parseTime=true")
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 25)
	v.SetDefault("mysql.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.idempotency_ttl", 24*time.Hour)
	v.SetDefault("redis.breaker_failures", 5)
	v.SetDefault("redis.breaker_timeout", 30*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "medistock.reservations")

	v.SetDefault("jwt.secret", "")

	v.SetDefault("reservation.ttl", DefaultReservationTTL)
	v.SetDefault("reservation.policy", string(domain.PolicyStrict))
	v.SetDefault("reservation.code_length", 6)
	v.SetDefault("reservation.fallback_code_length", 8)
	v.SetDefault("reservation.code_attempts", 5)
	v.SetDefault("reservation.max_tx_retries", 3)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "medistock")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4318")
	v.SetDefault("tracing.sample_rate", 0.1)
}

// Load reads defaults, then the optional file named by MEDISTOCK_CONFIG, then
// environment variables (HTTP_ADDR, MYSQL_DSN, RESERVATION_TTL, ...).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.AllowEmptyEnv(true)

	if path := v.GetString("medistock_config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		App: AppConfig{
			Name:        v.GetString("app.name"),
			Environment: v.GetString("app.env"),
			Store:       strings.ToLower(v.GetString("app.store")),
			Seed:        v.GetBool("app.seed"),
		},
		Server: ServerConfig{
			HTTPAddr:            v.GetString("http.addr"),
			GRPCAddr:            v.GetString("grpc.addr"),
			ReadTimeout:         v.GetDuration("http.read_timeout"),
			WriteTimeout:        v.GetDuration("http.write_timeout"),
			ShutdownTimeout:     v.GetDuration("http.shutdown_timeout"),
			PickupRatePerMinute: v.GetInt("pickup.rate_per_minute"),
			PickupBurst:         v.GetInt("pickup.burst"),
		},
		MySQL: MySQLConfig{
			DSN:             v.GetString("mysql.dsn"),
			MaxOpenConns:    v.GetInt("mysql.max_open_conns"),
			MaxIdleConns:    v.GetInt("mysql.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("mysql.conn_max_lifetime"),
		},
		Redis: RedisConfig{
			Addr:            v.GetString("redis.addr"),
			PoolSize:        v.GetInt("redis.pool_size"),
			IdempotencyTTL:  v.GetDuration("redis.idempotency_ttl"),
			BreakerFailures: v.GetUint32("redis.breaker_failures"),
			BreakerTimeout:  v.GetDuration("redis.breaker_timeout"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetStringSlice("kafka.brokers")),
			Topic:   v.GetString("kafka.topic"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("jwt.secret"),
		},
		Reservation: ReservationConfig{
			TTL:                v.GetDuration("reservation.ttl"),
			Policy:             domain.ReservationPolicy(strings.ToLower(v.GetString("reservation.policy"))),
			CodeLength:         v.GetInt("reservation.code_length"),
			FallbackCodeLength: v.GetInt("reservation.fallback_code_length"),
			CodeAttempts:       v.GetInt("reservation.code_attempts"),
			MaxTxRetries:       v.GetInt("reservation.max_tx_retries"),
		},
		Log: LogConfig{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			OutputPath: v.GetString("log.output"),
		},
		Tracing: TracingConfig{
			Enabled:      v.GetBool("tracing.enabled"),
			ServiceName:  v.GetString("tracing.service_name"),
			OTLPEndpoint: v.GetString("tracing.otlp_endpoint"),
			SampleRate:   v.GetFloat64("tracing.sample_rate"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList accepts both repeated values and a single comma separated env value.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (c *Config) Validate() error {
	var errs []error

	if c.Auth.JWTSecret == "" && c.App.Environment != "development" {
		errs = append(errs, errors.New("JWT_SECRET is required outside development"))
	}
	if c.App.Store != "mysql" && c.App.Store != "memory" {
		errs = append(errs, fmt.Errorf("APP_STORE %q must be mysql or memory", c.App.Store))
	}
	if c.Reservation.TTL <= 0 {
		errs = append(errs, errors.New("RESERVATION_TTL must be positive"))
	}
	if !c.Reservation.Policy.Valid() {
		errs = append(errs, fmt.Errorf("RESERVATION_POLICY %q must be strict or clamp", c.Reservation.Policy))
	}
	if c.Reservation.CodeLength < 5 {
		errs = append(errs, errors.New("RESERVATION_CODE_LENGTH must be at least 5"))
	}
	if c.Reservation.FallbackCodeLength <= c.Reservation.CodeLength {
		errs = append(errs, errors.New("RESERVATION_FALLBACK_CODE_LENGTH must exceed RESERVATION_CODE_LENGTH"))
	}
	if c.Reservation.CodeAttempts < 1 {
		errs = append(errs, errors.New("RESERVATION_CODE_ATTEMPTS must be at least 1"))
	}
	if c.Reservation.MaxTxRetries < 0 {
		errs = append(errs, errors.New("RESERVATION_MAX_TX_RETRIES must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %w", errors.Join(errs...))
	}
	return nil
}
