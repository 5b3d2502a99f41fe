package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/ChrisGriffithPSU/research-agent/internal/reliability"
)

const redacted = "***REDACTED***"

// Config is the complete environment-driven configuration. Every field has a
// documented default except Consumer.MaxRedeliveries, which must be set
// before a consumer can be built.
type Config struct {
	RabbitMQ       RabbitMQConfig
	Queue          QueueConfig
	Publish        PublishConfig
	CircuitBreaker CircuitBreakerConfig
	Consumer       ConsumerConfig
	Health         HealthConfig
	HTTP           HTTPConfig
	Log            LogConfig
}

// RabbitMQConfig holds the broker connection parameters.
type RabbitMQConfig struct {
	Host     string `env:"RABBITMQ_HOST" envDefault:"localhost"`
	Port     int    `env:"RABBITMQ_PORT" envDefault:"5672"`
	User     string `env:"RABBITMQ_USER" envDefault:"guest"`
	Password string `env:"RABBITMQ_PASSWORD" envDefault:"guest"`
	VHost    string `env:"RABBITMQ_VHOST" envDefault:"/"`

	Heartbeat            time.Duration `env:"RABBITMQ_HEARTBEAT" envDefault:"60s"`
	ConnectionTimeout    time.Duration `env:"RABBITMQ_CONNECTION_TIMEOUT" envDefault:"30s"`
	ReconnectDelay       time.Duration `env:"RABBITMQ_RECONNECT_DELAY" envDefault:"1s"`
	ReconnectMaxDelay    time.Duration `env:"RABBITMQ_RECONNECT_MAX_DELAY" envDefault:"60s"`
	ReconnectMaxAttempts int           `env:"RABBITMQ_RECONNECT_MAX_ATTEMPTS" envDefault:"0"`

	Exchange           string `env:"RABBITMQ_EXCHANGE" envDefault:"researcher"`
	DeadLetterExchange string `env:"RABBITMQ_DLX" envDefault:"researcher.dlq"`
	ChannelPoolSize    int    `env:"RABBITMQ_CHANNEL_POOL_SIZE" envDefault:"10"`
}

// QueueConfig holds the defaults applied to queues that do not pin their own.
type QueueConfig struct {
	MaxLength  int           `env:"QUEUE_MAX_LENGTH" envDefault:"10000"`
	MessageTTL time.Duration `env:"QUEUE_MESSAGE_TTL" envDefault:"24h"`
}

// PublishConfig holds the publish retry policy and confirm timeout.
type PublishConfig struct {
	RetryStrategy    string        `env:"PUBLISH_RETRY_STRATEGY" envDefault:"exponential"`
	RetryMaxAttempts int           `env:"PUBLISH_RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay   time.Duration `env:"PUBLISH_RETRY_BASE_DELAY" envDefault:"1s"`
	RetryMaxDelay    time.Duration `env:"PUBLISH_RETRY_MAX_DELAY" envDefault:"60s"`
	RetryIncrement   time.Duration `env:"PUBLISH_RETRY_INCREMENT" envDefault:"1s"`
	RetryJitter      float64       `env:"PUBLISH_RETRY_JITTER" envDefault:"0.2"`
	ConfirmTimeout   time.Duration `env:"PUBLISH_CONFIRM_TIMEOUT" envDefault:"5s"`
}

// CircuitBreakerConfig holds the publish circuit breaker parameters.
type CircuitBreakerConfig struct {
	FailureThreshold int           `env:"CIRCUIT_BREAKER_FAILURE_THRESHOLD" envDefault:"3"`
	Timeout          time.Duration `env:"CIRCUIT_BREAKER_TIMEOUT" envDefault:"60s"`
}

// ConsumerConfig holds consumer tuning.
type ConsumerConfig struct {
	PrefetchCount int `env:"CONSUMER_PREFETCH_COUNT" envDefault:"10"`
	// MaxRedeliveries has no default; zero means unset.
	MaxRedeliveries int           `env:"CONSUMER_MAX_REDELIVERIES"`
	HandlerTimeout  time.Duration `env:"CONSUMER_HANDLER_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"CONSUMER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// HealthConfig holds the health thresholds.
type HealthConfig struct {
	ErrorRateWindow    time.Duration `env:"HEALTH_ERROR_RATE_WINDOW" envDefault:"5m"`
	ErrorRateThreshold float64       `env:"HEALTH_ERROR_RATE_THRESHOLD" envDefault:"0.1"`
	QueueWarningRatio  float64       `env:"HEALTH_QUEUE_WARNING_RATIO" envDefault:"0.8"`
}

// HTTPConfig holds the health and metrics listener.
type HTTPConfig struct {
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads the configuration from the process environment and validates it.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads the configuration from environ instead of the process
// environment. Missing keys take their defaults.
func LoadFrom(environ map[string]string) (Config, error) {
	if environ == nil {
		environ = map[string]string{}
	}
	return parse(env.Options{Environment: environ})
}

// Default returns the configuration with every default applied.
func Default() Config {
	cfg, _ := env.ParseAsWithOptions[Config](env.Options{Environment: map[string]string{}})
	return cfg
}

func parse(opts env.Options) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// URL assembles the AMQP URL. The vhost "/" maps to an empty path.
func (c RabbitMQConfig) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/",
	}
	if c.VHost != "" && c.VHost != "/" {
		u.Path = "/" + c.VHost
		u.RawPath = "/" + url.PathEscape(c.VHost)
	}
	return u.String()
}

// RetryPolicy returns the publish retry policy.
func (c PublishConfig) RetryPolicy() reliability.Policy {
	jitter := c.RetryJitter
	if jitter == 0 {
		// an explicit 0 disables jitter
		jitter = -1
	}
	return reliability.Policy{
		Kind:        reliability.Kind(strings.ToLower(c.RetryStrategy)),
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
		Increment:   c.RetryIncrement,
		Jitter:      jitter,
	}
}

// ReconnectStrategy returns the connection manager's reconnect backoff.
// Zero max attempts means unlimited.
func (c RabbitMQConfig) ReconnectStrategy() reliability.Strategy {
	attempts := c.ReconnectMaxAttempts
	if attempts == 0 {
		attempts = math.MaxInt
	}
	return &reliability.ExponentialBackoff{
		BaseDelay:   c.ReconnectDelay,
		MaxDelay:    c.ReconnectMaxDelay,
		MaxAttempts: attempts,
		Jitter:      reliability.DefaultJitter,
	}
}

// Validate checks every section and reports all problems at once.
func (c Config) Validate() error {
	var errs []error
	errs = append(errs, c.validateRabbitMQ()...)
	errs = append(errs, c.validateQueue()...)
	errs = append(errs, c.validatePublish()...)
	errs = append(errs, c.validateConsumer()...)
	errs = append(errs, c.validateHealth()...)
	errs = append(errs, c.validateLog()...)
	return errors.Join(errs...)
}

// ValidateConsumer additionally requires the redelivery limit a consumer needs.
func (c Config) ValidateConsumer() error {
	if c.Consumer.MaxRedeliveries <= 0 {
		return ErrMaxRedeliveriesUnset
	}
	return nil
}

// ErrMaxRedeliveriesUnset is returned when a consumer is requested without
// CONSUMER_MAX_REDELIVERIES.
var ErrMaxRedeliveriesUnset = errors.New("config: CONSUMER_MAX_REDELIVERIES must be set to a positive value")

func (c Config) validateRabbitMQ() []error {
	var errs []error
	r := c.RabbitMQ
	if r.Host == "" {
		errs = append(errs, errors.New("RABBITMQ_HOST is required"))
	}
	if r.Port < 1 || r.Port > 65535 {
		errs = append(errs, fmt.Errorf("RABBITMQ_PORT must be between 1 and 65535, got %d", r.Port))
	}
	if r.Exchange == "" || r.DeadLetterExchange == "" {
		errs = append(errs, errors.New("RABBITMQ_EXCHANGE and RABBITMQ_DLX are required"))
	}
	if r.Exchange != "" && r.Exchange == r.DeadLetterExchange {
		errs = append(errs, errors.New("RABBITMQ_EXCHANGE and RABBITMQ_DLX must differ"))
	}
	if r.ChannelPoolSize < 1 {
		errs = append(errs, fmt.Errorf("RABBITMQ_CHANNEL_POOL_SIZE must be positive, got %d", r.ChannelPoolSize))
	}
	if r.ReconnectMaxAttempts < 0 {
		errs = append(errs, errors.New("RABBITMQ_RECONNECT_MAX_ATTEMPTS must not be negative"))
	}
	if r.Heartbeat < 0 || r.ConnectionTimeout <= 0 || r.ReconnectDelay <= 0 || r.ReconnectMaxDelay < r.ReconnectDelay {
		errs = append(errs, errors.New("RabbitMQ timings must be positive and RABBITMQ_RECONNECT_MAX_DELAY at least RABBITMQ_RECONNECT_DELAY"))
	}
	return errs
}

func (c Config) validateQueue() []error {
	var errs []error
	if c.Queue.MaxLength < 1 {
		errs = append(errs, fmt.Errorf("QUEUE_MAX_LENGTH must be positive, got %d", c.Queue.MaxLength))
	}
	if c.Queue.MessageTTL < 0 {
		errs = append(errs, errors.New("QUEUE_MESSAGE_TTL must not be negative"))
	}
	return errs
}

func (c Config) validatePublish() []error {
	var errs []error
	if _, err := reliability.NewStrategy(c.Publish.RetryPolicy()); err != nil {
		errs = append(errs, fmt.Errorf("PUBLISH_RETRY_*: %w", err))
	}
	if c.Publish.RetryMaxDelay < c.Publish.RetryBaseDelay {
		errs = append(errs, errors.New("PUBLISH_RETRY_MAX_DELAY must be at least PUBLISH_RETRY_BASE_DELAY"))
	}
	if c.Publish.ConfirmTimeout <= 0 {
		errs = append(errs, errors.New("PUBLISH_CONFIRM_TIMEOUT must be positive"))
	}
	if c.CircuitBreaker.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("CIRCUIT_BREAKER_FAILURE_THRESHOLD must be positive, got %d", c.CircuitBreaker.FailureThreshold))
	}
	if c.CircuitBreaker.Timeout <= 0 {
		errs = append(errs, errors.New("CIRCUIT_BREAKER_TIMEOUT must be positive"))
	}
	return errs
}

func (c Config) validateConsumer() []error {
	var errs []error
	if c.Consumer.PrefetchCount < 1 {
		errs = append(errs, fmt.Errorf("CONSUMER_PREFETCH_COUNT must be positive, got %d", c.Consumer.PrefetchCount))
	}
	if c.Consumer.MaxRedeliveries < 0 {
		errs = append(errs, errors.New("CONSUMER_MAX_REDELIVERIES must not be negative"))
	}
	if c.Consumer.HandlerTimeout < 0 || c.Consumer.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("consumer timeouts must not be negative"))
	}
	return errs
}

func (c Config) validateHealth() []error {
	var errs []error
	if c.Health.ErrorRateWindow < time.Second {
		errs = append(errs, errors.New("HEALTH_ERROR_RATE_WINDOW must be at least 1s"))
	}
	if c.Health.ErrorRateThreshold <= 0 || c.Health.ErrorRateThreshold > 1 {
		errs = append(errs, fmt.Errorf("HEALTH_ERROR_RATE_THRESHOLD must be in (0, 1], got %v", c.Health.ErrorRateThreshold))
	}
	if c.Health.QueueWarningRatio <= 0 || c.Health.QueueWarningRatio > 1 {
		errs = append(errs, fmt.Errorf("HEALTH_QUEUE_WARNING_RATIO must be in (0, 1], got %v", c.Health.QueueWarningRatio))
	}
	return errs
}

func (c Config) validateLog() []error {
	var errs []error
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Log.Format))
	}
	return errs
}

// String renders the configuration with the broker password redacted.
func (c Config) String() string {
	cp := c
	if cp.RabbitMQ.Password != "" {
		cp.RabbitMQ.Password = redacted
	}
	type configAlias Config
	return fmt.Sprintf("%+v", configAlias(cp))
}
