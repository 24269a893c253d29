package channel

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/srediag/shmchan/internal/logging"
	"github.com/srediag/shmchan/internal/telemetry"
)

// EnvDir overrides Config.Dir when set.
const EnvDir = "SHMCHAN_DIR"

const (
	defaultRecreateRetries = 1
	defaultRecreateDelay   = 10 * time.Millisecond
	defaultShutdownTimeout = 5 * time.Second
	defaultMailboxSize     = 4
)

// Config is used to configure a channel endpoint.
type Config struct {
	// ID identifies the channel system-wide.
	ID string `yaml:"id"`
	// KeyFile optionally overrides the segment name, see DeriveNames.
	KeyFile string `yaml:"key_file"`
	// Dir holds the segment and semaphore files; /dev/shm (or the temp dir) when empty.
	Dir string `yaml:"dir"`

	// RecreateRetries is how many times a producer reclaims a stale segment and
	// retries creating it before Begin fails with ErrSegmentUnavailable.
	RecreateRetries int `yaml:"recreate_retries"`
	// RecreateDelay is the pause between those retries.
	RecreateDelay time.Duration `yaml:"recreate_delay"`

	// ShutdownTimeout bounds how long a consumer's Close waits for its background loop.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MailboxSize is the initial capacity hint of the consumer notification mailbox.
	MailboxSize int `yaml:"mailbox_size"`

	// OnAvailable, when set, is called for every data-available notification of a
	// consumer. Calls run one at a time on a worker goroutine.
	OnAvailable func(Notification) `yaml:"-"`

	Logger  *logging.Logger    `yaml:"-"`
	Metrics *telemetry.Metrics `yaml:"-"`
	Tracer  trace.Tracer       `yaml:"-"`
	Meter   metric.Meter       `yaml:"-"`
}

// DefaultConfig returns a Config with defaults for everything but ID.
func DefaultConfig() *Config {
	return &Config{
		RecreateRetries: defaultRecreateRetries,
		RecreateDelay:   defaultRecreateDelay,
		ShutdownTimeout: defaultShutdownTimeout,
		MailboxSize:     defaultMailboxSize,
	}
}

// VerifyConfig checks a config before it is used to build an endpoint.
func VerifyConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidArgument)
	}
	if err := validID(config.ID); err != nil {
		return err
	}
	if config.RecreateRetries < 0 {
		return fmt.Errorf("%w: recreate_retries %d must not be negative", ErrInvalidArgument, config.RecreateRetries)
	}
	if config.RecreateDelay < 0 {
		return fmt.Errorf("%w: recreate_delay %v must not be negative", ErrInvalidArgument, config.RecreateDelay)
	}
	if config.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdown_timeout %v must be positive", ErrInvalidArgument, config.ShutdownTimeout)
	}
	if config.MailboxSize <= 0 {
		return fmt.Errorf("%w: mailbox_size %d must be positive", ErrInvalidArgument, config.MailboxSize)
	}
	if config.Dir != "" {
		info, err := os.Stat(config.Dir)
		if err != nil {
			return fmt.Errorf("%w: dir: %w", ErrInvalidArgument, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: dir %s is not a directory", ErrInvalidArgument, config.Dir)
		}
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)(:-([^}]*))?\}`)

func interpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[3]
	})
}

// LoadConfig reads a YAML config file on top of DefaultConfig. ${VAR} and
// ${VAR:-default} placeholders are expanded from the environment before parsing, and
// SHMCHAN_DIR overrides the dir key.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(interpolateEnvVars(string(data))), config); err != nil {
		return nil, fmt.Errorf("%w: parse config %s: %w", ErrInvalidArgument, path, err)
	}
	if dir := os.Getenv(EnvDir); dir != "" {
		config.Dir = dir
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}
