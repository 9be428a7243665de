// Package config handles loading and validating router and bucket
// configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mbridges/sockgate/pkg/bucket"
	"gopkg.in/yaml.v3"
)

// RouterConfig holds the front-door router's configuration.
type RouterConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	ListenPort int    `yaml:"listen_port"`
	InstanceID string `yaml:"instance_id"`

	ReadBufferSize int           `yaml:"read_buffer_size"`
	RetryAttempts  int           `yaml:"capacity_retry_attempts"`
	RetryDelay     time.Duration `yaml:"capacity_retry_delay"`

	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
	SessionSweepPeriod time.Duration `yaml:"session_sweep_period"`

	WorkerIdleTimeout time.Duration `yaml:"worker_idle_timeout"`

	HealthCheckPort int `yaml:"health_check_port"`
	MetricsPort     int `yaml:"metrics_port"`

	UserStorePath string `yaml:"user_store_path"`

	// Capacity is carried purely for startup validation: it cross-checks
	// that the buckets loaded from buckets.yaml actually provide the
	// headroom these figures promise (see ValidationError taxonomy below).
	Capacity CapacityConfig `yaml:"capacity"`

	// Credentials bounds the username/password lengths the front-door
	// protocol parser accepts (spec §6: "username/password length bounds
	// 1-255").
	Credentials CredentialBounds `yaml:"credentials"`

	// RateLimit carries the abuse cache's escalating-backoff knobs (spec
	// §4.2/§5/§9: BACKOFF_MULTIPLIER, BLOCK_DURATION).
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// CredentialBounds constrains the username/password lengths the router's
// protocol parser will accept, within the spec's overall 1-255 range.
type CredentialBounds struct {
	MinUsernameLen int `yaml:"min_username_len"`
	MaxUsernameLen int `yaml:"max_username_len"`
	MinPasswordLen int `yaml:"min_password_len"`
	MaxPasswordLen int `yaml:"max_password_len"`
}

// RateLimitConfig carries the abuse cache's escalating-backoff multiplier
// and the fixed lockout duration applied once a failure threshold is
// crossed.
type RateLimitConfig struct {
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
	BlockDuration     time.Duration `yaml:"block_duration"`
}

// CapacityConfig mirrors the compile-time constants of the original
// single-process design (NUMBER_OF_USERS, USERS_PER_SOCKET,
// SOCKETS_PER_BUCKET, USER_SOCKET_PORT_START) as runtime configuration.
type CapacityConfig struct {
	NumberOfUsers    int `yaml:"number_of_users"`
	UsersPerSocket   int `yaml:"users_per_socket"`
	SocketsPerBucket int `yaml:"sockets_per_bucket"`
	UserPortStart    int `yaml:"user_port_start"`
}

// BucketCount returns ceil(NumberOfUsers / (UsersPerSocket*SocketsPerBucket)),
// the bucket_count formula from the capacity arithmetic section.
func (c CapacityConfig) BucketCount() int {
	perBucket := c.UsersPerSocket * c.SocketsPerBucket
	if perBucket <= 0 {
		return 0
	}
	return (c.NumberOfUsers + perBucket - 1) / perBucket
}

// Config is the root configuration structure.
type Config struct {
	Router  RouterConfig
	Buckets []bucket.Spec
}

// routerFileConfig mirrors the YAML structure of the router config file.
type routerFileConfig struct {
	Router RouterConfig `yaml:"router"`
}

// bucketsFileConfig mirrors the YAML structure of the buckets config file.
type bucketsFileConfig struct {
	Buckets []bucket.Spec `yaml:"buckets"`
}

// Load reads and parses both the router and buckets configuration files.
func Load(routerConfigPath, bucketsConfigPath string) (*Config, error) {
	routerData, err := os.ReadFile(routerConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading router config %s: %w", routerConfigPath, err)
	}

	var routerFile routerFileConfig
	if err := yaml.Unmarshal(routerData, &routerFile); err != nil {
		return nil, fmt.Errorf("parsing router config %s: %w", routerConfigPath, err)
	}

	bucketsData, err := os.ReadFile(bucketsConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading buckets config %s: %w", bucketsConfigPath, err)
	}

	var bucketsFile bucketsFileConfig
	if err := yaml.Unmarshal(bucketsData, &bucketsFile); err != nil {
		return nil, fmt.Errorf("parsing buckets config %s: %w", bucketsConfigPath, err)
	}

	cfg := &Config{
		Router:  routerFile.Router,
		Buckets: bucketsFile.Buckets,
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ValidationErrorKind taxonomizes a startup configuration failure so the
// operator gets more than a bare string back.
type ValidationErrorKind int

const (
	ErrMissingField ValidationErrorKind = iota
	ErrPortOutOfRange
	ErrPortOrdering
	ErrPortOverlap
	ErrPortHeadroom
	ErrCapacityZero
	ErrBufferSizeInvalid
	ErrTimeoutInvalid
	ErrBackoffMultiplierInvalid
	ErrUsernameBoundsInvalid
	ErrPasswordBoundsInvalid
	ErrBlockDurationInvalid
)

func (k ValidationErrorKind) String() string {
	switch k {
	case ErrMissingField:
		return "missing_field"
	case ErrPortOutOfRange:
		return "port_out_of_range"
	case ErrPortOrdering:
		return "port_ordering"
	case ErrPortOverlap:
		return "port_overlap"
	case ErrPortHeadroom:
		return "port_headroom"
	case ErrCapacityZero:
		return "capacity_zero"
	case ErrBufferSizeInvalid:
		return "buffer_size_invalid"
	case ErrTimeoutInvalid:
		return "timeout_invalid"
	case ErrBackoffMultiplierInvalid:
		return "backoff_multiplier_invalid"
	case ErrUsernameBoundsInvalid:
		return "username_bounds_invalid"
	case ErrPasswordBoundsInvalid:
		return "password_bounds_invalid"
	case ErrBlockDurationInvalid:
		return "block_duration_invalid"
	default:
		return "unknown"
	}
}

// ValidationError reports one configuration defect found at startup.
type ValidationError struct {
	Kind   ValidationErrorKind
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

const (
	minValidPort = 1024
	maxValidPort = 65535
)

// validate runs the full taxonomy of startup checks. It aborts at the
// first defect found, matching the source's "invalid configuration aborts
// startup" rule — ConfigInvalid errors are not accumulated, they are fatal.
func (c *Config) validate() error {
	if c.Router.ListenPort == 0 {
		return &ValidationError{ErrMissingField, "router.listen_port is required"}
	}
	if c.Router.ListenPort < minValidPort || c.Router.ListenPort > maxValidPort {
		return &ValidationError{ErrPortOutOfRange, fmt.Sprintf("router.listen_port %d out of [%d, %d]", c.Router.ListenPort, minValidPort, maxValidPort)}
	}
	if len(c.Buckets) == 0 {
		return &ValidationError{ErrMissingField, "at least one bucket must be configured"}
	}

	for i := range c.Buckets {
		b := &c.Buckets[i]
		if b.ID == "" {
			return &ValidationError{ErrMissingField, fmt.Sprintf("buckets[%d].id is required", i)}
		}
		if b.SocketCount <= 0 || b.SlotsPerSocket <= 0 {
			return &ValidationError{ErrCapacityZero, fmt.Sprintf("bucket %s must have socket_count>0 and slots_per_socket>0", b.ID)}
		}
		if b.StartPort < minValidPort || b.EndPort()-1 > maxValidPort {
			return &ValidationError{ErrPortOutOfRange, fmt.Sprintf("bucket %s port range %s out of [%d, %d]", b.ID, b.String(), minValidPort, maxValidPort)}
		}
		if b.StartPort <= c.Router.ListenPort {
			return &ValidationError{ErrPortOrdering, fmt.Sprintf("bucket %s start_port %d must be greater than router.listen_port %d", b.ID, b.StartPort, c.Router.ListenPort)}
		}
	}

	// Port-arithmetic inconsistency (spec §4.5.1/§9): assert no two buckets'
	// worker port ranges overlap, regardless of how they were derived.
	for i := range c.Buckets {
		for j := i + 1; j < len(c.Buckets); j++ {
			if c.Buckets[i].Overlaps(&c.Buckets[j]) {
				return &ValidationError{ErrPortOverlap, fmt.Sprintf("bucket %s overlaps bucket %s", c.Buckets[i].String(), c.Buckets[j].String())}
			}
		}
	}

	if c.Router.Capacity.NumberOfUsers > 0 {
		total := 0
		for i := range c.Buckets {
			total += c.Buckets[i].Capacity()
		}
		if total < c.Router.Capacity.NumberOfUsers {
			return &ValidationError{ErrPortHeadroom, fmt.Sprintf("configured buckets provide capacity for %d users, want %d", total, c.Router.Capacity.NumberOfUsers)}
		}
	}

	if c.Router.ReadBufferSize <= 0 {
		return &ValidationError{ErrBufferSizeInvalid, "router.read_buffer_size must be positive"}
	}
	if c.Router.SessionIdleTimeout <= 0 || c.Router.WorkerIdleTimeout <= 0 {
		return &ValidationError{ErrTimeoutInvalid, "session_idle_timeout and worker_idle_timeout must be positive"}
	}

	cred := c.Router.Credentials
	if cred.MinUsernameLen < 1 || cred.MaxUsernameLen > 255 || cred.MinUsernameLen > cred.MaxUsernameLen {
		return &ValidationError{ErrUsernameBoundsInvalid, fmt.Sprintf("credentials.username bounds [%d, %d] must satisfy 1 <= min <= max <= 255", cred.MinUsernameLen, cred.MaxUsernameLen)}
	}
	if cred.MinPasswordLen < 1 || cred.MaxPasswordLen > 255 || cred.MinPasswordLen > cred.MaxPasswordLen {
		return &ValidationError{ErrPasswordBoundsInvalid, fmt.Sprintf("credentials.password bounds [%d, %d] must satisfy 1 <= min <= max <= 255", cred.MinPasswordLen, cred.MaxPasswordLen)}
	}

	if c.Router.RateLimit.BackoffMultiplier <= 1 {
		return &ValidationError{ErrBackoffMultiplierInvalid, fmt.Sprintf("rate_limit.backoff_multiplier %d must be > 1", c.Router.RateLimit.BackoffMultiplier)}
	}
	if c.Router.RateLimit.BlockDuration <= 0 {
		return &ValidationError{ErrBlockDurationInvalid, "rate_limit.block_duration must be positive"}
	}

	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields. A
// field left at its zero value, whether omitted or written as 0, counts as
// unset.
func (c *Config) applyDefaults() {
	if c.Router.ListenAddr == "" {
		c.Router.ListenAddr = "0.0.0.0"
	}
	if c.Router.InstanceID == "" {
		hostname, _ := os.Hostname()
		c.Router.InstanceID = hostname
	}
	if c.Router.ReadBufferSize == 0 {
		c.Router.ReadBufferSize = 1024
	}
	if c.Router.RetryAttempts == 0 {
		c.Router.RetryAttempts = 3
	}
	if c.Router.RetryDelay == 0 {
		c.Router.RetryDelay = 50 * time.Millisecond
	}
	if c.Router.SessionIdleTimeout == 0 {
		c.Router.SessionIdleTimeout = 10 * time.Minute
	}
	if c.Router.SessionSweepPeriod == 0 {
		c.Router.SessionSweepPeriod = 30 * time.Second
	}
	if c.Router.WorkerIdleTimeout == 0 {
		c.Router.WorkerIdleTimeout = 100 * time.Second
	}
	if c.Router.HealthCheckPort == 0 {
		c.Router.HealthCheckPort = 8090
	}
	if c.Router.MetricsPort == 0 {
		c.Router.MetricsPort = 9100
	}
	if c.Router.UserStorePath == "" {
		c.Router.UserStorePath = "data/users.db"
	}
	if c.Router.Credentials.MinUsernameLen == 0 {
		c.Router.Credentials.MinUsernameLen = 1
	}
	if c.Router.Credentials.MaxUsernameLen == 0 {
		c.Router.Credentials.MaxUsernameLen = 31
	}
	if c.Router.Credentials.MinPasswordLen == 0 {
		c.Router.Credentials.MinPasswordLen = 1
	}
	if c.Router.Credentials.MaxPasswordLen == 0 {
		c.Router.Credentials.MaxPasswordLen = 63
	}
	if c.Router.RateLimit.BackoffMultiplier == 0 {
		c.Router.RateLimit.BackoffMultiplier = 2
	}
	if c.Router.RateLimit.BlockDuration == 0 {
		c.Router.RateLimit.BlockDuration = 300 * time.Second
	}

	for i := range c.Buckets {
		if c.Buckets[i].BindAddr == "" {
			c.Buckets[i].BindAddr = c.Router.ListenAddr
		}
	}
}

// BucketByID returns the bucket spec for a given bucket ID.
func (c *Config) BucketByID(id string) (*bucket.Spec, bool) {
	for i := range c.Buckets {
		if c.Buckets[i].ID == id {
			return &c.Buckets[i], true
		}
	}
	return nil, false
}
