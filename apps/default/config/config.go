package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/frame/config"
)

type HornConfig struct {
	config.ConfigurationDefault

	IntrospectionURL        string `envDefault:"http://127.0.0.1:4445/admin/oauth2/introspect" env:"INTROSPECTION_URL"`
	IntrospectionTimeoutSec int    `envDefault:"10"                                            env:"INTROSPECTION_TIMEOUT_SEC"`

	QueueTwinsNotifyName string `envDefault:"twins.notify"       env:"QUEUE_TWINS_NOTIFY_NAME"`
	QueueTwinsNotifyURI  string `envDefault:"mem://twins.notify" env:"QUEUE_TWINS_NOTIFY_URI"`

	QueueInitializeNotifyName string `envDefault:"twins.initialize.notify"       env:"QUEUE_INITIALIZE_NOTIFY_NAME"`
	QueueInitializeNotifyURI  string `envDefault:"mem://twins.initialize.notify" env:"QUEUE_INITIALIZE_NOTIFY_URI"`

	ConsumerConcurrency int `envDefault:"3" env:"CONSUMER_CONCURRENCY"`

	// Streams are force-terminated with a data-loss classification after
	// this many consecutive undecodable payloads.
	PayloadErrorThreshold int `envDefault:"5" env:"PAYLOAD_ERROR_THRESHOLD"`

	DispatchBufferSize int `envDefault:"64" env:"DISPATCH_BUFFER_SIZE"`

	BreakerFailureRateThreshold float64 `envDefault:"50" env:"BREAKER_FAILURE_RATE_THRESHOLD"`
	BreakerSlidingWindowSize    int     `envDefault:"50" env:"BREAKER_SLIDING_WINDOW_SIZE"`
	BreakerOpenWaitSec          int     `envDefault:"30" env:"BREAKER_OPEN_WAIT_SEC"`
	BreakerHalfOpenCalls        int64   `envDefault:"10" env:"BREAKER_HALF_OPEN_CALLS"`

	RetryMaxAttempts     int     `envDefault:"5"    env:"RETRY_MAX_ATTEMPTS"`
	RetryInitialDelayMs  int     `envDefault:"500"  env:"RETRY_INITIAL_DELAY_MS"`
	RetryMaxDelayMs      int     `envDefault:"5000" env:"RETRY_MAX_DELAY_MS"`
	RetryMultiplier      float64 `envDefault:"2.0"  env:"RETRY_MULTIPLIER"`
	RetryMaxTotalWaitSec int     `envDefault:"20"   env:"RETRY_MAX_TOTAL_WAIT_SEC"`

	SessionScanIntervalSec int `envDefault:"60"  env:"SESSION_SCAN_INTERVAL_SEC"`
	SessionExpiryGraceSec  int `envDefault:"300" env:"SESSION_EXPIRY_GRACE_SEC"`
}

func (c *HornConfig) IntrospectionTimeout() time.Duration {
	return time.Duration(c.IntrospectionTimeoutSec) * time.Second
}

func (c *HornConfig) BreakerOpenWait() time.Duration {
	return time.Duration(c.BreakerOpenWaitSec) * time.Second
}

func (c *HornConfig) RetryInitialDelay() time.Duration {
	return time.Duration(c.RetryInitialDelayMs) * time.Millisecond
}

func (c *HornConfig) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMs) * time.Millisecond
}

func (c *HornConfig) RetryMaxTotalWait() time.Duration {
	return time.Duration(c.RetryMaxTotalWaitSec) * time.Second
}

func (c *HornConfig) SessionScanInterval() time.Duration {
	return time.Duration(c.SessionScanIntervalSec) * time.Second
}

func (c *HornConfig) SessionExpiryGrace() time.Duration {
	return time.Duration(c.SessionExpiryGraceSec) * time.Second
}

// Validate checks that the configuration is valid.
// Returns an error if any validation fails.
func (c *HornConfig) Validate() error {
	var errs []error

	if c.IntrospectionURL == "" {
		errs = append(errs, errors.New("IntrospectionURL cannot be empty"))
	}

	if c.ConsumerConcurrency <= 0 {
		errs = append(errs, errors.New("ConsumerConcurrency must be > 0"))
	}

	if c.PayloadErrorThreshold <= 0 {
		errs = append(errs, errors.New("PayloadErrorThreshold must be > 0"))
	}

	if c.BreakerFailureRateThreshold <= 0 || c.BreakerFailureRateThreshold > 100 {
		errs = append(errs, errors.New("BreakerFailureRateThreshold must be in (0, 100]"))
	}
	if c.BreakerSlidingWindowSize <= 0 {
		errs = append(errs, errors.New("BreakerSlidingWindowSize must be > 0"))
	}

	if c.RetryMaxAttempts <= 0 {
		errs = append(errs, errors.New("RetryMaxAttempts must be > 0"))
	}
	if c.RetryMultiplier < 1 {
		errs = append(errs, errors.New("RetryMultiplier must be >= 1"))
	}

	if c.SessionScanIntervalSec <= 0 {
		errs = append(errs, errors.New("SessionScanIntervalSec must be > 0"))
	}
	if c.SessionExpiryGraceSec < 0 {
		errs = append(errs, errors.New("SessionExpiryGraceSec cannot be negative"))
	}

	if err := validateQueueURI(c.QueueTwinsNotifyURI, "QueueTwinsNotifyURI"); err != nil {
		errs = append(errs, err)
	}
	if err := validateQueueURI(c.QueueInitializeNotifyURI, "QueueInitializeNotifyURI"); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// validateQueueURI checks that a queue URI has a valid scheme.
func validateQueueURI(uri, name string) error {
	if uri == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}

	validSchemes := []string{"mem://", "redis://", "amqp://", "nats://", "kafka://"}
	for _, scheme := range validSchemes {
		if strings.HasPrefix(uri, scheme) {
			return nil
		}
	}

	return fmt.Errorf("%s has invalid scheme (must be one of: %s): %s", name, strings.Join(validSchemes, ", "), uri)
}
