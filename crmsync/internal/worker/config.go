package worker

import (
	"fmt"
	"strings"
	"time"

	"github.com/onai-academy/platform/crmsync/internal/models"
)

// DefaultDependency is the CRM dependency targets use unless configured otherwise.
const DefaultDependency = "amocrm"

// RetryConfig bounds the retries of one external call.
type RetryConfig struct {
	// MaxAttempts is the total number of calls, first one included.
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// DefaultRetryConfig returns the retry policy used for CRM writes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// Target describes how an event is written for one sync target.
type Target struct {
	Name string `mapstructure:"name" yaml:"name"`

	// Dependency names the CrmClient, breaker and rate limiter the target uses.
	Dependency string `mapstructure:"dependency" yaml:"dependency"`

	// Fields maps CRM field names to values. A value starting with "$" is
	// read from the event payload ("$utm_source"); anything else is literal.
	Fields map[string]string `mapstructure:"fields" yaml:"fields"`

	// Downstream publishes the event for aggregation after a successful write.
	Downstream bool `mapstructure:"downstream" yaml:"downstream"`

	// SkipUnchanged reads the entity first and skips the write when every
	// field already holds the desired value.
	SkipUnchanged bool `mapstructure:"skip_unchanged" yaml:"skip_unchanged"`
}

// Config configures a Worker.
type Config struct {
	LockTTL           time.Duration
	Retry             RetryConfig
	DefaultDependency string
	Targets           []Target
}

func (c Config) withDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	def := DefaultRetryConfig()
	if c.Retry.MaxAttempts < 1 {
		c.Retry.MaxAttempts = def.MaxAttempts
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = def.BaseDelay
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		c.Retry.MaxDelay = c.Retry.BaseDelay
	}
	if c.DefaultDependency == "" {
		c.DefaultDependency = DefaultDependency
	}
	return c
}

// ResolveFields builds the CRM update for target from the event payload.
// With no configured fields the update only stamps the target name.
func ResolveFields(target Target, event models.InboundEvent) map[string]any {
	if len(target.Fields) == 0 {
		return map[string]any{"sync_target": target.Name}
	}
	out := make(map[string]any, len(target.Fields))
	for field, value := range target.Fields {
		if name, ok := strings.CutPrefix(value, "$"); ok && name != "" {
			out[field] = models.ScalarString(event.Payload[name])
			continue
		}
		out[field] = value
	}
	return out
}

// unchanged reports whether current already holds every desired field.
func unchanged(current, desired map[string]any) bool {
	for k, v := range desired {
		cur, ok := current[k]
		if !ok || models.ScalarString(cur) != models.ScalarString(v) {
			return false
		}
	}
	return true
}

func validateTargets(targets []Target) error {
	seen := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		if t.Name == "" {
			return fmt.Errorf("target name is required")
		}
		if t.Name == models.TargetUnknown {
			return fmt.Errorf("target %q is reserved", t.Name)
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("target %q defined twice", t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return nil
}
