package domain

import (
	"fmt"
	"strings"
)

// SourceKey identifies one configured external clinical system.
type SourceKey string

func (k SourceKey) String() string { return string(k) }

// configuredSources is the closed set of external systems the engine may
// sync from. Extending it requires a matching bridge-side configuration.
var configuredSources = map[SourceKey]struct{}{}

// ConfigureSources replaces the set of valid source keys. Called once at
// startup from config; not safe for concurrent use with Validate.
func ConfigureSources(keys []string) error {
	next := make(map[SourceKey]struct{}, len(keys))
	for _, raw := range keys {
		key := SourceKey(strings.ToLower(strings.TrimSpace(raw)))
		if key == "" {
			return fmt.Errorf("%w: empty source key", ErrValidation)
		}
		next[key] = struct{}{}
	}
	if len(next) == 0 {
		return fmt.Errorf("%w: at least one source key is required", ErrValidation)
	}
	configuredSources = next
	return nil
}

// Sources returns the configured source keys in unspecified order.
func Sources() []SourceKey {
	keys := make([]SourceKey, 0, len(configuredSources))
	for key := range configuredSources {
		keys = append(keys, key)
	}
	return keys
}

func (k SourceKey) Validate() error {
	if _, ok := configuredSources[k]; !ok {
		return fmt.Errorf("%w: unknown source %q", ErrValidation, k)
	}
	return nil
}

func ParseSourceKeyFromString(s string) (SourceKey, error) {
	key := SourceKey(strings.ToLower(strings.TrimSpace(s)))
	if err := key.Validate(); err != nil {
		return "", err
	}
	return key, nil
}
