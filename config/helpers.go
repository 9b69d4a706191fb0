package config

import "time"

// Safe type assertion helpers for reading free-form stage settings
// without panicking on unexpected YAML value types.

// GetString extracts a string value from a settings map.
func GetString(settings map[string]any, key string, defaultVal string) string {
	if val, ok := settings[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return defaultVal
}

// GetInt extracts an integer value from a settings map.
func GetInt(settings map[string]any, key string, defaultVal int) int {
	if val, ok := settings[key]; ok {
		switch v := val.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return defaultVal
}

// GetBool extracts a boolean value from a settings map.
func GetBool(settings map[string]any, key string, defaultVal bool) bool {
	if val, ok := settings[key]; ok {
		if b, ok := val.(bool); ok {
			return b
		}
	}
	return defaultVal
}

// GetDuration extracts a duration from a settings map. String values are
// parsed with time.ParseDuration; integers are taken as nanoseconds.
func GetDuration(settings map[string]any, key string, defaultVal time.Duration) time.Duration {
	val, ok := settings[key]
	if !ok {
		return defaultVal
	}
	switch v := val.(type) {
	case string:
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	case int:
		return time.Duration(v)
	case int64:
		return time.Duration(v)
	}
	return defaultVal
}
