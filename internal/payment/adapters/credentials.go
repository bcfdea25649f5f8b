package adapters

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/smallbiznis/folio/internal/apperr"
)

// RequireStrings reads the named non-empty string fields from decrypted
// credentials.
func RequireStrings(provider string, creds map[string]any, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		value, ok := ReadString(creds, key)
		if !ok || value == "" {
			return nil, apperr.ProcessorConfiguration(provider, "missing "+key)
		}
		out[key] = value
	}
	return out, nil
}

func ReadString(creds map[string]any, key string) (string, bool) {
	if creds == nil {
		return "", false
	}
	value, ok := creds[key]
	if !ok {
		return "", false
	}
	cast, ok := value.(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(cast), true
}

// MetadataValue reads a provider metadata value that may have been decoded
// as a string or a number.
func MetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	case int64:
		return strconv.FormatInt(cast, 10)
	case int:
		return strconv.Itoa(cast)
	}
	return ""
}
