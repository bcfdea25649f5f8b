package vault

import "strings"

const maskToken = "****"

// MaskSecret redacts a secret, keeping a vendor prefix such as "sk_live_"
// and the last four characters when the secret is long enough.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 8 {
		return prefix + maskToken
	}
	return prefix + maskToken + remainder[len(remainder)-4:]
}

// Mask returns a copy of credentials safe to return from read APIs.
func Mask(credentials map[string]any) map[string]any {
	if len(credentials) == 0 {
		return map[string]any{}
	}

	masked := make(map[string]any, len(credentials))
	for key, value := range credentials {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		masked[trimmedKey] = maskValue(value)
	}
	return masked
}

func maskValue(value any) any {
	switch cast := value.(type) {
	case string:
		return MaskSecret(cast)
	case map[string]any:
		return Mask(cast)
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, maskValue(item))
		}
		return out
	case nil:
		return nil
	default:
		return maskToken
	}
}

func splitPrefix(value string) (string, string) {
	lastUnderscore := strings.LastIndex(value, "_")
	if lastUnderscore == -1 || lastUnderscore == len(value)-1 || lastUnderscore > 12 {
		return "", value
	}
	return value[:lastUnderscore+1], value[lastUnderscore+1:]
}
