package mediation

import "strings"

var (
	settingSensitiveFragments = []string{
		"secret",
		"appkey",
		"apikey",
		"token",
		"password",
		"privatekey",
		"accesskey",
	}

	settingReplacer = strings.NewReplacer("-", "", "_", "", " ", "")
)

// SanitizeSettings returns a copy of a network's free-form options with
// credential-like keys removed, suitable for status output.
func SanitizeSettings(cfg map[string]any) map[string]any {
	if len(cfg) == 0 {
		return nil
	}
	clean := make(map[string]any, len(cfg))
	for key, value := range cfg {
		if shouldOmitSetting(key) {
			continue
		}
		sanitized := sanitizeSettingValue(value)
		if sanitized == nil {
			continue
		}
		clean[key] = sanitized
	}
	if len(clean) == 0 {
		return nil
	}
	return clean
}

func sanitizeSettingValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return SanitizeSettings(v)
	case []any:
		filtered := make([]any, 0, len(v))
		for _, item := range v {
			if nested := sanitizeSettingValue(item); nested != nil {
				filtered = append(filtered, nested)
			}
		}
		if len(filtered) == 0 {
			return nil
		}
		return filtered
	case []string:
		return append([]string(nil), v...)
	default:
		return value
	}
}

func shouldOmitSetting(key string) bool {
	normalized := settingReplacer.Replace(strings.ToLower(strings.TrimSpace(key)))
	if normalized == "" {
		return false
	}
	for _, fragment := range settingSensitiveFragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}
	return false
}

// maskAppKey keeps the last four characters of an app key.
func maskAppKey(key string) string {
	const visible = 4
	if len(key) <= visible {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-visible) + key[len(key)-visible:]
}
