package utils

// Server-side strings that are returned synchronously to the mobile app.
// Keys missing for a language fall back to English.

const KeyTokenRequired = "enrollment.token_required"

var translations = map[string]map[string]string{
	"en": {
		"health.ok":      "ok",
		KeyTokenRequired: "Token is required",
	},
	"es": {
		KeyTokenRequired: "Se requiere un token",
	},
}

// T returns the translated string for key in locale; falls back to English.
func T(locale, key string) string {
	if m, ok := translations[locale]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	if m, ok := translations["en"]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	return key
}
