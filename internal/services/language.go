package services

import (
	"strings"

	"github.com/soaringjerry/Cohort/internal/utils"
)

// DefaultLanguage is used for missing or unrecognised language codes.
const DefaultLanguage = "en"

// Language is a mobile app language code with its stored friendly name.
type Language struct {
	Code         string
	FriendlyName string
}

var languages = map[string]string{
	"bn": "Bengali",
	"da": "Danish",
	"de": "German",
	"en": "English (US)",
	"gb": "English (UK)",
	"e2": "English (Canada)",
	"e3": "English (Australia)",
	"s2": "Spanish (Latin America)",
	"es": "Spanish",
	"fi": "Finnish",
	"fr": "French",
	"f2": "French (Canada)",
	"hi": "Hindi",
	"it": "Italian",
	"ja": "Japanese",
	"ko": "Korean",
	"nb": "Norwegian (Bokmal)",
	"nl": "Dutch",
	"pl": "Polish",
	"pt": "Portuguese",
	"ru": "Russian",
	"sv": "Swedish",
	"tr": "Turkish",
	"zh": "Chinese (Simplified)",
	"zt": "Chinese (Traditional)",
}

// LookupLanguage resolves a two-character code. Codes are matched exactly, as
// the app sends them; anything else resolves to DefaultLanguage.
func LookupLanguage(code string) Language {
	code = strings.TrimSpace(code)
	if name, ok := languages[code]; ok {
		return Language{Code: code, FriendlyName: name}
	}
	return Language{Code: DefaultLanguage, FriendlyName: languages[DefaultLanguage]}
}

// TokenRequiredMessage is the localized rejection for a missing enrollment token.
func (l Language) TokenRequiredMessage() string {
	return utils.T(l.Code, utils.KeyTokenRequired)
}
