package middleware

import (
	"context"
	"net/http"

	"github.com/soaringjerry/Cohort/internal/utils"
)

type ctxKey int

const localeKey ctxKey = 1

// SupportedLocales are the languages with server-side message translations.
var SupportedLocales = []string{"en", "es"}

// LocaleMiddleware picks the locale from ?lang= or Accept-Language.
func LocaleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		locale := utils.DetermineLocale(r.URL.Query().Get("lang"), r.Header.Get("Accept-Language"), SupportedLocales, "en")
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), localeKey, locale)))
	})
}

func LocaleFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(localeKey).(string); ok {
		return s
	}
	return "en"
}
