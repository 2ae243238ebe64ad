package cache

import (
	"strings"

	"golang.org/x/text/language"
)

// DefaultLocale is used when the caller supplies no locale.
const DefaultLocale = "en-US"

// NormalizeLocale canonicalizes a locale to its BCP 47 form, so that
// "en_us", "en-US" and "EN-us" share one cache entry. Unparseable values are
// kept verbatim.
func NormalizeLocale(locale string) string {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		return DefaultLocale
	}

	tag, err := language.Parse(strings.ReplaceAll(locale, "_", "-"))
	if err != nil {
		return locale
	}
	return tag.String()
}

// RequestHash builds the cache key for a paywall in a locale.
func RequestHash(identifier, locale string) string {
	return identifier + "_" + locale
}
