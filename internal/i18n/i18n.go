// Package i18n provides the locale-aware printer used for CLI output, so
// counts in "ipban status" carry the user's digit grouping.
package i18n

import (
	"os"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DefaultLang is the fallback language
var DefaultLang = language.English

// SupportedLangs are the languages we support
var SupportedLangs = []language.Tag{
	language.English,
	language.German,
	language.French,
}

var matcher = language.NewMatcher(SupportedLangs)

// MatchLanguage returns the best supported language for a locale name such
// as "de_DE" or a language list such as "de-DE,de;q=0.9".
func MatchLanguage(locale string) language.Tag {
	locale = strings.ReplaceAll(locale, "_", "-")
	tags, _, _ := language.ParseAcceptLanguage(locale)
	tag, _, _ := matcher.Match(tags...)
	return tag
}

// NewPrinter returns a message printer for the given language
func NewPrinter(tag language.Tag) *message.Printer {
	return message.NewPrinter(tag)
}

// LocaleFromEnv returns the locale named by LC_ALL, LC_NUMERIC or LANG,
// without any encoding suffix.
func LocaleFromEnv() string {
	for _, key := range []string{"LC_ALL", "LC_NUMERIC", "LANG"} {
		lang := os.Getenv(key)
		if lang == "" || lang == "C" || lang == "POSIX" {
			continue
		}
		// en_US.UTF-8, de_DE@euro
		if i := strings.IndexAny(lang, ".@"); i != -1 {
			lang = lang[:i]
		}
		return lang
	}
	return ""
}

// NewCLIPrinter returns a printer for the system's locale (from env vars)
func NewCLIPrinter() *message.Printer {
	lang := LocaleFromEnv()
	if lang == "" {
		return message.NewPrinter(DefaultLang)
	}
	return message.NewPrinter(MatchLanguage(lang))
}
