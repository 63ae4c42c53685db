package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/language"
)

func TestMatchLanguage(t *testing.T) {
	tests := []struct {
		locale   string
		expected language.Tag
	}{
		{"en-US,en;q=0.9", language.English},
		{"de_DE", language.German},
		{"fr_FR", language.French},
		{"ja_JP", language.English}, // Fallback
		{"", language.English},
	}

	for _, tt := range tests {
		got := MatchLanguage(tt.locale)
		base, _ := got.Base()
		exp, _ := tt.expected.Base()
		assert.Equal(t, exp, base, "locale: %s", tt.locale)
	}
}

func TestLocaleFromEnv(t *testing.T) {
	t.Setenv("LC_ALL", "")
	t.Setenv("LC_NUMERIC", "C")
	t.Setenv("LANG", "de_DE.UTF-8")
	assert.Equal(t, "de_DE", LocaleFromEnv())

	t.Setenv("LC_ALL", "fr_FR@euro")
	assert.Equal(t, "fr_FR", LocaleFromEnv())
}

func TestCLIPrinterGrouping(t *testing.T) {
	t.Setenv("LC_ALL", "")
	t.Setenv("LC_NUMERIC", "")
	t.Setenv("LANG", "")
	assert.Equal(t, "1,234,567", NewCLIPrinter().Sprintf("%d", 1234567))

	t.Setenv("LANG", "de_DE.UTF-8")
	assert.Equal(t, "1.234.567", NewCLIPrinter().Sprintf("%d", 1234567))
}
