// Package language maps free-text audio labels from provider payloads onto BCP 47 tags.
package language

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Undetermined is the code reported for labels we cannot place.
const Undetermined = "und"

type Language struct {
	Name  string `json:"name"`
	Code  string `json:"code"`
	IsDub bool   `json:"isDub"`
}

var (
	latinAmericanSpanish = language.MustParse("es-419")
	brazilianPortuguese  = language.MustParse("pt-BR")
)

// labels is keyed by lower-cased label. Japanese audio with subtitles is the
// original track, so sub aliases map to Japanese.
var labels = map[string]language.Tag{
	"japanese":  language.Japanese,
	"japonés":   language.Japanese,
	"japones":   language.Japanese,
	"jp":        language.Japanese,
	"ja":        language.Japanese,
	"sub":       language.Japanese,
	"subbed":    language.Japanese,
	"subtitled": language.Japanese,
	"vose":      language.Japanese,
	"raw":       language.Japanese,

	"english": language.English,
	"inglés":  language.English,
	"ingles":  language.English,
	"en":      language.English,
	"dub":     language.English,
	"dubbed":  language.English,

	"spanish":    language.Spanish,
	"español":    language.Spanish,
	"espanol":    language.Spanish,
	"castellano": language.Spanish,
	"castilian":  language.Spanish,

	"latino":                 latinAmericanSpanish,
	"español latino":         latinAmericanSpanish,
	"espanol latino":         latinAmericanSpanish,
	"latin american spanish": latinAmericanSpanish,

	"portuguese":           language.Portuguese,
	"português":            language.Portuguese,
	"portugues":            language.Portuguese,
	"brazilian portuguese": brazilianPortuguese,
	"portugués brasil":     brazilianPortuguese,

	"hindi":      language.Hindi,
	"tamil":      language.Tamil,
	"telugu":     language.Telugu,
	"bengali":    language.Bengali,
	"french":     language.French,
	"francés":    language.French,
	"frances":    language.French,
	"german":     language.German,
	"alemán":     language.German,
	"aleman":     language.German,
	"italian":    language.Italian,
	"italiano":   language.Italian,
	"chinese":    language.Chinese,
	"mandarin":   language.Chinese,
	"korean":     language.Korean,
	"arabic":     language.Arabic,
	"russian":    language.Russian,
	"indonesian": language.Indonesian,
	"thai":       language.Thai,
	"vietnamese": language.Vietnamese,
	"turkish":    language.Turkish,
}

var names = display.English.Tags()

// Normalize trims and lower-cases raw before the table lookup. Every known
// language other than Japanese counts as a dub.
func Normalize(raw string) Language {
	key := strings.ToLower(strings.TrimSpace(raw))
	tag, ok := labels[key]
	if !ok {
		return Language{Name: raw, Code: Undetermined, IsDub: key != "japanese"}
	}
	return Language{
		Name:  names.Name(tag),
		Code:  tag.String(),
		IsDub: tag != language.Japanese,
	}
}
