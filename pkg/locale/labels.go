package locale

import (
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/text/language"
)

// LabelSet holds the UI strings the synchronizers splice into entities.
type LabelSet struct {
	YouPrefix string `mapstructure:"you_prefix" yaml:"you_prefix" json:"you_prefix"`
}

// DefaultLabels are used when configuration provides none.
var DefaultLabels = map[string]LabelSet{
	"en": {YouPrefix: "you: "},
	"it": {YouPrefix: "tu: "},
	"es": {YouPrefix: "tú: "},
	"fr": {YouPrefix: "vous : "},
	"de": {YouPrefix: "du: "},
}

// Labels resolves a UI locale to the closest configured label set.
type Labels struct {
	tags    []language.Tag
	sets    []LabelSet
	matcher language.Matcher
}

func NewLabels(byLocale map[string]LabelSet) (*Labels, error) {
	if len(byLocale) == 0 {
		byLocale = DefaultLabels
	}
	keys := make([]string, 0, len(byLocale))
	for k := range byLocale {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	// English first so it is the matcher's fallback when present.
	sort.SliceStable(keys, func(i, j int) bool { return keys[i] == "en" && keys[j] != "en" })

	l := &Labels{}
	for _, k := range keys {
		tag, err := language.Parse(k)
		if err != nil {
			return nil, errors.Wrapf(err, "labels: invalid locale %q", k)
		}
		l.tags = append(l.tags, tag)
		l.sets = append(l.sets, byLocale[k])
	}
	l.matcher = language.NewMatcher(l.tags)
	return l, nil
}

// For returns the label set best matching locale (a BCP 47 tag or an
// Accept-Language style list).
func (l *Labels) For(locale string) LabelSet {
	if l == nil || len(l.sets) == 0 {
		return DefaultLabels["en"]
	}
	tags, _, err := language.ParseAcceptLanguage(locale)
	if err != nil || len(tags) == 0 {
		return l.sets[0]
	}
	_, idx, _ := l.matcher.Match(tags...)
	if idx < 0 || idx >= len(l.sets) {
		return l.sets[0]
	}
	return l.sets[idx]
}

// Canonical normalizes a locale to its BCP 47 form, defaulting to "en".
func Canonical(locale string) string {
	tag, err := language.Parse(locale)
	if err != nil || tag == language.Und {
		return "en"
	}
	return tag.String()
}
