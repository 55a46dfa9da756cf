// Package normalizers canonicalizes raw swimmer names, team names, event labels
// and time strings into comparable forms.
package normalizers

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/Ramsey-B/lily/pkg/models"
)

// Func is a function that normalizes a string value
type Func func(string) string

// registry holds all registered normalizers
var registry = make(map[string]Func)

// aliasNormalizers names the registry entry used to key aliases of each kind.
var aliasNormalizers = map[models.EntityKind]string{
	models.EntityKindSwimmer: "nname",
	models.EntityKindTeam:    "nteam",
	models.EntityKindEvent:   "nevent",
}

func init() {
	Register("lowercase", strings.ToLower)
	Register("trim", strings.TrimSpace)
	Register("fold", Fold)
	Register("nname", func(s string) string {
		return Default.Normalize(s, SwimmerName).Display
	})
	Register("nteam", func(s string) string {
		return Default.Normalize(s, TeamName).Display
	})
	Register("nevent", func(s string) string {
		return Default.Normalize(s, EventLabel).Display
	})
}

// Register adds a normalizer to the registry
func Register(name string, fn Func) {
	registry[name] = fn
}

// Get retrieves a normalizer by name
func Get(name string) (Func, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Apply applies a named normalizer to a value
func Apply(value, normalizer string) string {
	fn, ok := registry[normalizer]
	if !ok {
		return value
	}
	return fn(value)
}

// ApplyChain applies multiple normalizers in sequence
func ApplyChain(value string, normalizers ...string) string {
	result := value
	for _, name := range normalizers {
		result = Apply(result, name)
	}
	return result
}

// AliasKey is the lookup key under which an alias of the given kind is indexed.
func AliasKey(raw string, kind models.EntityKind) string {
	name, ok := aliasNormalizers[kind]
	if !ok {
		return ApplyChain(raw, "trim", "fold")
	}
	return ApplyChain(raw, "trim", name)
}

// Fold case-folds s, strips diacritics and punctuation, and collapses whitespace.
// Apostrophes are dropped without splitting the word ("O'Brien" -> "obrien").
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}

	var result strings.Builder
	pendingSpace := false
	for _, r := range strings.ToLower(stripped) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if pendingSpace && result.Len() > 0 {
				result.WriteByte(' ')
			}
			pendingSpace = false
			result.WriteRune(r)
		case r == '\'' || r == '’' || r == '`':
		default:
			pendingSpace = true
		}
	}
	return result.String()
}
