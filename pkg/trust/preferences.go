package trust

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/netsec-ethz/fpki-validator/pkg/config"
	"github.com/netsec-ethz/fpki-validator/pkg/domain"
)

// LevelFor returns the level of authority (a CA set or a PCA) for domainName, taken from the
// most specific pattern that matches domainName and mentions authority.
func LevelFor(prefs config.Preferences, authority, domainName string) (int, bool) {
	for _, pattern := range Patterns(prefs, domainName) {
		for _, p := range prefs[pattern] {
			if p.Authority() == authority {
				return p.Level, true
			}
		}
	}
	return 0, false
}

// SubjectLevel returns the highest level, for domainName, of the CA sets that contain the CA
// subject, and the CA set giving it. The level is 0 if no CA set applies.
func SubjectLevel(cfg *config.Config, subject, domainName string) (int, string) {
	level, set := 0, ""
	for _, name := range cfg.CASetsContaining(subject) {
		l, ok := LevelFor(cfg.LegacyTrustPreference, name, domainName)
		if ok && (set == "" || l > level) {
			level, set = l, name
		}
	}
	return level, set
}

// InheritedPreferences returns the preferences that apply to domainName through the domain
// hierarchy: those of the domain itself, then of its wildcard form, then of each ancestor and
// its wildcard form, and finally of "*". An authority is taken from the most specific pattern
// mentioning it, so an explicit entry for domainName is never overridden.
func InheritedPreferences(prefs config.Preferences, domainName string) []config.TrustPreference {
	var inherited []config.TrustPreference
	seen := make(map[string]struct{})
	for _, pattern := range domain.Hierarchy(domainName) {
		for _, p := range prefs[pattern] {
			if _, ok := seen[p.Authority()]; ok {
				continue
			}
			seen[p.Authority()] = struct{}{}
			inherited = append(inherited, p)
		}
	}
	return inherited
}

// Patterns returns the configured patterns matching domainName, most specific first.
func Patterns(prefs config.Preferences, domainName string) []string {
	patterns := maps.Keys(prefs)
	patterns = slices.DeleteFunc(patterns, func(p string) bool {
		return !domain.MatchPattern(p, domainName)
	})
	slices.SortFunc(patterns, func(a, b string) int {
		return domain.Specificity(b) - domain.Specificity(a)
	})
	return patterns
}
