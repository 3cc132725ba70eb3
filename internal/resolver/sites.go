package resolver

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/appfetch/icon-resolver/internal/config"
)

// Site is one entry in the ordered candidate list. The list encodes
// business policy and comes from configuration, never code.
type Site struct {
	Domain  string
	InURL   string
	pattern *regexp.Regexp
}

// Term builds the provider query for a program name on this site.
func (s Site) Term(programName string) string {
	term := programName + " site:" + s.Domain
	if s.InURL != "" {
		term += " inurl:" + s.InURL
	}
	return term
}

// Match reports whether a candidate link is acceptable for this site.
func (s Site) Match(url string) bool {
	return s.pattern.MatchString(url)
}

// CompileSites translates configured site entries into matchers. The
// url_pattern field is a glob where `*` matches any run of characters;
// the compiled expression is anchored at both ends.
func CompileSites(entries []config.SiteConfig) ([]Site, error) {
	sites := make([]Site, 0, len(entries))
	for _, e := range entries {
		if e.Domain == "" {
			return nil, fmt.Errorf("site entry missing domain")
		}
		pattern := e.URLPattern
		if pattern == "" {
			pattern = "*" + e.Domain + "*"
		}
		re, err := compileGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", e.Domain, err)
		}
		sites = append(sites, Site{
			Domain:  e.Domain,
			InURL:   e.InURL,
			pattern: re,
		})
	}
	return sites, nil
}

func compileGlob(glob string) (*regexp.Regexp, error) {
	parts := strings.Split(glob, "*")
	quoted := make([]string, len(parts))
	for i, part := range parts {
		quoted[i] = regexp.QuoteMeta(part)
	}
	return regexp.Compile("^" + strings.Join(quoted, ".*") + "$")
}
