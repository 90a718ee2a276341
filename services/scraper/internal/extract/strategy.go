package extract

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// MaxPlaylists caps how many playlist URLs are kept per provider page.
const MaxPlaylists = 2

// Strategy finds direct playlist URLs in a provider page. Implementations must be
// safe for concurrent use.
type Strategy interface {
	Name() string
	Matches(u *url.URL) bool
	FindPlaylists(body []byte) []string
}

// PatternStrategy is a data-only strategy: host suffixes plus regexes. When a
// pattern has a capture group the first group is the URL, else the whole match.
type PatternStrategy struct {
	name     string
	hosts    []string
	patterns []*regexp.Regexp
}

// NewPatternStrategy compiles patterns case-insensitively. An empty host list
// matches every page.
func NewPatternStrategy(name string, hosts, patterns []string) (*PatternStrategy, error) {
	s := &PatternStrategy{
		name: name,
		hosts: lo.Map(hosts, func(h string, _ int) string {
			return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "."))
		}),
	}
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: pattern %q: %w", name, p, err)
		}
		s.patterns = append(s.patterns, re)
	}
	if len(s.patterns) == 0 {
		return nil, fmt.Errorf("strategy %s: no patterns", name)
	}
	return s, nil
}

func (s *PatternStrategy) Name() string { return s.name }

func (s *PatternStrategy) Matches(u *url.URL) bool {
	if len(s.hosts) == 0 {
		return true
	}
	host := strings.ToLower(u.Hostname())
	return lo.ContainsBy(s.hosts, func(h string) bool {
		return host == h || strings.HasSuffix(host, "."+h)
	})
}

// FindPlaylists unescapes JSON-style \/ first so script-embedded URLs match too.
// Results are deduplicated in order of appearance.
func (s *PatternStrategy) FindPlaylists(body []byte) []string {
	text := strings.ReplaceAll(string(body), `\/`, "/")
	var found []string
	for _, re := range s.patterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			u := m[0]
			if len(m) > 1 && m[1] != "" {
				u = m[1]
			}
			found = append(found, u)
		}
	}
	return lo.Uniq(found)
}

// GenericM3U8 matches any absolute .m3u8 URL.
var GenericM3U8 = lo.Must(NewPatternStrategy("generic-m3u8", nil, []string{
	`https?://[^\s"'<>\\]+?\.m3u8(?:\?[^\s"'<>\\]*)?`,
}))

// Registry picks the first strategy whose hosts match, falling back to GenericM3U8.
type Registry struct {
	strategies []Strategy
}

func NewRegistry(strategies ...Strategy) *Registry {
	return &Registry{strategies: strategies}
}

func (r *Registry) For(u *url.URL) Strategy {
	if r != nil {
		for _, s := range r.strategies {
			if s.Matches(u) {
				return s
			}
		}
	}
	return GenericM3U8
}

type strategyFile struct {
	Strategies []struct {
		Name     string   `yaml:"name"`
		Hosts    []string `yaml:"hosts"`
		Patterns []string `yaml:"patterns"`
	} `yaml:"strategies"`
}

// ParseStrategies reads a YAML document of the form
//
//	strategies:
//	  - name: streamwish
//	    hosts: [streamwish.to]
//	    patterns: ['file:\s*"([^"]+\.m3u8[^"]*)"']
func ParseStrategies(data []byte) ([]Strategy, error) {
	var f strategyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse strategies: %w", err)
	}
	out := make([]Strategy, 0, len(f.Strategies))
	for i, def := range f.Strategies {
		name := def.Name
		if name == "" {
			name = fmt.Sprintf("strategy-%d", i)
		}
		s, err := NewPatternStrategy(name, def.Hosts, def.Patterns)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// LoadStrategies reads ParseStrategies input from path.
func LoadStrategies(path string) ([]Strategy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategies: %w", err)
	}
	return ParseStrategies(data)
}
