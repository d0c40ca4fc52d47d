// Package rules loads per-site YAML rules that tune how a target is fetched
// and rewritten.
package rules

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"gopkg.in/yaml.v3"
)

// Regex replaces every match of Match in a rewritten body.
type Regex struct {
	Match   string `yaml:"match"`
	Replace string `yaml:"replace"`

	re *regexp.Regexp
}

// Headers overrides outbound request headers. The value "none" removes the
// header instead.
type Headers struct {
	UserAgent string `yaml:"user-agent,omitempty"`
	Referer   string `yaml:"referer,omitempty"`
	Cookie    string `yaml:"cookie,omitempty"`
	// CSP replaces the upstream Content-Security-Policy response header.
	CSP string `yaml:"content-security-policy,omitempty"`
}

// Injection inserts HTML at every element matching the Position selector.
type Injection struct {
	Position string `yaml:"position"`
	Append   string `yaml:"append,omitempty"`
	Prepend  string `yaml:"prepend,omitempty"`
	Replace  string `yaml:"replace,omitempty"`
}

// Rule applies to the listed domains and their subdomains. When Paths is
// non-empty the target path must start with one of them.
type Rule struct {
	Domain     string      `yaml:"domain,omitempty"`
	Domains    []string    `yaml:"domains,omitempty"`
	Paths      []string    `yaml:"paths,omitempty"`
	Headers    Headers     `yaml:"headers,omitempty"`
	RegexRules []Regex     `yaml:"regexRules,omitempty"`
	Injections []Injection `yaml:"injections,omitempty"`
}

// RuleSet is an ordered list of rules; the first match wins.
type RuleSet []Rule

// Load reads rules from paths, a ';'-separated list of YAML files or
// directories. Directories are walked for *.yaml and *.yml files. An empty
// paths value yields an empty set.
func Load(paths string) (RuleSet, error) {
	var (
		set  RuleSet
		errs []error
	)
	for _, root := range strings.Split(paths, ";") {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if ext := filepath.Ext(path); ext != ".yaml" && ext != ".yml" {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			rs, err := Parse(data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			set = append(set, rs...)
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("load rules from %s: %w", root, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return set, nil
}

// Parse decodes a YAML rule list and compiles its regular expressions.
func Parse(data []byte) (RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("syntax error: %w", err)
	}
	for i := range rs {
		for j := range rs[i].RegexRules {
			rx := &rs[i].RegexRules[j]
			re, err := regexp.Compile(rx.Match)
			if err != nil {
				return nil, fmt.Errorf("rule %d: regex %q: %w", i, rx.Match, err)
			}
			rx.re = re
		}
		for _, inj := range rs[i].Injections {
			if inj.Position == "" {
				return nil, fmt.Errorf("rule %d: injection without position", i)
			}
		}
	}
	return rs, nil
}

// Domains returns every domain named by the set.
func (rs RuleSet) Domains() []string {
	var domains []string
	for _, r := range rs {
		if r.Domain != "" {
			domains = append(domains, r.Domain)
		}
		domains = append(domains, r.Domains...)
	}
	return domains
}

// Match returns the first rule that applies to u, or nil.
func (rs RuleSet) Match(u *url.URL) *Rule {
	if u == nil {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	for i := range rs {
		r := &rs[i]
		if !r.matchesHost(host) {
			continue
		}
		if len(r.Paths) > 0 && !hasAnyPrefix(u.Path, r.Paths) {
			continue
		}
		return r
	}
	return nil
}

func (r *Rule) matchesHost(host string) bool {
	check := func(d string) bool {
		d = strings.ToLower(strings.TrimPrefix(d, "."))
		return d != "" && (host == d || strings.HasSuffix(host, "."+d))
	}
	if check(r.Domain) {
		return true
	}
	for _, d := range r.Domains {
		if check(d) {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// ApplyRequestHeaders applies the outbound header overrides to h. A nil
// rule is a no-op.
func (r *Rule) ApplyRequestHeaders(h http.Header) {
	if r == nil {
		return
	}
	override(h, "User-Agent", r.Headers.UserAgent)
	override(h, "Referer", r.Headers.Referer)
	if c := r.Headers.Cookie; c != "" {
		if c == "none" {
			h.Del("Cookie")
		} else if existing := h.Get("Cookie"); existing != "" {
			h.Set("Cookie", existing+"; "+c)
		} else {
			h.Set("Cookie", c)
		}
	}
}

// ApplyResponseHeaders applies the response header overrides to h.
func (r *Rule) ApplyResponseHeaders(h http.Header) {
	if r == nil {
		return
	}
	override(h, "Content-Security-Policy", r.Headers.CSP)
}

func override(h http.Header, key, value string) {
	switch value {
	case "":
	case "none":
		h.Del(key)
	default:
		h.Set(key, value)
	}
}

// HasInjections reports whether the rule changes the HTML document tree.
func (r *Rule) HasInjections() bool {
	return r != nil && len(r.Injections) > 0
}

// Inject applies the rule's injections to doc in order.
func (r *Rule) Inject(doc *goquery.Document) {
	if r == nil {
		return
	}
	for _, inj := range r.Injections {
		sel := doc.Find(inj.Position)
		if inj.Replace != "" {
			sel.ReplaceWithHtml(inj.Replace)
			continue
		}
		if inj.Append != "" {
			sel.AppendHtml(inj.Append)
		}
		if inj.Prepend != "" {
			sel.PrependHtml(inj.Prepend)
		}
	}
}

// ApplyRegex runs the rule's regex replacements over body.
func (r *Rule) ApplyRegex(body string) string {
	if r == nil {
		return body
	}
	for _, rx := range r.RegexRules {
		if rx.re == nil {
			continue
		}
		body = rx.re.ReplaceAllString(body, rx.Replace)
	}
	return body
}
