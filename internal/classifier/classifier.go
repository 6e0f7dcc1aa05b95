// Package classifier decides whether an inbound request should be answered
// with a pre-rendered snapshot. The decision is a fixed-priority rule chain:
// the first decisive rule wins and later rules are not consulted.
package classifier

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/edgequota/seosnap/internal/config"
	"github.com/edgequota/seosnap/internal/provider"
)

// EscapedFragmentParam is the query parameter that explicitly asks for the
// crawler rendering of a page.
const EscapedFragmentParam = "_escaped_fragment_"

// Reason names the rule that produced a Decision. Values are used as metric
// labels, so they are stable.
type Reason string

const (
	ReasonSelfRequest      Reason = "self_request"
	ReasonMethod           Reason = "method"
	ReasonIgnoredExtension Reason = "ignored_extension"
	ReasonNotWhitelisted   Reason = "not_whitelisted"
	ReasonBlacklisted      Reason = "blacklisted"
	ReasonEscapedFragment  Reason = "escaped_fragment"
	ReasonBlankUserAgent   Reason = "blank_user_agent"
	ReasonNotCrawler       Reason = "not_crawler"
	ReasonCrawler          Reason = "crawler"
)

// Decision is the outcome of Decide.
type Decision struct {
	Intercept bool
	Reason    Reason
}

// String renders the decision for logs.
func (d Decision) String() string {
	if d.Intercept {
		return fmt.Sprintf("intercept (%s)", d.Reason)
	}
	return fmt.Sprintf("passthrough (%s)", d.Reason)
}

// DefaultCrawlerUserAgents are matched as case-insensitive substrings of the
// User-Agent header.
var DefaultCrawlerUserAgents = []string{
	"googlebot", "yahoo", "bingbot", "baiduspider",
	"facebookexternalhit", "twitterbot", "rogerbot", "linkedinbot", "embedly",
}

// DefaultExtensionsToIgnore are matched as case-insensitive substrings of
// the canonical URL. Matching anywhere in the URL (not only at the end) is
// intentional and long-standing: ".js" also excludes ".json" and ".jsp".
var DefaultExtensionsToIgnore = []string{
	".js", ".css", ".less", ".png", ".jpg", ".jpeg", ".gif", ".pdf", ".doc",
	".txt", ".zip", ".mp3", ".rar", ".exe", ".wmv", ".avi", ".ppt", ".mpg",
	".mpeg", ".tif", ".wav", ".mov", ".psd", ".ai", ".xls", ".mp4", ".m4a",
	".swf", ".dat", ".dmg", ".iso", ".flv", ".m4v", ".torrent",
}

// RuleSet holds the compiled classification inputs. It is immutable after
// construction and safe for concurrent use.
type RuleSet struct {
	crawlerAgents []string
	ignored       []string
	// nil means "no restriction", not "match nothing".
	whitelist []*regexp.Regexp
	blacklist []*regexp.Regexp
}

// NewRuleSet compiles a rule set from explicit lists. Tokens are lowercased
// and blank entries dropped. Patterns must match the whole URL (or referer)
// to count, the same as an anchored match.
func NewRuleSet(crawlerAgents, ignored, whitelist, blacklist []string) (*RuleSet, error) {
	wl, err := compileAll("whitelist", whitelist)
	if err != nil {
		return nil, err
	}
	bl, err := compileAll("blacklist", blacklist)
	if err != nil {
		return nil, err
	}
	return &RuleSet{
		crawlerAgents: lowerAll(crawlerAgents),
		ignored:       lowerAll(ignored),
		whitelist:     wl,
		blacklist:     bl,
	}, nil
}

// Compile builds the rule set for a configuration: the built-in crawler and
// extension tokens followed by the configured ones, plus the configured
// whitelist and blacklist.
func Compile(rc config.RulesConfig) (*RuleSet, error) {
	agents := append(append([]string(nil), DefaultCrawlerUserAgents...), rc.CrawlerUserAgents...)
	ignored := append(append([]string(nil), DefaultExtensionsToIgnore...), rc.ExtensionsToIgnore...)
	return NewRuleSet(agents, ignored, rc.Whitelist, rc.Blacklist)
}

func compileAll(list string, patterns []string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile(`^(?:` + p + `)$`)
		if err != nil {
			return nil, fmt.Errorf("compile %s pattern %q: %w", list, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Decide runs the rule chain for r. url is the canonical URL of the request
// without its query string; p is the active provider.
func (rs *RuleSet) Decide(r *http.Request, url string, p provider.Provider) Decision {
	if p != nil && p.IsSelfRequest(r) {
		return Decision{Reason: ReasonSelfRequest}
	}
	if r.Method != http.MethodGet {
		return Decision{Reason: ReasonMethod}
	}
	if rs.isIgnoredResource(url) {
		return Decision{Reason: ReasonIgnoredExtension}
	}
	if rs.whitelist != nil && !matchAny(rs.whitelist, url) {
		return Decision{Reason: ReasonNotWhitelisted}
	}
	if rs.blacklist != nil && rs.isBlacklisted(url, r.Referer()) {
		return Decision{Reason: ReasonBlacklisted}
	}
	if HasEscapedFragment(r) {
		return Decision{Intercept: true, Reason: ReasonEscapedFragment}
	}

	ua := r.UserAgent()
	if strings.TrimSpace(ua) == "" {
		return Decision{Reason: ReasonBlankUserAgent}
	}
	if !rs.isCrawler(ua) {
		return Decision{Reason: ReasonNotCrawler}
	}
	return Decision{Intercept: true, Reason: ReasonCrawler}
}

func (rs *RuleSet) isIgnoredResource(url string) bool {
	url = strings.ToLower(url)
	for _, ext := range rs.ignored {
		if strings.Contains(url, ext) {
			return true
		}
	}
	return false
}

func (rs *RuleSet) isBlacklisted(url, referer string) bool {
	if matchAny(rs.blacklist, url) {
		return true
	}
	return strings.TrimSpace(referer) != "" && matchAny(rs.blacklist, referer)
}

func (rs *RuleSet) isCrawler(ua string) bool {
	ua = strings.ToLower(ua)
	for _, token := range rs.crawlerAgents {
		if strings.Contains(ua, token) {
			return true
		}
	}
	return false
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// HasEscapedFragment reports whether the query carries _escaped_fragment_,
// with or without a value.
func HasEscapedFragment(r *http.Request) bool {
	_, ok := r.URL.Query()[EscapedFragmentParam]
	return ok
}
