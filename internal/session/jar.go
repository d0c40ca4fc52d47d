// Package session keeps per-client cookie jars used for upstream requests and
// mirrors them to a durable store.
package session

import (
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Cookie is one stored cookie record.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	HostOnly bool      `json:"host_only,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	HttpOnly bool      `json:"http_only,omitempty"`
	SameSite string    `json:"same_site,omitempty"`
	Expires  time.Time `json:"expires"` // zero for session cookies
	Created  time.Time `json:"created"`
}

func (c *Cookie) expired(now time.Time) bool {
	return !c.Expires.IsZero() && !c.Expires.After(now)
}

// Jar is an ordered cookie set for one client identity. It implements
// http.CookieJar and is safe for concurrent use.
type Jar struct {
	mu      sync.Mutex
	cookies []Cookie
	version uint64

	now func() time.Time
}

// NewJar returns an empty Jar.
func NewJar() *Jar {
	return &Jar{}
}

// SetCookies stores cookies received in a response from u.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	host := canonicalHost(u.Host)
	if host == "" {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.clock()
	changed := false
	for _, hc := range cookies {
		if hc == nil || hc.Name == "" {
			continue
		}
		c, ok := newCookie(hc, u, host, now)
		if !ok {
			continue
		}
		idx := j.indexLocked(c.Domain, c.Path, c.Name)
		if c.expired(now) {
			if idx >= 0 {
				j.cookies = append(j.cookies[:idx], j.cookies[idx+1:]...)
				changed = true
			}
			continue
		}
		if idx >= 0 {
			c.Created = j.cookies[idx].Created
			j.cookies[idx] = c
		} else {
			j.cookies = append(j.cookies, c)
		}
		changed = true
	}
	if changed {
		j.version++
	}
}

// Cookies returns the cookies to send in a request to u, longest path first.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	host := canonicalHost(u.Host)
	if host == "" {
		return nil
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	https := u.Scheme == "https" || u.Scheme == "wss"

	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.clock()
	var matched []Cookie
	for _, c := range j.cookies {
		if c.expired(now) || (c.Secure && !https) {
			continue
		}
		if !domainMatch(&c, host) || !pathMatch(c.Path, path) {
			continue
		}
		matched = append(matched, c)
	}
	sort.SliceStable(matched, func(a, b int) bool {
		if len(matched[a].Path) != len(matched[b].Path) {
			return len(matched[a].Path) > len(matched[b].Path)
		}
		return matched[a].Created.Before(matched[b].Created)
	})

	out := make([]*http.Cookie, len(matched))
	for i, c := range matched {
		out[i] = &http.Cookie{Name: c.Name, Value: c.Value}
	}
	return out
}

// Snapshot returns a copy of the unexpired cookies and the jar version.
func (j *Jar) Snapshot() ([]Cookie, uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.clock()
	out := make([]Cookie, 0, len(j.cookies))
	for _, c := range j.cookies {
		if !c.expired(now) {
			out = append(out, c)
		}
	}
	return out, j.version
}

// Restore replaces the jar content with cookies loaded from storage.
func (j *Jar) Restore(cookies []Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.clock()
	j.cookies = j.cookies[:0]
	for _, c := range cookies {
		if c.Name == "" || c.Domain == "" || c.expired(now) {
			continue
		}
		j.cookies = append(j.cookies, c)
	}
}

// Len returns the number of stored cookies.
func (j *Jar) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.cookies)
}

func (j *Jar) clock() time.Time {
	if j.now != nil {
		return j.now()
	}
	return time.Now()
}

func (j *Jar) indexLocked(domain, path, name string) int {
	for i := range j.cookies {
		c := &j.cookies[i]
		if c.Domain == domain && c.Path == path && c.Name == name {
			return i
		}
	}
	return -1
}

func newCookie(hc *http.Cookie, u *url.URL, host string, now time.Time) (Cookie, bool) {
	c := Cookie{
		Name:     hc.Name,
		Value:    hc.Value,
		Secure:   hc.Secure,
		HttpOnly: hc.HttpOnly,
		SameSite: sameSiteString(hc.SameSite),
		Created:  now,
	}

	domain := strings.ToLower(strings.TrimPrefix(hc.Domain, "."))
	switch {
	case domain == "" || domain == host:
		c.Domain = host
		c.HostOnly = domain == ""
	case net.ParseIP(host) != nil:
		// IP hosts only accept host-only cookies.
		return Cookie{}, false
	case !strings.HasSuffix(host, "."+domain):
		return Cookie{}, false
	default:
		if ps, _ := publicsuffix.PublicSuffix(domain); ps == domain {
			return Cookie{}, false
		}
		c.Domain = domain
	}

	c.Path = hc.Path
	if c.Path == "" || c.Path[0] != '/' {
		c.Path = defaultPath(u.Path)
	}

	switch {
	case hc.MaxAge < 0:
		c.Expires = now.Add(-time.Second)
	case hc.MaxAge > 0:
		c.Expires = now.Add(time.Duration(hc.MaxAge) * time.Second)
	case !hc.Expires.IsZero():
		c.Expires = hc.Expires
	}
	return c, true
}

func domainMatch(c *Cookie, host string) bool {
	if c.Domain == host {
		return true
	}
	return !c.HostOnly && strings.HasSuffix(host, "."+c.Domain)
}

func pathMatch(cookiePath, reqPath string) bool {
	if cookiePath == reqPath {
		return true
	}
	if !strings.HasPrefix(reqPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || reqPath[len(cookiePath)] == '/'
}

func defaultPath(p string) string {
	if p == "" || p[0] != '/' {
		return "/"
	}
	i := strings.LastIndex(p, "/")
	if i == 0 {
		return "/"
	}
	return p[:i]
}

func canonicalHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")
	return strings.ToLower(host)
}

func sameSiteString(s http.SameSite) string {
	switch s {
	case http.SameSiteLaxMode:
		return "Lax"
	case http.SameSiteStrictMode:
		return "Strict"
	case http.SameSiteNoneMode:
		return "None"
	}
	return ""
}
