// ============================================================================
// update-daemon Session - HTTP session against the polled site
// ============================================================================
//
// Package: internal/session
// File: http.go
// Purpose: Cookie-authenticated HTTP session used by update actions, plus the
//          liveness probe the daemon uses to detect outages and recovery.
//
// Authentication:
//   The site issues a session cookie on a successful form login. The cookie
//   string ("a=1; b=2") is cached in a file shared by every daemon process on
//   the host; see auth.go for how that file is refreshed.
//
// Liveness:
//   IsUp() fetches the site root. Any response below 500 means the site is
//   reachable; transport errors and 5xx mean it is down.
//
// ============================================================================

package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Session is the narrow capability the daemon needs from the polled resource.
type Session interface {
	// IsUp performs a direct liveness probe.
	IsUp(ctx context.Context) bool
}

// Dialer opens sessions. HTTPDialer is the production implementation.
type Dialer interface {
	// WithCookie returns a session using a cached token, or ErrUnauthorized
	// when the site rejects it.
	WithCookie(ctx context.Context, cookie string) (Session, error)
	// Login authenticates with username/password and returns a fresh token.
	Login(ctx context.Context, username, password string) (string, error)
}

// HTTPDialer talks to one site.
type HTTPDialer struct {
	Site      string // base URL, e.g. https://boards.example.com
	LoginPath string // form login endpoint
	CheckPath string // page that requires a valid session
	Client    *http.Client
}

// NewHTTPDialer builds a dialer with a sane default client.
func NewHTTPDialer(site, loginPath, checkPath string) *HTTPDialer {
	return &HTTPDialer{
		Site:      strings.TrimRight(site, "/"),
		LoginPath: loginPath,
		CheckPath: checkPath,
		Client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (d *HTTPDialer) url(path string) string {
	return d.Site + "/" + strings.TrimLeft(path, "/")
}

// noRedirect keeps redirects visible so a bounce to the login page can be
// told apart from a real page.
func (d *HTTPDialer) noRedirect() *http.Client {
	c := *d.Client
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return &c
}

// WithCookie validates cookie by fetching CheckPath.
func (d *HTTPDialer) WithCookie(ctx context.Context, cookie string) (Session, error) {
	if cookie == "" {
		return nil, ErrUnauthorized
	}
	s := &HTTPSession{dialer: d, cookie: cookie}

	resp, err := s.do(ctx, d.noRedirect(), http.MethodGet, d.CheckPath, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		if strings.Contains(resp.Header.Get("Location"), d.LoginPath) {
			return nil, ErrUnauthorized
		}
	case resp.StatusCode >= 500:
		return nil, &PageLoadError{URL: d.url(d.CheckPath), Status: resp.StatusCode}
	}
	return s, nil
}

// Login posts the login form and collects the session cookies.
func (d *HTTPDialer) Login(ctx context.Context, username, password string) (string, error) {
	form := url.Values{"username": {username}, "password": {password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url(d.LoginPath), strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.noRedirect().Do(req)
	if err != nil {
		return "", &PageLoadError{URL: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return "", &PageLoadError{URL: req.URL.String(), Status: resp.StatusCode}
	}

	cookies := resp.Cookies()
	if len(cookies) == 0 {
		return "", fmt.Errorf("%w: login returned no session cookie", ErrUnauthorized)
	}
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; "), nil
}

// HTTPSession is an authenticated session.
type HTTPSession struct {
	dialer *HTTPDialer
	cookie string
}

// Cookie returns the token this session was opened with.
func (s *HTTPSession) Cookie() string { return s.cookie }

func (s *HTTPSession) do(ctx context.Context, client *http.Client, method, path string, body io.Reader) (*http.Response, error) {
	u := s.dialer.url(path)
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cookie", s.cookie)
	resp, err := client.Do(req)
	if err != nil {
		return nil, &PageLoadError{URL: u, Err: err}
	}
	return resp, nil
}

// Fetch returns the body of path. Transport failures and 5xx responses are
// reported as *PageLoadError.
func (s *HTTPSession) Fetch(ctx context.Context, path string) ([]byte, error) {
	resp, err := s.do(ctx, s.dialer.Client, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil && len(body) == 0 {
		return nil, &PageLoadError{URL: s.dialer.url(path), Status: resp.StatusCode, Err: err}
	}
	// a truncated body still carries whatever the server managed to send
	if resp.StatusCode >= 500 {
		return nil, &PageLoadError{URL: s.dialer.url(path), Status: resp.StatusCode}
	}
	return body, nil
}

// IsUp probes the site root.
func (s *HTTPSession) IsUp(ctx context.Context) bool {
	resp, err := s.do(ctx, s.dialer.noRedirect(), http.MethodGet, "/", nil)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < 500
}
