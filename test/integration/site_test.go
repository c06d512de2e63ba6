package integration

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// fakeSite 模擬外部論壇：登入發放 session cookie，down 時所有頁面回傳 503
type fakeSite struct {
	srv        *httptest.Server
	down       atomic.Bool
	logins     atomic.Int32
	loginDelay time.Duration
}

func newFakeSite(t *testing.T) *fakeSite {
	t.Helper()
	s := &fakeSite{}

	authed := func(r *http.Request) bool {
		return strings.HasPrefix(r.Header.Get("Cookie"), "session=tok-")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/login.php", func(w http.ResponseWriter, r *http.Request) {
		if s.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.FormValue("username") != "bot" || r.FormValue("password") != "pw" {
			w.WriteHeader(http.StatusOK)
			return
		}
		n := s.logins.Add(1)
		time.Sleep(s.loginDelay)
		http.SetCookie(w, &http.Cookie{Name: "session", Value: fmt.Sprintf("tok-%d", n)})
		http.Redirect(w, r, "/", http.StatusFound)
	})
	page := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if s.down.Load() {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			if !authed(r) {
				http.Redirect(w, r, "/login.php", http.StatusFound)
				return
			}
			w.Write([]byte(body))
		}
	}
	mux.HandleFunc("/private", page("welcome back"))
	mux.HandleFunc("/topics", page("topic 1\ntopic 2\n"))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if s.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("index"))
	})

	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *fakeSite) URL() string { return s.srv.URL }
