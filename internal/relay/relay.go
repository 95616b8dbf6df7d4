// Package relay implements the optional media-relay server: whitelisted
// local files served over HTTP under HMAC-signed, time-limited URLs, so the
// protocol side can fetch outbound media it cannot read from disk.
package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xingyingyuzhui/openclaw-QQ/internal/config"
)

// Server signs and serves relay URLs for one account.
type Server struct {
	acct  *config.Account
	roots []string
	slog  *slog.Logger
	srv   *http.Server
}

// New returns an unstarted Server. roots are the directories files may be
// served from (the same allowlist the media sender enforces).
func New(acct *config.Account, roots []string, slogger *slog.Logger) *Server {
	if slogger == nil {
		slogger = slog.Default()
	}
	return &Server{acct: acct, roots: roots, slog: slogger}
}

func (s *Server) ttl() time.Duration {
	if s.acct.MediaProxyTtlSec > 0 {
		return time.Duration(s.acct.MediaProxyTtlSec) * time.Second
	}
	return 5 * time.Minute
}

func (s *Server) basePath() string {
	p := s.acct.MediaProxyPath
	if p == "" {
		p = "/media"
	}
	return "/" + strings.Trim(p, "/")
}

// SignFileURL mints a signed, expiring URL for localPath. ok is false when
// the relay is disabled, unconfigured, or the path is outside every root.
func (s *Server) SignFileURL(localPath string) (string, bool) {
	if !s.acct.MediaProxyEnabled || s.acct.MediaProxyToken == "" || s.acct.MediaProxyHost == "" {
		return "", false
	}
	clean := filepath.Clean(localPath)
	if !s.underRoot(clean) {
		return "", false
	}
	exp := time.Now().Add(s.ttl()).Unix()
	sig := s.sign(clean, exp)
	u := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(s.acct.MediaProxyHost, strconv.Itoa(s.port())),
		Path:   s.basePath(),
		RawQuery: url.Values{
			"f":   {clean},
			"exp": {strconv.FormatInt(exp, 10)},
			"sig": {sig},
		}.Encode(),
	}
	return u.String(), true
}

func (s *Server) port() int {
	if s.acct.MediaProxyPort > 0 {
		return s.acct.MediaProxyPort
	}
	return 18666
}

func (s *Server) sign(path string, exp int64) string {
	mac := hmac.New(sha256.New, []byte(s.acct.MediaProxyToken))
	fmt.Fprintf(mac, "%s\n%d", path, exp)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Server) underRoot(p string) bool {
	for _, root := range s.roots {
		if root == "" {
			continue
		}
		root = filepath.Clean(root)
		if p == root || strings.HasPrefix(p, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Start serves until ctx-independent Close. Returns immediately; errors are
// logged.
func (s *Server) Start() {
	if !s.acct.MediaProxyEnabled {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc(s.basePath(), s.handle)
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port()),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.slog.Error("media relay server failed", "err", err)
		}
	}()
	s.slog.Info("media relay listening", "port", s.port(), "path", s.basePath())
}

// Close stops the server, if running.
func (s *Server) Close() {
	if s.srv != nil {
		_ = s.srv.Close()
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	file := q.Get("f")
	expStr := q.Get("exp")
	sig := q.Get("sig")
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil || time.Now().Unix() > exp {
		http.Error(w, "expired", http.StatusForbidden)
		return
	}
	want := s.sign(filepath.Clean(file), exp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		http.Error(w, "bad signature", http.StatusForbidden)
		return
	}
	clean := filepath.Clean(file)
	if !s.underRoot(clean) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	http.ServeFile(w, r, clean)
}
