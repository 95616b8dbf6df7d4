package relay

import (
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/xingyingyuzhui/openclaw-QQ/internal/config"
)

func relayAcct() *config.Account {
	a := config.DefaultAccount()
	a.MediaProxyEnabled = true
	a.MediaProxyHost = "127.0.0.1"
	a.MediaProxyPort = 18666
	a.MediaProxyToken = "secret"
	a.MediaProxyTtlSec = 300
	return &a
}

func TestSignFileURLRequiresWhitelistedPath(t *testing.T) {
	root := t.TempDir()
	s := New(relayAcct(), []string{root}, nil)

	inside := filepath.Join(root, "a.png")
	if _, ok := s.SignFileURL(inside); !ok {
		t.Fatal("whitelisted path should sign")
	}
	if _, ok := s.SignFileURL("/etc/passwd"); ok {
		t.Fatal("outside path must not sign")
	}
}

func TestServeVerifiesSignatureAndExpiry(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "x.txt")
	if err := os.WriteFile(file, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := New(relayAcct(), []string{root}, nil)

	signed, ok := s.SignFileURL(file)
	if !ok {
		t.Fatal("sign failed")
	}
	u, err := url.Parse(signed)
	if err != nil {
		t.Fatal(err)
	}

	// Valid signature serves the file.
	req := httptest.NewRequest("GET", "/media?"+u.RawQuery, nil)
	rec := httptest.NewRecorder()
	s.handle(rec, req)
	if rec.Code != 200 || rec.Body.String() != "payload" {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}

	// Tampered file param fails.
	q := u.Query()
	q.Set("f", "/etc/passwd")
	req = httptest.NewRequest("GET", "/media?"+q.Encode(), nil)
	rec = httptest.NewRecorder()
	s.handle(rec, req)
	if rec.Code != 403 {
		t.Fatalf("tampered request served: %d", rec.Code)
	}

	// Expired link fails even with a recomputed signature.
	exp := time.Now().Add(-time.Minute).Unix()
	q = u.Query()
	q.Set("exp", strconv.FormatInt(exp, 10))
	q.Set("sig", s.sign(file, exp))
	req = httptest.NewRequest("GET", "/media?"+q.Encode(), nil)
	rec = httptest.NewRecorder()
	s.handle(rec, req)
	if rec.Code != 403 || !strings.Contains(rec.Body.String(), "expired") {
		t.Fatalf("expired request served: %d %q", rec.Code, rec.Body.String())
	}
}
