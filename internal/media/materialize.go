package media

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"golang.org/x/text/unicode/norm"

	"github.com/xingyingyuzhui/openclaw-QQ/internal/config"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/diag"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/store"
)

// StreamFetchFunc fetches the bytes behind a stream:// candidate via the
// protocol's streaming download action. Nil means stream sources are
// unsupported for inbound materialization.
type StreamFetchFunc func(ctx context.Context, streamID string) ([]byte, error)

// Materializer fetches candidate sources, deduplicates payloads by content
// hash, infers extensions, and persists inbound media under the route's
// in/files directory.
type Materializer struct {
	layout      *store.Layout
	acct        *config.Account
	logger      *diag.Logger
	httpClient  *http.Client
	streamFetch StreamFetchFunc
}

// NewMaterializer returns a Materializer for one account. streamFetch may be
// nil.
func NewMaterializer(layout *store.Layout, acct *config.Account, logger *diag.Logger, streamFetch StreamFetchFunc) *Materializer {
	return &Materializer{
		layout:      layout,
		acct:        acct,
		logger:      logger,
		httpClient:  &http.Client{},
		streamFetch: streamFetch,
	}
}

// payload is one fetched candidate body plus naming context.
type payload struct {
	data         []byte
	downloadName string // from Content-Disposition, if any
	httpStatus   int
	retryCount   int
}

// MaterializeAll resolves each ref's candidates in order, stopping at the
// first success per ref. Payloads already seen in this batch are skipped
// with duplicate_payload. Results are positional with refs.
func (m *Materializer) MaterializeAll(ctx context.Context, route, msgID string, refs []*InboundMediaRef) []store.MaterializeResult {
	seen := make(map[string]bool) // SHA-1 hex of payloads in this batch
	results := make([]store.MaterializeResult, len(refs))
	ts := time.Now().UnixMilli()

	for i, ref := range refs {
		results[i] = m.materializeRef(ctx, route, msgID, ref, ts, i, seen)
	}
	return results
}

func (m *Materializer) materializeRef(ctx context.Context, route, msgID string, ref *InboundMediaRef, ts int64, index int, seen map[string]bool) store.MaterializeResult {
	if len(ref.Candidates) == 0 {
		return store.MaterializeResult{ErrorCode: string(store.ErrUnsupportedSource)}
	}

	var last store.MaterializeResult
	for _, cand := range ref.Candidates {
		start := time.Now()
		p, code := m.fetch(ctx, cand)
		res := store.MaterializeResult{
			URL:        cand.URL,
			HTTPStatus: p.httpStatus,
			RetryCount: p.retryCount,
		}
		if code != "" {
			res.ErrorCode = string(code)
			m.traceMaterialize(route, msgID, cand, res, time.Since(start))
			last = res
			continue
		}

		sum := sha1.Sum(p.data)
		hash := hex.EncodeToString(sum[:])
		if seen[hash] {
			res.ErrorCode = string(store.ErrDuplicatePayload)
			m.traceMaterialize(route, msgID, cand, res, time.Since(start))
			last = res
			continue
		}
		seen[hash] = true

		if ref.Kind == MediaImage {
			p.data = sanitizeImageBytes(p.data)
		}

		name, nameSource := pickName(ref, cand, p)
		finalName, extSource := finalizeName(name, nameSource, cand.URL, p.data)
		res.OriginalFilename = name
		res.NameSource = nameSource
		res.ExtSource = extSource
		res.FinalFilename = fmt.Sprintf("%d-%d-%s", ts, index, finalName)

		dir := m.layout.InFilesDir(route)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			res.ErrorCode = string(store.ErrUnknown)
			m.traceMaterialize(route, msgID, cand, res, time.Since(start))
			last = res
			continue
		}
		outPath := filepath.Join(dir, res.FinalFilename)
		if err := os.WriteFile(outPath, p.data, 0o644); err != nil {
			res.ErrorCode = string(store.ErrUnknown)
			m.traceMaterialize(route, msgID, cand, res, time.Since(start))
			last = res
			continue
		}
		res.Materialized = true
		res.OutputURL = "file://" + outPath
		m.traceMaterialize(route, msgID, cand, res, time.Since(start))
		return res
	}
	return last
}

func (m *Materializer) traceMaterialize(route, msgID string, cand ResolvedCandidate, res store.MaterializeResult, d time.Duration) {
	m.logger.Trace(diag.Event{
		EventName:            "qq_media_materialize",
		Route:                route,
		MsgID:                msgID,
		Source:               diag.SourceInbound,
		ResolveStage:         "materialize",
		ResolveResult:        string(cand.Kind),
		MaterializeErrorCode: res.ErrorCode,
		RetryCount:           res.RetryCount,
		HTTPStatus:           res.HTTPStatus,
		DurationMs:           d.Milliseconds(),
	})
}

// fetch pulls the candidate's bytes. The returned ErrCode is "" on success.
func (m *Materializer) fetch(ctx context.Context, cand ResolvedCandidate) (payload, store.ErrCode) {
	switch cand.Kind {
	case KindFile:
		return m.fetchFile(cand.URL)
	case KindBase64:
		return decodeBase64(strings.TrimPrefix(cand.URL, "base64://"))
	case KindData:
		return decodeDataURL(cand.URL)
	case KindHTTP:
		return m.fetchHTTP(ctx, cand.URL)
	case KindStream:
		if m.streamFetch == nil {
			return payload{}, store.ErrUnsupportedSource
		}
		data, err := m.streamFetch(ctx, strings.TrimPrefix(cand.URL, "stream://"))
		if err != nil {
			return payload{}, store.ErrResolveActionFailed
		}
		if len(data) == 0 {
			return payload{}, store.ErrMaterializeEmptyPayload
		}
		return payload{data: data}, ""
	default:
		return payload{}, store.ErrUnsupportedSource
	}
}

func (m *Materializer) fetchFile(fileURL string) (payload, store.ErrCode) {
	p := strings.TrimPrefix(fileURL, "file://")
	if _, err := os.Stat(p); err != nil {
		return payload{}, classifyFileError(err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return payload{}, classifyFileError(err)
	}
	if len(data) == 0 {
		return payload{}, store.ErrMaterializeEmptyPayload
	}
	return payload{data: data}, ""
}

func classifyFileError(err error) store.ErrCode {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return store.ErrFileNotFound
	case errors.Is(err, os.ErrPermission):
		return store.ErrContainerLocalUnreadable
	default:
		// ENOTDIR and friends under absolute paths also mean "this process
		// cannot read the container-local file".
		return store.ErrContainerLocalUnreadable
	}
}

func decodeBase64(s string) (payload, store.ErrCode) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return payload{}, store.ErrUnsupportedSource
	}
	if len(data) == 0 {
		return payload{}, store.ErrMaterializeEmptyPayload
	}
	return payload{data: data}, ""
}

func decodeDataURL(s string) (payload, store.ErrCode) {
	_, rest, ok := strings.Cut(s, ",")
	if !ok {
		return payload{}, store.ErrUnsupportedSource
	}
	return decodeBase64(rest)
}

// fetchHTTP downloads with the configured timeout and linear 150 ms × attempt
// backoff between retries.
func (m *Materializer) fetchHTTP(ctx context.Context, rawURL string) (payload, store.ErrCode) {
	retries := m.acct.HTTPRetries()
	timeout := m.acct.InboundMediaHTTPTimeout()

	var out payload
	for attempt := 0; ; attempt++ {
		out.retryCount = attempt
		data, name, status, err := m.httpOnce(ctx, rawURL, timeout)
		out.httpStatus = status
		if err == nil && status >= 200 && status < 300 {
			if len(data) == 0 {
				return out, store.ErrMaterializeEmptyPayload
			}
			out.data = data
			out.downloadName = name
			return out, ""
		}
		if attempt >= retries {
			return out, store.ErrMaterializeHTTPFailed
		}
		select {
		case <-ctx.Done():
			return out, store.ErrMaterializeHTTPFailed
		case <-time.After(time.Duration(150*(attempt+1)) * time.Millisecond):
		}
	}
}

func (m *Materializer) httpOnce(ctx context.Context, rawURL string, timeout time.Duration) (data []byte, downloadName string, status int, err error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", 0, err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, "", 0, err
	}
	defer resp.Body.Close()
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, perr := mime.ParseMediaType(cd); perr == nil {
			downloadName = params["filename"]
		}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, downloadName, resp.StatusCode, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, downloadName, resp.StatusCode, fmt.Errorf("media: http %d for %s", resp.StatusCode, rawURL)
	}
	return body, downloadName, resp.StatusCode, nil
}

// pickName chooses the base filename and records where it came from.
func pickName(ref *InboundMediaRef, cand ResolvedCandidate, p payload) (name, source string) {
	if h := cand.NameHint; h != "" && !looksLikeToken(h) {
		return h, store.NameSourceHint
	}
	if h := ref.NameHint; h != "" && !looksLikeToken(h) {
		return h, store.NameSourceHint
	}
	if n := nameFromURL(cand.URL); n != "" {
		return n, store.NameSourceURL
	}
	if p.downloadName != "" {
		return p.downloadName, store.NameSourceDownload
	}
	return "media", store.NameSourceFallback
}

// looksLikeToken filters protocol file tokens masquerading as names
// (32+ hex chars, no extension).
func looksLikeToken(s string) bool {
	if path.Ext(s) != "" || len(s) < 32 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F') || r == '-') {
			return false
		}
	}
	return true
}

func nameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return ""
	}
	return base
}

// finalizeName sanitizes the base name and ensures it carries an extension,
// inferring one from the URL or buffer when the original name has none.
func finalizeName(name, nameSource, srcURL string, buf []byte) (finalName, extSource string) {
	clean := SanitizeFilename(name)
	if ext := path.Ext(clean); ext != "" && ext != "." {
		return clean, store.ExtSourceOriginal
	}
	if ext := path.Ext(nameFromURL(srcURL)); ext != "" && ext != "." {
		return clean + ext, store.ExtSourceURL
	}
	if ext := SniffExt(buf); ext != "" {
		return clean + ext, store.ExtSourceBuffer
	}
	return clean + ".bin", store.ExtSourceFallback
}

var filenameBadChars = "<>:\"/\\|?*"

// SanitizeFilename NFKC-normalizes, drops any directory components, and
// replaces control and reserved characters with '_'.
func SanitizeFilename(name string) string {
	name = norm.NFKC.String(name)
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7F:
			b.WriteByte('_')
		case strings.ContainsRune(filenameBadChars, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" || out == "." || out == ".." {
		return "media"
	}
	return out
}

// sanitizeImageBytes re-encodes a decodable image, stripping trailing junk
// and malformed metadata. Undecodable input is returned unchanged — the
// payload may be a format the decoder does not know rather than hostile.
func sanitizeImageBytes(data []byte) []byte {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data
	}
	var enc imaging.Format
	switch format {
	case "png":
		enc = imaging.PNG
	case "gif":
		enc = imaging.GIF
	default:
		enc = imaging.JPEG
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, enc); err != nil {
		return data
	}
	return buf.Bytes()
}
