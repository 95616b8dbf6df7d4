package media

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

// magicExts maps leading byte signatures to extensions. Checked before the
// general mimetype sniffer so the common chat formats resolve without
// consulting the full detection tree.
var magicExts = []struct {
	prefix []byte
	offset int
	ext    string
}{
	{[]byte{0xFF, 0xD8, 0xFF}, 0, ".jpg"},
	{[]byte{0x89, 'P', 'N', 'G'}, 0, ".png"},
	{[]byte("GIF8"), 0, ".gif"},
	{[]byte("RIFF"), 0, ".wav"}, // verified below via the WAVE tag
	{[]byte("#!AMR"), 0, ".amr"},
	{[]byte("OggS"), 0, ".ogg"},
	{[]byte{0xFF, 0xFB}, 0, ".mp3"},
	{[]byte{0xFF, 0xF3}, 0, ".mp3"},
	{[]byte("ID3"), 0, ".mp3"},
	{[]byte("ftyp"), 4, ".mp4"},
}

// SniffExt infers a file extension from buffer content: the magic table
// first, then the mimetype library, then printable-text shape detection.
// Returns "" when nothing matches.
func SniffExt(buf []byte) string {
	for _, m := range magicExts {
		if len(buf) >= m.offset+len(m.prefix) && bytes.Equal(buf[m.offset:m.offset+len(m.prefix)], m.prefix) {
			if m.ext == ".wav" && !(len(buf) >= 12 && bytes.Equal(buf[8:12], []byte("WAVE"))) {
				continue
			}
			return m.ext
		}
	}
	if mt := mimetype.Detect(buf); mt != nil {
		if ext := mt.Extension(); ext != "" && ext != ".txt" {
			return ext
		}
	}
	return sniffTextExt(buf)
}

// sniffTextExt applies text-shape hints to the printable
// UTF-8 head (first 2 KB): JSON, YAML front-matter, markdown, CSV/TSV, XML.
func sniffTextExt(buf []byte) string {
	head := buf
	if len(head) > 2048 {
		head = head[:2048]
	}
	if !isPrintableUTF8(head) {
		return ""
	}
	s := strings.TrimSpace(string(head))
	switch {
	case s == "":
		return ""
	case strings.HasPrefix(s, "{") || strings.HasPrefix(s, "["):
		return ".json"
	case strings.HasPrefix(s, "<?xml") || looksLikeXMLTag(s):
		return ".xml"
	case strings.HasPrefix(s, "---\n") || strings.HasPrefix(s, "---\r\n"):
		return ".yaml"
	case strings.HasPrefix(s, "#") || strings.Contains(s, "```"):
		return ".md"
	case looksColumnar(s, '\t'):
		return ".tsv"
	case looksColumnar(s, ','):
		return ".csv"
	default:
		return ".txt"
	}
}

func looksLikeXMLTag(s string) bool {
	return strings.HasPrefix(s, "<") && strings.Contains(s, ">") && !strings.HasPrefix(s, "<!")
}

// looksColumnar reports whether the first few lines have a consistent
// separator count of at least one.
func looksColumnar(s string, sep rune) bool {
	lines := strings.SplitN(s, "\n", 4)
	if len(lines) < 2 {
		return false
	}
	want := strings.Count(lines[0], string(sep))
	if want < 1 {
		return false
	}
	for _, l := range lines[1:] {
		l = strings.TrimRight(l, "\r")
		if l == "" {
			continue
		}
		if strings.Count(l, string(sep)) != want {
			return false
		}
	}
	return true
}

// isPrintableUTF8 reports whether b is valid UTF-8 with no control bytes
// besides whitespace.
func isPrintableUTF8(b []byte) bool {
	if !utf8.Valid(b) {
		return false
	}
	for _, r := range string(b) {
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			return false
		}
		if r == utf8.RuneError {
			return false
		}
	}
	return true
}

// KindForExt classifies an outbound media source by extension into the
// OneBot segment kind it should be sent as.
func KindForExt(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "jpg", "jpeg", "png", "gif", "webp", "bmp":
		return "image"
	case "wav", "amr", "mp3", "ogg", "flac", "m4a", "silk":
		return "record"
	case "mp4", "avi", "mkv", "mov", "webm":
		return "video"
	default:
		return "file"
	}
}
