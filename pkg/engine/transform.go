package engine

import (
	"encoding/base64"
	"fmt"
	"html"
	"net/url"
	"strings"
	"unicode"
)

// transformer 对字符串做归一化，返回转换后的值
type transformer func(string) string

var transformers = map[string]transformer{
	"lowercase":           strings.ToLower,
	"url_decode":          urlDecode,
	"remove_nulls":        removeNulls,
	"compress_whitespace": compressWhitespace,
	"base64_decode":       base64Decode,
	"html_entity_decode":  html.UnescapeString,
}

func compileTransformers(names []string) ([]transformer, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]transformer, 0, len(names))
	for _, name := range names {
		fn, ok := transformers[name]
		if !ok {
			return nil, fmt.Errorf("unknown transformer '%s'", name)
		}
		out = append(out, fn)
	}
	return out, nil
}

func applyTransformers(s string, chain []transformer) string {
	for _, fn := range chain {
		s = fn(s)
	}
	return s
}

func urlDecode(s string) string {
	if decoded, err := url.QueryUnescape(s); err == nil {
		return decoded
	}
	// 非法转义时逐段解码，保留无法解码的部分
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '+':
			b.WriteByte(' ')
		case s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

func removeNulls(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

func compressWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !space {
				b.WriteByte(' ')
			}
			space = true
			continue
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

func base64Decode(s string) string {
	trimmed := strings.TrimRight(s, "=")
	if decoded, err := base64.RawStdEncoding.DecodeString(trimmed); err == nil {
		return string(decoded)
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(trimmed); err == nil {
		return string(decoded)
	}
	return s
}
