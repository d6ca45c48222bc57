package condcache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// NormalizeURL standardizes a URL into the cache key form: scheme and host
// lowercased, default port stripped, fragment removed, query parameters
// sorted by key then value, and the URL rebuilt.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawQuery = sortQuery(u.RawQuery)

	return u.String(), nil
}

type queryPair struct {
	key   string
	value string
}

// sortQuery orders parameters by key, then by value for repeated keys.
// url.Values.Encode sorts by key only, which is not bit-exact for
// duplicate keys, so pairs are sorted explicitly.
func sortQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	pairs := make([]queryPair, 0, len(values))
	for key, vs := range values {
		for _, v := range vs {
			pairs = append(pairs, queryPair{key: key, value: v})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].value < pairs[j].value
	})
	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.value))
	}
	return b.String()
}
