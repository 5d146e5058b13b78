package facebookapi

import "strings"

// SplitStreamURL splits an ingest URL into the server part (through the
// last path slash) and the stream key (last segment plus query string).
func SplitStreamURL(stream string) (server, key string) {
	if stream == "" {
		return "", ""
	}
	pathEnd := len(stream)
	if q := strings.IndexByte(stream, '?'); q >= 0 {
		pathEnd = q
	}
	slash := strings.LastIndexByte(stream[:pathEnd], '/')
	if slash < 0 || slash < strings.Index(stream, "://")+3 {
		return stream, ""
	}
	return stream[:slash+1], stream[slash+1:]
}

// AbsolutePermalink prefixes relative permalinks with the Facebook host.
func AbsolutePermalink(link string) string {
	if link == "" || strings.HasPrefix(link, "http") {
		return link
	}
	return "https://facebook.com" + "/" + strings.TrimLeft(link, "/")
}
