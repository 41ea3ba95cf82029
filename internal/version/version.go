package version

import (
	_ "embed" // for go:embed
	"strconv"
	"strings"
)

// VERSION holds the server's version
//
//go:embed VERSION
var VERSION string

// Version segments
var (
	MAJOR int
	MINOR int
	FIX   int
	PRE   int
)

func init() {
	VERSION = strings.TrimSpace(VERSION)
	MAJOR, MINOR, FIX, PRE = parse(VERSION)
}

// parse splits a "major.minor.fix[-prN]" version; missing segments are 0
func parse(v string) (major, minor, fix, pre int) {
	v = strings.TrimPrefix(v, "v")
	segments := strings.SplitN(v, ".", 3)
	major, _ = strconv.Atoi(segments[0])
	if len(segments) > 1 {
		minor, _ = strconv.Atoi(segments[1])
	}
	if len(segments) > 2 {
		ps := strings.SplitN(segments[2], "-", 2)
		fix, _ = strconv.Atoi(ps[0])
		if len(ps) > 1 {
			pre, _ = strconv.Atoi(strings.TrimPrefix(ps[1], "pr"))
		}
	}
	return
}

// UserAgent returns the product token used in outgoing requests and the
// Server header
func UserAgent() string {
	return "cmdgate/" + VERSION
}
