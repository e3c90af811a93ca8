package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
)

// Rule is {key_template, limit, window_ms, skip_predicate?}. The template
// contains replaceable tokens {ip}, {user}, {path}, {method}, {user-agent}.
type Rule struct {
	Name         string
	KeyTemplate  string
	Limit        int
	WindowMS     int64
	SkipPredicate func(*http.Request) bool
}

// Values holds the concrete substitutions for one request.
type Values struct {
	IP        string
	User      string
	Path      string
	Method    string
	UserAgent string
}

// Key substitutes a rule's template with the request's concrete values.
func (r Rule) Key(v Values) string {
	s := r.KeyTemplate
	s = strings.ReplaceAll(s, "{ip}", v.IP)
	s = strings.ReplaceAll(s, "{user}", v.User)
	s = strings.ReplaceAll(s, "{path}", v.Path)
	s = strings.ReplaceAll(s, "{method}", v.Method)
	s = strings.ReplaceAll(s, "{user-agent}", v.UserAgent)
	return s
}

// RetryAfterHeader formats a Decision's RetryAfterSeconds for the
// Retry-After response header.
func RetryAfterHeader(seconds int) string {
	return strconv.Itoa(seconds)
}
