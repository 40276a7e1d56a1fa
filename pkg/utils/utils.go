package utils

import (
	"net/url"
	"strings"
	"time"
)

type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// SetDefaultNum sets *p to d if *p == 0.
func SetDefaultNum[T Number](p *T, d T) {
	if *p == 0 {
		*p = d
	}
}

// SetDefaultString sets *p to d if *p is empty.
func SetDefaultString(p *string, d string) {
	if len(*p) == 0 {
		*p = d
	}
}

// Seconds converts a config value in seconds to a time.Duration.
func Seconds[T ~int | ~uint](n T) time.Duration {
	return time.Duration(n) * time.Second
}

// SameOrigin reports whether u has the same scheme and host as origin.
// An URL without a host is considered same origin.
func SameOrigin(u, origin *url.URL) bool {
	if u == nil || len(u.Host) == 0 {
		return true
	}
	if origin == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, origin.Scheme) && strings.EqualFold(u.Host, origin.Host)
}

// Dedup removes duplicated strings, keeping the first occurrence.
func Dedup(s []string) []string {
	seen := make(map[string]struct{}, len(s))
	out := s[:0:0]
	for _, v := range s {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
