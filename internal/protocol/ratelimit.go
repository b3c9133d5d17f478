package protocol

import (
	"net/http"
	"strconv"
	"strings"
)

// Rate-limit header names carried on every gateway response.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// Metadata is the rate-limit view of a single transport round trip.
// Pointer fields are nil when the header was absent or malformed.
type Metadata struct {
	StatusCode int
	Limit      *int
	Remaining  *int
	Reset      *int64 // epoch seconds
	RetryAfter *int   // seconds
}

// ParseMetadata extracts rate-limit metadata from response headers. It never
// fails: values that do not parse are treated as absent.
func ParseMetadata(statusCode int, h http.Header) Metadata {
	meta := Metadata{StatusCode: statusCode}
	if h == nil {
		return meta
	}
	meta.Limit = parseInt(h.Get(HeaderRateLimitLimit))
	meta.Remaining = parseInt(h.Get(HeaderRateLimitRemaining))
	if v, err := strconv.ParseInt(strings.TrimSpace(h.Get(HeaderRateLimitReset)), 10, 64); err == nil && v > 0 {
		meta.Reset = &v
	}
	meta.RetryAfter = parseInt(h.Get(HeaderRetryAfter))
	if meta.RetryAfter != nil && *meta.RetryAfter < 0 {
		meta.RetryAfter = nil
	}
	return meta
}

// HasRateLimit reports whether any quota header was present. Retry-After
// alone is not a quota header.
func (m Metadata) HasRateLimit() bool {
	return m.Limit != nil || m.Remaining != nil || m.Reset != nil
}

// SetHeaders writes the metadata back as response headers.
func (m Metadata) SetHeaders(h http.Header) {
	if m.Limit != nil {
		h.Set(HeaderRateLimitLimit, strconv.Itoa(*m.Limit))
	}
	if m.Remaining != nil {
		h.Set(HeaderRateLimitRemaining, strconv.Itoa(*m.Remaining))
	}
	if m.Reset != nil {
		h.Set(HeaderRateLimitReset, strconv.FormatInt(*m.Reset, 10))
	}
	if m.RetryAfter != nil {
		h.Set(HeaderRetryAfter, strconv.Itoa(*m.RetryAfter))
	}
}

func parseInt(raw string) *int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &n
}
