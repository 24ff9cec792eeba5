package ratelimitledger

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParsedRateLimit is what parseRateLimitError extracts from a provider's
// error body: how long to back off, and optionally which model and what
// message to surface to callers.
type ParsedRateLimit struct {
	RetryAfter time.Duration
	Model      string
	Message    string
}

var durationComponent = regexp.MustCompile(`(\d+(?:\.\d+)?)(h|m|s)`)

// parseGoogleStyleDuration accepts combinations of h/m/s with fractional
// seconds, e.g. "128h12m18.72s", the shape Anthropic's ErrorInfo/RetryInfo
// details embed.
func parseGoogleStyleDuration(s string) (time.Duration, bool) {
	matches := durationComponent.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return 0, false
	}

	var total time.Duration
	for _, m := range matches {
		value, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		switch m[2] {
		case "h":
			total += time.Duration(value * float64(time.Hour))
		case "m":
			total += time.Duration(value * float64(time.Minute))
		case "s":
			total += time.Duration(value * float64(time.Second))
		}
	}
	return total, true
}

type errorDetail struct {
	Type       string `json:"@type"`
	Model      string `json:"model"`
	RetryDelay string `json:"retryDelay"`
	Reason     string `json:"reason"`
}

type errorBody struct {
	Error struct {
		Message string        `json:"message"`
		Details []errorDetail `json:"details"`
	} `json:"error"`
}

// ParseRateLimitError inspects the provider's JSON error body for
// ErrorInfo/RetryInfo-shaped detail entries. Returns nil when the body
// carries no rate-limit detail at all; when a detail is present but its
// duration is unparseable, defaults to 1 hour per spec.
func ParseRateLimitError(body []byte) *ParsedRateLimit {
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil
	}
	if len(parsed.Error.Details) == 0 {
		return nil
	}

	result := &ParsedRateLimit{Message: parsed.Error.Message}
	found := false

	for _, d := range parsed.Error.Details {
		switch {
		case d.Model != "":
			result.Model = d.Model
			found = true
		case d.RetryDelay != "":
			found = true
			if dur, ok := parseGoogleStyleDuration(d.RetryDelay); ok {
				result.RetryAfter = dur
			} else {
				result.RetryAfter = time.Hour
			}
		}
	}

	if !found {
		return nil
	}
	if result.RetryAfter == 0 {
		result.RetryAfter = time.Hour
	}
	return result
}

// ParseRetryAfterMs recognizes "retry-after-ms" (milliseconds) and
// "retry-after" (seconds) response headers, capped at 24h.
func ParseRetryAfterMs(h http.Header) (time.Duration, bool) {
	if ms := h.Get("retry-after-ms"); ms != "" {
		if v, err := strconv.ParseInt(ms, 10, 64); err == nil {
			return capAt24h(time.Duration(v) * time.Millisecond), true
		}
	}
	if s := h.Get("retry-after"); s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return capAt24h(time.Duration(v) * time.Second), true
		}
	}
	return 0, false
}

func capAt24h(d time.Duration) time.Duration {
	if d > 24*time.Hour {
		return 24 * time.Hour
	}
	return d
}

// ParseDuration parses the same h/m/s combinations parseGoogleStyleDuration
// accepts; it is FormatWaitTimeMs's round-trip counterpart (spec's L3
// property).
func ParseDuration(s string) (time.Duration, bool) {
	return parseGoogleStyleDuration(s)
}

// FormatWaitTimeMs renders a millisecond duration as a compact h/m/s string
// (e.g. 120000 -> "2m"), the inverse of ParseDuration/parseGoogleStyleDuration.
// Zero-valued components are omitted; a duration under one second renders as
// its fractional seconds so the result is never empty.
func FormatWaitTimeMs(ms int64) string {
	d := time.Duration(ms) * time.Millisecond

	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d.Seconds()

	var parts []string
	if hours > 0 {
		parts = append(parts, strconv.FormatInt(int64(hours), 10)+"h")
	}
	if minutes > 0 {
		parts = append(parts, strconv.FormatInt(int64(minutes), 10)+"m")
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, strconv.FormatFloat(seconds, 'g', -1, 64)+"s")
	}
	return strings.Join(parts, "")
}
