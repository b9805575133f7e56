package retry

import (
	"encoding/json"
	"time"
)

// rateLimitBody is the shape of a 429 response body carrying a reset hint,
// as produced by both OpenAI and Anthropic rate-limit errors.
type rateLimitBody struct {
	Error struct {
		ResetSeconds     *float64 `json:"reset_seconds"`
		ResetAt          *int64   `json:"reset_at"` // unix seconds
		ResetsInSeconds  *float64 `json:"resets_in_seconds"`
	} `json:"error"`
}

// ParseRateLimitHint extracts a wait duration from a 429 response body. It
// recognizes reset_seconds/resets_in_seconds (relative) and reset_at
// (absolute, unix seconds). Returns ok=false if no hint is present.
func ParseRateLimitHint(body []byte) (time.Duration, bool) {
	var parsed rateLimitBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, false
	}

	switch {
	case parsed.Error.ResetSeconds != nil:
		return time.Duration(*parsed.Error.ResetSeconds * float64(time.Second)), true
	case parsed.Error.ResetsInSeconds != nil:
		return time.Duration(*parsed.Error.ResetsInSeconds * float64(time.Second)), true
	case parsed.Error.ResetAt != nil:
		d := time.Until(time.Unix(*parsed.Error.ResetAt, 0))
		if d < 0 {
			d = 0
		}
		return d, true
	default:
		return 0, false
	}
}

// ParseRateLimitHintFromDetails extracts the same hint from an
// ActivityError's Details map, where a provider client may have stashed
// the raw reset values after parsing a 429 body.
func ParseRateLimitHintFromDetails(details map[string]interface{}) (time.Duration, bool) {
	if details == nil {
		return 0, false
	}
	if raw, ok := details["reset_seconds"]; ok {
		if f, ok := toFloat(raw); ok {
			return time.Duration(f * float64(time.Second)), true
		}
	}
	if raw, ok := details["resets_in_seconds"]; ok {
		if f, ok := toFloat(raw); ok {
			return time.Duration(f * float64(time.Second)), true
		}
	}
	if raw, ok := details["reset_at"]; ok {
		if f, ok := toFloat(raw); ok {
			d := time.Until(time.Unix(int64(f), 0))
			if d < 0 {
				d = 0
			}
			return d, true
		}
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// ApplyRateLimitSafety converts a raw reset duration into an absolute
// deadline including the configured safety buffer. jitter should be a
// value in [0, RateLimitJitterMax).
func ApplyRateLimitSafety(reset time.Duration, opts Options, jitter time.Duration) time.Time {
	return time.Now().Add(reset).Add(opts.RateLimitSafetyBuffer).Add(jitter)
}
