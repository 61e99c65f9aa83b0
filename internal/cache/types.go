package cache

import "time"

type (
	// CacheableRequest is the normalized, immutable unit of caching. It is
	// built once per incoming call; the zero value of the optional fields
	// (nil pointers, nil map) means "not supplied" and is encoded as absent.
	CacheableRequest struct {
		// Model is the client-facing model identifier.
		Model string

		// Prompt is the flattened conversation: "role: content" lines joined
		// with "\n". Two requests with byte-identical prompts (and identical
		// other fields) always produce the same fingerprint.
		Prompt string

		// Temperature, when set, is normalized to two decimal places before
		// hashing so float noise does not split cache entries.
		Temperature *float64

		// MaxTokens is the requested output-token ceiling.
		MaxTokens *uint32

		// Params holds any additional generation parameters that affect the
		// response (top_p, stop, frequency_penalty, ...). Keys are hashed in
		// sorted order so insertion order never changes the fingerprint.
		Params map[string]any
	}

	// TokenUsage mirrors the OpenAI usage block.
	TokenUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	// CachedResponse is the stored artifact. Immutable after insertion; the
	// tiers share it by pointer inside the process and by its JSON form
	// across the L2 boundary. Unknown JSON fields are ignored on read.
	CachedResponse struct {
		Content  string     `json:"content"`
		Tokens   TokenUsage `json:"tokens"`
		Model    string     `json:"model"`
		CachedAt int64      `json:"cached_at"` // epoch seconds
	}
)

// Tier identifies which cache tier satisfied a lookup.
type Tier string

const (
	TierL1 Tier = "l1"
	TierL2 Tier = "l2"
)

// Lookup is the outcome of a read-through lookup: a hit carries the tier
// that served it, a miss carries neither.
type Lookup struct {
	Response *CachedResponse
	Tier     Tier
}

// Hit reports whether the lookup found a response.
func (l Lookup) Hit() bool { return l.Response != nil }

// Age returns how long ago the response was cached.
func (r *CachedResponse) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(r.CachedAt, 0))
}
