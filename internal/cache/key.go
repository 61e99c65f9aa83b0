// Package cache implements the two-tier response cache: deterministic
// request fingerprinting, a bounded in-process L1, an optional Redis L2,
// and the Manager that composes the tiers behind a read-through /
// write-behind API.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Fingerprint computes the cache key for a request: a SHA-256 digest over a
// canonical field encoding, rendered as 64 lowercase hex characters.
//
// The encoding is part of the wire contract — every process sharing an L2
// namespace must derive identical keys for identical requests:
//
//	model | prompt | temp("%.2f") | max_tokens | k=json(v); ...
//
// Optional fields contribute nothing between their separators when unset.
// Params keys are sorted by raw byte order; values are canonical JSON with
// recursively sorted object keys.
func Fingerprint(req *CacheableRequest) string {
	h := sha256.New()

	h.Write([]byte(req.Model))
	h.Write(sep)
	h.Write([]byte(req.Prompt))
	h.Write(sep)
	if req.Temperature != nil {
		fmt.Fprintf(h, "%.2f", *req.Temperature)
	}
	h.Write(sep)
	if req.MaxTokens != nil {
		h.Write([]byte(strconv.FormatUint(uint64(*req.MaxTokens), 10)))
	}
	h.Write(sep)

	if len(req.Params) > 0 {
		keys := make([]string, 0, len(req.Params))
		for k := range req.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte(k))
			h.Write([]byte{'='})
			h.Write([]byte(canonicalJSON(req.Params[k])))
			h.Write([]byte{';'})
		}
	}

	return hex.EncodeToString(h.Sum(nil))
}

var sep = []byte{'|'}

// ShortFingerprint returns the first 16 hex characters of the fingerprint.
// For log correlation only — never use it as a cache key.
func ShortFingerprint(req *CacheableRequest) string {
	return Fingerprint(req)[:16]
}

// canonicalJSON serializes v deterministically: object keys are emitted in
// sorted order at every nesting level. Scalars use encoding/json rules, so
// the output for strings, booleans, numbers, and null matches what any
// conforming peer produces.
func canonicalJSON(v any) string {
	var sb strings.Builder
	writeCanonical(&sb, v)
	return sb.String()
}

func writeCanonical(sb *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		if t {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case string:
		b, _ := json.Marshal(t)
		sb.Write(b)
	case json.Number:
		sb.WriteString(t.String())
	case float64:
		// encoding/json decodes all JSON numbers to float64; re-encode
		// integral values without the fractional part so 2 and 2.0 agree.
		if t == math.Trunc(t) && !math.IsInf(t, 0) && math.Abs(t) < 1e15 {
			sb.WriteString(strconv.FormatInt(int64(t), 10))
			return
		}
		b, _ := json.Marshal(t)
		sb.Write(b)
	case int:
		sb.WriteString(strconv.Itoa(t))
	case int64:
		sb.WriteString(strconv.FormatInt(t, 10))
	case []any:
		sb.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, e)
		}
		sb.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			sb.Write(kb)
			sb.WriteByte(':')
			writeCanonical(sb, t[k])
		}
		sb.WriteByte('}')
	default:
		// Anything exotic falls back to encoding/json, which is stable for
		// a given concrete type.
		b, _ := json.Marshal(t)
		sb.Write(b)
	}
}
