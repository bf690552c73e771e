package usage

import (
	"encoding/json"
	"math"
)

// Record is the canonical token accounting for one model response. All
// counts are non-negative. Raw keeps the provider payload for audit.
type Record struct {
	PromptTokens      int               `json:"prompt_tokens"`
	CompletionTokens  int               `json:"completion_tokens"`
	TotalTokens       int               `json:"total_tokens"`
	PromptDetails     PromptDetails     `json:"prompt_tokens_details"`
	CompletionDetails CompletionDetails `json:"completion_tokens_details"`
	Raw               map[string]any    `json:"raw,omitempty"`
}

// PromptDetails breaks down prompt tokens.
type PromptDetails struct {
	CachedTokens int `json:"cached_tokens"`
	AudioTokens  int `json:"audio_tokens"`
}

// CompletionDetails breaks down completion tokens.
type CompletionDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
	AudioTokens     int `json:"audio_tokens"`
}

// Key aliases, probed in order. The first present key wins.
var (
	promptKeys = []string{
		"prompt_tokens", "input_tokens", "promptTokens", "inputTokens",
		"prompt_token_count", "promptTokenCount", "prompt_eval_count",
	}
	completionKeys = []string{
		"completion_tokens", "output_tokens", "completionTokens", "outputTokens",
		"candidates_token_count", "candidatesTokenCount", "eval_count",
	}
	totalKeys = []string{
		"total_tokens", "totalTokens", "total_token_count", "totalTokenCount",
	}
	promptDetailKeys = []string{
		"prompt_tokens_details", "input_tokens_details",
		"promptTokensDetails", "inputTokensDetails",
	}
	completionDetailKeys = []string{
		"completion_tokens_details", "output_tokens_details",
		"completionTokensDetails", "outputTokensDetails",
	}
	cachedKeys    = []string{"cached_tokens", "cachedTokens", "cache_read_input_tokens", "cachedContentTokenCount"}
	audioKeys     = []string{"audio_tokens", "audioTokens"}
	reasoningKeys = []string{"reasoning_tokens", "reasoningTokens", "thoughtsTokenCount"}
	wrapperKeys   = []string{"usage", "usage_metadata", "usageMetadata"}
)

// Normalize reconciles a provider usage payload into a Record. It
// returns nil when raw carries no usage. Malformed numbers become zero;
// Normalize never panics.
func Normalize(raw any) *Record {
	m := asMap(raw)
	if m == nil {
		return nil
	}
	if !hasAny(m, promptKeys, completionKeys, totalKeys) {
		for _, k := range wrapperKeys {
			if inner := asMap(m[k]); inner != nil && hasAny(inner, promptKeys, completionKeys, totalKeys) {
				m = inner
				break
			}
		}
	}
	if !hasAny(m, promptKeys, completionKeys, totalKeys) {
		return nil
	}

	rec := &Record{
		PromptTokens:     intFrom(m, promptKeys),
		CompletionTokens: intFrom(m, completionKeys),
		Raw:              m,
	}
	// A missing or malformed total falls back to the sum of its parts.
	rec.TotalTokens = intFrom(m, totalKeys)
	if rec.TotalTokens == 0 {
		rec.TotalTokens = rec.PromptTokens + rec.CompletionTokens
	}

	if d := detailMap(m, promptDetailKeys); d != nil {
		rec.PromptDetails.CachedTokens = intFrom(d, cachedKeys)
		rec.PromptDetails.AudioTokens = intFrom(d, audioKeys)
	}
	if rec.PromptDetails.CachedTokens == 0 {
		rec.PromptDetails.CachedTokens = intFrom(m, cachedKeys)
	}
	if d := detailMap(m, completionDetailKeys); d != nil {
		rec.CompletionDetails.ReasoningTokens = intFrom(d, reasoningKeys)
		rec.CompletionDetails.AudioTokens = intFrom(d, audioKeys)
	}
	if rec.CompletionDetails.ReasoningTokens == 0 {
		rec.CompletionDetails.ReasoningTokens = intFrom(m, reasoningKeys)
	}
	return rec
}

func asMap(v any) map[string]any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return t
	case *Record:
		if t == nil {
			return nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func hasAny(m map[string]any, groups ...[]string) bool {
	for _, keys := range groups {
		if _, ok := first(m, keys); ok {
			return true
		}
	}
	return false
}

func first(m map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func detailMap(m map[string]any, keys []string) map[string]any {
	for _, k := range keys {
		if d, ok := m[k].(map[string]any); ok {
			return d
		}
	}
	return nil
}

func intFrom(m map[string]any, keys []string) int {
	v, ok := first(m, keys)
	if !ok {
		return 0
	}
	return toCount(v)
}

// toCount coerces v to a non-negative integer. Non-numeric, negative and
// non-finite values yield zero.
func toCount(v any) int {
	var f float64
	switch n := v.(type) {
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case float32:
		f = float64(n)
	case float64:
		f = n
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f >= 1<<53 {
		return 0
	}
	return int(f)
}
