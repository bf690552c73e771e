package usage

import "time"

// TurnUsage is one model turn's usage as recorded in a run ledger.
type TurnUsage struct {
	Iteration int       `json:"iteration"`
	Model     string    `json:"model"`
	Timestamp time.Time `json:"timestamp"`
	Record    Record    `json:"usage"`
}

// Totals aggregates usage for one model.
type Totals struct {
	Requests          int `json:"requests"`
	PromptTokens      int `json:"prompt_tokens"`
	CompletionTokens  int `json:"completion_tokens"`
	TotalTokens       int `json:"total_tokens"`
	CachedInputTokens int `json:"cached_input_tokens"`
}

// Ledger is a run's usage accounting: one entry per model turn in
// order, plus running totals keyed by model name.
type Ledger struct {
	PerRequest []TurnUsage        `json:"per_request,omitempty"`
	Totals     map[string]*Totals `json:"totals,omitempty"`
}

// Add appends rec for model and folds it into the model's totals.
func (l *Ledger) Add(model string, iteration int, rec Record) TurnUsage {
	turn := TurnUsage{
		Iteration: iteration,
		Model:     model,
		Timestamp: time.Now().UTC(),
		Record:    rec,
	}
	l.PerRequest = append(l.PerRequest, turn)

	if l.Totals == nil {
		l.Totals = make(map[string]*Totals)
	}
	t := l.Totals[model]
	if t == nil {
		t = &Totals{}
		l.Totals[model] = t
	}
	t.Requests++
	t.PromptTokens += rec.PromptTokens
	t.CompletionTokens += rec.CompletionTokens
	t.TotalTokens += rec.TotalTokens
	t.CachedInputTokens += rec.PromptDetails.CachedTokens
	return turn
}

// Sum returns totals across all models.
func (l *Ledger) Sum() Totals {
	var sum Totals
	for _, t := range l.Totals {
		sum.Requests += t.Requests
		sum.PromptTokens += t.PromptTokens
		sum.CompletionTokens += t.CompletionTokens
		sum.TotalTokens += t.TotalTokens
		sum.CachedInputTokens += t.CachedInputTokens
	}
	return sum
}
