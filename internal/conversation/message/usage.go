package message

// Usage holds token counts for a single backend API call.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Metadata carries assistant-message accounting. Cumulative counters add up
// across the agentic loop's internal API calls; LastCall is replaced on every
// call because context-window usage must be read from the most recent call
// only, never from the running totals.
type Metadata struct {
	TotalInputTokens  int     `json:"total_input_tokens"`
	TotalOutputTokens int     `json:"total_output_tokens"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
	LastCall          Usage   `json:"last_call"`
}

// Accumulate folds one API call's usage into the metadata: totals grow,
// LastCall is overwritten.
func (m *Metadata) Accumulate(u Usage) {
	m.TotalInputTokens += u.InputTokens
	m.TotalOutputTokens += u.OutputTokens
	m.TotalCostUSD += u.CostUSD
	m.LastCall = u
}

// ContextTokens returns the context-window usage after the last call.
func (m *Metadata) ContextTokens() int {
	return m.LastCall.InputTokens + m.LastCall.OutputTokens
}
