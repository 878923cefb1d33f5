package metering

// PriceKey indexes the price table.
type PriceKey struct {
	Provider  string
	Operation string
}

// PriceTable maps (provider, operation) to a unit price in USD. Cost is
// unit_price × quantity. LLM token prices use "_input"/"_output" operation
// variants keyed by model.
type PriceTable map[PriceKey]float64

// Cost looks up the unit price and multiplies. Unknown combinations are free.
func (pt PriceTable) Cost(provider, operation string, quantity float64) float64 {
	return pt[PriceKey{Provider: provider, Operation: operation}] * quantity
}

// DefaultPriceTable is the compiled-in table. It is a starting point, not a
// billing source of truth; deployments replace it via WithPriceTable.
func DefaultPriceTable() PriceTable {
	return PriceTable{
		{"dataforseo", "serp_search"}:        0.003,
		{"dataforseo", "business_listing"}:   0.002,
		{"dataforseo", "backlinks"}:          0.005,
		{"perplexity", "search"}:             0.005,
		{"perplexity", "sonar_input"}:        0.000001,
		{"perplexity", "sonar_output"}:       0.000001,
		{"openai", "gpt-4o_input"}:           0.0000025,
		{"openai", "gpt-4o_output"}:          0.00001,
		{"openai", "gpt-4o-mini_input"}:      0.00000015,
		{"openai", "gpt-4o-mini_output"}:     0.0000006,
		{"anthropic", "claude-sonnet_input"}: 0.000003,
		{"anthropic", "claude-sonnet_output"}: 0.000015,
		{"scraper", "page_fetch"}:            0.0005,
		{"bandwidth", "egress_gb"}:           0.09,
		{"storage", "artifact_gb"}:           0.023,
	}
}
