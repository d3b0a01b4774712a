package session

// outputReserve is held back from the context window for the model's reply.
const outputReserve = 8192

// charsPerToken is the ratio TokenSizer assumes.
const charsPerToken = 4

// BudgetFor derives a history budget, in TokenSizer units, from a model's
// context window: 65% of the window, and never more than the window minus
// the output reserve.
func BudgetFor(contextWindow int) int {
	if contextWindow <= 0 {
		return DefaultBudget
	}
	budget := contextWindow * 65 / 100
	if limit := contextWindow - outputReserve; budget > limit {
		budget = limit
	}
	if budget <= 0 {
		budget = contextWindow / 2
	}
	return budget
}

// SizerFor returns the Sizer for a configured metric: "chars" or "tokens".
func SizerFor(metric string) Sizer {
	if metric == "chars" {
		return CharSizer{}
	}
	return TokenSizer{}
}

// BudgetForSizer is BudgetFor expressed in the units of s.
func BudgetForSizer(contextWindow int, s Sizer) int {
	budget := BudgetFor(contextWindow)
	if _, ok := s.(CharSizer); ok {
		return budget * charsPerToken
	}
	return budget
}
