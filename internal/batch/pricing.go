package batch

import "github.com/kiranshivaraju/carscope/pkg/models"

// Pricing converts token usage to USD using per-million-token prices.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

func (p Pricing) Cost(u models.Usage) float64 {
	return float64(u.InputTokens)*p.InputPerMTok/1e6 + float64(u.OutputTokens)*p.OutputPerMTok/1e6
}
