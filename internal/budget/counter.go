package budget

import (
	"math"
	"unicode/utf8"
)

// Counter reports how many tokens a piece of text costs. The default
// implementation is a character heuristic; exact tokenizers can be
// plugged in without touching the fitting logic.
type Counter interface {
	Count(text string) int
}

const defaultCharsPerToken = 4.0

type Estimator struct {
	CharsPerToken float64
}

func NewEstimator() Estimator {
	return Estimator{CharsPerToken: defaultCharsPerToken}
}

func (e Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	perToken := e.CharsPerToken
	if perToken <= 0 {
		perToken = defaultCharsPerToken
	}
	chars := utf8.RuneCountInString(text)
	return int(math.Ceil(float64(chars) / perToken))
}

// CountAll sums the cost of every message body.
func CountAll(c Counter, messages []Message) int {
	total := 0
	for _, m := range messages {
		total += c.Count(m.Content)
	}
	return total
}
