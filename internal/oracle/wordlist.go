package oracle

import (
	"context"
	"strings"
	"unicode"

	"github.com/pixelarcade/chat/internal/models"
)

// WordlistOracle denies messages containing a banned word. Global messages
// are denied with high severity. Direct messages are denied with medium
// severity and a masked copy of the text in FilteredContent.
type WordlistOracle struct {
	words []string
}

func NewWordlistOracle(words []string) *WordlistOracle {
	cleaned := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			cleaned = append(cleaned, w)
		}
	}
	return &WordlistOracle{words: cleaned}
}

func (o *WordlistOracle) Classify(_ context.Context, req Request) (models.Verdict, error) {
	lower := strings.ToLower(req.Content)
	var hit string
	for _, w := range o.words {
		if strings.Contains(lower, w) {
			hit = w
			break
		}
	}
	if hit == "" {
		return models.Verdict{Allowed: true, Reason: models.ReasonOK, Severity: models.SeverityNone}, nil
	}

	if req.Type == models.ContextDirect {
		return models.Verdict{
			Allowed:         false,
			Reason:          "banned word",
			Severity:        models.SeverityMedium,
			FilteredContent: o.mask(req.Content),
		}, nil
	}
	return models.Verdict{Allowed: false, Reason: "banned word", Severity: models.SeverityHigh}, nil
}

// mask replaces every banned word occurrence with asterisks, case-insensitively.
func (o *WordlistOracle) mask(content string) string {
	runes := []rune(content)
	lower := []rune(strings.ToLower(content))
	if len(lower) != len(runes) {
		// Lowercasing changed the rune count; match case-sensitively.
		lower = runes
	}
	for _, w := range o.words {
		wr := []rune(w)
		for i := 0; i+len(wr) <= len(lower); i++ {
			if string(lower[i:i+len(wr)]) != w {
				continue
			}
			for j := i; j < i+len(wr); j++ {
				if !unicode.IsSpace(runes[j]) {
					runes[j] = '*'
				}
			}
		}
	}
	return string(runes)
}
