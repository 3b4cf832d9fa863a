package llm

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/clause-crawler/internal/crawler"
)

const comparePrompt = `Compare ces deux clauses de succession et donne un score de similarité entre 0 et 100.

Clause 1:
%s

Clause 2:
%s

Retourne uniquement le score numérique (0-100). Plus le score est élevé, plus les clauses sont similaires.
Prends en compte :
- La similarité du contenu et du sens
- La similarité des conditions et exceptions
- La similarité des références légales
Ne te base pas sur la similarité exacte du texte, mais sur le sens juridique.`

var scorePattern = regexp.MustCompile(`-?\d+(?:[.,]\d+)?`)

// Comparator scores two serialized clauses by legal meaning.
type Comparator struct {
	completer crawler.Completer
	logger    *zap.Logger
}

// NewComparator builds a Comparator over completer.
func NewComparator(completer crawler.Completer, logger *zap.Logger) *Comparator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Comparator{completer: completer, logger: logger}
}

// Compare returns a score in [0, 100]. Unparseable answers score 0 with a nil
// error. Completion failures are returned as is; callers decide which of them
// are fatal.
func (c *Comparator) Compare(ctx context.Context, a, b string) (float64, error) {
	raw, err := c.completer.Complete(ctx, fmt.Sprintf(comparePrompt, a, b))
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		c.logger.Warn("clause comparison failed", zap.Error(err))
		return 0, err
	}
	score, ok := ParseScore(raw)
	if !ok {
		c.logger.Warn("unparseable similarity score", zap.String("response", raw))
		return 0, nil
	}
	return score, nil
}

// ParseScore reads the first number in raw and clamps it to [0, 100]. The
// fractional part is kept.
func ParseScore(raw string) (float64, bool) {
	m := scorePattern.FindString(raw)
	if m == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(normalizeDecimal(m), 64)
	if err != nil {
		return 0, false
	}
	switch {
	case f < 0:
		f = 0
	case f > 100:
		f = 100
	}
	return f, true
}

func normalizeDecimal(s string) string {
	out := []byte(s)
	for i, ch := range out {
		if ch == ',' {
			out[i] = '.'
		}
	}
	return string(out)
}
