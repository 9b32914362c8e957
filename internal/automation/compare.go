package automation

import (
	"fmt"
	"strings"

	"homecore/internal/models"
)

// Compare applies cmp to a stored value and a condition literal.
// Both sides are lower-cased strings and compared lexically, so numbers
// only order correctly when they have the same number of digits.
func Compare(actual any, cmp models.Comparison, literal string) (bool, error) {
	a := strings.ToLower(strings.TrimSpace(models.FormatValue(actual)))
	b := strings.ToLower(strings.TrimSpace(literal))

	switch cmp {
	case models.GreaterThan:
		return a > b, nil
	case models.LessThan:
		return a < b, nil
	case models.Equal:
		return a == b, nil
	case models.NotEqual:
		return a != b, nil
	}
	return false, fmt.Errorf("%w: unsupported comparison %q", ErrEvaluation, cmp)
}
