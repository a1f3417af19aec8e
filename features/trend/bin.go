package trend

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidBin = errors.New("invalid time bin")

// Bin is a date_trunc field.
type Bin string

const (
	BinDay   Bin = "day"
	BinWeek  Bin = "week"
	BinMonth Bin = "month"
)

// ParseBin accepts day/week/month and the short forms D, W and ME.
func ParseBin(s string) (Bin, error) {
	switch strings.TrimSpace(s) {
	case "D", "day":
		return BinDay, nil
	case "W", "week":
		return BinWeek, nil
	case "ME", "M", "month":
		return BinMonth, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidBin, s)
	}
}
