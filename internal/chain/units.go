package chain

import (
	"fmt"
	"math/big"
	"strings"
)

// ParseUnits converts a decimal token amount ("150", "0.5") to base units at
// the given number of decimals. Fractional digits beyond the token's
// precision are rejected.
func ParseUnits(value string, decimals int) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("chain: empty amount")
	}
	if decimals < 0 {
		return nil, fmt.Errorf("chain: negative decimals %d", decimals)
	}

	whole := value
	frac := ""
	if i := strings.IndexByte(value, '.'); i >= 0 {
		whole, frac = value[:i], value[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("chain: amount %q exceeds %d decimal places", value, decimals)
	}
	digits := whole + frac + strings.Repeat("0", decimals-len(frac))

	units, ok := new(big.Int).SetString(digits, 10)
	if !ok || units.Sign() < 0 {
		return nil, fmt.Errorf("chain: invalid amount %q", value)
	}
	return units, nil
}

// FormatUnits renders base units as a decimal string, trimming trailing
// zeros from the fractional part.
func FormatUnits(units *big.Int, decimals int) string {
	if units == nil {
		return "0"
	}
	if decimals <= 0 {
		return units.String()
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(units, scale, new(big.Int))
	if frac.Sign() == 0 {
		return whole.String()
	}
	fracStr := frac.String()
	if pad := decimals - len(fracStr); pad > 0 {
		fracStr = strings.Repeat("0", pad) + fracStr
	}
	return whole.String() + "." + strings.TrimRight(fracStr, "0")
}
