package web3

import (
	"fmt"
	"math/big"
	"strings"
)

// ParseUnits converts a decimal string such as "0.0006" into atomic units
// with the given number of decimals. Fractional digits beyond decimals are
// rejected rather than rounded.
func ParseUnits(value string, decimals int) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("数量不能为空")
	}
	if decimals < 0 {
		return nil, fmt.Errorf("精度不能为负数: %d", decimals)
	}
	if strings.HasPrefix(value, "-") {
		return nil, fmt.Errorf("数量不能为负数: %s", value)
	}

	whole, frac, hasFrac := strings.Cut(value, ".")
	if hasFrac && frac == "" && whole == "" {
		return nil, fmt.Errorf("数量格式无效: %s", value)
	}
	frac = strings.TrimRight(frac, "0")
	if len(frac) > decimals {
		return nil, fmt.Errorf("数量 %s 超出 %d 位精度", value, decimals)
	}
	if whole == "" {
		whole = "0"
	}
	digits := whole + frac + strings.Repeat("0", decimals-len(frac))

	out, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("数量格式无效: %s", value)
	}
	return out, nil
}

// ParseEther converts a decimal ether amount into wei.
func ParseEther(value string) (*big.Int, error) {
	return ParseUnits(value, 18)
}

// FormatUnits renders an atomic amount as a decimal string without trailing
// zeros.
func FormatUnits(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	neg := amount.Sign() < 0
	digits := new(big.Int).Abs(amount).String()
	if decimals > 0 {
		if len(digits) <= decimals {
			digits = strings.Repeat("0", decimals-len(digits)+1) + digits
		}
		split := len(digits) - decimals
		frac := strings.TrimRight(digits[split:], "0")
		digits = digits[:split]
		if frac != "" {
			digits += "." + frac
		}
	}
	if neg {
		return "-" + digits
	}
	return digits
}
