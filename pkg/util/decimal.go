package util

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// CheckDecimal rejects values with more than maxScale fractional digits or
// more than maxIntDigits integer digits. It reads only the exponent and the
// coefficient, so it is safe on inputs like "1e-2000000000" whose canonical
// string would not fit in memory.
func CheckDecimal(d decimal.Decimal, maxScale, maxIntDigits int) error {
	exp := int64(d.Exponent())
	if exp < -int64(maxScale) {
		return fmt.Errorf("scale %d exceeds %d", -exp, maxScale)
	}
	if exp > int64(maxIntDigits) {
		return fmt.Errorf("magnitude 1e%d exceeds %d integer digits", exp, maxIntDigits)
	}
	digits := int64(len(new(big.Int).Abs(d.Coefficient()).Text(10)))
	if digits+exp > int64(maxIntDigits) {
		return fmt.Errorf("%d integer digits exceed %d", digits+exp, maxIntDigits)
	}
	return nil
}
