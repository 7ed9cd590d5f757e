package domain

// Monetary amounts travel through the service as int64 values in the smallest
// currency unit. UZS is zero-decimal, so one unit is one so'm and arithmetic
// stays integral end to end.

// BasisPointDenominator is the scale used for percentage rates (100% == 10000).
const BasisPointDenominator = 10000

// ApplyBasisPoints returns amount scaled by a basis-point rate, rounded half
// to even. amount must be non-negative and rate must be within
// [0, BasisPointDenominator]; callers validate both before reaching money math.
func ApplyBasisPoints(amount, rate int64) int64 {
	if amount <= 0 || rate <= 0 {
		return 0
	}
	quot := amount / BasisPointDenominator
	rem := amount % BasisPointDenominator
	scaled := quot * rate
	frac := rem * rate
	scaled += frac / BasisPointDenominator
	leftover := frac % BasisPointDenominator
	switch twice := leftover * 2; {
	case twice > BasisPointDenominator:
		scaled++
	case twice == BasisPointDenominator:
		if scaled%2 != 0 {
			scaled++
		}
	}
	return scaled
}
