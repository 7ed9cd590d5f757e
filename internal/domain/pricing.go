package domain

// PricingInput carries everything required to price an order candidate.
// Weight is the packed shipping weight for the whole order; zero is valid and
// bills as the minimum chargeable weight.
type PricingInput struct {
	Currency    string
	Items       []PricingItem
	WeightGrams int64
	CouponCode  string
}

// PricingItem is one order line from the calculator's point of view.
type PricingItem struct {
	ProductID string
	Quantity  int
	UnitPrice int64
}

// PricingBreakdown captures the aggregated monetary results of pricing an order.
// Total always equals Subtotal + Tax + Shipping - Discount.
type PricingBreakdown struct {
	Currency string
	Subtotal int64
	Discount int64
	Tax      int64
	Shipping int64
	Total    int64
}
