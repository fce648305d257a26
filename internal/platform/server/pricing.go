package server

// PriceTier fixes the charge for a credit package. Amounts are in
// centavos; the unit price falls as the package grows.
type PriceTier struct {
	Credits        int64 `json:"credits"`
	UnitPriceMinor int64 `json:"unit_price_minor"`
	TotalMinor     int64 `json:"total_minor"`
}

// priceTable is the authoritative price list. Client-reported totals are
// never trusted; every charge is recomputed from this table.
var priceTable = []PriceTier{
	{Credits: 10, UnitPriceMinor: 1400, TotalMinor: 14000},
	{Credits: 15, UnitPriceMinor: 1380, TotalMinor: 20700},
	{Credits: 25, UnitPriceMinor: 1350, TotalMinor: 33750},
	{Credits: 30, UnitPriceMinor: 1330, TotalMinor: 39900},
	{Credits: 50, UnitPriceMinor: 1300, TotalMinor: 65000},
	{Credits: 75, UnitPriceMinor: 1250, TotalMinor: 93750},
	{Credits: 100, UnitPriceMinor: 1200, TotalMinor: 120000},
	{Credits: 150, UnitPriceMinor: 1150, TotalMinor: 172500},
	{Credits: 200, UnitPriceMinor: 1100, TotalMinor: 220000},
	{Credits: 250, UnitPriceMinor: 1050, TotalMinor: 262500},
	{Credits: 300, UnitPriceMinor: 1020, TotalMinor: 306000},
	{Credits: 350, UnitPriceMinor: 1000, TotalMinor: 350000},
	{Credits: 400, UnitPriceMinor: 980, TotalMinor: 392000},
	{Credits: 500, UnitPriceMinor: 960, TotalMinor: 480000},
	{Credits: 550, UnitPriceMinor: 950, TotalMinor: 522500},
	{Credits: 600, UnitPriceMinor: 940, TotalMinor: 564000},
	{Credits: 650, UnitPriceMinor: 930, TotalMinor: 604500},
}

// PriceFor returns the tier for an exact package size. Sizes outside the
// table are not sold.
func PriceFor(credits int64) (PriceTier, bool) {
	for _, t := range priceTable {
		if t.Credits == credits {
			return t, true
		}
	}
	return PriceTier{}, false
}

// PriceTiers returns a copy of the full price list for display.
func PriceTiers() []PriceTier {
	out := make([]PriceTier, len(priceTable))
	copy(out, priceTable)
	return out
}
