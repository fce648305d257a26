package server

import "testing"

func TestPriceForKnownPackages(t *testing.T) {
	cases := []struct {
		credits int64
		unit    int64
		total   int64
	}{
		{10, 1400, 14000},
		{50, 1300, 65000},
		{100, 1200, 120000},
		{650, 930, 604500},
	}
	for _, tc := range cases {
		tier, ok := PriceFor(tc.credits)
		if !ok {
			t.Fatalf("PriceFor(%d) not found", tc.credits)
		}
		if tier.UnitPriceMinor != tc.unit || tier.TotalMinor != tc.total {
			t.Fatalf("PriceFor(%d) = %+v, want unit=%d total=%d", tc.credits, tier, tc.unit, tc.total)
		}
		if tier.Credits*tier.UnitPriceMinor != tier.TotalMinor {
			t.Fatalf("tier %d: total %d != credits * unit", tc.credits, tier.TotalMinor)
		}
	}
}

func TestPriceForUnknownPackage(t *testing.T) {
	for _, credits := range []int64{0, -10, 42, 1000} {
		if _, ok := PriceFor(credits); ok {
			t.Fatalf("PriceFor(%d) unexpectedly found", credits)
		}
	}
}

func TestUnitPriceNeverRisesWithVolume(t *testing.T) {
	tiers := PriceTiers()
	for i := 1; i < len(tiers); i++ {
		if tiers[i].UnitPriceMinor > tiers[i-1].UnitPriceMinor {
			t.Fatalf("unit price rises from %d to %d credits", tiers[i-1].Credits, tiers[i].Credits)
		}
	}
}

func TestPriceTiersReturnsCopy(t *testing.T) {
	tiers := PriceTiers()
	tiers[0].TotalMinor = 1
	if fresh := PriceTiers(); fresh[0].TotalMinor == 1 {
		t.Fatal("mutating the returned slice changed the price table")
	}
}
