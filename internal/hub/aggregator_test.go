package hub

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/lazy-geeek/orderfox-gateway/pkg/types"
)

func TestAggregatorApply(t *testing.T) {
	t.Parallel()
	agg := NewAggregator("1m")

	// Both events land in the 60_000 bucket.
	b1 := agg.Apply(mkLiq(60_000, types.BUY, 1, 2000))
	if b1.BucketOpenMs != 60_000 {
		t.Fatalf("bucket open = %d, want 60000", b1.BucketOpenMs)
	}
	if !b1.BuyVolumeUSDT.Equal(decimal.NewFromInt(2000)) || b1.Count != 1 {
		t.Fatalf("first apply: %+v", b1)
	}

	b2 := agg.Apply(mkLiq(90_000, types.SELL, 2, 2000))
	if b2.BucketOpenMs != 60_000 {
		t.Fatalf("second event bucket = %d, want 60000", b2.BucketOpenMs)
	}
	if !b2.BuyVolumeUSDT.Equal(decimal.NewFromInt(2000)) ||
		!b2.SellVolumeUSDT.Equal(decimal.NewFromInt(4000)) ||
		!b2.Total.Equal(decimal.NewFromInt(6000)) ||
		!b2.Delta.Equal(decimal.NewFromInt(-2000)) ||
		b2.Count != 2 {
		t.Fatalf("accumulated bucket: %+v", b2)
	}

	// A later event in a different bucket leaves the first untouched.
	b3 := agg.Apply(mkLiq(120_000, types.BUY, 1, 1000))
	if b3.BucketOpenMs != 120_000 {
		t.Fatalf("third event bucket = %d, want 120000", b3.BucketOpenMs)
	}
	buckets := agg.Buckets()
	if len(buckets) != 2 {
		t.Fatalf("bucket count = %d, want 2", len(buckets))
	}
	if !buckets[0].Total.Equal(decimal.NewFromInt(6000)) {
		t.Fatalf("first bucket mutated: %+v", buckets[0])
	}
}

// Volumes equal the sum of applied amounts per side, regardless of order.
func TestAggregatorMonotonicAccumulation(t *testing.T) {
	t.Parallel()
	agg := NewAggregator("1m")

	var wantBuy, wantSell int64
	events := []struct {
		ts   int64
		side types.Side
		qty  int64
		px   int64
	}{
		{10_000, types.BUY, 3, 100},
		{50_000, types.SELL, 1, 500},
		{59_999, types.BUY, 2, 250},
		{1, types.SELL, 4, 125},
	}
	for _, e := range events {
		agg.Apply(mkLiq(e.ts, e.side, e.qty, e.px))
		if e.side == types.BUY {
			wantBuy += e.qty * e.px
		} else {
			wantSell += e.qty * e.px
		}
	}

	buckets := agg.Buckets()
	if len(buckets) != 1 {
		t.Fatalf("bucket count = %d, want 1 (all inside minute zero)", len(buckets))
	}
	b := buckets[0]
	if !b.BuyVolumeUSDT.Equal(decimal.NewFromInt(wantBuy)) {
		t.Errorf("buy volume = %s, want %d", b.BuyVolumeUSDT, wantBuy)
	}
	if !b.SellVolumeUSDT.Equal(decimal.NewFromInt(wantSell)) {
		t.Errorf("sell volume = %s, want %d", b.SellVolumeUSDT, wantSell)
	}
	if b.Count != len(events) {
		t.Errorf("count = %d, want %d", b.Count, len(events))
	}
}

// Seed sets absolutely; late events for a seeded bucket accumulate on top.
func TestAggregatorSeedThenApply(t *testing.T) {
	t.Parallel()
	agg := NewAggregator("1m")

	agg.Apply(mkLiq(60_000, types.BUY, 99, 100)) // pre-seed noise
	agg.Seed([]types.Liquidation{
		mkLiq(60_000, types.BUY, 1, 2000),
		mkLiq(120_000, types.SELL, 1, 3000),
	})

	buckets := agg.Buckets()
	if len(buckets) != 2 {
		t.Fatalf("seed left %d buckets, want 2", len(buckets))
	}
	if !buckets[0].BuyVolumeUSDT.Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("seed must replace prior state: %+v", buckets[0])
	}

	late := agg.Apply(mkLiq(61_000, types.BUY, 1, 500))
	if !late.BuyVolumeUSDT.Equal(decimal.NewFromInt(2500)) || late.Count != 2 {
		t.Fatalf("late apply must accumulate on the seed: %+v", late)
	}
}

func TestAggregatorEarliestBucket(t *testing.T) {
	t.Parallel()
	agg := NewAggregator("1h")
	if got := agg.EarliestBucketMs(); got != 0 {
		t.Fatalf("empty aggregator earliest = %d, want 0", got)
	}
	agg.Apply(mkLiq(7_200_000, types.BUY, 1, 1))
	agg.Apply(mkLiq(3_600_000, types.SELL, 1, 1))
	if got := agg.EarliestBucketMs(); got != 3_600_000 {
		t.Fatalf("earliest = %d, want 3600000", got)
	}
}
