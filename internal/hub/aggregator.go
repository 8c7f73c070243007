// aggregator.go rolls raw liquidation events into timeframe-aligned volume
// buckets, emitting only the bucket each event changed.
package hub

import (
	"sort"

	"github.com/lazy-geeek/orderfox-gateway/internal/format"
	"github.com/lazy-geeek/orderfox-gateway/pkg/types"
)

// Aggregator accumulates liquidation volume per (symbol, timeframe). Buckets
// are only ever incremented by Apply; Seed is the one operation allowed to
// set values absolutely, and it must run before any Apply touches the same
// bucket. Late events for a seeded bucket accumulate on top.
type Aggregator struct {
	tf      types.Timeframe
	buckets map[int64]*types.VolumeBucket
}

// NewAggregator creates an empty aggregator for one timeframe.
func NewAggregator(tf types.Timeframe) *Aggregator {
	return &Aggregator{
		tf:      tf,
		buckets: make(map[int64]*types.VolumeBucket),
	}
}

// Apply folds one event into its bucket and returns the changed bucket.
func (a *Aggregator) Apply(event types.Liquidation) types.VolumeBucket {
	open := a.tf.BucketOpen(event.TimestampMs)
	b, ok := a.buckets[open]
	if !ok {
		b = &types.VolumeBucket{BucketOpenMs: open}
		a.buckets[open] = b
	}

	if event.Side == types.BUY {
		b.BuyVolumeUSDT = b.BuyVolumeUSDT.Add(event.AmountUSDT)
	} else {
		b.SellVolumeUSDT = b.SellVolumeUSDT.Add(event.AmountUSDT)
	}
	b.Count++
	a.refresh(b)
	return *b
}

// Seed replaces the aggregation state from a historical range. Events land in
// their buckets exactly as Apply would place them, but against a clean slate.
func (a *Aggregator) Seed(events []types.Liquidation) {
	a.buckets = make(map[int64]*types.VolumeBucket, len(events))
	for _, e := range events {
		a.Apply(e)
	}
}

// Buckets returns all buckets ordered by open time, for the initial send.
func (a *Aggregator) Buckets() []types.VolumeBucket {
	out := make([]types.VolumeBucket, 0, len(a.buckets))
	for _, b := range a.buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketOpenMs < out[j].BucketOpenMs })
	return out
}

// EarliestBucketMs returns the open time of the oldest bucket, or 0 when the
// aggregator is empty. Used to re-derive the visible range on reconnect.
func (a *Aggregator) EarliestBucketMs() int64 {
	var earliest int64
	found := false
	for open := range a.buckets {
		if !found || open < earliest {
			earliest, found = open, true
		}
	}
	return earliest
}

func (a *Aggregator) refresh(b *types.VolumeBucket) {
	b.Total = b.BuyVolumeUSDT.Add(b.SellVolumeUSDT)
	b.Delta = b.BuyVolumeUSDT.Sub(b.SellVolumeUSDT)
	b.BuyFmt = format.CompactOrEmpty(b.BuyVolumeUSDT)
	b.SellFmt = format.CompactOrEmpty(b.SellVolumeUSDT)
	b.TotalFmt = format.CompactOrEmpty(b.Total)
	b.DeltaFmt = format.CompactOrEmpty(b.Delta)
}
