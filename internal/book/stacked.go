package book

// StackedImbalance compares resting size at the same price on both sides.
// See StackedImbalanceOf. Both sides must be readable for the duration of
// the call.
func (b *Book) StackedImbalance(ratioPct, minVolume int64) (askOverBid, bidOverAsk int64) {
	return StackedImbalanceOf(b.bids.Levels(), b.asks.Levels(), ratioPct, minVolume)
}

// StackedImbalanceOf works on level copies: bids best first (descending)
// and asks best first (ascending), as Levels returns them. An ask level
// counts toward askOverBid when its size exceeds the bid size at that price
// by ratioPct percent and is above minVolume; it contributes the difference.
// bidOverAsk is the mirror image. A missing level has size 0.
func StackedImbalanceOf(bids, asks []Level, ratioPct, minVolume int64) (askOverBid, bidOverAsk int64) {
	// Walk both sides in ascending price: bids from the back, asks from the front.
	i, j := len(bids)-1, 0
	for i >= 0 || j < len(asks) {
		var bid, ask int64
		switch {
		case j >= len(asks) || (i >= 0 && bids[i].Price < asks[j].Price):
			bid = bids[i].Size
			i--
		case i < 0 || asks[j].Price < bids[i].Price:
			ask = asks[j].Size
			j++
		default:
			bid, ask = bids[i].Size, asks[j].Size
			i--
			j++
		}

		if ask > 0 && ask > bid*ratioPct/100 && ask > minVolume {
			askOverBid += ask - bid
		}
		if bid > 0 && bid > ask*ratioPct/100 && bid > minVolume {
			bidOverAsk += bid - ask
		}
	}
	return askOverBid, bidOverAsk
}

// SumTop sums the sizes of the first n levels, or of all of them when
// fewer exist.
func SumTop(levels []Level, n int) int64 {
	var sum int64
	for k := 0; k < n && k < len(levels); k++ {
		sum += levels[k].Size
	}
	return sum
}
