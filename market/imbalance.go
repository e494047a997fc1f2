package market

// ImbalanceRatio calculates the bid-side share of aggregated volume.
// Ratio = BidVol / (BidVol + AskVol), always within [0,1].
// Returns 0.5 (balanced) when both sides are empty.
func ImbalanceRatio(bidVolume, askVolume float64) float64 {
	total := bidVolume + askVolume
	if total == 0 {
		return 0.5
	}
	return bidVolume / total
}

// ImbalanceFromLevels calculates the ratio over the top N levels of each side.
// levels specifies how many levels to consider from the top.
func ImbalanceFromLevels(bids, asks []Level, levels int) float64 {
	if levels <= 0 {
		return 0.5
	}
	return ImbalanceRatio(sumTopLevels(bids, levels), sumTopLevels(asks, levels))
}
