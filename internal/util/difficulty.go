package util

// NetworkHashrate estimates network hashrate from difficulty and block time.
func NetworkHashrate(difficulty uint64, blockTimeSeconds float64) float64 {
	if blockTimeSeconds <= 0 {
		return 0
	}
	return float64(difficulty) / blockTimeSeconds
}

// EstimatedTimeToBlock estimates the time to find a block (or, here, a
// solution) given a hashrate and a difficulty. The operator API does
// not call it and reports no time-to-solution estimate.
func EstimatedTimeToBlock(hashrate float64, difficulty uint64) float64 {
	if hashrate <= 0 {
		return 0
	}
	return float64(difficulty) / hashrate
}
