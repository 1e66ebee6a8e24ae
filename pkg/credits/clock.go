package credits

import "time"

// startOfMonthUnixUTC truncates a unix timestamp to the first instant of its
// UTC calendar month. Monthly spend is measured against this boundary.
func startOfMonthUnixUTC(nowUnixUTC int64) int64 {
	now := time.Unix(nowUnixUTC, 0).UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).Unix()
}
