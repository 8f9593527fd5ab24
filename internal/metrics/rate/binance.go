package rate

import (
	"context"
	"net/http"
	"strconv"

	futures "github.com/adshao/go-binance/v2/futures"

	"cryptofeed/logger"
)

// FetchRequestWeightLimit queries the Binance exchangeInfo endpoint for the
// REQUEST_WEIGHT per minute limit. It returns 0 if no such limit is listed.
func FetchRequestWeightLimit(ctx context.Context, client *futures.Client) (int64, error) {
	info, err := client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, rl := range info.RateLimits {
		if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" {
			return rl.Limit, nil
		}
	}
	return 0, nil
}

// RequestsPerSecond converts a per-minute weight budget into a request rate
// for requests costing weight each, keeping headroom of one fifth.
func RequestsPerSecond(limitPerMinute int64, weight int) float64 {
	if limitPerMinute <= 0 || weight <= 0 {
		return 0
	}
	return float64(limitPerMinute) * 0.8 / 60 / float64(weight)
}

// ReportUsedWeight parses the used weight from Binance response headers and
// emits it as a gauge. Missing headers are ignored.
func ReportUsedWeight(log *logger.Log, header http.Header, ip string) {
	usedStr := header.Get("X-MBX-USED-WEIGHT-1m")
	if usedStr == "" {
		return
	}
	used, err := strconv.ParseInt(usedStr, 10, 64)
	if err != nil {
		return
	}

	l := log.WithComponent("binance_rest")
	l.LogMetric("binance_rest", "used_weight", used, "gauge", logger.Fields{"ip": ip})
}
