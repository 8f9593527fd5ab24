// Package rate recognises exchange rate limit and IP ban responses and
// records them as metrics.
package rate

import (
	"fmt"
	"strings"

	"cryptofeed/internal/metrics"
	"cryptofeed/logger"
)

// ReportRateLimitExceeded counts a rate limit response for the exchange and
// data type.
func ReportRateLimitExceeded(log *logger.Log, exchange, symbol, ip, dataType string) {
	component := fmt.Sprintf("%s_%s", strings.ToLower(exchange), strings.ToLower(dataType))
	l := log.WithComponent(component)
	fields := logger.Fields{
		"exchange": strings.ToLower(exchange),
		"symbol":   symbol,
		"ip":       ip,
		"type":     strings.ToLower(dataType),
	}
	logger.IncrementCounter(logger.CounterRateLimited, 1)
	l.LogMetric(component, "rate_limit_exceeded", int64(1), "counter", fields)
	l.WithFields(fields).Warn("rate limit exceeded")
}

// ReportIPBan counts an IP ban response for the exchange and data type.
func ReportIPBan(log *logger.Log, exchange, symbol, ip, dataType string) {
	component := fmt.Sprintf("%s_%s", strings.ToLower(exchange), strings.ToLower(dataType))
	l := log.WithComponent(component)
	fields := logger.Fields{
		"exchange": strings.ToLower(exchange),
		"symbol":   symbol,
		"ip":       ip,
		"type":     strings.ToLower(dataType),
	}
	l.LogMetric(component, "ip_ban", int64(1), "counter", fields)
	l.WithFields(fields).Error("ip banned")
}

// detectLimit inspects an exchange error message. Each venue words its
// throttling responses differently.
func detectLimit(exchange, msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	switch strings.ToLower(exchange) {
	case "binance":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit") ||
			strings.Contains(lowerMsg, "-1003")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	case "okx":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "frequency limit") ||
			strings.Contains(lowerMsg, "50011")
		ipBan = strings.Contains(lowerMsg, "ip") && (strings.Contains(lowerMsg, "blocked") || strings.Contains(lowerMsg, "ban"))
	case "kucoin":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit") ||
			strings.Contains(lowerMsg, "429000")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "limit") && strings.Contains(lowerMsg, "triggered")
	case "bybit":
		ipBan = strings.Contains(lowerMsg, "ip rate limit") || (strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban"))
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests") ||
			strings.Contains(lowerMsg, "too many visits") || strings.Contains(lowerMsg, "10006"))
	case "gateio":
		rateLimit = strings.Contains(lowerMsg, "too_many_requests") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "forbidden")
	case "upbit":
		rateLimit = strings.Contains(lowerMsg, "too_many_requests") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "blocked")
	case "huobi", "gopax":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit") ||
			strings.Contains(lowerMsg, "frequency")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	}
	return
}

// IsRateLimited reports whether msg signals throttling of any kind,
// including an IP ban.
func IsRateLimited(exchange, msg string) bool {
	rateLimit, ipBan := detectLimit(exchange, msg)
	return rateLimit || ipBan
}

// ReportLimitFromMessage records a rate limit or IP ban metric when msg
// matches the exchange's wording, and reports whether it matched.
func ReportLimitFromMessage(log *logger.Log, exchange, symbol, ip, dataType, msg string) bool {
	rateLimit, ipBan := detectLimit(exchange, msg)
	if rateLimit {
		ReportRateLimitExceeded(log, exchange, symbol, ip, dataType)
	}
	if ipBan {
		ReportIPBan(log, exchange, symbol, ip, dataType)
	}
	if rateLimit || ipBan {
		metrics.PollRequests.WithLabelValues(strings.ToLower(exchange), strings.ToLower(dataType), "rate_limited").Inc()
	}
	return rateLimit || ipBan
}
