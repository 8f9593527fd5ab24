package ws

import (
	"github.com/jpillora/backoff"

	"cryptofeed/config"
)

func newBackoff(cfg config.ReconnectConfig) *backoff.Backoff {
	return &backoff.Backoff{
		Min:    cfg.Min,
		Max:    cfg.Max,
		Factor: cfg.Factor,
		Jitter: cfg.Jitter,
	}
}
