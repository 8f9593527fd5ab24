package config

import (
	"fmt"
	"net"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"cryptofeed/models"
)

// IPShard binds a set of per-exchange symbols to a local source IP so load
// and exchange IP rate limits spread across addresses.
type IPShard struct {
	IP      string              `yaml:"ip"`
	Symbols map[string][]string `yaml:"symbols"`
}

// IPShards represents the full shard configuration.
type IPShards struct {
	Shards []IPShard `yaml:"shards"`
}

// LoadIPShards loads shard configuration from the given path.
func LoadIPShards(path string) (*IPShards, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read shards file: %w", err)
	}
	var cfg IPShards
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse shards file: %w", err)
	}
	for i, shard := range cfg.Shards {
		if shard.IP != "" && net.ParseIP(shard.IP) == nil {
			return nil, fmt.Errorf("shard %d: invalid ip '%s'", i, shard.IP)
		}
		normalized := make(map[string][]string, len(shard.Symbols))
		for exchange, symbols := range shard.Symbols {
			if _, err := models.ParseMarkets(symbols); err != nil {
				return nil, fmt.Errorf("shard %d (%s): %w", i, exchange, err)
			}
			normalized[strings.ToLower(exchange)] = symbols
		}
		cfg.Shards[i].Symbols = normalized
	}
	return &cfg, nil
}

// ShardFor returns, for one exchange, the local IPs in use and the subset of
// wanted symbols assigned to each. Symbols not listed in any shard go to the
// default shard with an empty IP.
func (s *IPShards) ShardFor(exchange string, wanted []string) map[string][]string {
	exchange = strings.ToLower(exchange)
	out := map[string][]string{}
	assigned := map[string]string{}
	if s != nil {
		for _, shard := range s.Shards {
			for _, sym := range shard.Symbols[exchange] {
				if _, taken := assigned[sym]; !taken {
					assigned[sym] = shard.IP
				}
			}
		}
	}
	for _, sym := range wanted {
		ip := assigned[sym]
		out[ip] = append(out[ip], sym)
	}
	for ip := range out {
		sort.Strings(out[ip])
	}
	return out
}
