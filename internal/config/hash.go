package config

import (
	"encoding/json"
	"hash/fnv"
)

// hashConfig hashes the canonical JSON encoding of cfg so formatting-only
// edits to the config file do not count as changes. Nil or unencodable
// configs hash to 0, which never matches a committed hash.
func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
