package redisstream

import "strings"

// Settings holds Redis Streams transport configuration for Watermill.
type Settings struct {
	Addr     string `mapstructure:"redis-addr" yaml:"redis-addr"`
	Group    string `mapstructure:"redis-group" yaml:"redis-group"`
	Consumer string `mapstructure:"redis-consumer" yaml:"redis-consumer"`
}

// Enabled reports whether a Redis address was configured.
func (s Settings) Enabled() bool {
	return strings.TrimSpace(s.Addr) != ""
}
