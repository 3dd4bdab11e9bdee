package metrics

import "github.com/kilianp07/feederdispatch/core/factory"

// Config defines settings for metrics sinks. ListenAddr, when set, serves
// the Prometheus registry over HTTP.
type Config struct {
	Sinks      []factory.ModuleConfig `json:"sinks"`
	ListenAddr string                 `json:"listen_addr"`
}
