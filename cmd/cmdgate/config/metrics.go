package config

type metricsConf struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

var defaultMetricsConf = metricsConf{
	Enabled: true,
	Path:    "/metrics",
}
