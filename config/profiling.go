package config

// ProfilingConfig controls continuous profiling with Pyroscope
type ProfilingConfig struct {
	Enabled         bool   `yaml:"enabled" env:"PROFILING_ENABLED" env-default:"false"`
	ServerAddress   string `yaml:"serverAddress" env:"PROFILING_SERVER_ADDRESS"`
	ApplicationName string `yaml:"applicationName" env:"PROFILING_APPLICATION_NAME" env-default:"atick-monitor"`
	AuthUser        string `yaml:"authUser" env:"PROFILING_AUTH_USER"`
	AuthPassword    string `yaml:"authPassword" env:"PROFILING_AUTH_PASSWORD"`
	MutexProfiling  bool   `yaml:"mutexProfiling" env:"PROFILING_MUTEX" env-default:"true"`
	BlockProfiling  bool   `yaml:"blockProfiling" env:"PROFILING_BLOCK" env-default:"true"`
}
