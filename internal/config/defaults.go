package config

import _ "time/tzdata" // timezone validation must not depend on the host zoneinfo

// DefaultTimezone is the scheduler timezone when none is configured.
const DefaultTimezone = "America/Chicago"

// Default returns the built-in configuration: six queues sized like the
// Sector 7G plant crew, a redis broker and a sqlite schedule
// store.
func Default() *Config {
	retries := 5
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Broker: BrokerConfig{
			Driver: "redis",
			Redis: RedisConfig{
				URL:            "redis://localhost:6379/0",
				ConnTimeout:    "5s",
				ConnRetries:    &retries,
				ConnRetryDelay: "1s",
				KeepResult:     "3600s",
			},
		},
		Storage: StorageConfig{Driver: "sqlite", Path: "data/sector7g.db"},
		Queues: []QueueConfig{
			{Name: "homer", Concurrency: 3, Timeout: "600s", MaxAttempts: 1, Handlers: []string{"homer_sim", "echo", "sleep"}},
			{Name: "lenny", Concurrency: 15, Timeout: "120s", MaxAttempts: 3, Handlers: []string{"lenny_sim", "echo", "sleep", "system_health_check"}},
			{Name: "carl", Concurrency: 15, Timeout: "120s", MaxAttempts: 3, Handlers: []string{"carl_sim", "echo", "sleep"}},
			{Name: "charlie", Concurrency: 10, Timeout: "120s", MaxAttempts: 3, Handlers: []string{"charlie_sim", "echo", "sleep"}},
			{Name: "inanimate_rod", Concurrency: 15, Timeout: "300s", MaxAttempts: 3, Handlers: []string{"inanimate_rod_sim", "echo", "sleep"}},
			{Name: "grimey", Concurrency: 1, Timeout: "600s", MaxAttempts: 1, Handlers: []string{"grimey_sim", "echo", "cleanup_temp_files"}},
		},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Timezone: DefaultTimezone,
			Schedules: []ScheduleConfig{
				{ID: "system_health_check", Schedule: "every 15s", Queue: "lenny", Handler: "system_health_check"},
				{ID: "cleanup_temp_files", Schedule: "0 2 * * *", Queue: "grimey", Handler: "cleanup_temp_files"},
			},
		},
		Health: HealthConfig{ProbeTimeout: "2s"},
	}
}
