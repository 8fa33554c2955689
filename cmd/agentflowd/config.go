package main

import (
	"os"
	"strconv"
)

// config holds every process-level setting, read from the environment with
// sane defaults, matching the teacher examples' os.Getenv-with-fallback
// style rather than a flags/viper layer.
type config struct {
	HooksAddr  string
	EventsAddr string
	AdminAddr  string

	AgentExecutable string
	AgentArgs       []string
	ProjectRoot     string

	AgentsFile string

	DBPath   string
	MySQLDSN string

	RedisAddr string

	MaxParallel        int
	DefaultNodeTimeout int // seconds
	LogJSON            bool
}

func loadConfig() config {
	return config{
		HooksAddr:  getenv("AGENTFLOWD_HOOKS_ADDR", ":8080"),
		EventsAddr: getenv("AGENTFLOWD_EVENTS_ADDR", ":8081"),
		AdminAddr:  getenv("AGENTFLOWD_ADMIN_ADDR", ":8082"),

		AgentExecutable: getenv("AGENTFLOWD_AGENT_EXECUTABLE", "claude"),
		ProjectRoot:     getenv("AGENTFLOWD_PROJECT_ROOT", "./agentflowd-projects"),

		AgentsFile: os.Getenv("AGENTFLOWD_AGENTS_FILE"),

		DBPath:   getenv("AGENTFLOWD_DB_PATH", "agentflowd.db"),
		MySQLDSN: os.Getenv("AGENTFLOWD_MYSQL_DSN"),

		RedisAddr: os.Getenv("AGENTFLOWD_REDIS_ADDR"),

		MaxParallel:        getenvInt("AGENTFLOWD_MAX_PARALLEL", 4),
		DefaultNodeTimeout: getenvInt("AGENTFLOWD_NODE_TIMEOUT_SECONDS", 600),
		LogJSON:            getenvBool("AGENTFLOWD_LOG_JSON", false),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
