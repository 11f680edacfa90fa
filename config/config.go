// Package config loads the replica's runtime configuration: persistence
// location, transport endpoint, session timeouts, and the history
// compaction knobs.
package config

import (
	"flag"
	"time"
)

// Config holds everything a replica needs to boot: where to persist,
// how to reach peers, and the compaction/timeout knobs.
type Config struct {
	// PersistenceBackend selects the Persistence adapter: "memory",
	// "file", or "mongo".
	PersistenceBackend string
	// DataDir is the root directory for the "file" backend.
	DataDir string
	// MongoURI and MongoDatabase configure the "mongo" backend.
	MongoURI      string
	MongoDatabase string

	// TransportBackend selects the Transport adapter: "memory" or
	// "redis".
	TransportBackend string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int

	// MinHistory and MaxHistory bound the compaction pass: once
	// len(ops) - MinHistory > MaxHistory, ops older than the oldest
	// save point covering the retained window are dropped.
	MinHistory int
	MaxHistory int

	// Session timeouts.
	SummaryTimeout     time.Duration
	AppliedOpsTimeout  time.Duration
	EchoTimeout        time.Duration
	LiveUpdateBackoff  time.Duration
	LiveUpdateMaxRetry int

	Debug bool
}

// Default returns the configuration used when no flags are supplied.
func Default() Config {
	return Config{
		PersistenceBackend: "memory",
		DataDir:            "./osmosis-data",
		MongoURI:           "mongodb://localhost:27017",
		MongoDatabase:      "osmosis",
		TransportBackend:   "memory",
		RedisAddr:          "localhost:6379",
		RedisDB:            0,
		MinHistory:         1000,
		MaxHistory:         10000,
		SummaryTimeout:     3 * time.Second,
		AppliedOpsTimeout:  60 * time.Second,
		EchoTimeout:        10 * time.Second,
		LiveUpdateBackoff:  500 * time.Millisecond,
		LiveUpdateMaxRetry: 0, // 0 = no cap, retry until peer disconnects
		Debug:              false,
	}
}

// ParseFlags populates a Config from the process's command-line flags,
// starting from Default() for anything not overridden. It must be
// called at most once per process, before flag.Parse() is otherwise
// used.
func ParseFlags() Config {
	c := Default()

	persistence := flag.String("persistence", c.PersistenceBackend, "persistence backend: memory, file, mongo")
	dataDir := flag.String("data-dir", c.DataDir, "data directory for the file persistence backend")
	mongoURI := flag.String("mongo-uri", c.MongoURI, "MongoDB connection URI")
	mongoDB := flag.String("mongo-database", c.MongoDatabase, "MongoDB database name")
	transportBackend := flag.String("transport", c.TransportBackend, "transport backend: memory, redis")
	redisAddr := flag.String("redis", c.RedisAddr, "Redis server address")
	redisPassword := flag.String("redis-password", c.RedisPassword, "Redis password")
	redisDB := flag.Int("redis-db", c.RedisDB, "Redis database number")
	minHistory := flag.Int("min-history", c.MinHistory, "ops retained unconditionally before compaction considers trimming")
	maxHistory := flag.Int("max-history", c.MaxHistory, "ops retained beyond min-history before compaction trims")
	summaryTimeout := flag.Duration("summary-timeout", c.SummaryTimeout, "how long to await a peer's state summary")
	appliedOpsTimeout := flag.Duration("applied-ops-timeout", c.AppliedOpsTimeout, "how long to await a peer's merge of a session update")
	echoTimeout := flag.Duration("echo-timeout", c.EchoTimeout, "how long to await the final summary echo after divergence resolution")
	liveUpdateBackoff := flag.Duration("live-update-backoff", c.LiveUpdateBackoff, "initial backoff between liveUpdate retries against a busy peer")
	liveUpdateMaxRetry := flag.Int("live-update-max-retry", c.LiveUpdateMaxRetry, "liveUpdate retry cap against a busy peer, 0 for unlimited")
	debug := flag.Bool("debug", c.Debug, "enable debug logging")

	flag.Parse()

	c.PersistenceBackend = *persistence
	c.DataDir = *dataDir
	c.MongoURI = *mongoURI
	c.MongoDatabase = *mongoDB
	c.TransportBackend = *transportBackend
	c.RedisAddr = *redisAddr
	c.RedisPassword = *redisPassword
	c.RedisDB = *redisDB
	c.MinHistory = *minHistory
	c.MaxHistory = *maxHistory
	c.SummaryTimeout = *summaryTimeout
	c.AppliedOpsTimeout = *appliedOpsTimeout
	c.EchoTimeout = *echoTimeout
	c.LiveUpdateBackoff = *liveUpdateBackoff
	c.LiveUpdateMaxRetry = *liveUpdateMaxRetry
	c.Debug = *debug
	return c
}
