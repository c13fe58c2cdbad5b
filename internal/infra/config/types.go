package config

import (
	"strings"
)

// Environment identifies the runtime environment where logmerge operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// SourceKind names a log source implementation.
type SourceKind string

const (
	// SourceMemory replays entries listed inline in the config.
	SourceMemory SourceKind = "memory"
	// SourceSynthetic generates random, chronologically ordered entries.
	SourceSynthetic SourceKind = "synthetic"
	// SourceJSONLines reads one JSON entry per line from a file.
	SourceJSONLines SourceKind = "jsonl"
	// SourceCSV reads timestamp,message rows from a file.
	SourceCSV SourceKind = "csv"
	// SourcePostgres pages entries out of the log_entries table.
	SourcePostgres SourceKind = "postgres"
)

// SinkKind names the terminal sink of the output chain.
type SinkKind string

const (
	// SinkConsole prints entries as text lines.
	SinkConsole SinkKind = "console"
	// SinkJSONLines writes entries as JSON lines.
	SinkJSONLines SinkKind = "jsonl"
	// SinkPostgres persists entries into the merged_entries table.
	SinkPostgres SinkKind = "postgres"
	// SinkDiscard drops entries; useful with the stream server as the only consumer.
	SinkDiscard SinkKind = "discard"
)

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
