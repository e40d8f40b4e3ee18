package config

import (
	"os"
	"strconv"
	"time"

	"clipforge/internal/pipeline"
)

// StageSettings holds the per-stage retry budget.
type StageSettings struct {
	Timeout     time.Duration
	MaxAttempts int
}

// StageTable maps each stage kind to its settings.
type StageTable map[pipeline.StageKind]StageSettings

// Defaults derived from observed provider turnaround: generous headroom over
// the target latency of each processor.
var defaultStageSettings = map[pipeline.StageKind]StageSettings{
	pipeline.KindVoice:  {Timeout: 180 * time.Second, MaxAttempts: 2},
	pipeline.KindMedia:  {Timeout: 300 * time.Second, MaxAttempts: 2},
	pipeline.KindConcat: {Timeout: 600 * time.Second, MaxAttempts: 2},
	pipeline.KindMusic:  {Timeout: 300 * time.Second, MaxAttempts: 2},
}

var stageEnvNames = map[pipeline.StageKind]string{
	pipeline.KindVoice:  "VOICE",
	pipeline.KindMedia:  "MEDIA",
	pipeline.KindConcat: "CONCAT",
	pipeline.KindMusic:  "MUSIC",
}

// LoadStageTable reads STAGE_<KIND>_TIMEOUT_SECONDS and
// STAGE_<KIND>_MAX_ATTEMPTS overrides, falling back to the defaults.
func LoadStageTable() StageTable {
	table := make(StageTable, len(defaultStageSettings))
	for kind, settings := range defaultStageSettings {
		name := stageEnvNames[kind]
		if seconds := envInt("STAGE_"+name+"_TIMEOUT_SECONDS", 0); seconds > 0 {
			settings.Timeout = time.Duration(seconds) * time.Second
		}
		if attempts := envInt("STAGE_"+name+"_MAX_ATTEMPTS", 0); attempts > 0 {
			settings.MaxAttempts = attempts
		}
		table[kind] = settings
	}
	return table
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
