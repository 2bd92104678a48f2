package ioloop

import "github.com/ehrlich-b/go-ioloop/internal/constants"

// Re-export constants for public API
const (
	DefaultRingDepth       = constants.DefaultRingDepth
	DefaultPreemptDuration = constants.DefaultPreemptDuration
	LogLevelEnvVar         = constants.LogLevelEnvVar
	HugePageSizeEnvVar     = constants.HugePageSizeEnvVar
)
