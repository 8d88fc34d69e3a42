package types

// Telemetry metric names.
// All components MUST use these constants.
const (
	// Metric Names
	MetricStepDuration       = "ChainStepDuration"
	MetricStepCoverage       = "ChainStepCoverage"
	MetricChainIncomplete    = "ChainIncomplete"
	MetricSourceUnavailable  = "SourceUnavailable"
	MetricCacheHit           = "FragmentCacheHit"
	MetricCacheMiss          = "FragmentCacheMiss"
	MetricAPILatency         = "APILatency"
	MetricExternalAPIFailure = "ExternalAPIFailure"

	// Dimension Keys
	DimStepKind = "StepKind"
	DimDataset  = "Dataset"
	DimEndpoint = "Endpoint"
	DimProvider = "Provider"

	// Metric Namespace
	MetricNamespace = "VShift"
)

// Canonical dataset names used by the catalog. Tidal datasets use the datum's
// short name (mllw, mhw, ...); geoid datasets use the geoid name (g2018, ...).
const (
	DatasetTSS              = "tss"
	DatasetVerticalVelocity = "vertvel"
	DatasetFramePrefix      = "frame_"
)
