package domain

import "errors"

// Sentinel errors shared across the discovery core. Per-symbol integrity
// failures are absorbed and counted at the stage that sees them; per-scan
// errors surface to the orchestrator which decides publish or abort.
var (
	// ErrProviderUnavailable marks a transient upstream failure after retries.
	ErrProviderUnavailable = errors.New("market data provider unavailable")

	// ErrProviderAuth marks a credential failure; calls are circuit-broken
	// until configuration reload.
	ErrProviderAuth = errors.New("market data provider authentication failed")

	// ErrInvalidVolume rejects a volume-average row that violates avg_20d > 0.
	ErrInvalidVolume = errors.New("invalid volume average")

	// ErrInvalidPrice rejects a snapshot with a non-positive price.
	ErrInvalidPrice = errors.New("invalid price")

	// ErrCalibrationInvalid rejects a calibration mutation; the current
	// profile is retained.
	ErrCalibrationInvalid = errors.New("invalid calibration")

	// ErrBudgetExceeded aborts a scan past its hard wall-clock budget.
	ErrBudgetExceeded = errors.New("scan budget exceeded")

	// ErrFabricationDetected suppresses an artifact carrying placeholder inputs.
	ErrFabricationDetected = errors.New("fabricated inputs detected")

	// ErrScanInFlight means another scan holds the per-strategy publish lock.
	ErrScanInFlight = errors.New("scan already in flight")

	// ErrNoArtifact means no published artifact exists for the requested key.
	ErrNoArtifact = errors.New("no artifact available")
)
