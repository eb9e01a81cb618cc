package errors

// ErrorCode represents a unique error code for identifying different error types.
type ErrorCode int

const (
	// General errors (1-99)
	ErrCodeUnknown ErrorCode = 1

	// Validation errors (100-199)
	ErrCodeInvalidParameter     ErrorCode = 100
	ErrCodeInvalidConfiguration ErrorCode = 101
	ErrCodeInvalidPeriod        ErrorCode = 102
	ErrCodeInsufficientData     ErrorCode = 103
	ErrCodeInvalidOrder         ErrorCode = 104
	ErrCodeInvalidSymbol        ErrorCode = 105

	// Market data errors (200-299)
	ErrCodeMarketDataMissing     ErrorCode = 200
	ErrCodeMarketDataFetchFailed ErrorCode = 201
	ErrCodeMalformedResponse     ErrorCode = 202
	ErrCodeStreamClosed          ErrorCode = 203

	// Indicator errors (300-399)
	ErrCodeIndicatorNotFound    ErrorCode = 300
	ErrCodeIndicatorCalculation ErrorCode = 301
	ErrCodeSnapshotUnavailable  ErrorCode = 302

	// Trading errors (400-499)
	ErrCodeTransientNetwork      ErrorCode = 400
	ErrCodeExchangeRejection     ErrorCode = 401
	ErrCodeOrderFailed           ErrorCode = 402
	ErrCodePositionNotFound      ErrorCode = 403
	ErrCodePartialBracketFailure ErrorCode = 404
	ErrCodeDuplicatePosition     ErrorCode = 405
	ErrCodeCancelFailed          ErrorCode = 406

	// Risk errors (500-599)
	ErrCodeRiskLimitBreach ErrorCode = 500
	ErrCodeEngineHalted    ErrorCode = 501

	// Engine lifecycle errors (600-699)
	ErrCodeEngineInitFailed     ErrorCode = 600
	ErrCodeEngineAlreadyRunning ErrorCode = 601
	ErrCodeEngineNotRunning     ErrorCode = 602
)
