// Package errors provides structured error handling for ragsync.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Store errors (database, persistence)
//   - 3XX: Network / external service errors
//   - 4XX: Validation, conflict, and business-rule errors
//   - 5XX: Internal errors
package errors

// Kind classifies errors for the propagation policy: validation and
// conflict errors return synchronously to the caller, infrastructure
// errors feed the retry scheduler, configuration errors are fatal at boot.
type Kind string

const (
	KindValidation      Kind = "VALIDATION"
	KindNotFound        Kind = "NOT_FOUND"
	KindConflict        Kind = "CONFLICT"
	KindBusinessRule    Kind = "BUSINESS_RULE"
	KindDatabase        Kind = "INFRA_DATABASE"
	KindNetwork         Kind = "INFRA_NETWORK"
	KindExternalService Kind = "INFRA_EXTERNAL"
	KindConfiguration   Kind = "CONFIGURATION"
	KindPayloadTooLarge Kind = "PAYLOAD_TOO_LARGE"
	KindInternal        Kind = "INTERNAL"
)

// Error codes organized by band.
const (
	// Configuration errors (100-199)
	CodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	CodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Store errors (200-299)
	CodeStoreInit      = "ERR_201_STORE_INIT"
	CodeStoreQuery     = "ERR_202_STORE_QUERY"
	CodeStoreTxn       = "ERR_203_STORE_TXN"
	CodeStoreMigration = "ERR_204_STORE_MIGRATION"
	CodeStoreCorrupt   = "ERR_205_STORE_CORRUPT"

	// Network / external service errors (300-399)
	CodeNetworkTimeout     = "ERR_301_NETWORK_TIMEOUT"
	CodeNetworkUnavailable = "ERR_302_NETWORK_UNAVAILABLE"
	CodeEmbedProvider      = "ERR_303_EMBED_PROVIDER"
	CodeVectorStore        = "ERR_304_VECTOR_STORE"

	// Validation / conflict errors (400-499)
	CodeInvalidInput      = "ERR_401_INVALID_INPUT"
	CodeNotFound          = "ERR_402_NOT_FOUND"
	CodeConflict          = "ERR_403_CONFLICT"
	CodeBusinessRule      = "ERR_404_BUSINESS_RULE"
	CodePayloadTooLarge   = "ERR_405_PAYLOAD_TOO_LARGE"
	CodeDimensionMismatch = "ERR_406_DIMENSION_MISMATCH"

	// Internal errors (500-599)
	CodeInternal        = "ERR_501_INTERNAL"
	CodeEmbeddingFailed = "ERR_502_EMBEDDING_FAILED"
	CodeSearchFailed    = "ERR_503_SEARCH_FAILED"
	CodeSplitFailed     = "ERR_504_SPLIT_FAILED"
	CodeSyncFailed      = "ERR_505_SYNC_FAILED"
	CodeCancelled       = "ERR_506_CANCELLED"
)

// kindFromCode derives the kind for codes whose band is unambiguous.
// Codes in the 4XX band carry distinct kinds, so they are mapped explicitly.
func kindFromCode(code string) Kind {
	switch code {
	case CodeNotFound:
		return KindNotFound
	case CodeConflict:
		return KindConflict
	case CodeBusinessRule:
		return KindBusinessRule
	case CodePayloadTooLarge:
		return KindPayloadTooLarge
	case CodeNetworkTimeout, CodeNetworkUnavailable:
		return KindNetwork
	case CodeEmbedProvider, CodeVectorStore:
		return KindExternalService
	}

	if len(code) < 7 {
		return KindInternal
	}
	switch code[4] {
	case '1':
		return KindConfiguration
	case '2':
		return KindDatabase
	case '3':
		return KindNetwork
	case '4':
		return KindValidation
	default:
		return KindInternal
	}
}

// isRetryableCode reports whether a code represents a transient failure
// that the sync scheduler should retry.
func isRetryableCode(code string) bool {
	switch code {
	case CodeNetworkTimeout, CodeNetworkUnavailable, CodeEmbedProvider,
		CodeVectorStore, CodeStoreQuery, CodeStoreTxn,
		CodeEmbeddingFailed, CodeSyncFailed:
		return true
	default:
		return false
	}
}

// IsInfrastructure reports whether the kind belongs to the
// InfrastructureError family (Database, Network, ExternalService).
func IsInfrastructure(k Kind) bool {
	switch k {
	case KindDatabase, KindNetwork, KindExternalService:
		return true
	default:
		return false
	}
}
