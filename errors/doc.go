// Package errors provides standardized error handling for ctxfed.
//
// Errors fall into three classes: Transient (temporary, retryable), Invalid (bad input,
// do not retry) and Fatal (stop processing). Wrapping follows one format:
//
//	"component.method: action failed: %w"
//
// which the Wrap family applies:
//
//	errors.WrapTransient(err, "KVStore", "UpdateStatus", "cas update")
//	errors.WrapInvalid(err, "Registration", "Validate", "endpoint check")
//	errors.WrapFatal(err, "Loader", "Load", "read config")
//
// Failures of remote context sources are deliberately not modelled as Go errors. They are
// values (federation.Warning, federation.WriteFailure) aggregated next to the results of a
// federated request; only failures of core-owned logic (registry access, configuration)
// travel as errors.
package errors
