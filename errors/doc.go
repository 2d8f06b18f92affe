// Package errors provides standardized error handling for SemRelay.
//
// # Overview
//
// Two layers live here. The first is the three-class classification used by the
// NATS client and the startup path: Transient (temporary, retryable), Invalid
// (bad input, non-retryable) and Fatal (stop the process). The second is the
// small closed set of relay error kinds raised by the subscription registry and
// the bus adapter:
//
//   - ErrInvalidChannelName: validator rejection, never returned to a client
//   - ErrBusSubscribeFailed: the upstream subscribe for a channel did not succeed
//   - ErrBusUnsubscribeFailed: the upstream unsubscribe for a channel did not succeed
//   - ErrBusConnectFailed: the bus could not be reached at startup
//
// # Channel errors
//
// Registry operations return a *ChannelError carrying the kind, the channel and
// the bus cause. Callers pattern-match with the standard library:
//
//	if err := reg.Subscribe(conn, "user.42"); err != nil {
//	    if errors.Is(err, errors.ErrBusSubscribeFailed) {
//	        channel, _ := errors.ChannelOf(err)
//	        logger.Error("subscribe failed", "channel", channel, "error", err)
//	    }
//	}
//
// # Error Wrapping Pattern
//
// All wrapping follows the format:
//
//	"component.method: action failed: %w"
//
// Three wrapper functions set a classification on the way:
//
//	errors.WrapTransient(err, "Client", "Connect", "establish connection")
//	errors.WrapInvalid(err, "Loader", "Load", "parse config")
//	errors.WrapFatal(err, "Relay", "Start", "connect to bus")
//
// The generic Wrap() keeps whatever classification the cause already has.
//
// # Classification
//
// Classify looks for the outermost ClassifiedError first and falls back to
// the relay kinds: ErrBusConnectFailed is fatal, ErrInvalidConfig and
// ErrInvalidChannelName are invalid, everything else is transient. The bus
// connect loop stops retrying on invalid or fatal errors, and bus failure
// logs carry the class:
//
//	logger.Warn("subscribe failed", "class", errors.Classify(err), "error", err)
//
// # Thread Safety
//
// Error variables are immutable and safe for concurrent access. ChannelError and
// ClassifiedError values are safe to share across goroutines after creation.
package errors
