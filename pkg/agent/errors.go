package agent

import "errors"

var (
	// ErrInitialization reports a failed Init. The node stays Uninitialized and Init may be retried.
	ErrInitialization = errors.New("initialization failed")

	// ErrNotReady reports an operation attempted outside the Ready state.
	ErrNotReady = errors.New("node not ready")

	// ErrUnknownPeer reports a direct send to a peer missing from the directory.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrMalformedEnvelope reports an inbound payload that failed structural decoding.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrDecryption reports an inbound payload that could not be decrypted.
	ErrDecryption = errors.New("decryption failed")

	// ErrUnknownTask reports a respond call for a task id that is not in flight.
	ErrUnknownTask = errors.New("unknown task")

	// ErrAlreadyResponded reports a second respond call for the same task id.
	ErrAlreadyResponded = errors.New("task already responded")

	// ErrTransportPublish reports a failure of the underlying publish primitive.
	ErrTransportPublish = errors.New("transport publish failed")

	ErrKeyGeneration    = errors.New("key generation failed")
	ErrIdentityWiped    = errors.New("identity key material wiped")
	ErrInboxFull        = errors.New("task inbox full")
	ErrBlockedPeer      = errors.New("peer is blocked")
	ErrUnencrypted      = errors.New("unencrypted envelope rejected")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrAckTimeout       = errors.New("no ack before retries ran out")
)

// ErrorCode maps an error returned by the node to a stable code for boundary layers.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.Is(err, ErrInitialization):
		return "initialization"
	case errors.Is(err, ErrUnknownPeer):
		return "unknown_peer"
	case errors.Is(err, ErrUnknownTask):
		return "unknown_task"
	case errors.Is(err, ErrAlreadyResponded):
		return "already_responded"
	case errors.Is(err, ErrTransportPublish):
		return "transport_publish"
	case errors.Is(err, ErrBlockedPeer):
		return "blocked_peer"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrMalformedEnvelope):
		return "malformed_envelope"
	case errors.Is(err, ErrDecryption):
		return "decryption"
	default:
		return "internal"
	}
}
