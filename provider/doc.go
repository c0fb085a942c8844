// Package provider holds the gateway-neutral types shared by the reconciler, the refund
// coordinator and the installment resolver, plus the outbound HTTP plumbing gateway
// implementations build on.
//
// # Core Concepts
//
//   - Gateway: the operations a remote payment provider must offer
//   - Credential and Settings: what a gateway needs at construction
//   - LocalTransaction and TxState: the locally owned payment record and its forward-only states
//   - GatewayRegistry: name to factory lookup, filled by gateway packages in init
//
// # Errors
//
// Callers branch on the error type, never on its text:
//
//	*ValidationError          caller input is wrong, nothing was sent
//	*GatewayError             the gateway answered with a rejection code
//	*SignatureError           a signed payload did not verify
//	*AmbiguousOutcomeError    a side-effecting call may or may not have happened
//	*PricingUnavailableError  the installment table could not be read
//	*TimeoutExpiredError      the transaction aged out before a result arrived
//	ErrGatewayUnreachable     the request provably never left this process
//
// # Retries
//
// Retry with a Backoff is only for idempotent reads. ProviderHTTPClient never retries
// on its own; it classifies transport failures into TransportError so the caller can
// tell an unsent request from one whose fate is unknown.
package provider
