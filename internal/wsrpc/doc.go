// Package wsrpc is the wire layer between the workforce, expectation
// managers, and workers: JSON request/response envelopes with uuid
// correlation over a websocket, plus the typed method parameter and result
// records for both contracts. The logical RPC is what matters; the framing
// here is deliberately small.
package wsrpc
