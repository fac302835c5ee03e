// Package bridge relays native messaging frames between a host process's
// stdio and a local IPC connection.
//
// Five actors run concurrently, connected by unbounded FIFO mailboxes:
//
//	stdin ─▶ readStdin ─▶ requests ─▶ writeSocket ─▶ transport
//	                                      │ signal
//	stdout ◀─ writeStdout ◀─ responses ◀─ readSocket ◀─ transport
//
// readStdin and readSocket also feed the traffic journal, drained by a
// fifth actor into a trafficlog.Sink.
//
// The transport is owned by a transport.Handle, so writes and reads never
// overlap and strictly alternate. Only one request is in flight end to end
// at any time: there are no request IDs and no pipelining, which caps
// throughput at one round trip. A request whose write fails, or whose
// response never arrives within the read timeout, is dropped; nothing is
// retried and the connection is never reopened. A write that timed out may
// have been partly sent; a late answer to it is delivered as the response
// to the following request.
package bridge
