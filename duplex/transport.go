// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package duplex

// Transport is the write side of one network connection. The network
// runtime implements it; the dispatcher never reads from it; inbound
// messages arrive through Dispatcher.OnFrame instead.
//
// Send may be called from the connection's executor and from the
// network goroutine delivering frames, so implementations must
// serialize writes. Close must be safe to call more than once.
type Transport interface {
	// Send writes one complete message.
	Send(data []byte) error

	// Close tears down the connection. A read pending in the network
	// runtime should fail promptly and be reported to OnClose.
	Close() error
}
