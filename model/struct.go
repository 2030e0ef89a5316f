package model

import (
	"net/netip"
	"time"
)

// PendingQuery is a client query forwarded upstream and not yet answered.
type PendingQuery struct {
	// Key is the correlation key written into the forwarded query's ID field.
	Key uint16

	// OriginalID is the transaction ID chosen by the client.
	OriginalID uint16

	// ClientAddr the requester udp address
	ClientAddr netip.AddrPort

	CreatedAt time.Time

	// Query is the client message with its ID already rewritten to Key.
	Query []byte

	// Generation of the upstream connection the query was written to,
	// 0 while it has not been written successfully.
	Generation uint64
}

// Expired reports whether the query is older than timeout at now.
func (p *PendingQuery) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(p.CreatedAt) > timeout
}

// Deadline is the instant after which the query is evicted.
func (p *PendingQuery) Deadline(timeout time.Duration) time.Time {
	return p.CreatedAt.Add(timeout)
}

// Delivery is an upstream answer ready to be written back to a client.
// Message already carries the client's original transaction ID.
type Delivery struct {
	Key        uint16
	ClientAddr netip.AddrPort
	Message    []byte
}
