// Package core defines the fundamental interfaces and types for smppload.
package core

import (
	"context"
	"time"
)

// Message is the template every submission of a run is built from.
type Message struct {
	SourceAddr     string
	SourceTON      uint8
	SourceNPI      uint8
	DestAddr       string
	DestTON        uint8
	DestNPI        uint8
	Body           string
	ServiceType    string
	Encoding       string
	RequestReceipt bool
}

// Submission is one outbound submit request issued within a bind.
type Submission struct {
	BindID  int
	Seq     uint64
	Message *Message
}

// Result is the successful outcome of a submission.
type Result struct {
	MessageID string
}

// Receipt is a delivery receipt correlated to an earlier submission by message id.
// State uses the short receipt spellings (DELIVRD, UNDELIV, ENROUTE...).
type Receipt struct {
	MessageID string
	State     string
	Delivered bool
}

// Failed reports a final state other than delivered.
func (r Receipt) Failed() bool {
	switch r.State {
	case "UNDELIV", "REJECTD", "EXPIRED", "DELETED":
		return true
	}
	return false
}

// Client establishes protocol sessions. Implementations must be safe for
// concurrent use by many workers.
type Client interface {
	Bind(ctx context.Context, bindID int) (Session, error)
}

// Session is one bound protocol session. Submit may be called concurrently;
// responses may resolve in any order.
type Session interface {
	Submit(ctx context.Context, sub Submission) (Result, error)
	Unbind(ctx context.Context) error
}

// ReceiptSource is implemented by sessions that deliver receipts.
// The channel is closed when the session is unbound.
type ReceiptSource interface {
	Receipts() <-chan Receipt
}

// LossNotifier is implemented by sessions that can tell when their
// connection dropped. The channel is closed on loss, never on Unbind.
type LossNotifier interface {
	Lost() <-chan struct{}
}

// Outcome is the resolved result of one attempt as seen by the owning worker.
type Outcome struct {
	Seq       uint64
	MessageID string
	Latency   time.Duration
	Err       error
}

// OK reports whether the attempt succeeded.
func (o Outcome) OK() bool { return o.Err == nil }
