// Package testserver provides a configurable SMSC simulator for load testing.
package testserver

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fiorix/go-smpp/smpp/pdu"
	"github.com/fiorix/go-smpp/smpp/pdu/pdufield"
	"github.com/fiorix/go-smpp/smpp/pdu/pdutlv"
	"github.com/fiorix/go-smpp/smpp/smpptest"
	"github.com/google/uuid"

	"smppload/internal/smpp"
)

// Command status codes the simulator answers with.
const (
	StatusOK         pdu.Status = 0x00
	StatusInvalidCmd pdu.Status = 0x03
	StatusThrottled  pdu.Status = 0x58
)

const receiptDateLayout = "0601021504"

// Options configures the simulator's behaviour.
type Options struct {
	// User and Passwd are the accepted bind credentials.
	User   string
	Passwd string
	// Every submit_sm is answered after a delay in [MinLatency, MaxLatency].
	MinLatency time.Duration
	MaxLatency time.Duration
	// FailRate is the percentage of submissions answered with FailStatus.
	FailRate   int
	FailStatus pdu.Status
	// ReceiptDelay is how long after the response a requested receipt is sent.
	ReceiptDelay time.Duration
	// ReceiptState is the stat: value of receipts, DELIVRD when empty.
	ReceiptState string
	// TLVReceipts sends receipts as receipted_message_id and message_state
	// TLVs with an empty short message.
	TLVReceipts bool
}

// SMSC is an in-process SMPP server built on smpptest.
type SMSC struct {
	srv  *smpptest.Server
	opts Options

	submitted atomic.Int64
	failed    atomic.Int64
	receipts  atomic.Int64

	writeLocks sync.Map // smpptest.Conn -> *sync.Mutex
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewSMSC creates a simulator. Call Start before connecting.
func NewSMSC(opts Options) *SMSC {
	if opts.User == "" {
		opts.User = smpptest.DefaultUser
	}
	if opts.Passwd == "" {
		opts.Passwd = smpptest.DefaultPasswd
	}
	if opts.FailStatus == 0 {
		opts.FailStatus = StatusThrottled
	}
	if opts.ReceiptState == "" {
		opts.ReceiptState = "DELIVRD"
	}
	if opts.MaxLatency < opts.MinLatency {
		opts.MaxLatency = opts.MinLatency
	}

	s := &SMSC{
		srv:  smpptest.NewUnstartedServer(),
		opts: opts,
		stop: make(chan struct{}),
	}
	s.srv.User = opts.User
	s.srv.Passwd = opts.Passwd
	s.srv.Handler = s.handle
	return s
}

// Start begins accepting connections on a random local port.
func (s *SMSC) Start() { s.srv.Start() }

// Addr returns the host:port the simulator listens on.
func (s *SMSC) Addr() string { return s.srv.Addr() }

// Close stops the simulator and cancels pending responses.
func (s *SMSC) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.srv.Close()
}

// Submitted returns the number of submit_sm received.
func (s *SMSC) Submitted() int64 { return s.submitted.Load() }

// Failed returns the number of submit_sm answered with an error status.
func (s *SMSC) Failed() int64 { return s.failed.Load() }

// ReceiptsSent returns the number of receipts delivered.
func (s *SMSC) ReceiptsSent() int64 { return s.receipts.Load() }

func (s *SMSC) handle(c smpptest.Conn, p pdu.Body) {
	switch p.Header().ID {
	case pdu.SubmitSMID:
		go s.handleSubmit(c, p)
	case pdu.EnquireLinkID:
		s.reply(c, p, pdu.NewEnquireLinkResp())
	case pdu.UnbindID:
		s.reply(c, p, pdu.NewUnbindResp())
	case pdu.DeliverSMRespID:
	default:
		nack := pdu.NewGenericNACK()
		nack.Header().Status = StatusInvalidCmd
		s.reply(c, p, nack)
	}
}

// handleSubmit answers one submit_sm after the configured latency.
func (s *SMSC) handleSubmit(c smpptest.Conn, p pdu.Body) {
	s.submitted.Add(1)
	if d := s.latency(); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-s.stop:
			timer.Stop()
			return
		}
	}

	resp := pdu.NewSubmitSMResp()
	if s.opts.FailRate > 0 && rand.Intn(100) < s.opts.FailRate {
		s.failed.Add(1)
		resp.Header().Status = s.opts.FailStatus
		_ = resp.Fields().Set(pdufield.MessageID, "")
		s.reply(c, p, resp)
		return
	}

	id := uuid.NewString()
	_ = resp.Fields().Set(pdufield.MessageID, id)
	submittedAt := time.Now()
	s.reply(c, p, resp)

	if wantsReceipt(p) {
		time.AfterFunc(s.opts.ReceiptDelay, func() {
			s.deliverReceipt(c, p, id, submittedAt)
		})
	}
}

func (s *SMSC) deliverReceipt(c smpptest.Conn, submit pdu.Body, id string, submittedAt time.Time) {
	select {
	case <-s.stop:
		return
	default:
	}
	f := submit.Fields()
	dlr := pdu.NewDeliverSM()
	_ = dlr.Fields().Set(pdufield.SourceAddr, fieldString(f, pdufield.DestinationAddr))
	_ = dlr.Fields().Set(pdufield.DestinationAddr, fieldString(f, pdufield.SourceAddr))
	_ = dlr.Fields().Set(pdufield.ESMClass, uint8(0x04))
	if s.opts.TLVReceipts {
		_ = dlr.TLVFields().Set(pdutlv.TagReceiptedMessageID, pdutlv.CString(id))
		_ = dlr.TLVFields().Set(pdutlv.TagMessageStateOption, smpp.MessageStateCode(s.opts.ReceiptState))
	} else {
		text := smpp.FormatReceipt(id, s.opts.ReceiptState,
			submittedAt.Format(receiptDateLayout), time.Now().Format(receiptDateLayout))
		_ = dlr.Fields().Set(pdufield.ShortMessage, text)
	}
	if s.write(c, dlr) == nil {
		s.receipts.Add(1)
	}
}

func (s *SMSC) latency() time.Duration {
	spread := s.opts.MaxLatency - s.opts.MinLatency
	if spread <= 0 {
		return s.opts.MinLatency
	}
	return s.opts.MinLatency + time.Duration(rand.Int63n(int64(spread)))
}

func (s *SMSC) reply(c smpptest.Conn, req, resp pdu.Body) {
	resp.Header().Seq = req.Header().Seq
	_ = s.write(c, resp)
}

// write serialises writes per connection; responses are sent from many goroutines.
func (s *SMSC) write(c smpptest.Conn, p pdu.Body) error {
	v, _ := s.writeLocks.LoadOrStore(c, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	return c.Write(p)
}

func wantsReceipt(p pdu.Body) bool {
	f := p.Fields()[pdufield.RegisteredDelivery]
	if f == nil {
		return false
	}
	b := f.Bytes()
	return len(b) > 0 && b[0]&0x03 != 0
}

func fieldString(m pdufield.Map, name pdufield.Name) string {
	if f := m[name]; f != nil {
		return f.String()
	}
	return ""
}

// Forward accepts connections on l and relays them to the simulator until
// ctx is done, then drops every relayed connection. smpptest always listens
// on a random loopback port; this lets the simulator appear on a fixed
// address.
func (s *SMSC) Forward(ctx context.Context, l net.Listener) error {
	var (
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
	)
	track := func(c net.Conn) bool {
		mu.Lock()
		defer mu.Unlock()
		if ctx.Err() != nil {
			return false
		}
		conns[c] = struct{}{}
		return true
	}
	untrack := func(c net.Conn) {
		mu.Lock()
		delete(conns, c)
		mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		l.Close()
		mu.Lock()
		for c := range conns {
			c.Close()
		}
		mu.Unlock()
	}()

	for {
		client, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go func() {
			defer client.Close()
			if !track(client) {
				return
			}
			defer untrack(client)
			s.relay(client)
		}()
	}
}

func (s *SMSC) relay(client net.Conn) {
	upstream, err := net.Dial("tcp", s.Addr())
	if err != nil {
		return
	}
	defer upstream.Close()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, client)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, upstream)
		done <- struct{}{}
	}()
	<-done
}
