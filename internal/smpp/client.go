// Package smpp adapts github.com/fiorix/go-smpp to the core.Client and
// core.Session interfaces.
package smpp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gosmpp "github.com/fiorix/go-smpp/smpp"
	"github.com/fiorix/go-smpp/smpp/pdu"
	"github.com/fiorix/go-smpp/smpp/pdu/pdufield"
	"go.uber.org/zap"

	"smppload/internal/config"
	"smppload/internal/core"
	"smppload/internal/payload"
)

const receiptBuffer = 4096

// ErrBindTimeout is returned when the server does not answer the bind in time.
var ErrBindTimeout = errors.New("bind timed out")

// ErrSessionLost is returned for submissions after the connection dropped.
var ErrSessionLost = core.ErrSessionLost

// conn is what Transmitter and Transceiver have in common.
type conn interface {
	Bind() <-chan gosmpp.ConnStatus
	Submit(sm *gosmpp.ShortMessage) (*gosmpp.ShortMessage, error)
	Close() error
}

// Client opens one go-smpp connection per bind.
type Client struct {
	cfg      config.SMPPConfig
	logger   *zap.Logger
	renderer *payload.Renderer
}

// NewClient returns a client for the endpoint and credentials in cfg.
func NewClient(cfg config.SMPPConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, logger: logger}
}

// SetRenderer personalises every submission of sessions bound afterwards.
// A nil renderer sends the template as is.
func (c *Client) SetRenderer(r *payload.Renderer) {
	c.renderer = r
}

// Bind makes a single bind attempt. It never retries.
func (c *Client) Bind(ctx context.Context, bindID int) (core.Session, error) {
	s := &session{
		bindID:   bindID,
		renderer: c.renderer,
		logger:   c.logger.With(zap.Int("bind", bindID)),
		lostCh:   make(chan struct{}),
	}

	switch c.cfg.BindType {
	case config.BindTypeTX:
		s.conn = &gosmpp.Transmitter{
			Addr:        c.cfg.Address(),
			User:        c.cfg.SystemID,
			Passwd:      c.cfg.Password,
			SystemType:  c.cfg.SystemType,
			EnquireLink: c.cfg.EnquireLink.Std(),
			RespTimeout: c.cfg.ResponseTimeout.Std(),
		}
	default:
		s.receipts = make(chan core.Receipt, receiptBuffer)
		s.conn = &gosmpp.Transceiver{
			Addr:        c.cfg.Address(),
			User:        c.cfg.SystemID,
			Passwd:      c.cfg.Password,
			SystemType:  c.cfg.SystemType,
			EnquireLink: c.cfg.EnquireLink.Std(),
			RespTimeout: c.cfg.ResponseTimeout.Std(),
			Handler:     s.handle,
		}
	}

	status := s.conn.Bind()
	timer := time.NewTimer(c.cfg.BindTimeout.Std())
	defer timer.Stop()

	select {
	case st, ok := <-status:
		if !ok {
			s.close()
			return nil, fmt.Errorf("%s: status channel closed", c.cfg.Address())
		}
		if st.Status() != gosmpp.Connected {
			s.close()
			if err := st.Error(); err != nil {
				return nil, fmt.Errorf("%s: %w", c.cfg.Address(), err)
			}
			return nil, fmt.Errorf("%s: %v", c.cfg.Address(), st.Status())
		}
	case <-timer.C:
		s.close()
		return nil, fmt.Errorf("%s: %w after %v", c.cfg.Address(), ErrBindTimeout, c.cfg.BindTimeout)
	case <-ctx.Done():
		s.close()
		return nil, ctx.Err()
	}

	go s.watch(status)
	return s, nil
}

// session is one bound go-smpp connection.
type session struct {
	bindID   int
	conn     conn
	renderer *payload.Renderer
	logger   *zap.Logger

	closeOnce sync.Once
	lostCh    chan struct{}

	mu       sync.Mutex
	lost     bool
	closed   bool
	receipts chan core.Receipt
	dropped  uint64
}

// watch turns any status change after bind into a lost session. go-smpp
// would otherwise reconnect on its own.
func (s *session) watch(status <-chan gosmpp.ConnStatus) {
	for st := range status {
		if st.Status() == gosmpp.Connected {
			continue
		}
		s.mu.Lock()
		s.lost = true
		closing := s.closed
		s.mu.Unlock()
		if closing {
			return
		}
		s.logger.Warn("session lost", zap.Stringer("status", st.Status()), zap.Error(st.Error()))
		close(s.lostCh)
		go s.close()
		return
	}
}

func (s *session) Submit(ctx context.Context, sub core.Submission) (core.Result, error) {
	s.mu.Lock()
	lost := s.lost || s.closed
	s.mu.Unlock()
	if lost {
		return core.Result{}, ErrSessionLost
	}

	msg, err := s.renderer.Render(sub)
	if err != nil {
		return core.Result{}, err
	}
	sm := shortMessage(msg)
	type response struct {
		sm  *gosmpp.ShortMessage
		err error
	}
	// go-smpp blocks until the response or its own response timeout.
	ch := make(chan response, 1)
	go func() {
		resp, err := s.conn.Submit(sm)
		ch <- response{resp, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return core.Result{}, r.err
		}
		return core.Result{MessageID: r.sm.RespID()}, nil
	case <-ctx.Done():
		return core.Result{}, ctx.Err()
	}
}

func (s *session) Unbind(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("unbind: %w", ctx.Err())
	}
}

// Lost implements core.LossNotifier.
func (s *session) Lost() <-chan struct{} { return s.lostCh }

// Receipts implements core.ReceiptSource. It is nil for transmitter binds.
func (s *session) Receipts() <-chan core.Receipt { return s.receipts }

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if err := s.conn.Close(); err != nil {
			s.logger.Debug("close connection", zap.Error(err))
		}

		s.mu.Lock()
		if s.receipts != nil {
			close(s.receipts)
		}
		dropped := s.dropped
		s.mu.Unlock()
		if dropped > 0 {
			s.logger.Warn("receipts dropped", zap.Uint64("dropped", dropped))
		}
	})
}

// handle receives PDUs the server initiates on a transceiver. go-smpp
// answers deliver_sm itself; only receipts are of interest here.
func (s *session) handle(p pdu.Body) {
	if p.Header().ID != pdu.DeliverSMID {
		return
	}
	rc, ok := receiptFrom(p)
	if !ok {
		s.logger.Debug("deliver_sm is not a receipt")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.receipts == nil {
		return
	}
	select {
	case s.receipts <- rc:
	default:
		s.dropped++
	}
}

// receiptFrom prefers the receipted_message_id and message_state TLVs and
// falls back to the textual receipt in short_message.
func receiptFrom(p pdu.Body) (core.Receipt, bool) {
	var text string
	if f := p.Fields()[pdufield.ShortMessage]; f != nil {
		text = f.String()
	}
	if rc, ok := ReceiptFromTLV(p.TLVFields()); ok {
		if rc.State == "" {
			rc.State = "UNKNOWN"
			if parsed, ok := ParseReceipt(text); ok {
				rc.State = parsed.State
			}
			rc.Delivered = rc.State == "DELIVRD"
		}
		return rc, true
	}
	return ParseReceipt(text)
}
