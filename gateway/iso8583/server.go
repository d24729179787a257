package iso8583

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	moov8583 "github.com/moov-io/iso8583"
	"github.com/moov-io/iso8583/network"
	"golang.org/x/exp/slog"

	"github.com/cryptopos/paygate/gateway/models"
	"github.com/cryptopos/paygate/internal/security"
)

// Processor handles financial messages decoded by the server.
type Processor interface {
	Submit(ctx context.Context, req models.TransactionRequest) (*models.TransactionResult, error)
	Reverse(ctx context.Context, terminalID, stan string) (*models.TransactionResult, error)
}

// ServerConfig tunes the connection manager. Zero values fall back to
// defaults.
type ServerConfig struct {
	// ResponseTimeout bounds handler time per request; on expiry the
	// terminal gets a synthetic decline and the connection keeps serving.
	ResponseTimeout time.Duration
	// IdleTimeout closes connections with no inbound traffic.
	IdleTimeout time.Duration
	// MaxMessageSize rejects frames above this many bytes as malformed.
	MaxMessageSize int
	// MalformedThreshold closes a connection after this many undecodable
	// frames.
	MalformedThreshold int
	// MACProviders maps terminal IDs to their MAC providers. Terminals
	// present here must sign on with a valid MAC before transacting.
	MACProviders map[string]security.MACProvider
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	if c.MalformedThreshold <= 0 {
		c.MalformedThreshold = 5
	}
	return c
}

var errFrameTooLarge = errors.New("frame exceeds max message size")

// Server accepts terminal connections and speaks binary ISO 8583 with a
// 2-byte length header. Requests on one connection are served strictly in
// order.
type Server struct {
	logger    *slog.Logger
	addr      string
	Addr      string
	spec      *moov8583.MessageSpec
	processor Processor
	cfg       ServerConfig

	ln     net.Listener
	wg     sync.WaitGroup
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(logger *slog.Logger, addr string, spec *moov8583.MessageSpec, processor Processor, cfg ServerConfig) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		logger:    logger.With(slog.String("server", "iso8583")),
		addr:      addr,
		spec:      spec,
		processor: processor,
		cfg:       cfg.withDefaults(),
		conns:     make(map[net.Conn]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening tcp port: %w", err)
	}
	s.ln = ln
	s.Addr = ln.Addr().String()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("iso8583 server started", slog.String("addr", s.Addr))
		s.acceptLoop()
	}()

	return nil
}

func (s *Server) Close() error {
	s.cancel()
	if s.ln != nil {
		s.ln.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("iso8583 server stopped")
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accepting connection", "err", err)
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// session tracks per-connection terminal state.
type session struct {
	conn       net.Conn
	logger     *slog.Logger
	terminalID string
	signedOn   bool
	malformed  int
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	// The connection context is the cancellation flag handlers check at
	// their suspension points: teardown resolves pre-payout work as
	// "origin disconnected" while payout dispatch already under way is
	// never aborted.
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	sess := &session{
		conn:   conn,
		logger: s.logger.With(slog.String("remote_addr", conn.RemoteAddr().String())),
	}
	sess.logger.Info("terminal connected")

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return
		}

		raw, err := s.readFrame(conn)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				sess.logger.Info("terminal disconnected")
			case errors.Is(err, net.ErrClosed):
			case errors.Is(err, errFrameTooLarge):
				sess.logger.Info("oversized frame", "err", err)
				if !s.rejectMalformed(sess, nil) {
					return
				}
				continue
			case errors.Is(err, os.ErrDeadlineExceeded):
				sess.logger.Info("closing idle connection")
			default:
				sess.logger.Error("reading frame", "err", err)
			}
			return
		}

		if !s.serve(ctx, sess, raw) {
			return
		}
	}
}

// readFrame reads one length-prefixed message. Oversized frames are drained
// so the stream stays aligned for the next message.
func (s *Server) readFrame(conn net.Conn) ([]byte, error) {
	header := network.NewBinary2BytesHeader()
	if _, err := header.ReadFrom(conn); err != nil {
		return nil, err
	}
	length := header.Length()
	if length > s.cfg.MaxMessageSize {
		if _, err := io.CopyN(io.Discard, conn, int64(length)); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %d bytes", errFrameTooLarge, length)
	}
	raw := make([]byte, length)
	if _, err := io.ReadFull(conn, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// serve processes one frame and reports whether the connection should stay
// open.
func (s *Server) serve(ctx context.Context, sess *session, raw []byte) bool {
	msg, err := Decode(s.spec, raw)
	if err != nil {
		sess.logger.Info("malformed message", "err", err)
		return s.rejectMalformed(sess, raw)
	}

	mti, err := msg.GetMTI()
	if err != nil {
		return s.rejectMalformed(sess, raw)
	}

	if ctx.Err() != nil {
		return false
	}

	done := make(chan *moov8583.Message, 1)
	go func() {
		done <- s.dispatch(ctx, sess, mti, msg)
	}()

	var resp *moov8583.Message
	timer := time.NewTimer(s.cfg.ResponseTimeout)
	select {
	case resp = <-done:
		timer.Stop()
	case <-timer.C:
		// The handler keeps running and its outcome still lands in the
		// store; only this reply slot is given up.
		sess.logger.Warn("response deadline exceeded", slog.String("mti", mti))
		resp = s.buildResponse(msg, mti, func(m *moov8583.Message) {
			m.Field(FieldResponseCode, models.RespTimeout)
		})
	case <-ctx.Done():
		timer.Stop()
		return false
	}

	if resp == nil || ctx.Err() != nil {
		return false
	}
	if err := s.writeMessage(sess.conn, resp); err != nil {
		sess.logger.Error("writing response", "err", err)
		return false
	}
	return true
}

// rejectMalformed answers garbage with a format-error decline. The
// connection survives until the malformed threshold is hit.
func (s *Server) rejectMalformed(sess *session, raw []byte) bool {
	sess.malformed++

	mti := MTIAuthorizationRequest
	if len(raw) >= 4 && isDigits(string(raw[:4])) {
		mti = string(raw[:4])
	}
	respMTI, err := ResponseMTI(mti)
	if err != nil {
		respMTI = MTIAuthorizationResponse
	}

	resp := moov8583.NewMessage(s.spec)
	resp.MTI(respMTI)
	resp.Field(FieldResponseCode, models.RespFormatError)
	if err := s.writeMessage(sess.conn, resp); err != nil {
		sess.logger.Error("writing format-error response", "err", err)
		return false
	}

	if sess.malformed >= s.cfg.MalformedThreshold {
		sess.logger.Warn("malformed threshold reached, closing connection",
			slog.Int("count", sess.malformed))
		return false
	}
	return true
}

func (s *Server) dispatch(ctx context.Context, sess *session, mti string, msg *moov8583.Message) *moov8583.Message {
	switch mti {
	case MTIAuthorizationRequest:
		return s.handleAuthorization(ctx, sess, msg)
	case MTIReversalRequest:
		return s.handleReversal(ctx, sess, msg)
	case MTINetworkRequest:
		return s.handleNetwork(sess, msg)
	default:
		sess.logger.Info("unsupported mti", slog.String("mti", mti))
		return s.buildResponse(msg, mti, func(m *moov8583.Message) {
			m.Field(FieldResponseCode, models.RespInvalidTransaction)
		})
	}
}

func (s *Server) handleAuthorization(ctx context.Context, sess *session, msg *moov8583.Message) *moov8583.Message {
	stan := getString(msg, FieldSTAN)
	terminalID := getString(msg, FieldTerminalID)
	amountStr := getString(msg, FieldAmount)

	if stan == "" || terminalID == "" || amountStr == "" {
		return s.buildResponse(msg, MTIAuthorizationRequest, func(m *moov8583.Message) {
			m.Field(FieldResponseCode, models.RespFormatError)
		})
	}
	if sess.terminalID == "" {
		sess.terminalID = terminalID
	}

	if code := s.checkMAC(sess, MTIAuthorizationRequest, msg, terminalID, true); code != "" {
		return s.buildResponse(msg, MTIAuthorizationRequest, func(m *moov8583.Message) {
			m.Field(FieldResponseCode, code)
		})
	}

	amount, err := strconv.ParseInt(amountStr, 10, 64)
	if err != nil {
		return s.buildResponse(msg, MTIAuthorizationRequest, func(m *moov8583.Message) {
			m.Field(FieldResponseCode, models.RespInvalidAmount)
		})
	}

	req := models.TransactionRequest{
		Origin:         models.OriginTerminal,
		IdempotencyKey: models.TerminalKey(terminalID, stan),
		AmountMinor:    amount,
		Currency:       getString(msg, FieldCurrency),
		MerchantID:     getString(msg, FieldMerchantID),
		TerminalID:     terminalID,
		STAN:           stan,
	}
	if pan := getString(msg, FieldPAN); pan != "" {
		req.Card = &models.CardData{PAN: pan, Expiry: getString(msg, FieldExpiration)}
	}

	res, err := s.processor.Submit(ctx, req)
	if err != nil {
		sess.logger.Error("submitting transaction", "err", err,
			slog.String("terminal_id", terminalID), slog.String("stan", stan))
		return s.buildResponse(msg, MTIAuthorizationRequest, func(m *moov8583.Message) {
			m.Field(FieldResponseCode, models.RespSystemError)
		})
	}

	return s.buildResponse(msg, MTIAuthorizationRequest, func(m *moov8583.Message) {
		m.Field(FieldResponseCode, responseCode(res))
		if res.ApprovalCode != "" {
			m.Field(FieldApprovalCode, res.ApprovalCode)
		}
		if res.PayoutHash != "" {
			m.Field(FieldPrivateData, res.PayoutHash)
		}
	})
}

func (s *Server) handleReversal(ctx context.Context, sess *session, msg *moov8583.Message) *moov8583.Message {
	stan := getString(msg, FieldSTAN)
	terminalID := getString(msg, FieldTerminalID)
	if stan == "" || terminalID == "" {
		return s.buildResponse(msg, MTIReversalRequest, func(m *moov8583.Message) {
			m.Field(FieldResponseCode, models.RespFormatError)
		})
	}

	if code := s.checkMAC(sess, MTIReversalRequest, msg, terminalID, true); code != "" {
		return s.buildResponse(msg, MTIReversalRequest, func(m *moov8583.Message) {
			m.Field(FieldResponseCode, code)
		})
	}

	_, err := s.processor.Reverse(ctx, terminalID, stan)
	code := models.RespApproved
	switch {
	case errors.Is(err, models.ErrNotFound):
		code = models.RespRecordNotFound
	case err != nil:
		sess.logger.Error("reversing transaction", "err", err,
			slog.String("terminal_id", terminalID), slog.String("stan", stan))
		code = models.RespSystemError
	}

	return s.buildResponse(msg, MTIReversalRequest, func(m *moov8583.Message) {
		m.Field(FieldResponseCode, code)
	})
}

func (s *Server) handleNetwork(sess *session, msg *moov8583.Message) *moov8583.Message {
	code := getString(msg, FieldNetMgmtCode)
	terminalID := getString(msg, FieldTerminalID)

	respond := func(respCode string) *moov8583.Message {
		return s.buildResponse(msg, MTINetworkRequest, func(m *moov8583.Message) {
			m.Field(FieldResponseCode, respCode)
			if code != "" {
				m.Field(FieldNetMgmtCode, code)
			}
		})
	}

	switch code {
	case NetMgmtSignOn:
		if terminalID == "" {
			return respond(models.RespFormatError)
		}
		if c := s.checkMAC(sess, MTINetworkRequest, msg, terminalID, false); c != "" {
			return respond(c)
		}
		sess.terminalID = terminalID
		sess.signedOn = true
		sess.logger.Info("terminal signed on", slog.String("terminal_id", terminalID))
		return respond(models.RespApproved)
	case NetMgmtSignOff:
		sess.signedOn = false
		sess.logger.Info("terminal signed off", slog.String("terminal_id", sess.terminalID))
		return respond(models.RespApproved)
	case NetMgmtEcho:
		return respond(models.RespApproved)
	default:
		return respond(models.RespInvalidTransaction)
	}
}

// checkMAC returns a decline code when the terminal has a configured MAC
// provider and the message fails the gate, "" otherwise. Financial messages
// additionally require a prior sign-on.
func (s *Server) checkMAC(sess *session, mti string, msg *moov8583.Message, terminalID string, requireSignOn bool) string {
	provider, ok := s.cfg.MACProviders[terminalID]
	if !ok || provider == nil {
		return ""
	}
	if requireSignOn && !sess.signedOn {
		return models.RespNotPermitted
	}
	mac, err := msg.GetBytes(FieldMAC)
	if err != nil || len(mac) == 0 {
		return models.RespSecurityFailure
	}
	data := security.MACData(mti, getString(msg, FieldSTAN), getString(msg, FieldTransmission), terminalID)
	if err := security.VerifyMAC(provider, data, mac); err != nil {
		sess.logger.Warn("mac verification failed", "err", err,
			slog.String("terminal_id", terminalID))
		return models.RespSecurityFailure
	}
	return ""
}

// echoFields are copied from request to response when present.
var echoFields = []int{
	FieldProcessingCode,
	FieldAmount,
	FieldTransmission,
	FieldSTAN,
	FieldLocalTime,
	FieldLocalDate,
	FieldRRN,
	FieldTerminalID,
	FieldMerchantID,
	FieldCurrency,
}

func (s *Server) buildResponse(req *moov8583.Message, mti string, set func(*moov8583.Message)) *moov8583.Message {
	respMTI, err := ResponseMTI(mti)
	if err != nil {
		respMTI = MTIAuthorizationResponse
	}

	resp := moov8583.NewMessage(s.spec)
	resp.MTI(respMTI)
	for _, f := range echoFields {
		if v := getString(req, f); v != "" {
			resp.Field(f, v)
		}
	}
	if set != nil {
		set(resp)
	}
	return resp
}

func (s *Server) writeMessage(conn net.Conn, msg *moov8583.Message) error {
	raw, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.ResponseTimeout)); err != nil {
		return err
	}
	header := network.NewBinary2BytesHeader()
	if err := header.SetLength(len(raw)); err != nil {
		return fmt.Errorf("setting frame length: %w", err)
	}
	if _, err := header.WriteTo(conn); err != nil {
		return err
	}
	_, err = conn.Write(raw)
	return err
}

func responseCode(res *models.TransactionResult) string {
	if res.ResponseCode != "" {
		return res.ResponseCode
	}
	// Non-terminal outcome (duplicate still in flight past its wait
	// budget): tell the terminal to retry later.
	return models.RespTimeout
}

func getString(msg *moov8583.Message, index int) string {
	v, err := msg.GetString(index)
	if err != nil {
		return ""
	}
	return v
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}
