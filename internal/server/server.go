package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"dn-hedge-bot/internal/config"
	"dn-hedge-bot/internal/events"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var (
	ErrInvalidCommand = errors.New("invalid command")

	errTimeout = errors.New("command deadline exceeded")
)

// Engine is the control surface the command protocol drives.
type Engine interface {
	StartEngine(ctx context.Context, mode string) error
	StopEngine(ctx context.Context) error
	Deposit(ctx context.Context, amount float64) error
	Withdraw(ctx context.Context, amount float64) error
	OpenPosition(ctx context.Context, market string, size float64) error
	ClosePosition(ctx context.Context, market string) error
}

// Server terminates websocket clients: it answers commands within the
// configured deadline and fans out engine broadcasts. A slow client loses
// broadcasts, never stalls the engine.
type Server struct {
	cfg    config.ServerConfig
	engine Engine
	bus    *events.Bus
	log    *zap.Logger

	mu    sync.Mutex
	conns map[*client]struct{}

	httpServer *http.Server
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func New(cfg config.ServerConfig, engine Engine, bus *events.Bus, log *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		engine: engine,
		bus:    bus,
		log:    log,
		conns:  make(map[*client]struct{}),
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.httpServer = &http.Server{Handler: mux}

	go s.broadcastLoop(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info("command server listening", zap.String("addr", listener.Addr().String()))
	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", zap.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 64)}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	go s.writeLoop(ctx, c)
	s.readLoop(ctx, c)
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd Command
		if err := codec.Unmarshal(data, &cmd); err != nil {
			s.respond(c, Response{Type: MsgCommandResult, OK: false, Error: classify(fmt.Errorf("%w: bad json: %v", ErrInvalidCommand, err))})
			continue
		}
		resp := s.dispatch(ctx, cmd)
		s.respond(c, resp)
	}
}

func (s *Server) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) respond(c *client, resp Response) {
	data, err := codec.Marshal(resp)
	if err != nil {
		s.log.Error("failed to encode response", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		s.log.Warn("client send queue full, dropping response")
	}
}

// dispatch runs one command with the response deadline. The engine call gets
// its own context so a STOP does not abandon an in-flight confirmation.
func (s *Server) dispatch(ctx context.Context, cmd Command) Response {
	timeout := s.cfg.CommandTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.execute(cmdCtx, cmd)
	}()
	select {
	case err := <-done:
		if err != nil {
			s.log.Warn("command failed",
				zap.String("command", cmd.Type),
				zap.String("id", cmd.ID),
				zap.Error(err),
			)
			return Response{ID: cmd.ID, Type: MsgCommandResult, OK: false, Error: classify(err)}
		}
		return Response{ID: cmd.ID, Type: MsgCommandResult, OK: true}
	case <-cmdCtx.Done():
		return Response{ID: cmd.ID, Type: MsgCommandResult, OK: false, Error: classify(errTimeout)}
	}
}

func (s *Server) execute(ctx context.Context, cmd Command) error {
	switch strings.ToUpper(cmd.Type) {
	case CmdStartEngine:
		var payload StartEnginePayload
		if err := decodePayload(cmd.Payload, &payload); err != nil {
			return err
		}
		return s.engine.StartEngine(ctx, payload.Mode)
	case CmdStopEngine:
		return s.engine.StopEngine(ctx)
	case CmdDeposit:
		var payload AmountPayload
		if err := decodePayload(cmd.Payload, &payload); err != nil {
			return err
		}
		if payload.Amount <= 0 {
			return fmt.Errorf("%w: amount must be positive", ErrInvalidCommand)
		}
		return s.engine.Deposit(ctx, payload.Amount)
	case CmdWithdraw:
		var payload AmountPayload
		if err := decodePayload(cmd.Payload, &payload); err != nil {
			return err
		}
		if payload.Amount <= 0 {
			return fmt.Errorf("%w: amount must be positive", ErrInvalidCommand)
		}
		return s.engine.Withdraw(ctx, payload.Amount)
	case CmdOpenPosition:
		var payload OpenPositionPayload
		if err := decodePayload(cmd.Payload, &payload); err != nil {
			return err
		}
		if payload.Market == "" {
			return fmt.Errorf("%w: market is required", ErrInvalidCommand)
		}
		return s.engine.OpenPosition(ctx, payload.Market, payload.Size)
	case CmdClosePosition:
		var payload ClosePositionPayload
		if err := decodePayload(cmd.Payload, &payload); err != nil {
			return err
		}
		if payload.Market == "" {
			return fmt.Errorf("%w: market is required", ErrInvalidCommand)
		}
		return s.engine.ClosePosition(ctx, payload.Market)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, cmd.Type)
	}
}

func decodePayload(raw []byte, dst interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidCommand)
	}
	if err := codec.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: bad payload: %v", ErrInvalidCommand, err)
	}
	return nil
}

func (s *Server) broadcastLoop(ctx context.Context) {
	if s.bus == nil {
		return
	}
	funding := s.bus.Subscribe(events.FundingUpdate)
	results := s.bus.Subscribe(events.CommandResult)
	status := s.bus.Subscribe(events.EngineStatus)
	errs := s.bus.Subscribe(events.EngineError)
	for {
		var ev events.Event
		select {
		case <-ctx.Done():
			return
		case ev = <-funding:
		case ev = <-results:
		case ev = <-status:
		case ev = <-errs:
		}
		s.broadcast(Broadcast{Type: string(ev.Category), At: ev.At, Payload: ev.Payload})
	}
}

func (s *Server) broadcast(msg Broadcast) {
	data, err := codec.Marshal(msg)
	if err != nil {
		s.log.Error("failed to encode broadcast", zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		select {
		case c.send <- data:
		default:
		}
	}
}
