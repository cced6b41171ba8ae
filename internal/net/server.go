// Package net implements the wire protocol and TCP server that sit in
// front of the matching kernel: a fixed-header binary framing, kept from
// the teacher, carrying decimal-string prices/quantities instead of
// binary floats.
package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"fenrir/internal/common"
	"fenrir/internal/registry"
	"fenrir/internal/workerpool"
)

const (
	maxRecvSize             = 4 * 1024
	defaultConnTimeout      = time.Second
	poolDepthReportInterval = 30 * time.Second
)

var (
	ErrImproperConversion = errors.New("improper type conversion")
	ErrClientDoesNotExist = errors.New("client does not exist")
)

// clientSession tracks one connected TCP session.
type clientSession struct {
	conn net.Conn
}

// clientMessage links a parsed message to the connection it arrived on.
type clientMessage struct {
	clientAddress string
	message       Message
}

// Server is the TCP order-entry front end. It owns no matching state of
// its own; every operation is delegated to the registry (C6).
type Server struct {
	address string
	port    int
	reg     *registry.Registry
	pool    workerpool.Pool
	cancel  context.CancelFunc

	sessionsMu sync.Mutex
	sessions   map[string]clientSession
	messages   chan clientMessage
}

// New constructs a server that routes every order to reg.
func New(address string, port int, reg *registry.Registry, poolSize int) *Server {
	return &Server{
		address:  address,
		port:     port,
		reg:      reg,
		pool:     workerpool.New(poolSize),
		sessions: make(map[string]clientSession),
		messages: make(chan clientMessage, 1),
	}
}

// Shutdown cancels the server's context, stopping Run.
func (s *Server) Shutdown() {
	log.Info().Msg("server shutting down")
	s.cancel()
}

// Run accepts connections until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	defer s.Shutdown()

	ctx, s.cancel = context.WithCancel(ctx)
	t, ctx := tomb.WithContext(ctx)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.address, s.port))
	if err != nil {
		log.Error().Err(err).Msg("unable to start listener")
		return
	}
	defer func() {
		if err := listener.Close(); err != nil {
			log.Error().Err(err).Msg("unable to close listener")
		}
	}()

	t.Go(func() error {
		s.pool.Setup(t, s.handleConnection)
		return nil
	})

	t.Go(func() error {
		return s.sessionHandler(ctx, t)
	})

	t.Go(func() error {
		s.reportPoolDepth(t)
		return nil
	})

	log.Info().Str("address", s.address).Int("port", s.port).Msg("server listening")

	for {
		select {
		case <-ctx.Done():
			return
		default:
			conn, err := listener.Accept()
			if err != nil {
				log.Error().Err(err).Msg("error accepting client")
				continue
			}
			log.Debug().Str("address", conn.RemoteAddr().String()).Msg("client connected")
			s.addSession(conn)
			s.pool.AddTask(conn)
		}
	}
}

// sessionHandler drains parsed messages from the worker pool and
// dispatches them against the registry.
func (s *Server) sessionHandler(ctx context.Context, t *tomb.Tomb) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case msg := <-s.messages:
			if err := s.handleMessage(ctx, msg); err != nil {
				log.Error().Err(err).Str("client", msg.clientAddress).Msg("error handling message")
				s.reportError(msg.clientAddress, err)
			}
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, msg clientMessage) error {
	switch msg.message.GetType() {
	case NewOrder:
		m, ok := msg.message.(NewOrderMessage)
		if !ok {
			return ErrImproperConversion
		}
		order, err := m.Order()
		if err != nil {
			return err
		}
		result, err := s.reg.Submit(ctx, order)
		if err != nil {
			return err
		}
		return s.reportOrder(msg.clientAddress, result.Order, result.Trades)

	case CancelOrder:
		m, ok := msg.message.(CancelOrderMessage)
		if !ok {
			return ErrImproperConversion
		}
		order, err := s.reg.Cancel(ctx, m.Instrument, m.OrderID)
		if err != nil {
			return err
		}
		return s.reportOrder(msg.clientAddress, order, nil)

	default:
		log.Error().Int("type", int(msg.message.GetType())).Msg("invalid message type")
		return ErrInvalidMessageType
	}
}

func (s *Server) reportOrder(clientAddress string, order *common.Order, trades []common.Trade) error {
	report := OrderReport{MessageType: ExecutionReport, Order: order, Trades: trades}
	return s.send(clientAddress, report.Serialize())
}

func (s *Server) reportError(clientAddress string, err error) {
	if sendErr := s.send(clientAddress, generateWireErrorReport(err)); sendErr != nil {
		log.Error().Err(sendErr).Str("client", clientAddress).Msg("unable to report error to client")
	}
}

func (s *Server) send(clientAddress string, payload []byte) error {
	s.sessionsMu.Lock()
	session, ok := s.sessions[clientAddress]
	s.sessionsMu.Unlock()
	if !ok {
		return ErrClientDoesNotExist
	}
	if _, err := session.conn.Write(payload); err != nil {
		s.deleteSession(clientAddress)
		return fmt.Errorf("write to client: %w", err)
	}
	return nil
}

// handleConnection reads the next message off conn, parses it, and hands
// it to sessionHandler. Any error returned here is fatal to the tomb.
func (s *Server) handleConnection(t *tomb.Tomb, task any) error {
	conn, ok := task.(net.Conn)
	if !ok {
		return ErrImproperConversion
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Error().Str("address", conn.RemoteAddr().String()).Err(err).Msg("error closing connection")
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(defaultConnTimeout)); err != nil {
		log.Error().Err(err).Msg("failed setting connection deadline")
		return nil
	}

	select {
	case <-t.Dying():
		return nil
	default:
		buffer := make([]byte, maxRecvSize)
		n, err := conn.Read(buffer)
		if err != nil {
			log.Debug().Err(err).Str("address", conn.RemoteAddr().String()).Msg("connection read failed")
			s.deleteSession(conn.RemoteAddr().String())
			return nil
		}

		message, err := parseMessage(buffer[:n])
		if err != nil {
			log.Error().Err(err).Str("address", conn.RemoteAddr().String()).Msg("error parsing message")
			s.deleteSession(conn.RemoteAddr().String())
			return nil
		}

		s.messages <- clientMessage{message: message, clientAddress: conn.RemoteAddr().String()}
		s.pool.AddTask(conn)
	}
	return nil
}

// reportPoolDepth periodically logs the worker pool's queue depth, giving
// operators visibility into how far the server is getting ahead of its
// workers before backpressure starts blocking the accept loop.
func (s *Server) reportPoolDepth(t *tomb.Tomb) {
	ticker := time.NewTicker(poolDepthReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.Dying():
			return
		case <-ticker.C:
			if depth := s.pool.Depth(); depth > 0 {
				log.Debug().Int("depth", depth).Int("capacity", s.pool.Capacity()).Msg("worker pool queue depth")
			}
		}
	}
}

func (s *Server) addSession(conn net.Conn) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[conn.RemoteAddr().String()] = clientSession{conn: conn}
}

func (s *Server) deleteSession(address string) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	delete(s.sessions, address)
}
