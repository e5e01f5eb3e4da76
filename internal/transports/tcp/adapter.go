package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"simcmd/internal/transports/common"
	"simcmd/internal/transports/framing"
)

var errAlreadyRunning = errors.New("tcp transport already running")

// Config задает параметры TCP-транспорта.
type Config struct {
	ListenAddr  string
	Framing     framing.Mode
	MaxFrame    int
	IdleTimeout time.Duration
}

// Adapter принимает TCP-соединения; каждое соединение читается своей горутиной.
type Adapter struct {
	svc    *common.Service
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewAdapter создает TCP адаптер.
func NewAdapter(svc *common.Service, cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Framing == "" {
		cfg.Framing = framing.Line
	}
	return &Adapter{svc: svc, cfg: cfg, logger: logger, conns: make(map[net.Conn]struct{})}
}

func (a *Adapter) Name() string { return "tcp" }

// Addr возвращает адрес слушателя; nil до Start.
func (a *Adapter) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return errAlreadyRunning
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.ListenAddr, err)
	}
	a.listener = ln
	a.wg.Add(1)
	go a.acceptLoop(ln)
	a.logger.Info("tcp transport listening", "addr", ln.Addr().String(), "framing", string(a.cfg.Framing))
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	ln := a.listener
	a.listener = nil
	for c := range a.conns {
		_ = c.Close()
	}
	a.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (a *Adapter) acceptLoop(ln net.Listener) {
	defer a.wg.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				a.logger.Warn("tcp accept failed", "err", err)
			}
			return
		}
		a.mu.Lock()
		if a.listener == nil {
			a.mu.Unlock()
			_ = c.Close()
			return
		}
		a.conns[c] = struct{}{}
		a.wg.Add(1)
		a.mu.Unlock()
		go a.serve(c)
	}
}

func (a *Adapter) serve(c net.Conn) {
	defer a.wg.Done()
	peer := c.RemoteAddr().String()
	defer func() {
		a.mu.Lock()
		delete(a.conns, c)
		a.mu.Unlock()
		_ = c.Close()
		a.svc.Disconnect(peer)
	}()
	conn := framing.NewConn(c, a.cfg.Framing, a.cfg.MaxFrame)
	a.logger.Info("client connected", "peer", peer)
	for {
		if a.cfg.IdleTimeout > 0 {
			_ = c.SetReadDeadline(time.Now().Add(a.cfg.IdleTimeout))
		}
		raw, err := conn.Read()
		if err != nil {
			if errors.Is(err, framing.ErrFrameTooLarge) {
				a.logger.Warn("client sent oversized frame", "peer", peer, "err", err)
			}
			a.logger.Info("client disconnected", "peer", peer)
			return
		}
		// Ошибки приема уже отправлены клиенту сервисом.
		_ = a.svc.HandleRaw(peer, raw, conn)
	}
}
