// Package client реализует TCP-клиент протокола команд с сопоставлением ответов по id.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"simcmd/internal/core"
	"simcmd/internal/transports/framing"
)

const maxID = 99999999

var (
	ErrClosed         = errors.New("client closed")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Option настраивает Client.
type Option func(*Client)

// WithFraming задает режим кадрирования; по умолчанию framing.Line.
func WithFraming(mode framing.Mode) Option {
	return func(c *Client) { c.mode = mode }
}

// WithLogger задает логгер.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Client отправляет запросы и ждет ответы с тем же id.
// Методы безопасны для конкурентного вызова.
type Client struct {
	mode   framing.Mode
	logger *slog.Logger
	raw    net.Conn
	conn   *framing.Conn

	nextID atomic.Uint32
	strays atomic.Uint64

	mu      sync.Mutex
	pending map[uint32]chan string
	err     error
	done    chan struct{}
}

// Dial подключается к серверу команд.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return New(raw, opts...), nil
}

// New оборачивает готовое соединение и запускает чтение ответов.
func New(raw net.Conn, opts ...Option) *Client {
	c := &Client{
		mode:    framing.Line,
		logger:  slog.New(slog.DiscardHandler),
		raw:     raw,
		pending: make(map[uint32]chan string),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.conn = framing.NewConn(raw, c.mode, 0)
	go c.readLoop()
	return c
}

// Request отправляет payload и возвращает текст ответа без префикса id.
func (c *Client) Request(ctx context.Context, payload string) (string, error) {
	if strings.TrimSpace(payload) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	if c.mode == framing.Line && strings.ContainsAny(payload, "\r\n") {
		return "", fmt.Errorf("%w: line break in line framing", ErrInvalidPayload)
	}

	id := c.nextID.Add(1)%maxID + 1
	ch := make(chan string, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return "", err
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer c.forget(id)

	if err := c.conn.Write(core.Encode(id, payload)); err != nil {
		return "", fmt.Errorf("send request %d: %w", id, err)
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-c.done:
		return "", c.closeErr()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Exec выполняет команду и превращает ответ "error: ..." в ошибку.
func (c *Client) Exec(ctx context.Context, payload string) (string, error) {
	reply, err := c.Request(ctx, payload)
	if err != nil {
		return "", err
	}
	if msg, ok := strings.CutPrefix(reply, "error: "); ok {
		return "", errors.New(msg)
	}
	return reply, nil
}

// Strays возвращает число ответов без ожидающего запроса.
func (c *Client) Strays() uint64 { return c.strays.Load() }

// Close закрывает соединение; ожидающие запросы получают ErrClosed.
func (c *Client) Close() error {
	err := c.raw.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		msg, err := c.conn.Read()
		if err != nil {
			c.mu.Lock()
			c.err = fmt.Errorf("%w: %v", ErrClosed, err)
			c.mu.Unlock()
			return
		}
		resp, err := core.Decode(msg)
		if err != nil {
			c.strays.Add(1)
			c.logger.Warn("reply without id", "reply", msg)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			c.strays.Add(1)
			c.logger.Debug("unexpected reply", "id", resp.ID)
			continue
		}
		ch <- resp.Payload
	}
}

func (c *Client) forget(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}
