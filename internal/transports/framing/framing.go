// Package framing режет поток байт на сообщения протокола.
package framing

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrame ограничивает размер одного сообщения.
const MaxFrame = 1 << 24

var (
	ErrFrameTooLarge = errors.New("frame too large")
	ErrUnknownMode   = errors.New("unknown framing mode")
)

// Mode задает способ разделения сообщений.
type Mode string

const (
	// Line: сообщение завершается '\n', '\r' перед ним отбрасывается.
	Line Mode = "line"
	// Prefixed: перед сообщением идет длина u32 little-endian.
	Prefixed Mode = "prefixed"
)

// ParseMode разбирает имя режима; пустая строка означает Line.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", Line:
		return Line, nil
	case Prefixed:
		return Prefixed, nil
	default:
		return "", fmt.Errorf("%q: %w", s, ErrUnknownMode)
	}
}

// Conn читает и пишет сообщения поверх потока.
// Read вызывается из одной горутины, Write безопасен для конкурентного вызова.
type Conn struct {
	mode Mode
	max  int
	br   *bufio.Reader

	mu sync.Mutex
	bw *bufio.Writer
}

// NewConn оборачивает поток; max <= 0 означает MaxFrame.
func NewConn(rw io.ReadWriter, mode Mode, max int) *Conn {
	if max <= 0 || max > MaxFrame {
		max = MaxFrame
	}
	if mode == "" {
		mode = Line
	}
	return &Conn{mode: mode, max: max, br: bufio.NewReader(rw), bw: bufio.NewWriter(rw)}
}

// Mode возвращает режим соединения.
func (c *Conn) Mode() Mode { return c.mode }

// Read возвращает следующее сообщение.
func (c *Conn) Read() (string, error) {
	if c.mode == Prefixed {
		return c.readPrefixed()
	}
	return c.readLine()
}

// Write отправляет одно сообщение и сбрасывает буфер.
func (c *Conn) Write(msg string) error {
	if len(msg) > c.max {
		return fmt.Errorf("write %d bytes: %w", len(msg), ErrFrameTooLarge)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == Prefixed {
		var lenbuf [4]byte
		binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(msg)))
		if _, err := c.bw.Write(lenbuf[:]); err != nil {
			return err
		}
		if _, err := c.bw.WriteString(msg); err != nil {
			return err
		}
	} else {
		if _, err := c.bw.WriteString(msg); err != nil {
			return err
		}
		if err := c.bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return c.bw.Flush()
}

// Send реализует core.MessageSink.
func (c *Conn) Send(msg string) error { return c.Write(msg) }

func (c *Conn) readPrefixed() (string, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(c.br, lenbuf[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint32(lenbuf[:])
	if uint64(n) > uint64(c.max) {
		return "", fmt.Errorf("read %d bytes: %w", n, ErrFrameTooLarge)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (c *Conn) readLine() (string, error) {
	var buf []byte
	for {
		frag, err := c.br.ReadSlice('\n')
		if len(buf)+len(frag) > c.max+2 {
			return "", fmt.Errorf("read line: %w", ErrFrameTooLarge)
		}
		buf = append(buf, frag...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(buf) > 0 {
			break
		}
		return "", err
	}
	buf = bytes.TrimSuffix(buf, []byte("\n"))
	buf = bytes.TrimSuffix(buf, []byte("\r"))
	return string(buf), nil
}
