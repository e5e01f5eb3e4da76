package core

import (
	"errors"
	"fmt"
	"strconv"
)

// maxRequestIDDigits ограничивает id восемью цифрами (< 10^8).
const maxRequestIDDigits = 8

// ErrMalformedMessage возвращается, если сообщение не соответствует формату "<id>:<payload>".
var ErrMalformedMessage = errors.New("malformed raw message")

// Request описывает декодированный запрос клиента.
type Request struct {
	ID      uint32
	Payload string
}

// DecodeError хранит исходное сообщение, которое не удалось разобрать.
type DecodeError struct {
	Raw string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %q", ErrMalformedMessage, e.Raw)
}

func (e *DecodeError) Unwrap() error { return ErrMalformedMessage }

// Decode разбирает "<id>:<payload>", где id состоит из 1..8 десятичных цифр.
// Payload занимает весь остаток после первого двоеточия.
func Decode(raw string) (Request, error) {
	n := 0
	for n < len(raw) && n <= maxRequestIDDigits && raw[n] >= '0' && raw[n] <= '9' {
		n++
	}
	if n == 0 || n > maxRequestIDDigits || n >= len(raw) || raw[n] != ':' {
		return Request{}, &DecodeError{Raw: raw}
	}
	id, err := strconv.ParseUint(raw[:n], 10, 32)
	if err != nil {
		return Request{}, &DecodeError{Raw: raw}
	}
	return Request{ID: uint32(id), Payload: raw[n+1:]}, nil
}

// Encode формирует ответ "<id>:<message>". Экранирование не выполняется.
func Encode(id uint32, message string) string {
	return strconv.FormatUint(uint64(id), 10) + ":" + message
}

// MalformedReply формирует ответ на неразобранное сообщение, без префикса id.
func MalformedReply(raw string) string {
	return fmt.Sprintf("error: Malformed raw message '%s'", raw)
}
