package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	errTransportExists  = errors.New("transport already registered")
	errUnknownTransport = errors.New("unknown transport")
)

// TransportAdapter определяет жизненный цикл входного транспорта.
// Адаптер кладет разобранные запросы в Queue и отвечает через свой MessageSink.
type TransportAdapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// TransportManager управляет запуском и остановкой транспортов.
type TransportManager struct {
	mu         sync.Mutex
	transports map[string]TransportAdapter
	order      []string
	started    []string
}

// NewTransportManager создает пустой менеджер транспортов.
func NewTransportManager() *TransportManager {
	return &TransportManager{transports: make(map[string]TransportAdapter)}
}

// Register добавляет транспорт; имена должны быть уникальны.
func (m *TransportManager) Register(adapter TransportAdapter) error {
	if adapter == nil {
		return fmt.Errorf("transport is nil: %w", errInvalidArguments)
	}
	name := adapter.Name()
	if name == "" {
		return fmt.Errorf("transport name is empty: %w", errInvalidArguments)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.transports[name]; exists {
		return fmt.Errorf("%s: %w", name, errTransportExists)
	}
	m.transports[name] = adapter
	m.order = append(m.order, name)
	return nil
}

// Names возвращает имена транспортов в порядке регистрации.
func (m *TransportManager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// StartAll запускает транспорты в порядке регистрации. При ошибке
// уже запущенные транспорты останавливаются.
func (m *TransportManager) StartAll(ctx context.Context) error {
	for _, tr := range m.list(m.Names()) {
		if err := tr.Start(ctx); err != nil {
			_ = m.StopAll(ctx)
			return fmt.Errorf("start transport %s: %w", tr.Name(), err)
		}
		m.mu.Lock()
		m.started = append(m.started, tr.Name())
		m.mu.Unlock()
	}
	return nil
}

// StopAll останавливает запущенные транспорты в обратном порядке.
func (m *TransportManager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	names := m.started
	m.started = nil
	m.mu.Unlock()

	list := m.list(names)
	var errs []error
	for i := len(list) - 1; i >= 0; i-- {
		tr := list[i]
		if err := tr.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop transport %s: %w", tr.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// StopOne останавливает конкретный транспорт по имени.
func (m *TransportManager) StopOne(ctx context.Context, name string) error {
	m.mu.Lock()
	tr, ok := m.transports[name]
	if ok {
		for i, n := range m.started {
			if n == name {
				m.started = append(m.started[:i], m.started[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, errUnknownTransport)
	}
	if err := tr.Stop(ctx); err != nil {
		return fmt.Errorf("stop transport %s: %w", tr.Name(), err)
	}
	return nil
}

func (m *TransportManager) list(names []string) []TransportAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransportAdapter, 0, len(names))
	for _, n := range names {
		if tr, ok := m.transports[n]; ok {
			out = append(out, tr)
		}
	}
	return out
}
