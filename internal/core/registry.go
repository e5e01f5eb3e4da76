package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/buildkite/shellwords"
)

var (
	ErrDuplicatePattern = errors.New("duplicate command pattern")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrArgumentParse    = errors.New("argument parse error")

	errModuleExists     = errors.New("module already registered")
	errInvalidArguments = errors.New("invalid arguments")
)

type segmentKind uint8

const (
	segLiteral segmentKind = iota
	segUint
	segInt
	segFloat
	segStr
)

var placeholders = map[string]segmentKind{
	"[uint]":  segUint,
	"[int]":   segInt,
	"[float]": segFloat,
	"[str]":   segStr,
}

type segment struct {
	kind segmentKind
	text string
}

// patternToken хранит один токен шаблона; segments != nil, если в нем есть плейсхолдеры.
type patternToken struct {
	literal  string
	segments []segment
}

func (t patternToken) literals() int {
	if t.segments == nil {
		return strings.Count(t.literal, "/") + 1
	}
	n := 0
	for _, s := range t.segments {
		if s.kind == segLiteral {
			n++
		}
	}
	return n
}

func (t patternToken) match(tok string, captures []string) ([]string, bool) {
	if t.segments == nil {
		return captures, tok == t.literal
	}
	parts := strings.Split(tok, "/")
	if len(parts) != len(t.segments) {
		return captures, false
	}
	for i, seg := range t.segments {
		part := parts[i]
		switch seg.kind {
		case segLiteral:
			if part != seg.text {
				return captures, false
			}
			continue
		case segUint:
			if _, err := strconv.ParseUint(part, 10, 64); err != nil {
				return captures, false
			}
		case segInt:
			if _, err := strconv.ParseInt(part, 10, 64); err != nil {
				return captures, false
			}
		case segFloat:
			if _, err := strconv.ParseFloat(part, 64); err != nil {
				return captures, false
			}
		case segStr:
			if part == "" {
				return captures, false
			}
		}
		captures = append(captures, part)
	}
	return captures, true
}

func parsePattern(pattern string) (string, []patternToken, error) {
	fields := strings.Fields(pattern)
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("pattern is empty: %w", errInvalidArguments)
	}
	tokens := make([]patternToken, 0, len(fields))
	for _, f := range fields {
		if !strings.Contains(f, "[") {
			tokens = append(tokens, patternToken{literal: f})
			continue
		}
		parts := strings.Split(f, "/")
		segs := make([]segment, 0, len(parts))
		for _, p := range parts {
			if kind, ok := placeholders[p]; ok {
				segs = append(segs, segment{kind: kind})
				continue
			}
			if strings.ContainsAny(p, "[]") {
				return "", nil, fmt.Errorf("unknown placeholder %q: %w", p, errInvalidArguments)
			}
			segs = append(segs, segment{kind: segLiteral, text: p})
		}
		tokens = append(tokens, patternToken{literal: f, segments: segs})
	}
	return strings.Join(fields, " "), tokens, nil
}

type entry struct {
	pattern  string
	tokens   []patternToken
	literals int
	help     string
	handler  Handler
	deferred DeferredHandler
	module   string
}

func (e *entry) match(tokens []string) ([]string, bool) {
	if len(e.tokens) > len(tokens) {
		return nil, false
	}
	var captures []string
	for i, pt := range e.tokens {
		var ok bool
		captures, ok = pt.match(tokens[i], captures)
		if !ok {
			return nil, false
		}
	}
	return captures, true
}

// moreSpecific: больше токенов, затем больше литеральных сегментов.
func (e *entry) moreSpecific(other *entry) bool {
	if len(e.tokens) != len(other.tokens) {
		return len(e.tokens) > len(other.tokens)
	}
	return e.literals > other.literals
}

// Call содержит результат разрешения payload: обработчик и аргументы.
type Call struct {
	Pattern  string
	Args     []string
	Handler  Handler
	Deferred DeferredHandler
}

// HelpEntry связывает шаблон и справку.
type HelpEntry struct {
	Pattern string `json:"pattern"`
	Help    string `json:"help"`
	Module  string `json:"module,omitempty"`
}

// Registry хранит зарегистрированные команды и модули.
type Registry struct {
	mu      sync.RWMutex
	entries []*entry
	byKey   map[string]*entry
	modules []string
}

// NewRegistry создает пустой реестр команд.
func NewRegistry() *Registry {
	return &Registry{byKey: make(map[string]*entry)}
}

// Register инициализирует модуль и привязывает все его команды; имя модуля должно быть уникальным.
func (r *Registry) Register(ctx context.Context, module Module) error {
	if module == nil {
		return fmt.Errorf("module is nil: %w", errInvalidArguments)
	}
	name := module.Name()
	if name == "" {
		return fmt.Errorf("module name is empty: %w", errInvalidArguments)
	}
	r.mu.RLock()
	exists := r.hasModule(name)
	r.mu.RUnlock()
	if exists {
		return fmt.Errorf("%s: %w", name, errModuleExists)
	}

	if err := module.Init(ctx); err != nil {
		return fmt.Errorf("init %s: %w", name, err)
	}

	cmds := module.Commands()
	entries := make([]*entry, 0, len(cmds))
	for _, cmd := range cmds {
		e, err := newEntry(cmd)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		e.module = name
		entries = append(entries, e)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Init выполнялся без блокировки: имя могли занять параллельно.
	if r.hasModule(name) {
		return fmt.Errorf("%s: %w", name, errModuleExists)
	}
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if _, exists := r.byKey[e.pattern]; exists {
			return fmt.Errorf("%s: %q: %w", name, e.pattern, ErrDuplicatePattern)
		}
		if _, dup := seen[e.pattern]; dup {
			return fmt.Errorf("%s: %q: %w", name, e.pattern, ErrDuplicatePattern)
		}
		seen[e.pattern] = struct{}{}
	}
	for _, e := range entries {
		r.add(e)
	}
	r.modules = append(r.modules, name)
	return nil
}

// hasModule вызывается под mu.
func (r *Registry) hasModule(name string) bool {
	return slices.Contains(r.modules, name)
}

// Bind привязывает синхронный обработчик к шаблону.
func (r *Registry) Bind(pattern string, h Handler, help string) error {
	return r.bind(Command{Pattern: pattern, Handler: h, Help: help})
}

// BindDeferred привязывает отложенный обработчик к шаблону.
func (r *Registry) BindDeferred(pattern string, h DeferredHandler, help string) error {
	return r.bind(Command{Pattern: pattern, Deferred: h, Help: help})
}

func (r *Registry) bind(cmd Command) error {
	e, err := newEntry(cmd)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byKey[e.pattern]; exists {
		return fmt.Errorf("%q: %w", e.pattern, ErrDuplicatePattern)
	}
	r.add(e)
	return nil
}

func newEntry(cmd Command) (*entry, error) {
	if (cmd.Handler == nil) == (cmd.Deferred == nil) {
		return nil, fmt.Errorf("command %q needs exactly one handler: %w", cmd.Pattern, errInvalidArguments)
	}
	key, tokens, err := parsePattern(cmd.Pattern)
	if err != nil {
		return nil, err
	}
	literals := 0
	for _, t := range tokens {
		literals += t.literals()
	}
	return &entry{
		pattern:  key,
		tokens:   tokens,
		literals: literals,
		help:     cmd.Help,
		handler:  cmd.Handler,
		deferred: cmd.Deferred,
	}, nil
}

func (r *Registry) add(e *entry) {
	r.entries = append(r.entries, e)
	r.byKey[e.pattern] = e
}

// Unbind удаляет команду; false, если шаблон не зарегистрирован.
func (r *Registry) Unbind(pattern string) bool {
	key := strings.Join(strings.Fields(pattern), " ")
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byKey[key]
	if !ok {
		return false
	}
	delete(r.byKey, key)
	for i, existing := range r.entries {
		if existing == e {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	return true
}

// Resolve разбивает payload на токены и находит самую специфичную команду.
func (r *Registry) Resolve(payload string) (Call, error) {
	if unclosedQuote(payload) {
		return Call{}, fmt.Errorf("%w: unterminated quote", ErrArgumentParse)
	}
	tokens, err := shellwords.SplitPosix(payload)
	if err != nil {
		return Call{}, fmt.Errorf("%w: %v", ErrArgumentParse, err)
	}
	if len(tokens) == 0 {
		return Call{}, ErrUnknownCommand
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *entry
	var bestCaptures []string
	for _, e := range r.entries {
		captures, ok := e.match(tokens)
		if !ok {
			continue
		}
		if best == nil || e.moreSpecific(best) {
			best, bestCaptures = e, captures
		}
	}
	if best == nil {
		return Call{}, ErrUnknownCommand
	}
	args := make([]string, 0, len(bestCaptures)+len(tokens)-len(best.tokens))
	args = append(args, bestCaptures...)
	args = append(args, tokens[len(best.tokens):]...)
	return Call{
		Pattern:  best.pattern,
		Args:     args,
		Handler:  best.handler,
		Deferred: best.deferred,
	}, nil
}

// unclosedQuote проверяет кавычки по правилам POSIX shell.
func unclosedQuote(s string) bool {
	var quote rune
	escaped := false
	for _, c := range s {
		switch {
		case escaped:
			escaped = false
		case c == '\\' && quote != '\'':
			escaped = true
		case quote == 0 && (c == '"' || c == '\''):
			quote = c
		case c == quote:
			quote = 0
		}
	}
	return quote != 0
}

// Help возвращает справку в порядке регистрации.
func (r *Registry) Help() []HelpEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HelpEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, HelpEntry{Pattern: e.pattern, Help: e.help, Module: e.module})
	}
	return out
}

// Modules возвращает список зарегистрированных модулей.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.modules...)
}
