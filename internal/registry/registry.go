// Package registry indexes command handlers by command-type string.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/pkg/logger"
)

var (
	// ErrUnknownCommand is returned when no handler is registered for a
	// command type.
	ErrUnknownCommand = errors.New("registry: unknown command")
	// ErrAmbiguousHandler aborts startup when discovery finds competing
	// handlers for one command type.
	ErrAmbiguousHandler = errors.New("registry: ambiguous handler")
	// ErrDuplicateHandler is returned on double registration.
	ErrDuplicateHandler = errors.New("registry: duplicate handler")
)

// DomainCommand marks payload structs that discovery recognizes as commands.
type DomainCommand interface {
	DomainCommand()
}

// TransactionalWrapper marks a component whose handlers already run inside
// the platform transaction combinator. Discovery prefers these when several
// components offer a handler for the same command type.
type TransactionalWrapper interface {
	TransactionalWrapper()
}

// HandlerFunc executes a command and returns its result fields.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (map[string]interface{}, error)

// Registry maps command-type strings to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	log      *logger.Logger
}

// New creates an empty registry.
func New(log *logger.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
		log:      log,
	}
}

// Register adds a handler for a command type.
func (r *Registry) Register(commandName string, handler HandlerFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[commandName]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, commandName)
	}
	r.handlers[commandName] = handler
	r.log.Info("Registered command handler", zap.String("command", commandName))
	return nil
}

// Resolve returns the handler for a command type.
func (r *Registry) Resolve(commandName string) (HandlerFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[commandName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, commandName)
	}
	return h, nil
}

// Names returns the registered command types.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

var (
	ctxType    = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType    = reflect.TypeOf((*error)(nil)).Elem()
	resultType = reflect.TypeOf(map[string]interface{}{})
	markerType = reflect.TypeOf((*DomainCommand)(nil)).Elem()
)

type candidate struct {
	component     interface{}
	method        reflect.Method
	cmdType       reflect.Type
	transactional bool
}

// Discover scans components for methods of shape
//
//	func (c *C) Handle(ctx context.Context, cmd CreateAccountCommand) (map[string]interface{}, error)
//
// where the parameter type implements DomainCommand and its simple name ends
// in "Command". The command-type string is the name with the suffix stripped
// (CreateAccountCommand -> CreateAccount). When several components offer a
// handler for the same type, a TransactionalWrapper component wins; any other
// conflict fails startup.
func (r *Registry) Discover(components ...interface{}) error {
	found := make(map[string][]candidate)

	for _, component := range components {
		v := reflect.ValueOf(component)
		t := v.Type()
		_, transactional := component.(TransactionalWrapper)

		for i := 0; i < t.NumMethod(); i++ {
			m := t.Method(i)
			cmdType, ok := handlerParam(m)
			if !ok {
				continue
			}
			name := strings.TrimSuffix(cmdType.Name(), "Command")
			found[name] = append(found[name], candidate{
				component:     component,
				method:        m,
				cmdType:       cmdType,
				transactional: transactional,
			})
		}
	}

	for name, candidates := range found {
		chosen, err := pick(name, candidates)
		if err != nil {
			return err
		}
		if err := r.Register(name, bind(chosen)); err != nil {
			return err
		}
	}
	return nil
}

// handlerParam returns the command parameter type when the method matches the
// handler shape.
func handlerParam(m reflect.Method) (reflect.Type, bool) {
	ft := m.Func.Type()
	// receiver + ctx + command
	if ft.NumIn() != 3 || ft.NumOut() != 2 {
		return nil, false
	}
	if ft.In(1) != ctxType {
		return nil, false
	}
	if ft.Out(0) != resultType || ft.Out(1) != errType {
		return nil, false
	}
	cmdType := ft.In(2)
	if !cmdType.Implements(markerType) && !reflect.PointerTo(cmdType).Implements(markerType) {
		return nil, false
	}
	name := cmdType.Name()
	if name == "Command" || !strings.HasSuffix(name, "Command") {
		return nil, false
	}
	return cmdType, true
}

func pick(name string, candidates []candidate) (candidate, error) {
	if len(candidates) == 1 {
		return candidates[0], nil
	}
	var transactional []candidate
	for _, c := range candidates {
		if c.transactional {
			transactional = append(transactional, c)
		}
	}
	if len(transactional) == 1 {
		return transactional[0], nil
	}
	return candidate{}, fmt.Errorf("%w: %d candidates for %s", ErrAmbiguousHandler, len(candidates), name)
}

// bind wraps a discovered method into a HandlerFunc that decodes the payload
// into the command struct.
func bind(c candidate) HandlerFunc {
	componentValue := reflect.ValueOf(c.component)
	return func(ctx context.Context, payload json.RawMessage) (map[string]interface{}, error) {
		cmd := reflect.New(c.cmdType)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, cmd.Interface()); err != nil {
				return nil, fmt.Errorf("failed to decode %s payload: %w", c.cmdType.Name(), err)
			}
		}
		out := c.method.Func.Call([]reflect.Value{
			componentValue,
			reflect.ValueOf(ctx),
			cmd.Elem(),
		})
		result, _ := out[0].Interface().(map[string]interface{})
		if errv := out[1].Interface(); errv != nil {
			return result, errv.(error)
		}
		return result, nil
	}
}
