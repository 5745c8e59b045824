package jsonrpc

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("duplexrpc.jsonrpc")

// Reserved method names invoked by the session layer when registered.
const (
	OnCreate    = "onCreate"
	OnDestroy   = "onDestroy"
	HTTPHook    = "http"
	LoginMethod = "loginWithSession"
)

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// rpcMethod holds reflection data for a registered handler.
type rpcMethod struct {
	name     string
	fn       reflect.Value
	receiver reflect.Value // zero unless registered from a receiver
	hasCtx   bool
	params   []reflect.Type
	variadic bool
	result   bool
	err      bool
}

func (m *rpcMethod) call(ctx context.Context, params []json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("panic in %q: %v", m.name, r)
			err = errors.Errorf("internal error in %q", m.name)
		}
	}()

	args := make([]reflect.Value, 0, len(params)+2)
	if m.receiver.IsValid() {
		args = append(args, m.receiver)
	}
	if m.hasCtx {
		if ctx == nil {
			ctx = context.Background()
		}
		args = append(args, reflect.ValueOf(ctx))
	}

	fixed := len(m.params)
	if m.variadic {
		fixed--
	} else if len(params) > fixed {
		// Surplus params are ignored.
		params = params[:fixed]
	}

	for i := 0; i < fixed; i++ {
		// Missing trailing params decode as zero values.
		var raw json.RawMessage
		if i < len(params) {
			raw = params[i]
		}
		v, err := decodeParam(raw, m.params[i])
		if err != nil {
			return nil, errors.Annotatef(ErrInvalidParams, "%q param %d: %v", m.name, i, err)
		}
		args = append(args, v)
	}
	if m.variadic {
		elem := m.params[fixed].Elem()
		for i := fixed; i < len(params); i++ {
			v, err := decodeParam(params[i], elem)
			if err != nil {
				return nil, errors.Annotatef(ErrInvalidParams, "%q param %d: %v", m.name, i, err)
			}
			args = append(args, v)
		}
	}

	out := m.fn.Call(args)

	if m.result {
		result = out[0].Interface()
	}
	if m.err {
		if e := out[len(out)-1]; !e.IsNil() {
			return nil, e.Interface().(error)
		}
	}
	return result, nil
}

func decodeParam(raw json.RawMessage, typ reflect.Type) (reflect.Value, error) {
	v := reflect.New(typ)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, v.Interface()); err != nil {
			return reflect.Value{}, err
		}
	}
	return v.Elem(), nil
}

// parseFunc validates a handler signature:
//
//	func([ctx context.Context,] params...) [result] [error]
//
// skip is the number of leading inputs that are bound by the registry
// (1 for a method expression's receiver).
func parseFunc(name string, ft reflect.Type, skip int) (*rpcMethod, error) {
	if ft.Kind() != reflect.Func {
		return nil, errors.NotValidf("handler %q of type %s", name, ft)
	}
	m := &rpcMethod{name: name, variadic: ft.IsVariadic()}

	in := skip
	if ft.NumIn() > in && ft.In(in) == contextType {
		m.hasCtx = true
		in++
	}
	for ; in < ft.NumIn(); in++ {
		m.params = append(m.params, ft.In(in))
	}

	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			m.err = true
		} else {
			m.result = true
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil, errors.NotValidf("handler %q: second result must be error", name)
		}
		m.result, m.err = true, true
	default:
		return nil, errors.NotValidf("handler %q: too many results", name)
	}
	return m, nil
}

// Registry maps method names to handlers. Handlers are registered at
// startup; lookups are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]*rpcMethod
}

// NewRegistry creates an empty method registry.
func NewRegistry() *Registry {
	return &Registry{
		methods: make(map[string]*rpcMethod),
	}
}

// Func registers fn under name. fn must be a function of the form
//
//	func([ctx context.Context,] params...) [result] [error]
//
// It panics if name is already registered.
func (r *Registry) Func(name string, fn any) error {
	if fn == nil {
		return errors.NotValidf("nil handler %q", name)
	}
	val := reflect.ValueOf(fn)
	m, err := parseFunc(name, val.Type(), 0)
	if err != nil {
		return errors.Trace(err)
	}
	m.fn = val
	r.add(m)
	return nil
}

// MustFunc is like Func but panics on an invalid handler.
func (r *Registry) MustFunc(name string, fn any) {
	if err := r.Func(name, fn); err != nil {
		panic(err)
	}
}

// Register adds the exported methods of receiver. The namespace prefixes
// method names ("math" + "Add" -> "math.Add"); use an empty namespace for
// bare names. Methods whose signature is not a valid handler are skipped.
func (r *Registry) Register(namespace string, receiver any) {
	val := reflect.ValueOf(receiver)
	typ := val.Type()

	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		if !method.IsExported() {
			continue
		}
		name := method.Name
		if namespace != "" {
			name = namespace + "." + method.Name
		}
		m, err := parseFunc(name, method.Type, 1)
		if err != nil {
			logger.Debugf("skipping %s: %v", name, err)
			continue
		}
		m.fn = method.Func
		m.receiver = val
		r.add(m)
	}
}

func (r *Registry) add(m *rpcMethod) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.methods[m.name]; exists {
		panic("jsonrpc: method name collision: " + m.name)
	}
	r.methods[m.name] = m
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	_, ok := r.methods[name]
	r.mu.RUnlock()
	return ok
}

// Names returns the registered method names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Invoke calls the handler registered under name with JSON params.
func (r *Registry) Invoke(ctx context.Context, name string, params []json.RawMessage) (any, error) {
	r.mu.RLock()
	method, ok := r.methods[name]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.Annotatef(ErrMethodNotFound, "unknown method %q", name)
	}
	return method.call(ctx, params)
}

// Call invokes name with Go arguments, encoding them to JSON first.
func (r *Registry) Call(ctx context.Context, name string, args ...any) (any, error) {
	params := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, errors.Annotatef(err, "encoding arg %d for %q", i, name)
		}
		params = append(params, b)
	}
	return r.Invoke(ctx, name, params)
}
