package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

type methodType struct {
	method    reflect.Method
	withCtx   bool
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// NewService creates a service and scans its methods.
func NewService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: rcvr must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	svc := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	svc.RegisterMethods()
	return svc, nil
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// RegisterMethods keeps the exported methods shaped like
//
//	func (t *T) Method(args *Args, reply *Reply) error
//	func (t *T) Method(ctx context.Context, args *Args, reply *Reply) error
func (s *service) RegisterMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mtype := method.Type
		if mtype.NumOut() != 1 || mtype.Out(0) != errorType {
			continue
		}

		first := 1
		withCtx := false
		switch mtype.NumIn() {
		case 3:
		case 4:
			if mtype.In(1) != contextType {
				continue
			}
			first, withCtx = 2, true
		default:
			continue
		}
		if mtype.In(first).Kind() != reflect.Ptr || mtype.In(first+1).Kind() != reflect.Ptr {
			continue
		}

		s.method[method.Name] = &methodType{
			method:    method,
			withCtx:   withCtx,
			ArgType:   mtype.In(first).Elem(),
			ReplyType: mtype.In(first + 1).Elem(),
		}
	}
}

// Call invokes the method through reflection.
func (s *service) Call(ctx context.Context, mType *methodType, argv, replyv reflect.Value) error {
	args := []reflect.Value{s.rcvr}
	if mType.withCtx {
		args = append(args, reflect.ValueOf(ctx))
	}
	args = append(args, argv, replyv)
	results := mType.method.Func.Call(args)
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}

// handler adapts a method to the queue Handler signature.
func (s *service) handler(mType *methodType) Handler {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		argv := reflect.New(mType.ArgType)
		replyv := reflect.New(mType.ReplyType)

		if len(payload) > 0 {
			if err := json.Unmarshal(payload, argv.Interface()); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}
		}
		if err := s.Call(ctx, mType, argv, replyv); err != nil {
			return nil, err
		}
		return replyv.Interface(), nil
	}
}
