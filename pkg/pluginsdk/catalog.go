// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pluginsdk

import (
	"context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Catalog is the host's view of a running binary plugin.
type Catalog interface {
	// Types lists the type names the plugin can construct, sorted.
	Types(ctx context.Context) ([]string, error)
	// Construct builds a component and returns its handle.
	Construct(ctx context.Context, typeName string) (uint64, error)
	// Call invokes method on the component behind handle.
	Call(ctx context.Context, handle uint64, method string, args []any) (any, error)
}

const catalogServiceName = "plughost.plugin.v1.Catalog"

// Full method names of the catalog service.
const (
	MethodTypes     = "/" + catalogServiceName + "/Types"
	MethodConstruct = "/" + catalogServiceName + "/Construct"
	MethodCall      = "/" + catalogServiceName + "/Call"
)

// catalogService is the server interface of the catalog service.
type catalogService interface {
	types(ctx context.Context, req *emptypb.Empty) (*structpb.ListValue, error)
	construct(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.UInt64Value, error)
	call(ctx context.Context, req *structpb.Struct) (*structpb.Value, error)
}

// CatalogServiceDesc describes the catalog gRPC service. Messages are
// protobuf well-known types so no generated code is required.
var CatalogServiceDesc = grpc.ServiceDesc{
	ServiceName: catalogServiceName,
	HandlerType: (*catalogService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Types",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				in := new(emptypb.Empty)
				if err := dec(in); err != nil {
					return nil, err
				}
				handler := func(ctx context.Context, req any) (any, error) {
					return srv.(catalogService).types(ctx, req.(*emptypb.Empty))
				}
				if interceptor == nil {
					return handler(ctx, in)
				}
				return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodTypes}, handler)
			},
		},
		{
			MethodName: "Construct",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				in := new(wrapperspb.StringValue)
				if err := dec(in); err != nil {
					return nil, err
				}
				handler := func(ctx context.Context, req any) (any, error) {
					return srv.(catalogService).construct(ctx, req.(*wrapperspb.StringValue))
				}
				if interceptor == nil {
					return handler(ctx, in)
				}
				return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodConstruct}, handler)
			},
		},
		{
			MethodName: "Call",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				in := new(structpb.Struct)
				if err := dec(in); err != nil {
					return nil, err
				}
				handler := func(ctx context.Context, req any) (any, error) {
					return srv.(catalogService).call(ctx, req.(*structpb.Struct))
				}
				if interceptor == nil {
					return handler(ctx, in)
				}
				return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodCall}, handler)
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "plughost/plugin/v1/catalog",
}

// CatalogServer serves constructors and keeps the constructed components.
type CatalogServer struct {
	ctors map[string]Constructor

	mu         sync.Mutex
	next       uint64
	components map[uint64]Component
}

var _ catalogService = (*CatalogServer)(nil)

// NewCatalogServer creates a server for the given constructors.
func NewCatalogServer(types map[string]Constructor) *CatalogServer {
	return &CatalogServer{
		ctors:      types,
		components: make(map[uint64]Component),
	}
}

func (s *CatalogServer) types(_ context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	names := sortedKeys(s.ctors)
	vals := make([]any, len(names))
	for i, n := range names {
		vals[i] = n
	}
	list, err := structpb.NewList(vals)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return list, nil
}

func (s *CatalogServer) construct(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.UInt64Value, error) {
	ctor, ok := s.ctors[req.GetValue()]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown type %q", req.GetValue())
	}
	c, err := ctor(ctx)
	if err != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "construct %s: %v", req.GetValue(), err)
	}
	if c == nil {
		return nil, status.Errorf(codes.FailedPrecondition, "construct %s: constructor returned nil", req.GetValue())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.components[s.next] = c
	return wrapperspb.UInt64(s.next), nil
}

func (s *CatalogServer) call(ctx context.Context, req *structpb.Struct) (*structpb.Value, error) {
	fields := req.GetFields()
	handle := uint64(fields["handle"].GetNumberValue())
	method := fields["method"].GetStringValue()
	args := fields["args"].GetListValue().AsSlice()

	s.mu.Lock()
	c, ok := s.components[handle]
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown component handle %d", handle)
	}

	ret, err := c.Call(ctx, method, args)
	if err != nil {
		return nil, status.Error(codes.Aborted, err.Error())
	}
	v, err := structpb.NewValue(ret)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result of %s: %v", method, err)
	}
	return v, nil
}

// CatalogClient is the gRPC client of the catalog service.
type CatalogClient struct {
	cc grpc.ClientConnInterface
}

var _ Catalog = (*CatalogClient)(nil)

// NewCatalogClient creates a client over conn.
func NewCatalogClient(cc grpc.ClientConnInterface) *CatalogClient {
	return &CatalogClient{cc: cc}
}

// Types implements Catalog.
func (c *CatalogClient) Types(ctx context.Context) ([]string, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, MethodTypes, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		names = append(names, v.GetStringValue())
	}
	return names, nil
}

// Construct implements Catalog.
func (c *CatalogClient) Construct(ctx context.Context, typeName string) (uint64, error) {
	out := new(wrapperspb.UInt64Value)
	if err := c.cc.Invoke(ctx, MethodConstruct, wrapperspb.String(typeName), out); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

// Call implements Catalog.
func (c *CatalogClient) Call(ctx context.Context, handle uint64, method string, args []any) (any, error) {
	if args == nil {
		args = []any{}
	}
	req, err := structpb.NewStruct(map[string]any{
		"handle": float64(handle),
		"method": method,
		"args":   args,
	})
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "encode arguments of %s: %v", method, err)
	}
	out := new(structpb.Value)
	if err := c.cc.Invoke(ctx, MethodCall, req, out); err != nil {
		return nil, err
	}
	return out.AsInterface(), nil
}
