package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Полные имена методов chicplay.v1.CheckoutService.
const (
	ServiceName = "chicplay.v1.CheckoutService"

	MethodPlaceOrder        = "/chicplay.v1.CheckoutService/PlaceOrder"
	MethodGetOrder          = "/chicplay.v1.CheckoutService/GetOrder"
	MethodListOrders        = "/chicplay.v1.CheckoutService/ListOrders"
	MethodGetProfile        = "/chicplay.v1.CheckoutService/GetProfile"
	MethodUpdateOrderStatus = "/chicplay.v1.CheckoutService/UpdateOrderStatus"
	MethodViewProduct       = "/chicplay.v1.CheckoutService/ViewProduct"
)

// CheckoutServiceServer — серверная часть API. Сообщения передаются как google.protobuf.Struct.
type CheckoutServiceServer interface {
	PlaceOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListOrders(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetProfile(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	UpdateOrderStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ViewProduct(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(srv CheckoutServiceServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryCall) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CheckoutServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(CheckoutServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// CheckoutServiceDesc описывает сервис для grpc.Server.
var CheckoutServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CheckoutServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "PlaceOrder",
			Handler:    unaryHandler(MethodPlaceOrder, CheckoutServiceServer.PlaceOrder),
		},
		{
			MethodName: "GetOrder",
			Handler:    unaryHandler(MethodGetOrder, CheckoutServiceServer.GetOrder),
		},
		{
			MethodName: "ListOrders",
			Handler:    unaryHandler(MethodListOrders, CheckoutServiceServer.ListOrders),
		},
		{
			MethodName: "GetProfile",
			Handler:    unaryHandler(MethodGetProfile, CheckoutServiceServer.GetProfile),
		},
		{
			MethodName: "UpdateOrderStatus",
			Handler:    unaryHandler(MethodUpdateOrderStatus, CheckoutServiceServer.UpdateOrderStatus),
		},
		{
			MethodName: "ViewProduct",
			Handler:    unaryHandler(MethodViewProduct, CheckoutServiceServer.ViewProduct),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "chicplay/v1/checkout.proto",
}

// RegisterCheckoutServiceServer регистрирует реализацию на сервере.
func RegisterCheckoutServiceServer(s grpc.ServiceRegistrar, srv CheckoutServiceServer) {
	s.RegisterService(&CheckoutServiceDesc, srv)
}

// Client — клиент CheckoutService поверх произвольного соединения.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient создаёт клиента.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call вызывает метод с JSON-совместимым телом и декодирует ответ в out (может быть nil).
func (c *Client) Call(ctx context.Context, method string, in any, out any, opts ...grpc.CallOption) error {
	req, err := encodeStruct(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, req, resp, opts...); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decodeStruct(resp, out)
}
