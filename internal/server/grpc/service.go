package grpc

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "capsulekeeper.v1.CapsuleService"

// CapsuleServiceServer is the client-facing API.
type CapsuleServiceServer interface {
	Ping(context.Context, *PingRequest) (*PingResponse, error)

	CreateLetter(context.Context, *CreateLetterRequest) (*LetterResponse, error)
	UpdateLetter(context.Context, *UpdateLetterRequest) (*LetterResponse, error)
	DeleteLetter(context.Context, *LetterRequest) (*Empty, error)
	GetLetter(context.Context, *LetterRequest) (*LetterResponse, error)
	SetLetterVisibility(context.Context, *SetLetterVisibilityRequest) (*Empty, error)
	RevealLetter(context.Context, *RevealLetterRequest) (*LetterResponse, error)

	ScheduleDelivery(context.Context, *ScheduleDeliveryRequest) (*DeliveryResponse, error)
	CancelDelivery(context.Context, *DeliveryRequest) (*Empty, error)
	RescheduleDelivery(context.Context, *RescheduleDeliveryRequest) (*DeliveryResponse, error)
	ListDeliveries(context.Context, *ListDeliveriesRequest) (*ListDeliveriesResponse, error)

	AddShippingAddress(context.Context, *AddShippingAddressRequest) (*ShippingAddressResponse, error)
	GetEntitlements(context.Context, *GetEntitlementsRequest) (*EntitlementsResponse, error)
}

// unary adapts a typed method to grpc.MethodDesc, running the server's
// interceptor chain the same way generated code does.
func unary[Req, Resp any](name string, call func(CapsuleServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CapsuleServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(CapsuleServiceServer), ctx, req.(*Req))
			})
		},
	}
}

// FullMethod returns "/capsulekeeper.v1.CapsuleService/<name>".
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CapsuleServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Ping", CapsuleServiceServer.Ping),
		unary("CreateLetter", CapsuleServiceServer.CreateLetter),
		unary("UpdateLetter", CapsuleServiceServer.UpdateLetter),
		unary("DeleteLetter", CapsuleServiceServer.DeleteLetter),
		unary("GetLetter", CapsuleServiceServer.GetLetter),
		unary("SetLetterVisibility", CapsuleServiceServer.SetLetterVisibility),
		unary("RevealLetter", CapsuleServiceServer.RevealLetter),
		unary("ScheduleDelivery", CapsuleServiceServer.ScheduleDelivery),
		unary("CancelDelivery", CapsuleServiceServer.CancelDelivery),
		unary("RescheduleDelivery", CapsuleServiceServer.RescheduleDelivery),
		unary("ListDeliveries", CapsuleServiceServer.ListDeliveries),
		unary("AddShippingAddress", CapsuleServiceServer.AddShippingAddress),
		unary("GetEntitlements", CapsuleServiceServer.GetEntitlements),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "capsulekeeper/v1/capsule.json",
}

// Client calls CapsuleService over an existing connection using the JSON
// codec.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *Client, name string, in any) (*Resp, error) {
	out := new(Resp)
	if err := c.cc.Invoke(ctx, FullMethod(name), in, out, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Ping(ctx context.Context) (*PingResponse, error) {
	return invoke[PingResponse](ctx, c, "Ping", &PingRequest{})
}

func (c *Client) CreateLetter(ctx context.Context, in *CreateLetterRequest) (*LetterResponse, error) {
	return invoke[LetterResponse](ctx, c, "CreateLetter", in)
}

func (c *Client) UpdateLetter(ctx context.Context, in *UpdateLetterRequest) (*LetterResponse, error) {
	return invoke[LetterResponse](ctx, c, "UpdateLetter", in)
}

func (c *Client) DeleteLetter(ctx context.Context, id string) error {
	_, err := invoke[Empty](ctx, c, "DeleteLetter", &LetterRequest{ID: id})
	return err
}

func (c *Client) GetLetter(ctx context.Context, id string) (*LetterResponse, error) {
	return invoke[LetterResponse](ctx, c, "GetLetter", &LetterRequest{ID: id})
}

func (c *Client) SetLetterVisibility(ctx context.Context, id string, public bool) error {
	_, err := invoke[Empty](ctx, c, "SetLetterVisibility", &SetLetterVisibilityRequest{ID: id, Public: public})
	return err
}

func (c *Client) RevealLetter(ctx context.Context, token string) (*LetterResponse, error) {
	return invoke[LetterResponse](ctx, c, "RevealLetter", &RevealLetterRequest{ShareToken: token})
}

func (c *Client) ScheduleDelivery(ctx context.Context, in *ScheduleDeliveryRequest) (*DeliveryResponse, error) {
	return invoke[DeliveryResponse](ctx, c, "ScheduleDelivery", in)
}

func (c *Client) CancelDelivery(ctx context.Context, id string) error {
	_, err := invoke[Empty](ctx, c, "CancelDelivery", &DeliveryRequest{ID: id})
	return err
}

func (c *Client) RescheduleDelivery(ctx context.Context, in *RescheduleDeliveryRequest) (*DeliveryResponse, error) {
	return invoke[DeliveryResponse](ctx, c, "RescheduleDelivery", in)
}

func (c *Client) ListDeliveries(ctx context.Context) (*ListDeliveriesResponse, error) {
	return invoke[ListDeliveriesResponse](ctx, c, "ListDeliveries", &ListDeliveriesRequest{})
}

func (c *Client) AddShippingAddress(ctx context.Context, in *AddShippingAddressRequest) (*ShippingAddressResponse, error) {
	return invoke[ShippingAddressResponse](ctx, c, "AddShippingAddress", in)
}

func (c *Client) GetEntitlements(ctx context.Context) (*EntitlementsResponse, error) {
	return invoke[EntitlementsResponse](ctx, c, "GetEntitlements", &GetEntitlementsRequest{})
}
