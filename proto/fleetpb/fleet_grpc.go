package fleetpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FleetUplinkClient is the client API for the FleetUplink service.
type FleetUplinkClient interface {
	RegisterBoard(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error)
	StreamFaults(ctx context.Context, opts ...grpc.CallOption) (FleetUplink_StreamFaultsClient, error)
}

type fleetUplinkClient struct {
	cc grpc.ClientConnInterface
}

// NewFleetUplinkClient constructs a FleetUplinkClient over cc. Callers must
// dial cc with grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json"))
// so requests are framed with this package's codec.
func NewFleetUplinkClient(cc grpc.ClientConnInterface) FleetUplinkClient {
	return &fleetUplinkClient{cc: cc}
}

func (c *fleetUplinkClient) RegisterBoard(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	out := new(RegisterResponse)
	if err := c.cc.Invoke(ctx, FleetUplink_RegisterBoard_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *fleetUplinkClient) StreamFaults(ctx context.Context, opts ...grpc.CallOption) (FleetUplink_StreamFaultsClient, error) {
	stream, err := c.cc.NewStream(ctx, &FleetUplink_ServiceDesc.Streams[0], FleetUplink_StreamFaults_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	return &fleetUplinkStreamFaultsClient{stream}, nil
}

// FleetUplink_StreamFaultsClient is the client-side stream handle for
// StreamFaults: boards Send FaultReports and Recv Acks.
type FleetUplink_StreamFaultsClient interface {
	Send(*FaultReport) error
	Recv() (*Ack, error)
	grpc.ClientStream
}

type fleetUplinkStreamFaultsClient struct {
	grpc.ClientStream
}

func (s *fleetUplinkStreamFaultsClient) Send(r *FaultReport) error {
	return s.ClientStream.SendMsg(r)
}

func (s *fleetUplinkStreamFaultsClient) Recv() (*Ack, error) {
	m := new(Ack)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// FleetUplinkServer is the server API for the FleetUplink service.
type FleetUplinkServer interface {
	RegisterBoard(context.Context, *RegisterRequest) (*RegisterResponse, error)
	StreamFaults(FleetUplink_StreamFaultsServer) error
}

// UnimplementedFleetUplinkServer must be embedded in concrete server
// implementations to satisfy forward compatibility with new RPCs.
type UnimplementedFleetUplinkServer struct{}

func (UnimplementedFleetUplinkServer) RegisterBoard(context.Context, *RegisterRequest) (*RegisterResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method RegisterBoard not implemented")
}

func (UnimplementedFleetUplinkServer) StreamFaults(FleetUplink_StreamFaultsServer) error {
	return status.Error(codes.Unimplemented, "method StreamFaults not implemented")
}

// FleetUplink_StreamFaultsServer is the server-side stream handle for
// StreamFaults.
type FleetUplink_StreamFaultsServer interface {
	Send(*Ack) error
	Recv() (*FaultReport, error)
	grpc.ServerStream
}

type fleetUplinkStreamFaultsServer struct {
	grpc.ServerStream
}

func (s *fleetUplinkStreamFaultsServer) Send(a *Ack) error {
	return s.ServerStream.SendMsg(a)
}

func (s *fleetUplinkStreamFaultsServer) Recv() (*FaultReport, error) {
	m := new(FaultReport)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

const (
	FleetUplink_RegisterBoard_FullMethodName = "/fleet.FleetUplink/RegisterBoard"
	FleetUplink_StreamFaults_FullMethodName  = "/fleet.FleetUplink/StreamFaults"
)

func _FleetUplink_RegisterBoard_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FleetUplinkServer).RegisterBoard(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: FleetUplink_RegisterBoard_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FleetUplinkServer).RegisterBoard(ctx, req.(*RegisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _FleetUplink_StreamFaults_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(FleetUplinkServer).StreamFaults(&fleetUplinkStreamFaultsServer{stream})
}

// FleetUplink_ServiceDesc is the grpc.ServiceDesc for the FleetUplink
// service, registered with a *grpc.Server via RegisterFleetUplinkServer.
var FleetUplink_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "fleet.FleetUplink",
	HandlerType: (*FleetUplinkServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RegisterBoard",
			Handler:    _FleetUplink_RegisterBoard_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamFaults",
			Handler:       _FleetUplink_StreamFaults_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "proto/fleet.proto",
}

// RegisterFleetUplinkServer registers srv with s.
func RegisterFleetUplinkServer(s grpc.ServiceRegistrar, srv FleetUplinkServer) {
	s.RegisterService(&FleetUplink_ServiceDesc, srv)
}
