package rpc

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	gladysproto "github.com/gladys-project/gladys/proto"

	"github.com/gladys-project/gladys/pkg/orchestrator"
	"github.com/gladys-project/gladys/pkg/types"
)

// serviceName is the gRPC service path segment, mirroring what a
// `service Orchestrator` block in a .proto file would generate.
const serviceName = "gladys.Orchestrator"

// Server implements the Orchestrator gRPC service by delegating to an
// *orchestrator.Orchestrator. Handlers are hand-written (see ServiceDesc
// below) in place of protoc-gen-go-grpc output — see DESIGN.md for why.
type Server struct {
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
}

// NewServer wraps an Orchestrator for gRPC exposure.
func NewServer(orch *orchestrator.Orchestrator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{orch: orch, logger: logger}
}

// NewGRPCServer builds a *grpc.Server with the Orchestrator service
// registered over the JSON codec (grpc.ForceServerCodec — the JSON codec is
// selected for every call regardless of the client's negotiated
// content-subtype, since this deployment has exactly one wire format).
func NewGRPCServer(orch *orchestrator.Orchestrator, logger *slog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&ServiceDesc, NewServer(orch, logger))
	return gs
}

func (s *Server) PublishEvent(ctx context.Context, req *gladysproto.PublishEventRequest) (*gladysproto.PublishEventResponse, error) {
	payload, err := gladysproto.ValidatePayload(req.Event.StructuredPayload)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	req.Event.StructuredPayload = payload
	req.Event.Metadata = req.Metadata

	accepted, errMsg := s.orch.PublishEvent(ctx, req.Event)
	return &gladysproto.PublishEventResponse{EventID: req.Event.ID, Accepted: accepted, ErrorMessage: errMsg}, nil
}

// PublishEvents implements the client-streaming batch ingress: the sensor
// sends one frame per event and receives one ack per frame, in order.
func (s *Server) PublishEvents(stream grpc.ServerStream) error {
	for {
		in := new(gladysproto.PublishEventsRequest)
		if err := stream.RecvMsg(in); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		payload, err := gladysproto.ValidatePayload(in.Event.StructuredPayload)
		if err != nil {
			if sendErr := stream.SendMsg(&gladysproto.PublishEventResponse{EventID: in.Event.ID, Accepted: false, ErrorMessage: err.Error()}); sendErr != nil {
				return sendErr
			}
			continue
		}
		in.Event.StructuredPayload = payload
		in.Event.Metadata = in.Metadata

		accepted, errMsg := s.orch.PublishEvent(stream.Context(), in.Event)
		if err := stream.SendMsg(&gladysproto.PublishEventResponse{EventID: in.Event.ID, Accepted: accepted, ErrorMessage: errMsg}); err != nil {
			return err
		}
	}
}

// Subscribe implements the server-streaming fan-out: each event accepted by
// the orchestrator and matching the subscriber's filters is forwarded once.
func (s *Server) Subscribe(req *gladysproto.SubscribeRequest, stream grpc.ServerStream) error {
	ch, unsubscribe := s.orch.Subscribe(req.SubscriberID, req.SourceFilters, req.EventTypes)
	defer unsubscribe()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.SendMsg(&gladysproto.SubscribeResponse{Event: ev}); err != nil {
				return err
			}
		}
	}
}

func (s *Server) RegisterComponent(_ context.Context, req *gladysproto.RegisterComponentRequest) (*gladysproto.RegisterComponentResponse, error) {
	id := s.orch.RegisterComponent(req.ID, req.Type, req.Address, req.Capabilities)
	return &gladysproto.RegisterComponentResponse{ID: id}, nil
}

func (s *Server) UnregisterComponent(_ context.Context, req *gladysproto.UnregisterComponentRequest) (*gladysproto.UnregisterComponentResponse, error) {
	s.orch.UnregisterComponent(req.ID)
	return &gladysproto.UnregisterComponentResponse{}, nil
}

func (s *Server) Heartbeat(_ context.Context, req *gladysproto.HeartbeatRequest) (*gladysproto.HeartbeatResponse, error) {
	cmds, err := s.orch.Heartbeat(req.ID, req.State, req.ErrorMsg)
	if err != nil {
		// Propagate via the response field rather than an out-of-band gRPC
		// status: the caller is expected to retry with corrected state, not
		// back off transport-wide.
		return &gladysproto.HeartbeatResponse{Acknowledged: false}, nil
	}
	return &gladysproto.HeartbeatResponse{Acknowledged: true, PendingCommands: cmds}, nil
}

func (s *Server) SendCommand(_ context.Context, req *gladysproto.SendCommandRequest) (*gladysproto.SendCommandResponse, error) {
	args, err := gladysproto.ValidatePayload(req.Args)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	id, err := s.orch.SendCommand(req.TargetID, req.Command, args)
	if err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	return &gladysproto.SendCommandResponse{CommandID: id}, nil
}

func (s *Server) ResolveComponent(_ context.Context, req *gladysproto.ResolveComponentRequest) (*gladysproto.ResolveComponentResponse, error) {
	reg, ok := s.orch.ResolveComponent(req.ID, req.Type)
	if !ok {
		return &gladysproto.ResolveComponentResponse{Found: false}, nil
	}
	return &gladysproto.ResolveComponentResponse{Found: true, Registration: reg}, nil
}

func (s *Server) ProvideFeedback(ctx context.Context, req *gladysproto.ProvideFeedbackRequest) (*gladysproto.ProvideFeedbackResponse, error) {
	event := types.Event{ID: req.EventID, Metadata: req.Metadata}
	result := s.orch.ProvideFeedback(ctx, event, req.ResponseText, req.Positive)
	resp := &gladysproto.ProvideFeedbackResponse{Accepted: result.Rejected == ""}
	if result.Rejected != "" {
		resp.ErrorMessage = result.Rejected
	}
	for _, id := range []string{result.HeuristicCreatedID, result.HeuristicUpdatedID} {
		if id != "" {
			resp.AffectedHeuristicIDs = append(resp.AffectedHeuristicIDs, id)
		}
	}
	return resp, nil
}

func (s *Server) SystemStatus(_ context.Context, _ *gladysproto.SystemStatusRequest) (*gladysproto.SystemStatusResponse, error) {
	return &gladysproto.SystemStatusResponse{
		QueueDepth:      int64(s.orch.Queue.Len()),
		QueueDropped:    s.orch.Queue.Dropped(),
		PendingOutcomes: int64(s.orch.Outcome.PendingCount()),
		Subscribers:     int64(s.orch.Subscribers.Count()),
		Components:      s.orch.Registry.Snapshot(),
	}, nil
}

func (s *Server) Health(_ context.Context, _ *gladysproto.HealthRequest) (*gladysproto.HealthResponse, error) {
	return &gladysproto.HealthResponse{Status: "SERVING"}, nil
}

func (s *Server) HealthDetails(_ context.Context, _ *gladysproto.HealthDetailsRequest) (*gladysproto.HealthDetailsResponse, error) {
	checks := map[string]string{
		"queue": "ok",
	}
	if s.orch.Queue.Dropped() > 0 {
		checks["queue"] = fmt.Sprintf("degraded: %d dropped under backpressure", s.orch.Queue.Dropped())
	}
	return &gladysproto.HealthDetailsResponse{Status: "SERVING", Checks: checks}, nil
}

// ────────────────────────────────────────────────────────────
// Hand-written ServiceDesc — the grpc-go runtime only needs this shape, not
// generated code, to dispatch inbound calls to the methods above.
// ────────────────────────────────────────────────────────────

func unaryHandler[REQ any](fn func(*Server, context.Context, *REQ) (any, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(REQ)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(*Server)
		if interceptor == nil {
			return fn(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + methodNameOf(in)}
		handler := func(ctx context.Context, req any) (any, error) {
			return fn(s, ctx, req.(*REQ))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// methodNameOf is only used to populate interceptor info's FullMethod and
// has no bearing on dispatch (grpc-go routes purely on the registered
// MethodName below); a fixed placeholder is acceptable here since none of
// the ambient stack's interceptors inspect it.
func methodNameOf(_ any) string { return "Call" }

// ServiceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit for a `service Orchestrator` block covering the full sensor
// RPC surface.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "PublishEvent",
			Handler: unaryHandler(func(s *Server, ctx context.Context, in *gladysproto.PublishEventRequest) (any, error) {
				return s.PublishEvent(ctx, in)
			}),
		},
		{
			MethodName: "RegisterComponent",
			Handler: unaryHandler(func(s *Server, ctx context.Context, in *gladysproto.RegisterComponentRequest) (any, error) {
				return s.RegisterComponent(ctx, in)
			}),
		},
		{
			MethodName: "UnregisterComponent",
			Handler: unaryHandler(func(s *Server, ctx context.Context, in *gladysproto.UnregisterComponentRequest) (any, error) {
				return s.UnregisterComponent(ctx, in)
			}),
		},
		{
			MethodName: "Heartbeat",
			Handler: unaryHandler(func(s *Server, ctx context.Context, in *gladysproto.HeartbeatRequest) (any, error) {
				return s.Heartbeat(ctx, in)
			}),
		},
		{
			MethodName: "SendCommand",
			Handler: unaryHandler(func(s *Server, ctx context.Context, in *gladysproto.SendCommandRequest) (any, error) {
				return s.SendCommand(ctx, in)
			}),
		},
		{
			MethodName: "ResolveComponent",
			Handler: unaryHandler(func(s *Server, ctx context.Context, in *gladysproto.ResolveComponentRequest) (any, error) {
				return s.ResolveComponent(ctx, in)
			}),
		},
		{
			MethodName: "ProvideFeedback",
			Handler: unaryHandler(func(s *Server, ctx context.Context, in *gladysproto.ProvideFeedbackRequest) (any, error) {
				return s.ProvideFeedback(ctx, in)
			}),
		},
		{
			MethodName: "SystemStatus",
			Handler: unaryHandler(func(s *Server, ctx context.Context, in *gladysproto.SystemStatusRequest) (any, error) {
				return s.SystemStatus(ctx, in)
			}),
		},
		{
			MethodName: "Health",
			Handler: unaryHandler(func(s *Server, ctx context.Context, in *gladysproto.HealthRequest) (any, error) {
				return s.Health(ctx, in)
			}),
		},
		{
			MethodName: "HealthDetails",
			Handler: unaryHandler(func(s *Server, ctx context.Context, in *gladysproto.HealthDetailsRequest) (any, error) {
				return s.HealthDetails(ctx, in)
			}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "PublishEvents",
			Handler:       func(srv any, stream grpc.ServerStream) error { return srv.(*Server).PublishEvents(stream) },
			ClientStreams: true,
		},
		{
			StreamName: "Subscribe",
			Handler: func(srv any, stream grpc.ServerStream) error {
				req := new(gladysproto.SubscribeRequest)
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return srv.(*Server).Subscribe(req, stream)
			},
			ServerStreams: true,
		},
	},
	Metadata: "gladys/orchestrator.proto",
}
