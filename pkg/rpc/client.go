package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	gladysproto "github.com/gladys-project/gladys/proto"
)

// Client is a thin Orchestrator gRPC client: insecure plaintext transport
// (this service is expected to run as a local sidecar, not across a network
// boundary), one *grpc.ClientConn shared across calls, and hand-invoked
// methods in place of generated stubs.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient dials the Orchestrator's gRPC address.
func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator client for %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) PublishEvent(ctx context.Context, req *gladysproto.PublishEventRequest) (*gladysproto.PublishEventResponse, error) {
	resp := new(gladysproto.PublishEventResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/PublishEvent", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) RegisterComponent(ctx context.Context, req *gladysproto.RegisterComponentRequest) (*gladysproto.RegisterComponentResponse, error) {
	resp := new(gladysproto.RegisterComponentResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/RegisterComponent", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Heartbeat(ctx context.Context, req *gladysproto.HeartbeatRequest) (*gladysproto.HeartbeatResponse, error) {
	resp := new(gladysproto.HeartbeatResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/Heartbeat", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) ProvideFeedback(ctx context.Context, req *gladysproto.ProvideFeedbackRequest) (*gladysproto.ProvideFeedbackResponse, error) {
	resp := new(gladysproto.ProvideFeedbackResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/ProvideFeedback", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Health(ctx context.Context) (*gladysproto.HealthResponse, error) {
	resp := new(gladysproto.HealthResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/Health", &gladysproto.HealthRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SubscribeStream is the client-side handle returned by Subscribe: Recv
// blocks for the next forwarded event.
type SubscribeStream struct {
	stream grpc.ClientStream
}

func (s *SubscribeStream) Recv() (*gladysproto.SubscribeResponse, error) {
	resp := new(gladysproto.SubscribeResponse)
	if err := s.stream.RecvMsg(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *SubscribeStream) CloseSend() error { return s.stream.CloseSend() }

// Subscribe opens the server-streaming subscription.
func (c *Client) Subscribe(ctx context.Context, req *gladysproto.SubscribeRequest) (*SubscribeStream, error) {
	desc := &grpc.StreamDesc{ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/"+serviceName+"/Subscribe")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &SubscribeStream{stream: stream}, nil
}

// PublishEventsStream is the client-side handle for the batch ingress path.
type PublishEventsStream struct {
	stream grpc.ClientStream
}

func (s *PublishEventsStream) Send(req *gladysproto.PublishEventsRequest) error {
	return s.stream.SendMsg(req)
}

func (s *PublishEventsStream) Recv() (*gladysproto.PublishEventResponse, error) {
	resp := new(gladysproto.PublishEventResponse)
	if err := s.stream.RecvMsg(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *PublishEventsStream) CloseSend() error { return s.stream.CloseSend() }

// PublishEvents opens the client-streaming batch ingress.
func (c *Client) PublishEvents(ctx context.Context) (*PublishEventsStream, error) {
	desc := &grpc.StreamDesc{ClientStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/"+serviceName+"/PublishEvents")
	if err != nil {
		return nil, err
	}
	return &PublishEventsStream{stream: stream}, nil
}
