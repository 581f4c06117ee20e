package server

import (
	"context"

	"github.com/triage-ai/rampart/internal/engine"
	"github.com/triage-ai/rampart/internal/incremental"
	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "rampart.v1.Inspector"

const (
	methodInspect        = "/" + ServiceName + "/Inspect"
	methodInspectContent = "/" + ServiceName + "/InspectContent"
	methodResume         = "/" + ServiceName + "/ResumeCheckpoint"
)

// InspectRequest is one inbound HTTP request to inspect.
type InspectRequest struct {
	IP        string              `json:"ip,omitempty"`
	SessionID string              `json:"session_id,omitempty"`
	UserID    string              `json:"user_id,omitempty"`
	Method    string              `json:"method"`
	Path      string              `json:"path"`
	Headers   map[string]string   `json:"headers,omitempty"`
	Query     map[string][]string `json:"query,omitempty"`
	Body      []byte              `json:"body,omitempty"`
}

// InspectResponse is the aggregated verdict.
type InspectResponse struct {
	RequestID      string           `json:"request_id"`
	Verdict        string           `json:"verdict"`
	Severity       string           `json:"severity"`
	Reason         string           `json:"reason,omitempty"`
	Results        []*engine.Result `json:"results"`
	TimedOut       []string         `json:"timed_out,omitempty"`
	Executed       int              `json:"executed"`
	Skipped        int              `json:"skipped"`
	ShortCircuited bool             `json:"short_circuited"`
	LatencyMs      float32          `json:"latency_ms"`
}

// ContentRequest carries raw content for incremental inspection.
type ContentRequest struct {
	Content []byte `json:"content"`
}

// ResumeRequest continues a checkpointed inspection. MaxChunks <= 0 runs to
// the end.
type ResumeRequest struct {
	CheckpointID string `json:"checkpoint_id"`
	MaxChunks    int    `json:"max_chunks,omitempty"`
}

// ContentResponse is an incremental inspection outcome.
type ContentResponse struct {
	RequestID string              `json:"request_id"`
	Verdict   string              `json:"verdict"`
	Result    *incremental.Result `json:"result"`
	LatencyMs float32             `json:"latency_ms"`
}

// InspectorService is the server side of rampart.v1.Inspector.
type InspectorService interface {
	Inspect(ctx context.Context, req *InspectRequest) (*InspectResponse, error)
	InspectContent(ctx context.Context, req *ContentRequest) (*ContentResponse, error)
	ResumeCheckpoint(ctx context.Context, req *ResumeRequest) (*ContentResponse, error)
}

// RegisterInspectorService registers srv on s.
func RegisterInspectorService(s grpc.ServiceRegistrar, srv InspectorService) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InspectorService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Inspect", Handler: unaryHandler(methodInspect, InspectorService.Inspect)},
		{MethodName: "InspectContent", Handler: unaryHandler(methodInspectContent, InspectorService.InspectContent)},
		{MethodName: "ResumeCheckpoint", Handler: unaryHandler(methodResume, InspectorService.ResumeCheckpoint)},
	},
	Metadata: "rampart/v1/inspector",
}

// unaryHandler adapts a typed service method to grpc's untyped handler
// signature, running it through the server's interceptor chain.
func unaryHandler[Req, Resp any](fullMethod string, call func(InspectorService, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(InspectorService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(InspectorService), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Client calls rampart.v1.Inspector over any connection, always with the
// JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Inspect(ctx context.Context, in *InspectRequest, opts ...grpc.CallOption) (*InspectResponse, error) {
	out := new(InspectResponse)
	if err := c.invoke(ctx, methodInspect, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) InspectContent(ctx context.Context, in *ContentRequest, opts ...grpc.CallOption) (*ContentResponse, error) {
	out := new(ContentResponse)
	if err := c.invoke(ctx, methodInspectContent, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ResumeCheckpoint(ctx context.Context, in *ResumeRequest, opts ...grpc.CallOption) (*ContentResponse, error) {
	out := new(ContentResponse)
	if err := c.invoke(ctx, methodResume, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}
