// Package operatorv1 defines the operator gRPC service: the narrow channel
// through which a privileged operator approves or denies pending
// confirmations, lists them, reloads the rule set, and reads core status.
//
// Every message travels as a google.protobuf.Struct over the default proto
// codec, so any gRPC client that knows the well-known types can call the
// service. The Go types below are views over those structs.
package operatorv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "kalpana.operator.v1.Operator"

// Full method names.
const (
	ConfirmMethod      = "/" + ServiceName + "/Confirm"
	ListPendingMethod  = "/" + ServiceName + "/ListPending"
	ReloadMethod       = "/" + ServiceName + "/Reload"
	StatusMethod       = "/" + ServiceName + "/Status"
	ListSessionsMethod = "/" + ServiceName + "/ListSessions"
)

// Message converts to and from the Struct carried on the wire.
type Message interface {
	ToStruct() *structpb.Struct
	FromStruct(*structpb.Struct)
}

// ConfirmRequest approves or denies one pending confirmation. Approver is
// an optional label; the server derives the approver identity from the
// operator's peer credentials and only falls back to the label when those
// are unavailable.
type ConfirmRequest struct {
	CorrelationID string
	Approved      bool
	Approver      string
}

func (m *ConfirmRequest) ToStruct() *structpb.Struct {
	return fields{
		"correlation_id": structpb.NewStringValue(m.CorrelationID),
		"approved":       structpb.NewBoolValue(m.Approved),
		"approver":       structpb.NewStringValue(m.Approver),
	}.build()
}

func (m *ConfirmRequest) FromStruct(s *structpb.Struct) {
	m.CorrelationID = str(s, "correlation_id")
	m.Approved = boolean(s, "approved")
	m.Approver = str(s, "approver")
}

type ConfirmResponse struct {
	CorrelationID string
	Status        string
	Action        string
	Summary       string
	Principal     string
	Approver      string
}

func (m *ConfirmResponse) ToStruct() *structpb.Struct {
	return fields{
		"correlation_id": structpb.NewStringValue(m.CorrelationID),
		"status":         structpb.NewStringValue(m.Status),
		"action":         structpb.NewStringValue(m.Action),
		"summary":        structpb.NewStringValue(m.Summary),
		"principal":      structpb.NewStringValue(m.Principal),
		"approver":       structpb.NewStringValue(m.Approver),
	}.build()
}

func (m *ConfirmResponse) FromStruct(s *structpb.Struct) {
	m.CorrelationID = str(s, "correlation_id")
	m.Status = str(s, "status")
	m.Action = str(s, "action")
	m.Summary = str(s, "summary")
	m.Principal = str(s, "principal")
	m.Approver = str(s, "approver")
}

type ListPendingRequest struct{}

func (*ListPendingRequest) ToStruct() *structpb.Struct  { return &structpb.Struct{} }
func (*ListPendingRequest) FromStruct(*structpb.Struct) {}

// PendingConfirmation is one request awaiting an operator.
type PendingConfirmation struct {
	CorrelationID string
	SessionID     string
	Principal     string
	RequestSeq    uint64
	Action        string
	Summary       string
	RuleID        string
	Reason        string
	CreatedAt     string
	ExpiresAt     string
}

func (m *PendingConfirmation) ToStruct() *structpb.Struct {
	return fields{
		"correlation_id": structpb.NewStringValue(m.CorrelationID),
		"session_id":     structpb.NewStringValue(m.SessionID),
		"principal":      structpb.NewStringValue(m.Principal),
		"request_seq":    structpb.NewNumberValue(float64(m.RequestSeq)),
		"action":         structpb.NewStringValue(m.Action),
		"summary":        structpb.NewStringValue(m.Summary),
		"rule_id":        structpb.NewStringValue(m.RuleID),
		"reason":         structpb.NewStringValue(m.Reason),
		"created_at":     structpb.NewStringValue(m.CreatedAt),
		"expires_at":     structpb.NewStringValue(m.ExpiresAt),
	}.build()
}

func (m *PendingConfirmation) FromStruct(s *structpb.Struct) {
	m.CorrelationID = str(s, "correlation_id")
	m.SessionID = str(s, "session_id")
	m.Principal = str(s, "principal")
	m.RequestSeq = uint64(num(s, "request_seq"))
	m.Action = str(s, "action")
	m.Summary = str(s, "summary")
	m.RuleID = str(s, "rule_id")
	m.Reason = str(s, "reason")
	m.CreatedAt = str(s, "created_at")
	m.ExpiresAt = str(s, "expires_at")
}

type ListPendingResponse struct {
	Pending []PendingConfirmation
}

func (m *ListPendingResponse) ToStruct() *structpb.Struct {
	items := make([]*structpb.Value, len(m.Pending))
	for i := range m.Pending {
		items[i] = structpb.NewStructValue(m.Pending[i].ToStruct())
	}
	return fields{"pending": list(items)}.build()
}

func (m *ListPendingResponse) FromStruct(s *structpb.Struct) {
	items := s.GetFields()["pending"].GetListValue().GetValues()
	m.Pending = make([]PendingConfirmation, len(items))
	for i, v := range items {
		m.Pending[i].FromStruct(v.GetStructValue())
	}
}

type ReloadRequest struct{}

func (*ReloadRequest) ToStruct() *structpb.Struct  { return &structpb.Struct{} }
func (*ReloadRequest) FromStruct(*structpb.Struct) {}

type ReloadResponse struct {
	PolicyHash string
	Version    int
	Rules      int
	Changed    bool
}

func (m *ReloadResponse) ToStruct() *structpb.Struct {
	return fields{
		"policy_hash": structpb.NewStringValue(m.PolicyHash),
		"version":     structpb.NewNumberValue(float64(m.Version)),
		"rules":       structpb.NewNumberValue(float64(m.Rules)),
		"changed":     structpb.NewBoolValue(m.Changed),
	}.build()
}

func (m *ReloadResponse) FromStruct(s *structpb.Struct) {
	m.PolicyHash = str(s, "policy_hash")
	m.Version = int(num(s, "version"))
	m.Rules = int(num(s, "rules"))
	m.Changed = boolean(s, "changed")
}

type StatusRequest struct{}

func (*StatusRequest) ToStruct() *structpb.Struct  { return &structpb.Struct{} }
func (*StatusRequest) FromStruct(*structpb.Struct) {}

type StatusResponse struct {
	Mode                 string
	RequestsProcessed    uint64
	SessionsActive       int
	PendingConfirmations int
	AuditEntries         uint64
	Rules                int
	PolicyHash           string
	PolicyVersion        int
	UptimeSeconds        int64
	Draining             bool
}

func (m *StatusResponse) ToStruct() *structpb.Struct {
	return fields{
		"mode":                  structpb.NewStringValue(m.Mode),
		"requests_processed":    structpb.NewNumberValue(float64(m.RequestsProcessed)),
		"sessions_active":       structpb.NewNumberValue(float64(m.SessionsActive)),
		"pending_confirmations": structpb.NewNumberValue(float64(m.PendingConfirmations)),
		"audit_entries":         structpb.NewNumberValue(float64(m.AuditEntries)),
		"rules":                 structpb.NewNumberValue(float64(m.Rules)),
		"policy_hash":           structpb.NewStringValue(m.PolicyHash),
		"policy_version":        structpb.NewNumberValue(float64(m.PolicyVersion)),
		"uptime_seconds":        structpb.NewNumberValue(float64(m.UptimeSeconds)),
		"draining":              structpb.NewBoolValue(m.Draining),
	}.build()
}

func (m *StatusResponse) FromStruct(s *structpb.Struct) {
	m.Mode = str(s, "mode")
	m.RequestsProcessed = uint64(num(s, "requests_processed"))
	m.SessionsActive = int(num(s, "sessions_active"))
	m.PendingConfirmations = int(num(s, "pending_confirmations"))
	m.AuditEntries = uint64(num(s, "audit_entries"))
	m.Rules = int(num(s, "rules"))
	m.PolicyHash = str(s, "policy_hash")
	m.PolicyVersion = int(num(s, "policy_version"))
	m.UptimeSeconds = int64(num(s, "uptime_seconds"))
	m.Draining = boolean(s, "draining")
}

type ListSessionsRequest struct{}

func (*ListSessionsRequest) ToStruct() *structpb.Struct  { return &structpb.Struct{} }
func (*ListSessionsRequest) FromStruct(*structpb.Struct) {}

type SessionInfo struct {
	ID        string
	Principal string
	Client    string
	PID       int
	OpenedAt  string
	NextSeq   uint64
	Processed uint64
}

func (m *SessionInfo) ToStruct() *structpb.Struct {
	return fields{
		"id":        structpb.NewStringValue(m.ID),
		"principal": structpb.NewStringValue(m.Principal),
		"client":    structpb.NewStringValue(m.Client),
		"pid":       structpb.NewNumberValue(float64(m.PID)),
		"opened_at": structpb.NewStringValue(m.OpenedAt),
		"next_seq":  structpb.NewNumberValue(float64(m.NextSeq)),
		"processed": structpb.NewNumberValue(float64(m.Processed)),
	}.build()
}

func (m *SessionInfo) FromStruct(s *structpb.Struct) {
	m.ID = str(s, "id")
	m.Principal = str(s, "principal")
	m.Client = str(s, "client")
	m.PID = int(num(s, "pid"))
	m.OpenedAt = str(s, "opened_at")
	m.NextSeq = uint64(num(s, "next_seq"))
	m.Processed = uint64(num(s, "processed"))
}

type ListSessionsResponse struct {
	Sessions []SessionInfo
}

func (m *ListSessionsResponse) ToStruct() *structpb.Struct {
	items := make([]*structpb.Value, len(m.Sessions))
	for i := range m.Sessions {
		items[i] = structpb.NewStructValue(m.Sessions[i].ToStruct())
	}
	return fields{"sessions": list(items)}.build()
}

func (m *ListSessionsResponse) FromStruct(s *structpb.Struct) {
	items := s.GetFields()["sessions"].GetListValue().GetValues()
	m.Sessions = make([]SessionInfo, len(items))
	for i, v := range items {
		m.Sessions[i].FromStruct(v.GetStructValue())
	}
}

type fields map[string]*structpb.Value

func (f fields) build() *structpb.Struct { return &structpb.Struct{Fields: f} }

func list(items []*structpb.Value) *structpb.Value {
	return structpb.NewListValue(&structpb.ListValue{Values: items})
}

func str(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func num(s *structpb.Struct, key string) float64 {
	return s.GetFields()[key].GetNumberValue()
}

func boolean(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

// OperatorServer is implemented by the core.
type OperatorServer interface {
	Confirm(context.Context, *ConfirmRequest) (*ConfirmResponse, error)
	ListPending(context.Context, *ListPendingRequest) (*ListPendingResponse, error)
	Reload(context.Context, *ReloadRequest) (*ReloadResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	ListSessions(context.Context, *ListSessionsRequest) (*ListSessionsResponse, error)
}

// RegisterOperatorServer attaches srv to s.
func RegisterOperatorServer(s grpc.ServiceRegistrar, srv OperatorServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OperatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Confirm", Handler: unary(ConfirmMethod, OperatorServer.Confirm)},
		{MethodName: "ListPending", Handler: unary(ListPendingMethod, OperatorServer.ListPending)},
		{MethodName: "Reload", Handler: unary(ReloadMethod, OperatorServer.Reload)},
		{MethodName: "Status", Handler: unary(StatusMethod, OperatorServer.Status)},
		{MethodName: "ListSessions", Handler: unary(ListSessionsMethod, OperatorServer.ListSessions)},
	},
	Metadata: "kalpana/operator/v1",
}

// unary builds a grpc method handler around a typed call. The request is
// decoded as a Struct and viewed as Req; the typed response goes back out
// as a Struct.
func unary[Req any, Resp any, PReq interface {
	*Req
	Message
}, PResp interface {
	*Resp
	Message
}](method string, call func(OperatorServer, context.Context, PReq) (PResp, error)) grpc.MethodHandler {
	invoke := func(srv any, ctx context.Context, in PReq) (*structpb.Struct, error) {
		out, err := call(srv.(OperatorServer), ctx, in)
		if err != nil {
			return nil, err
		}
		return out.ToStruct(), nil
	}
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		wire := new(structpb.Struct)
		if err := dec(wire); err != nil {
			return nil, err
		}
		in := PReq(new(Req))
		in.FromStruct(wire)
		if interceptor == nil {
			return invoke(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return invoke(srv, ctx, req.(PReq))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// OperatorClient is the typed client stub.
type OperatorClient struct {
	cc grpc.ClientConnInterface
}

// NewOperatorClient wraps a connection.
func NewOperatorClient(cc grpc.ClientConnInterface) *OperatorClient {
	return &OperatorClient{cc: cc}
}

func (c *OperatorClient) invoke(ctx context.Context, method string, in, out Message, opts []grpc.CallOption) error {
	reply := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in.ToStruct(), reply, opts...); err != nil {
		return err
	}
	out.FromStruct(reply)
	return nil
}

func (c *OperatorClient) Confirm(ctx context.Context, in *ConfirmRequest, opts ...grpc.CallOption) (*ConfirmResponse, error) {
	out := new(ConfirmResponse)
	if err := c.invoke(ctx, ConfirmMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OperatorClient) ListPending(ctx context.Context, in *ListPendingRequest, opts ...grpc.CallOption) (*ListPendingResponse, error) {
	out := new(ListPendingResponse)
	if err := c.invoke(ctx, ListPendingMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OperatorClient) Reload(ctx context.Context, in *ReloadRequest, opts ...grpc.CallOption) (*ReloadResponse, error) {
	out := new(ReloadResponse)
	if err := c.invoke(ctx, ReloadMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OperatorClient) Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	out := new(StatusResponse)
	if err := c.invoke(ctx, StatusMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OperatorClient) ListSessions(ctx context.Context, in *ListSessionsRequest, opts ...grpc.CallOption) (*ListSessionsResponse, error) {
	out := new(ListSessionsResponse)
	if err := c.invoke(ctx, ListSessionsMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}
