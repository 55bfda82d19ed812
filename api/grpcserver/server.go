package grpcserver

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"marketbook/api/httpserver"
	"marketbook/api/query"
	"marketbook/domain/order"
	"marketbook/service"
)

// ServiceName is the gRPC service the order book is exposed as. Every
// method takes and returns a google.protobuf.Struct shaped like the
// matching REST body.
const ServiceName = "marketbook.v1.OrderBook"

const metadataAuth = "authorization"

// Server adapts the order service to gRPC.
type Server struct {
	orders httpserver.Orders
	auth   httpserver.Authorizer
	log    zerolog.Logger
}

func NewServer(orders httpserver.Orders, auth httpserver.Authorizer, log zerolog.Logger) *Server {
	return &Server{
		orders: orders,
		auth:   auth,
		log:    log.With().Str("module", "grpc").Logger(),
	}
}

// Register adds the service to s.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

// Recover turns a handler panic into codes.Internal so one bad request
// cannot stop the server.
func Recover(log zerolog.Logger) grpc.UnaryServerInterceptor {
	log = log.With().Str("module", "grpc").Logger()
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("method", info.FullMethod).Msg("handler panicked")
				resp, err = nil, status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

type handlerFunc func(s *Server, ctx context.Context, in *structpb.Struct) (any, error)

func unary(name string, fn handlerFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req any) (any, error) {
				s := srv.(*Server)
				out, err := fn(s, ctx, req.(*structpb.Struct))
				if err != nil {
					return nil, s.toStatus(err)
				}
				return toStruct(out)
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, call)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary("Challenge", (*Server).challenge),
		unary("Publish", (*Server).publish),
		unary("Unpublish", (*Server).unpublish),
		unary("GetOrder", (*Server).getOrder),
		unary("ListOrders", (*Server).listOrders),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "marketbook/v1/orderbook.proto",
}

// -------------------- Commands --------------------

func (s *Server) challenge(ctx context.Context, in *structpb.Struct) (any, error) {
	q := values(in)
	id, err := query.ChainID(q)
	if err != nil {
		return nil, err
	}
	addr, err := query.RequiredAddress(q, "address")
	if err != nil {
		return nil, err
	}
	c, err := s.auth.Issue(ctx, id, addr)
	if err != nil {
		return nil, err
	}
	return map[string]any{"hash": c.Hash, "value": c.Value, "address": c.Address}, nil
}

func (s *Server) publish(ctx context.Context, in *structpb.Struct) (any, error) {
	q := values(in)
	kind, id, err := target(q)
	if err != nil {
		return nil, err
	}

	body := in.GetFields()["order"].GetStructValue()
	if body == nil {
		return nil, order.NewValidationError("order is a required field")
	}
	raw, err := protojson.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "encode order")
	}
	var p order.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, order.NewValidationError("invalid order: %v", err)
	}

	caller, err := s.authorize(ctx, id)
	if err != nil {
		return nil, err
	}

	o, err := s.orders.Publish(ctx, service.PublishRequest{ChainID: id, Kind: kind, Order: p, Caller: caller})
	if err != nil {
		return nil, err
	}
	s.log.Debug().Str("kind", kind.String()).Str("orderHash", o.OrderHash.Hex()).Msg("published")
	return map[string]any{"published": o}, nil
}

func (s *Server) unpublish(ctx context.Context, in *structpb.Struct) (any, error) {
	q := values(in)
	kind, id, err := target(q)
	if err != nil {
		return nil, err
	}

	body := make(map[string]string, len(q))
	for k := range q {
		body[k] = q.Get(k)
	}
	req, err := query.Withdrawal(kind, id, body)
	if err != nil {
		return nil, err
	}
	if req.Caller, err = s.authorize(ctx, id); err != nil {
		return nil, err
	}

	hashes, err := s.orders.Unpublish(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]any{"unpublished": hashes}, nil
}

// -------------------- Queries --------------------

func (s *Server) getOrder(ctx context.Context, in *structpb.Struct) (any, error) {
	q := values(in)
	kind, id, err := target(q)
	if err != nil {
		return nil, err
	}
	hash, err := query.Hash("orderHash", q.Get("orderHash"))
	if err != nil {
		return nil, err
	}
	return s.orders.GetOrder(ctx, id, kind, hash)
}

func (s *Server) listOrders(ctx context.Context, in *structpb.Struct) (any, error) {
	q := values(in)
	kind, err := kindOf(q)
	if err != nil {
		return nil, err
	}
	req, err := query.List(kind, q)
	if err != nil {
		return nil, err
	}
	page, err := s.orders.ListOrders(ctx, req)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"count": page.Count, "orders": page.Orders}
	if page.NextPage != nil {
		out["nextPage"] = *page.NextPage
	}
	return out, nil
}

// -------------------- Converters --------------------

func (s *Server) authorize(ctx context.Context, chainID uint64) (common.Address, error) {
	var header string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(metadataAuth); len(v) > 0 {
			header = v[0]
		}
	}
	return s.auth.Authorize(ctx, chainID, header)
}

func kindOf(q url.Values) (order.Kind, error) {
	s := q.Get("kind")
	if s == "" {
		return 0, order.NewValidationError("kind is a required field")
	}
	k, err := order.ParseKind(s)
	if err != nil {
		return 0, order.NewValidationError("kind must be one of [app, dataset, workerpool, request]")
	}
	return k, nil
}

func target(q url.Values) (order.Kind, uint64, error) {
	kind, err := kindOf(q)
	if err != nil {
		return 0, 0, err
	}
	id, err := query.ChainID(q)
	return kind, id, err
}

// values flattens the scalar members of in into query parameters.
func values(in *structpb.Struct) url.Values {
	q := url.Values{}
	for k, v := range in.GetFields() {
		switch x := v.GetKind().(type) {
		case *structpb.Value_StringValue:
			q.Set(k, x.StringValue)
		case *structpb.Value_NumberValue:
			q.Set(k, strconv.FormatFloat(x.NumberValue, 'f', -1, 64))
		case *structpb.Value_BoolValue:
			q.Set(k, strconv.FormatBool(x.BoolValue))
		}
	}
	return q
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "internal error")
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Error(codes.Internal, "internal error")
	}
	return out, nil
}

func (s *Server) toStatus(err error) error {
	msg := errors.Cause(err).Error()
	switch {
	case order.IsValidation(err):
		return status.Error(codes.InvalidArgument, msg)
	case order.IsAuth(err), order.IsBusiness(err):
		return status.Error(codes.PermissionDenied, msg)
	case order.IsNotFound(err):
		return status.Error(codes.NotFound, msg)
	}
	s.log.Error().Err(err).Msg("request failed")
	return status.Error(codes.Internal, "internal error")
}
