package handler

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/medistock/internal/core/domain"
	"github.com/rl1809/medistock/internal/core/service"
)

// jsonCodec lets terminals speak gRPC without generated protobuf types.
// Clients select it with grpc.CallContentSubtype(JSONCodecName).
type jsonCodec struct{}

const JSONCodecName = "json"

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type RedeemRequest struct {
	Code string `json:"code"`
}

type RedeemResponse struct {
	OK            bool      `json:"ok"`
	ReservationID string    `json:"reservation_id"`
	PatientID     int64     `json:"patient_id"`
	DispenserID   int64     `json:"dispenser_id"`
	Delivered     int       `json:"delivered"`
	TotalUnits    int       `json:"total_units"`
	Items         []ItemDTO `json:"items"`
	DeliveredAt   time.Time `json:"delivered_at"`
}

type GetReservationRequest struct {
	Code string `json:"code"`
}

type DispenserStockRequest struct {
	DispenserID int64 `json:"dispenser_id"`
}

type DispenserStockResponse struct {
	Stock []StockDTO `json:"stock"`
}

// DispenserServer is the terminal-facing API of a pickup point.
type DispenserServer interface {
	Redeem(context.Context, *RedeemRequest) (*RedeemResponse, error)
	GetReservation(context.Context, *GetReservationRequest) (*ReservationDTO, error)
	DispenserStock(context.Context, *DispenserStockRequest) (*DispenserStockResponse, error)
}

type GRPCHandler struct {
	reservations *service.ReservationService
	fulfillment  *service.FulfillmentService
	inventory    *service.InventoryService
	log          *zap.Logger
}

var _ DispenserServer = (*GRPCHandler)(nil)

func NewGRPCHandler(reservations *service.ReservationService, fulfillment *service.FulfillmentService,
	inventory *service.InventoryService, log *zap.Logger) *GRPCHandler {
	return &GRPCHandler{
		reservations: reservations,
		fulfillment:  fulfillment,
		inventory:    inventory,
		log:          log,
	}
}

func (h *GRPCHandler) Redeem(ctx context.Context, req *RedeemRequest) (*RedeemResponse, error) {
	batch, err := h.fulfillment.Redeem(ctx, req.Code)
	if err != nil {
		return nil, h.toStatus(err)
	}

	items := make([]ItemDTO, 0, len(batch.Deliveries))
	for _, d := range batch.Deliveries {
		items = append(items, ItemDTO{MedicineID: d.MedicineID, Units: d.Units})
	}
	return &RedeemResponse{
		OK:            true,
		ReservationID: batch.ReservationID,
		PatientID:     batch.PatientID,
		DispenserID:   batch.DispenserID,
		Delivered:     len(batch.Deliveries),
		TotalUnits:    batch.TotalUnits,
		Items:         items,
		DeliveredAt:   batch.DeliveredAt,
	}, nil
}

func (h *GRPCHandler) GetReservation(ctx context.Context, req *GetReservationRequest) (*ReservationDTO, error) {
	res, err := h.reservations.GetReservation(ctx, req.Code)
	if err != nil {
		return nil, h.toStatus(err)
	}
	dto := reservationDTO(res)
	return &dto, nil
}

func (h *GRPCHandler) DispenserStock(ctx context.Context, req *DispenserStockRequest) (*DispenserStockResponse, error) {
	if req.DispenserID < 0 {
		return nil, status.Error(codes.InvalidArgument, "dispenser_id must not be negative")
	}
	levels, err := h.inventory.DispenserStock(ctx, req.DispenserID)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &DispenserStockResponse{Stock: stockDTOs(levels)}, nil
}

func (h *GRPCHandler) toStatus(err error) error {
	kind := domain.KindOf(err)
	switch kind {
	case domain.KindInternal:
		h.log.Error("rpc failed", zap.Error(err))
	case domain.KindTransactionConflict:
		h.log.Warn("rpc gave up after conflicts", zap.Error(err))
	}
	return status.Error(grpcCode(kind), string(kind)+": "+publicMessage(err))
}

// AuthInterceptor admits only dispenser staff tokens passed in the
// "authorization" metadata.
func AuthInterceptor(v *TokenVerifier) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		var header string
		if values := md.Get("authorization"); len(values) > 0 {
			header = values[0]
		}

		token, err := bearerToken(header)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		claims, err := v.Verify(token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		if claims.Role != RoleDispenser {
			return nil, status.Error(codes.PermissionDenied, "dispenser role required")
		}
		return handler(withClaims(ctx, claims), req)
	}
}

const dispenserServiceName = "medistock.v1.DispenserService"

func RegisterDispenserServer(s grpc.ServiceRegistrar, srv DispenserServer) {
	s.RegisterService(&dispenserServiceDesc, srv)
}

// unary adapts a typed method into a grpc.MethodDesc handler.
func unary[Req any](method string, call func(DispenserServer, context.Context, *Req) (any, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(DispenserServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + dispenserServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(DispenserServer), ctx, req.(*Req))
			})
		},
	}
}

var dispenserServiceDesc = grpc.ServiceDesc{
	ServiceName: dispenserServiceName,
	HandlerType: (*DispenserServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Redeem", func(s DispenserServer, ctx context.Context, in *RedeemRequest) (any, error) {
			return s.Redeem(ctx, in)
		}),
		unary("GetReservation", func(s DispenserServer, ctx context.Context, in *GetReservationRequest) (any, error) {
			return s.GetReservation(ctx, in)
		}),
		unary("DispenserStock", func(s DispenserServer, ctx context.Context, in *DispenserStockRequest) (any, error) {
			return s.DispenserStock(ctx, in)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "medistock/v1/dispenser.proto",
}

// DispenserClient calls DispenserService with the JSON codec.
type DispenserClient struct {
	cc    grpc.ClientConnInterface
	token string
}

func NewDispenserClient(cc grpc.ClientConnInterface, token string) *DispenserClient {
	return &DispenserClient{cc: cc, token: token}
}

func (c *DispenserClient) invoke(ctx context.Context, method string, in, out any) error {
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}
	return c.cc.Invoke(ctx, "/"+dispenserServiceName+"/"+method, in, out, grpc.CallContentSubtype(JSONCodecName))
}

func (c *DispenserClient) Redeem(ctx context.Context, code string) (*RedeemResponse, error) {
	out := new(RedeemResponse)
	if err := c.invoke(ctx, "Redeem", &RedeemRequest{Code: code}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DispenserClient) GetReservation(ctx context.Context, code string) (*ReservationDTO, error) {
	out := new(ReservationDTO)
	if err := c.invoke(ctx, "GetReservation", &GetReservationRequest{Code: code}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DispenserClient) DispenserStock(ctx context.Context, dispenserID int64) ([]StockDTO, error) {
	out := new(DispenserStockResponse)
	if err := c.invoke(ctx, "DispenserStock", &DispenserStockRequest{DispenserID: dispenserID}, out); err != nil {
		return nil, err
	}
	return out.Stock, nil
}

// StatusKind extracts the domain kind prefix from an error returned by
// DispenserClient.
func StatusKind(err error) domain.Kind {
	kind, _, ok := strings.Cut(status.Convert(err).Message(), ":")
	if !ok {
		return ""
	}
	return domain.Kind(kind)
}
