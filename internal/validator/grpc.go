package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/dsl-copilot/internal/codegen"
)

// ServiceName is the fully-qualified gRPC service exposed by validator servers.
const ServiceName = "dslcopilot.validator.v1.CodeValidator"

const validateCodeMethod = "/" + ServiceName + "/ValidateCode"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// codeValidatorServer is the server API. Requests and responses are
// google.protobuf.Struct values shaped {input, language, history} and
// {isValid, errors}.
type codeValidatorServer interface {
	ValidateCode(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var codeValidatorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*codeValidatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ValidateCode", Handler: validateCodeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dslcopilot/validator/v1/validator.proto",
}

func validateCodeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(codeValidatorServer).ValidateCode(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: validateCodeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(codeValidatorServer).ValidateCode(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type grpcServer struct {
	validator codegen.Validator
	logger    *slog.Logger
}

// RegisterGRPCServer exposes v as the CodeValidator service on s.
func RegisterGRPCServer(s grpc.ServiceRegistrar, v codegen.Validator, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	s.RegisterService(&codeValidatorServiceDesc, &grpcServer{validator: v, logger: logger})
}

func (s *grpcServer) ValidateCode(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.GetFields()
	input := fields["input"].GetStringValue()
	language := fields["language"].GetStringValue()
	if input == "" {
		return nil, status.Error(codes.InvalidArgument, "input is required")
	}

	start := time.Now()
	res, err := s.validator.Validate(ctx, codegen.ValidateRequest{Input: input, Language: language})
	if err != nil {
		s.logger.Error("Validation failed", "language", language, "error", err)
		return nil, status.Errorf(codes.Internal, "validate: %v", err)
	}
	s.logger.Info("Validated code",
		"language", language,
		"is_valid", res.IsValid,
		"error_count", len(res.Errors),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	errs := make([]any, 0, len(res.Errors))
	for _, e := range res.Errors {
		errs = append(errs, e)
	}
	out, err := structpb.NewStruct(map[string]any{
		"isValid": res.IsValid,
		"errors":  errs,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// GRPCClientConfig holds configuration for the gRPC client.
type GRPCClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGRPCClientConfig returns default configuration for addr.
func DefaultGRPCClientConfig(addr string) GRPCClientConfig {
	return GRPCClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPCClient validates code through a remote CodeValidator service.
type GRPCClient struct {
	conn    *grpc.ClientConn
	addr    string
	timeout time.Duration
	logger  *slog.Logger
}

// DialGRPC connects to a validator service and waits until the connection
// is ready so bad endpoints fail at startup.
func DialGRPC(cfg GRPCClientConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GRPCClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("create validator client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("validator at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to validator service", "address", cfg.Address)
	return &GRPCClient{conn: conn, addr: cfg.Address, timeout: cfg.RequestTimeout, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Validate implements codegen.Validator.
func (c *GRPCClient) Validate(ctx context.Context, req codegen.ValidateRequest) (codegen.ValidationResult, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	in, err := structpb.NewStruct(req.Payload())
	if err != nil {
		return codegen.ValidationResult{}, fmt.Errorf("encode validate request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, validateCodeMethod, in, out); err != nil {
		return codegen.ValidationResult{}, fmt.Errorf("validate code via %s: %w", c.addr, err)
	}

	raw, err := protojson.Marshal(out)
	if err != nil {
		return codegen.ValidationResult{}, fmt.Errorf("decode validate response: %w", err)
	}
	return codegen.ParseValidation(raw)
}

// Close closes the gRPC connection.
func (c *GRPCClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

var _ codegen.Validator = (*GRPCClient)(nil)
