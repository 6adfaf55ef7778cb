package grpcx

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/byte4ever/resilix"
)

// KindFor maps a status code to the kind the engine should see.
// Unavailable, ResourceExhausted, Aborted and Internal are transient,
// DeadlineExceeded is a timeout, Canceled is a cancellation and every other
// failure is permanent.
func KindFor(code codes.Code) resilix.ErrorKind {
	switch code {
	case codes.OK:
		return resilix.KindNone
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return resilix.KindTransient
	case codes.DeadlineExceeded:
		return resilix.KindTimeout
	case codes.Canceled:
		return resilix.KindCancelled
	default:
		return resilix.KindPermanent
	}
}

// Classify wraps a gRPC error so resilix.KindOf reports KindFor of its
// code. Errors without a status pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch KindFor(st.Code()) {
	case resilix.KindTransient:
		return resilix.Transient(err)
	case resilix.KindTimeout:
		return fmt.Errorf("%w: %w", err, resilix.ErrTimeout)
	case resilix.KindCancelled:
		return fmt.Errorf("%w: %w", err, resilix.ErrCancelled)
	default:
		return resilix.Permanent(err)
	}
}

// TargetFunc names the engine target for a full RPC method name.
type TargetFunc func(method string) string

// FixedTarget sends every method to target.
func FixedTarget(target string) TargetFunc {
	return func(string) string { return target }
}

// UnaryClientInterceptor runs each unary RPC as a guarded call against the
// target chosen by targetFor.
func UnaryClientInterceptor(
	engine *resilix.Engine,
	targetFor TargetFunc,
) grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply any,
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		_, err := resilix.Do(ctx, engine, targetFor(method), func(ctx context.Context) (struct{}, error) {
			return struct{}{}, Classify(invoker(ctx, method, req, reply, cc, opts...))
		})

		return err
	}
}

// Code maps an engine failure to the status code a server should return.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return st.Code()
	}

	var ce *resilix.ConfigurationError

	switch {
	case errors.As(err, &ce), errors.Is(err, resilix.ErrNotFound):
		return codes.FailedPrecondition
	}

	switch resilix.KindOf(err) {
	case resilix.KindCircuitOpen, resilix.KindTransient, resilix.KindChaosInjected:
		return codes.Unavailable
	case resilix.KindTimeout:
		return codes.DeadlineExceeded
	case resilix.KindCancelled:
		return codes.Canceled
	default:
		return codes.Internal
	}
}

// Status converts err into a gRPC status error using Code.
func Status(err error) error {
	if err == nil {
		return nil
	}

	return status.Error(Code(err), err.Error())
}
