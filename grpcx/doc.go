// Package grpcx adapts gRPC clients and servers to the resilix engine.
//
// Classify maps gRPC status codes onto resilix error kinds, the unary
// client interceptor runs every RPC as a guarded call, and Code maps
// engine failures back to status codes for servers that surface them.
package grpcx
