package feed

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// GRPCSource connects to a Geyser-style gRPC transaction feed over a
// *grpc.ClientConn. GRPCSource owns connection lifecycle and the
// opaque-to-typed translation at Recv time; it does not define a wire
// protocol with the upstream feed. The stream constructor (newStream) is
// unexported and NewGRPCSource leaves it unset, so Subscribe on a source
// built by NewGRPCSource returns an error.
type GRPCSource struct {
	endpoint string
	token    string
	dialOpts []grpc.DialOption

	// newStream opens a raw bidi/server stream against conn and returns a
	// function that receives and translates one opaque record at a time.
	// Only code inside package feed can set it.
	newStream func(ctx context.Context, conn *grpc.ClientConn, connectionID string, programIDs, subscriptionIDs []string) (recvFunc func(context.Context) (*ConfirmedTransaction, error), closeFunc func() error, err error)
}

// NewGRPCSource constructs a GRPCSource. token, when non-empty, is attached
// as an "x-token" request header the way Geyser endpoints commonly require.
func NewGRPCSource(endpoint, token string, insecureTransport bool) *GRPCSource {
	var creds credentials.TransportCredentials
	if insecureTransport {
		creds = insecure.NewCredentials()
	} else {
		creds = credentials.NewTLS(nil)
	}
	return &GRPCSource{
		endpoint: endpoint,
		token:    token,
		dialOpts: []grpc.DialOption{grpc.WithTransportCredentials(creds)},
	}
}

// WithDialOptions appends extra dial options (interceptors, keepalive,
// window sizes); useful for wiring grpc-ecosystem middleware.
func (s *GRPCSource) WithDialOptions(opts ...grpc.DialOption) *GRPCSource {
	s.dialOpts = append(s.dialOpts, opts...)
	return s
}

func (s *GRPCSource) authContext(ctx context.Context) context.Context {
	if s.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "x-token", s.token)
}

// Subscribe dials the endpoint and opens a subscription for the given
// program IDs, re-registering subscriptionIDs on reconnect.
func (s *GRPCSource) Subscribe(ctx context.Context, connectionID string, programIDs []string, subscriptionIDs []string) (Subscription, error) {
	if s.newStream == nil {
		return nil, fmt.Errorf("feed: grpc source has no stream constructor configured")
	}
	conn, err := grpc.NewClient(s.endpoint, s.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("feed: dial %s: %w", s.endpoint, err)
	}
	authed := s.authContext(ctx)
	recvFunc, closeFunc, err := s.newStream(authed, conn, connectionID, programIDs, subscriptionIDs)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("feed: open stream: %w", err)
	}
	return &grpcSubscription{conn: conn, recv: recvFunc, close: closeFunc}, nil
}

type grpcSubscription struct {
	conn  *grpc.ClientConn
	recv  func(context.Context) (*ConfirmedTransaction, error)
	close func() error
}

func (s *grpcSubscription) Recv(ctx context.Context) (*ConfirmedTransaction, error) {
	return s.recv(ctx)
}

func (s *grpcSubscription) Close() error {
	err := s.close()
	if cerr := s.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
