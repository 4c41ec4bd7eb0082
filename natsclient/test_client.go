package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const natsImage = "nats:2.11.7-alpine"

// TestServer is a NATS server container with a connected Client.
type TestServer struct {
	URL    string
	Client *Client

	container testcontainers.Container
}

// TestOption configures StartTestServer.
type TestOption func(*[]string)

// WithJetStream starts the server with JetStream enabled.
func WithJetStream() TestOption {
	return func(args *[]string) { *args = append(*args, "--js") }
}

// StartTestServer runs a server for the lifetime of t. It skips under
// -short since it needs Docker.
func StartTestServer(t testing.TB, opts ...TestOption) *TestServer {
	t.Helper()
	if testing.Short() {
		t.Skip("NATS container skipped in short mode")
	}
	ts, err := startTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("NATS test server: %v", err)
	}
	t.Cleanup(ts.stop)
	return ts
}

func startTestServer(ctx context.Context, opts ...TestOption) (*TestServer, error) {
	args := []string{"--port", "4222", "--http_port", "8222"}
	for _, opt := range opts {
		opt(&args)
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        natsImage,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          args,
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/healthz").WithPort("8222/tcp").WithStartupTimeout(30*time.Second),
			),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}
	ts := &TestServer{container: c}

	endpoint, err := c.PortEndpoint(ctx, "4222/tcp", "nats")
	if err != nil {
		ts.stop()
		return nil, fmt.Errorf("endpoint: %w", err)
	}
	ts.URL = endpoint

	if ts.Client, err = NewClient(endpoint, WithMaxReconnects(0)); err != nil {
		ts.stop()
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := ts.Client.Connect(cctx); err != nil {
		ts.stop()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return ts, nil
}

func (ts *TestServer) stop() {
	if ts.Client != nil {
		_ = ts.Client.Close(context.Background())
	}
	_ = ts.container.Terminate(context.Background())
}
