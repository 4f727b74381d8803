package health

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

const bufconnSize = 1 << 20

func newTestClient(test *testing.T, server *Server) healthpb.HealthClient {
	test.Helper()
	listener := bufconn.Listen(bufconnSize)
	go func() {
		if serveErr := server.Serve(listener); serveErr != nil {
			test.Logf("health server error: %v", serveErr)
		}
	}()
	dialer := func(context.Context, string) (net.Conn, error) {
		return listener.Dial()
	}
	conn, err := grpc.NewClient("passthrough:///bufnet", grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		test.Fatalf("grpc client init failed: %v", err)
	}
	test.Cleanup(func() {
		server.GracefulStop()
		_ = conn.Close()
	})
	return healthpb.NewHealthClient(conn)
}

func checkStatus(test *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	test.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	response, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		test.Fatalf("health check %q: %v", service, err)
	}
	return response.GetStatus()
}

func TestHealthStartsNotServing(test *testing.T) {
	client := newTestClient(test, NewServer(nil, "sessiond"))
	if got := checkStatus(test, client, "sessiond"); got != healthpb.HealthCheckResponse_NOT_SERVING {
		test.Fatalf("expected NOT_SERVING before readiness, got %v", got)
	}
}

func TestSetServingFlipsEveryService(test *testing.T) {
	server := NewServer(nil, "ledgerd")
	client := newTestClient(test, server)
	server.SetServing(true)
	for _, service := range []string{"", "ledgerd"} {
		if got := checkStatus(test, client, service); got != healthpb.HealthCheckResponse_SERVING {
			test.Fatalf("expected %q SERVING, got %v", service, got)
		}
	}
}

func TestListenAndServeStopsWithContext(test *testing.T) {
	server := NewServer(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.ListenAndServe(ctx, "127.0.0.1:0")
	}()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			test.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(5 * time.Second):
		test.Fatalf("server did not stop")
	}
}
