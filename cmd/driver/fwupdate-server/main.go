// Package main runs the gRPC process surface for the firmware update
// control plane: a health-check and reflection-only server, grounded on
// cmd/driver/hasher-server/main.go's grpc.NewServer/reflection.Register/
// signal-driven GracefulStop shape. The domain RPCs themselves are served
// over the HTTP API in cmd/driver/fwupdate-host; this process exists so a
// orchestration layer that already speaks the grpc_health_v1 protocol
// (k8s readiness probes, service meshes) can watch this control plane the
// same way it watches hasher-server.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"fwupdate/internal/manager"
)

var (
	port = flag.Int("port", 8888, "gRPC server port")
)

func main() {
	flag.Parse()

	mgr := manager.New()
	if err := mgr.LoadDevices(); err != nil {
		log.Fatalf("loading board manifest: %v", err)
	}
	log.Printf("fwupdate-server loaded %d device(s)", len(mgr.Devices()))

	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	reflection.Register(grpcServer)

	addr := fmt.Sprintf("0.0.0.0:%d", *port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}

	log.Printf("fwupdate-server gRPC listening on %s", addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down fwupdate-server...")
		healthServer.Shutdown()
		grpcServer.GracefulStop()
	}()

	if err := grpcServer.Serve(listener); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
