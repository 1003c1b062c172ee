package workforce_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"parcel/internal/workforce"
	"parcel/internal/wsrpc"
)

func startRegistry(t *testing.T, heartbeatTimeout time.Duration) *workforce.Service {
	t.Helper()
	service := workforce.New(nil, heartbeatTimeout)
	if err := service.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(service.Close)
	return service
}

func dialRegistry(t *testing.T, service *workforce.Service) *wsrpc.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := wsrpc.Dial(ctx, service.Endpoint(), nil, wsrpc.DefaultCallTimeout)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	go conn.Serve(context.Background())
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRegisterWorkerReceivesManagerEndpoints(t *testing.T) {
	service := startRegistry(t, 30*time.Second)
	ctx := context.Background()

	managerConn := dialRegistry(t, service)
	var regResult wsrpc.RegisterManagerResult
	err := managerConn.Call(ctx, wsrpc.MethodRegisterManager, wsrpc.RegisterManagerParams{
		ID:       "m1",
		Endpoint: "ws://127.0.0.1:9999",
	}, &regResult)
	if err != nil {
		t.Fatalf("register manager failed: %v", err)
	}

	workerConn := dialRegistry(t, service)
	var workerResult wsrpc.RegisterWorkerResult
	err = workerConn.Call(ctx, wsrpc.MethodRegisterWorker, wsrpc.RegisterWorkerParams{
		ID:           "w1",
		Capabilities: wsrpc.Capabilities{Concurrency: 2},
	}, &workerResult)
	if err != nil {
		t.Fatalf("register worker failed: %v", err)
	}
	if len(workerResult.Managers) != 1 || workerResult.Managers[0].ID != "m1" {
		t.Fatalf("expected the manager endpoint, got %+v", workerResult.Managers)
	}

	workers := service.ListWorkers()
	if len(workers) != 1 || workers[0].ID != "w1" {
		t.Fatalf("unexpected worker list %+v", workers)
	}
}

func TestManagerJoinFansOutToWorkers(t *testing.T) {
	service := startRegistry(t, 30*time.Second)
	ctx := context.Background()

	workerConn := dialRegistry(t, service)
	joined := make(chan wsrpc.ManagerJoinedParams, 1)
	workerConn.Handle(wsrpc.MethodManagerJoined, func(_ context.Context, params json.RawMessage) (any, error) {
		var p wsrpc.ManagerJoinedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		joined <- p
		return wsrpc.NotifyResult{OK: true}, nil
	})
	var workerResult wsrpc.RegisterWorkerResult
	if err := workerConn.Call(ctx, wsrpc.MethodRegisterWorker, wsrpc.RegisterWorkerParams{ID: "w1"}, &workerResult); err != nil {
		t.Fatalf("register worker failed: %v", err)
	}

	managerConn := dialRegistry(t, service)
	var regResult wsrpc.RegisterManagerResult
	err := managerConn.Call(ctx, wsrpc.MethodRegisterManager, wsrpc.RegisterManagerParams{
		ID:       "m1",
		Endpoint: "ws://127.0.0.1:9999",
	}, &regResult)
	if err != nil {
		t.Fatalf("register manager failed: %v", err)
	}

	select {
	case p := <-joined:
		if p.Manager.ID != "m1" {
			t.Fatalf("unexpected join notification %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker never received the manager-joined notification")
	}
}

func TestHeartbeatTimeoutDropsParty(t *testing.T) {
	service := startRegistry(t, 2*time.Second)
	ctx := context.Background()

	workerConn := dialRegistry(t, service)
	var workerResult wsrpc.RegisterWorkerResult
	if err := workerConn.Call(ctx, wsrpc.MethodRegisterWorker, wsrpc.RegisterWorkerParams{ID: "w1"}, &workerResult); err != nil {
		t.Fatalf("register worker failed: %v", err)
	}

	deadline := time.After(10 * time.Second)
	for len(service.ListWorkers()) > 0 {
		select {
		case <-deadline:
			t.Fatal("worker never timed out of the registry")
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func TestUnregisterRemovesParty(t *testing.T) {
	service := startRegistry(t, 30*time.Second)
	ctx := context.Background()

	conn := dialRegistry(t, service)
	var regResult wsrpc.RegisterManagerResult
	if err := conn.Call(ctx, wsrpc.MethodRegisterManager, wsrpc.RegisterManagerParams{
		ID: "m1", Endpoint: "ws://127.0.0.1:9999",
	}, &regResult); err != nil {
		t.Fatalf("register manager failed: %v", err)
	}
	if len(service.ListManagers()) != 1 {
		t.Fatal("expected one manager")
	}

	var unregResult wsrpc.UnregisterResult
	if err := conn.Call(ctx, wsrpc.MethodUnregister, wsrpc.UnregisterParams{ID: "m1"}, &unregResult); err != nil {
		t.Fatalf("unregister failed: %v", err)
	}
	if len(service.ListManagers()) != 0 {
		t.Fatal("expected manager removed")
	}
}

func TestConnectionLossRemovesParty(t *testing.T) {
	service := startRegistry(t, 30*time.Second)
	ctx := context.Background()

	conn := dialRegistry(t, service)
	var workerResult wsrpc.RegisterWorkerResult
	if err := conn.Call(ctx, wsrpc.MethodRegisterWorker, wsrpc.RegisterWorkerParams{ID: "w1"}, &workerResult); err != nil {
		t.Fatalf("register worker failed: %v", err)
	}

	conn.Close()
	deadline := time.After(5 * time.Second)
	for len(service.ListWorkers()) > 0 {
		select {
		case <-deadline:
			t.Fatal("worker never dropped after connection loss")
		case <-time.After(50 * time.Millisecond):
		}
	}
}
