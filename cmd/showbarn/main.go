// Package main provides the Showbarn sync server. It hosts the offline
// mutation queue for local clients on localhost:8090 and, unless a remote
// server is configured, the server-of-record apply endpoint as well.
package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/herdwork/showbarn/backend/cmd/showbarn/handlers"
	"github.com/herdwork/showbarn/backend/internal/db"
	"github.com/herdwork/showbarn/backend/internal/logging"
	"github.com/herdwork/showbarn/backend/internal/models"
	"github.com/herdwork/showbarn/backend/internal/reconcile"
	syncpkg "github.com/herdwork/showbarn/backend/internal/sync"
	"github.com/herdwork/showbarn/backend/internal/sync/transport"
)

// loopback routes pushes straight into the in-process reconcile service.
type loopback struct {
	svc *reconcile.Service
}

func (l *loopback) Push(ctx context.Context, req *transport.PushRequest) (*transport.PushResult, error) {
	return l.svc.Apply(req)
}

func (l *loopback) Fetch(ctx context.Context, entityType, recordID string) (*models.ServerRecord, error) {
	return l.svc.GetRecord(entityType, recordID)
}

func main() {
	logging.Init(os.Stdout, logging.LevelInfo)

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "8090"
	}

	database, err := db.Open(dataDir)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		log.Fatalf("Failed to initialize migrations: %v", err)
	}
	if err := migrator.Up(); err != nil {
		log.Fatalf("Failed to apply migrations: %v", err)
	}

	repo := db.NewRepository(database.DB)
	defer repo.Close()

	reconciler := reconcile.NewService(repo)

	// A remote server of record takes over when SYNC_SERVER_URL is set;
	// otherwise pushes loop back into this process.
	var client transport.Reconciler
	if serverURL := os.Getenv("SYNC_SERVER_URL"); serverURL != "" {
		client = transport.NewClient(&transport.Config{
			BaseURL: serverURL,
			APIKey:  os.Getenv("SYNC_API_KEY"),
		})
	} else {
		client = &loopback{svc: reconciler}
	}

	hub := NewWSHub()
	engine := syncpkg.NewSyncEngine(repo, client, hub, syncpkg.Config{})

	ctx := context.Background()
	if err := engine.Start(ctx); err != nil {
		log.Fatalf("Failed to start sync engine: %v", err)
	}
	defer engine.Stop()

	syncHandler := handlers.NewSyncHandler(engine)
	reconcileHandler := handlers.NewReconcileHandler(reconciler)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"showbarn-sync"}`))
	})

	mux.HandleFunc("POST /sync/queue", syncHandler.EnqueueMutation)
	mux.HandleFunc("GET /sync/queue", syncHandler.ListQueue)
	mux.HandleFunc("GET /sync/queue/{id}", syncHandler.GetMutation)
	mux.HandleFunc("POST /sync/queue/{id}/retry", syncHandler.RetryMutation)
	mux.HandleFunc("GET /sync/conflicts", syncHandler.ListConflicts)
	mux.HandleFunc("GET /sync/conflicts/{id}", syncHandler.GetConflict)
	mux.HandleFunc("POST /sync/conflicts/{id}/resolve", syncHandler.ResolveConflict)
	mux.HandleFunc("GET /sync/status", syncHandler.GetStatus)
	mux.HandleFunc("POST /sync/online", syncHandler.SetOnline)

	mux.HandleFunc("POST /v1/sync/apply", reconcileHandler.Apply)
	mux.HandleFunc("GET /v1/sync/records/{entity_type}", reconcileHandler.ListRecords)
	mux.HandleFunc("GET /v1/sync/records/{entity_type}/{record_id}", reconcileHandler.GetRecord)

	mux.HandleFunc("/ws", HandleWebSocket(hub))

	log.Printf("Showbarn sync server starting on port %s (data: %s)", port, dataDir)
	log.Fatal(http.ListenAndServe(":"+port, mux))
}
