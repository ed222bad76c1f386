package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	_ "modernc.org/sqlite"

	"github.com/statebus/statebus/statebus"
)

const LocalVersion = "0.0.0-local"

func main() {
	usage := `State bus daemon.

Serves the sync websocket endpoint on /ws and a status endpoint on /status.

Usage:
    busd serve [--port=<port>] [--tick=<tick_ms>]
        [--db=<db>]
        [--jwt_secret=<jwt_secret>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --db=<db>                  Sqlite database path for the sql query namespaces.
    --jwt_secret=<jwt_secret>  Require a signed token as the first frame of each connection.
    --tick=<tick_ms>           Sync tick interval in milliseconds [default: 50].
    -p --port=<port>           Listen port [default: 8080].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	tickMillis, _ := opts.Int("--tick")

	var jwtSecret []byte
	if jwtSecretAny := opts["--jwt_secret"]; jwtSecretAny != nil {
		jwtSecret = []byte(jwtSecretAny.(string))
	}

	cancelCtx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGTERM,
	)
	defer cancel()

	registry := statebus.NewTypeRegistry()
	registerTypes(registry)

	store := statebus.NewMemoryRecordStore()

	transport := statebus.NewWsServerTransport(
		cancelCtx,
		jwtSecret,
		statebus.DefaultWsTransportSettings(),
	)

	settings := statebus.DefaultEngineSettings()
	settings.TickInterval = time.Duration(tickMillis) * time.Millisecond
	settings.SyncTypes = registry.TypeNames()

	engine, err := statebus.NewEngine(cancelCtx, registry, store, transport, settings)
	if err != nil {
		panic(err)
	}
	defer engine.Close()

	if dbAny := opts["--db"]; dbAny != nil {
		db, err := sql.Open("sqlite", dbAny.(string))
		if err != nil {
			panic(err)
		}
		defer db.Close()

		executor := statebus.NewSqliteQueryExecutor(db)
		executor.RegisterStatement("sql.tables", `SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name`)
		for _, namespace := range executor.Namespaces() {
			engine.Queries().RegisterExecutor(namespace, executor)
		}
	}

	fmt.Printf("Status %s on *:%d\n", RequireVersion(), port)

	mux := http.NewServeMux()
	mux.Handle("/ws", transport)
	mux.Handle("/status", &Status{})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		defer cancel()
		err := server.ListenAndServe()
		if err != nil {
			fmt.Printf("serve error: %s\n", err)
		}
	}()

	select {
	case <-cancelCtx.Done():
	}

	server.Shutdown(cancelCtx)

	os.Exit(0)
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Label struct {
	Text string `json:"text"`
}

func registerTypes(registry *statebus.TypeRegistry) {
	statebus.RequireRegisterJson[Position](registry, "Position")
	statebus.RequireRegisterJson[Label](registry, "Label")
}

type Status struct {
}

func (self *Status) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type StatusResult struct {
		Version string `json:"version"`
		Status  string `json:"status"`
	}

	result := &StatusResult{
		Version: RequireVersion(),
		Status:  "ok",
	}

	responseJson, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}

func RequireVersion() string {
	if version := os.Getenv("BUSD_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
