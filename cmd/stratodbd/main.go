// Command stratodbd is a thin demo server around the stratodb engine:
// it registers two example models, serves POST /dispatch and
// GET /store/{model}/{id}, and broadcasts emitter signals to
// GET /ws/events subscribers.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/stratokit/stratodb"
)

var version = "dev"

func main() {
	port := env("STRATODBD_PORT", "8080")
	dbPath := env("STRATODBD_DB", "stratodb.sqlite3")
	confDir := os.Getenv("STRATODBD_CONF_DIR")

	banner()

	db, err := stratodb.Open(dbPath, confDir, demoModels()...)
	if err != nil {
		log.Fatalf("stratodb: %v", err)
	}
	defer db.Close()

	h := newHub()
	h.wire(db.Emit)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      newRouter(Deps{DB: db, Hub: h}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("stratodbd: listening on :%s (db=%s)", port, dbPath)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	<-sigCh
	log.Println("stratodbd: shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// banner prints the startup line, colorized only when stdout is a
// terminal — never touches dispatch semantics.
func banner() {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Printf("\033[36mstratodbd\033[0m %s\n", version)
	} else {
		fmt.Printf("stratodbd %s\n", version)
	}
}
