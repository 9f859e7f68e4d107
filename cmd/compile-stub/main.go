// Command compile-stub is a local stand-in for the remote build service. It
// accepts compile uploads and answers with a scripted record stream.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func main() {
	addr := flag.String("addr", envOrDefault("COMPILE_STUB_ADDR", "127.0.0.1:8791"), "listen address")
	delay := flag.Duration("delay", 200*time.Millisecond, "pause between steps")
	fail := flag.Bool("fail", false, "make the build step fail")
	corrupt := flag.Bool("corrupt", false, "announce a wrong artifact digest")
	token := flag.String("token", os.Getenv("COMPILE_STUB_TOKEN"), "required bearer token")
	flag.Parse()

	srv := &server{
		delay:   *delay,
		fail:    *fail,
		corrupt: *corrupt,
		token:   *token,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Post("/compile", srv.handleCompile)

	httpSrv := &http.Server{
		Addr:    *addr,
		Handler: r,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("compile stub shutdown error: %v", err)
		}
	}()

	log.Printf("compile stub listening on %s", *addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("compile stub failed: %v", err)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
