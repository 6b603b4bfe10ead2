// Command mafd runs the MAF runtime façade as a long-lived daemon: it
// opens the configured backend, starts the lease and liveness sweepers,
// and serves a minimal status endpoint for operators.
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

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/maf/internal/config"
	"github.com/codeready-toolchain/maf/internal/runtime"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")
	flag.Parse()

	httpPort := getEnv("HTTP_PORT", "8089")
	gin.SetMode(getEnv("GIN_MODE", "release"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	rt, err := runtime.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open runtime: %v", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Printf("error closing runtime: %v", err)
		}
	}()
	log.Printf("runtime opened, backend=%s", rt.Backend())

	rt.StartSweepers(ctx)
	defer rt.StopSweepers()

	router := gin.Default()
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"backend": string(rt.Backend()),
		})
	})
	router.GET("/status", func(c *gin.Context) {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		stats, err := rt.Tasks.ComputeStats(reqCtx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	})
	router.GET("/ws/escalation/:channel", func(c *gin.Context) {
		if err := rt.Escalation.LiveTail(c.Writer, c.Request, c.Param("channel")); err != nil {
			log.Printf("live-tail closed: %v", err)
		}
	})

	server := &http.Server{Addr: ":" + httpPort, Handler: router}
	go func() {
		log.Printf("status server listening on :%s", httpPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("status server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("error shutting down status server: %v", err)
	}
}
