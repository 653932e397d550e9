// Package main runs the HTTP API surface for the firmware update control
// plane: device listing and update-request endpoints over gin. Grounded on
// cmd/driver/hasher-host/main.go's runAPIServer shape (gin.New + Recovery,
// versioned route group, http.Server with signal-driven graceful
// shutdown).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"fwupdate/internal/manager"
	"fwupdate/internal/orchestrator"
)

var (
	port = flag.Int("port", 8089, "HTTP API server port")
)

type api struct {
	mgr *manager.Manager
}

func (a *api) handleHealth(c *gin.Context) {
	loadedAt := a.mgr.LoadedAt()
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"devices":  len(a.mgr.Devices()),
		"loadedAt": loadedAt.AsTime(),
	})
}

func (a *api) handleListDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": a.mgr.Summaries()})
}

type updateRequest struct {
	ImagePath string `json:"imagePath" binding:"required"`
	ApplyTime string `json:"applyTime" binding:"required"`
}

func (a *api) handleStartUpdate(c *gin.Context) {
	objectPath := c.Param("objectPath")

	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	swid, err := a.mgr.StartUpdate(c.Request.Context(), objectPath, req.ImagePath, orchestrator.ApplyTime(req.ApplyTime))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"objectPath": swid})
}

func runAPIServer(a *api) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	routes := router.Group("/api/v1")
	{
		routes.GET("/health", a.handleHealth)
		routes.GET("/devices", a.handleListDevices)
		routes.POST("/devices/*objectPath", a.handleStartUpdate)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: router,
	}

	go func() {
		log.Printf("fwupdate-host API listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down fwupdate-host...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	log.Println("fwupdate-host stopped")
}

func main() {
	flag.Parse()

	mgr := manager.New()
	if err := mgr.LoadDevices(); err != nil {
		log.Fatalf("loading board manifest: %v", err)
	}
	log.Printf("fwupdate-host loaded %d device(s)", len(mgr.Devices()))

	runAPIServer(&api{mgr: mgr})
}
