// Package server provides the embeddable HTTP surface of a running rig:
// fleet status, state snapshots, sequence control and device intents.
//
// Endpoints:
//
//	GET  {basePath}/status            fleet + sequence + interlock state
//	GET  {basePath}/snapshot          scalar state deep-copy
//	GET  {basePath}/live              bounded time-series mirror
//	GET  {basePath}/errors            recent error events
//	POST {basePath}/sequence/run      body: sequence file text
//	POST {basePath}/sequence/pause
//	POST {basePath}/sequence/continue
//	POST {basePath}/sequence/abort
//	POST {basePath}/devices/slot      body: slot call JSON
//	POST {basePath}/devices/stop      query: name=...
//	POST {basePath}/devices/start     query: name=...
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/cryorun/internal/sequence"
	"github.com/loykin/cryorun/internal/supervisor"
)

// Router provides embeddable HTTP handlers over a supervisor and its
// sequence runtime.
type Router struct {
	sup      *supervisor.Supervisor
	runtime  *sequence.Runtime
	basePath string
}

func NewRouter(sup *supervisor.Supervisor, rt *sequence.Runtime, basePath string) *Router {
	return &Router{sup: sup, runtime: rt, basePath: sanitizeBase(basePath)}
}

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/snapshot", r.handleSnapshot)
	group.GET("/live", r.handleLive)
	group.GET("/errors", r.handleErrors)
	group.POST("/sequence/run", r.handleSequenceRun)
	group.POST("/sequence/pause", r.handleSequencePause)
	group.POST("/sequence/continue", r.handleSequenceContinue)
	group.POST("/sequence/abort", r.handleSequenceAbort)
	group.POST("/devices/slot", r.handleSlot)
	group.POST("/devices/stop", r.handleDeviceStop)
	group.POST("/devices/start", r.handleDeviceStart)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, sup *supervisor.Supervisor, rt *sequence.Runtime) *http.Server {
	r := NewRouter(sup, rt, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

type statusResp struct {
	Workers       []supervisor.WorkerStatus `json:"workers"`
	SequenceState string                    `json:"sequence_state"`
	SequenceExit  string                    `json:"sequence_exit,omitempty"`
	InterlockHeld bool                      `json:"interlock_held"`
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := statusResp{
		Workers:       r.sup.Status(),
		InterlockHeld: r.sup.Controls().Held(),
	}
	if r.runtime != nil {
		st, exit := r.runtime.State()
		resp.SequenceState = string(st)
		if st == sequence.StateFinished {
			resp.SequenceExit = string(exit)
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleSnapshot(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.Store().Snapshot())
}

func (r *Router) handleLive(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.Store().LiveSnapshot())
}

func (r *Router) handleErrors(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.RecentErrors())
}

func (r *Router) handleSequenceRun(c *gin.Context) {
	if r.runtime == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "no sequence runtime configured"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	steps, err := sequence.Parse(string(body))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	if len(steps) == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "empty sequence"})
		return
	}
	if st, _ := r.runtime.State(); st == sequence.StateRunning || st == sequence.StatePaused {
		writeJSON(c, http.StatusConflict, errorResp{Error: "a sequence is already running"})
		return
	}
	// The run must outlive this request; abort goes through the runtime,
	// not request cancellation.
	go func() { _, _ = r.runtime.Run(context.Background(), steps) }()
	writeJSON(c, http.StatusAccepted, map[string]any{"ok": true, "steps": len(steps)})
}

func (r *Router) handleSequencePause(c *gin.Context) {
	if r.runtime == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "no sequence runtime configured"})
		return
	}
	r.runtime.Pause()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleSequenceContinue(c *gin.Context) {
	if r.runtime == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "no sequence runtime configured"})
		return
	}
	r.runtime.Continue()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleSequenceAbort(c *gin.Context) {
	if r.runtime == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "no sequence runtime configured"})
		return
	}
	r.runtime.Abort()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

type slotRequest struct {
	Worker string            `json:"worker"`
	Slot   string            `json:"slot"`
	Args   []float64         `json:"args"`
	Params map[string]string `json:"params"`
}

func (r *Router) handleSlot(c *gin.Context) {
	var req slotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Worker == "" || req.Slot == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "worker and slot required"})
		return
	}
	// interactive inputs are disabled while a sequence holds the interlock
	if r.sup.Controls().Held() {
		writeJSON(c, http.StatusLocked, errorResp{Error: "controls locked by a running sequence"})
		return
	}
	if err := r.sup.Apply(req.Worker, req.Slot, req.Args, req.Params); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleDeviceStop(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name query param required"})
		return
	}
	if err := r.sup.Stop(name); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleDeviceStart(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name query param required"})
		return
	}
	if err := r.sup.Start(name); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
