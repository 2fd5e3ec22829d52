package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/loykin/cryorun/internal/bus"
	"github.com/loykin/cryorun/internal/guard"
	"github.com/loykin/cryorun/internal/sequence"
	"github.com/loykin/cryorun/internal/state"
	"github.com/loykin/cryorun/internal/supervisor"
	"github.com/loykin/cryorun/internal/transport"
	"github.com/loykin/cryorun/internal/worker"
)

func setupRouter(t *testing.T, base string) (http.Handler, *supervisor.Supervisor) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := state.New()
	b := bus.NewInproc()
	t.Cleanup(func() { _ = b.Close() })
	sup := supervisor.New(supervisor.Config{Store: st, Bus: b})
	rt := sequence.New(sequence.Config{
		Pool:      sup,
		Store:     st,
		Interlock: sup.Controls(),
	})
	return NewRouter(sup, rt, base).Handler(), sup
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, _ := json.Marshal(b)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if _, ok := body.(string); !ok && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusEmptyFleet(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	rec := doReq(t, h, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp statusResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.InterlockHeld {
		t.Fatal("interlock held on a fresh fleet")
	}
	if resp.SequenceState != string(sequence.StateIdle) {
		t.Fatalf("sequence state = %q", resp.SequenceState)
	}
}

func TestSnapshotReflectsStore(t *testing.T) {
	h, sup := setupRouter(t, "")
	if err := sup.Store().Update("itc", state.Fields{"Sensor_1_K": 4.2}); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec := doReq(t, h, http.MethodGet, "/snapshot", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap map[string]map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap["itc"]["Sensor_1_K"] != 4.2 {
		t.Fatalf("snapshot = %v", snap)
	}
}

func TestSequenceRunRejectsBadGrammar(t *testing.T) {
	h, _ := setupRouter(t, "")
	rec := doReq(t, h, http.MethodPost, "/sequence/run", "FROB 1 2\n")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = doReq(t, h, http.MethodPost, "/sequence/run", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", rec.Code)
	}
}

func TestSlotLockedDuringSequence(t *testing.T) {
	h, sup := setupRouter(t, "")
	sup.Controls().TryAcquire()
	rec := doReq(t, h, http.MethodPost, "/devices/slot",
		slotRequest{Worker: "itc", Slot: "set_temperature", Args: []float64{77, 5}})
	if rec.Code != http.StatusLocked {
		t.Fatalf("expected 423, got %d", rec.Code)
	}
	sup.Controls().Release()
	// lock released, unknown worker is a plain bad request
	rec = doReq(t, h, http.MethodPost, "/devices/slot",
		slotRequest{Worker: "itc", Slot: "set_temperature", Args: []float64{77, 5}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSlotRequiresWorkerAndSlot(t *testing.T) {
	h, _ := setupRouter(t, "")
	rec := doReq(t, h, http.MethodPost, "/devices/slot", slotRequest{Worker: "itc"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDeviceStopUnknown(t *testing.T) {
	h, _ := setupRouter(t, "")
	rec := doReq(t, h, http.MethodPost, "/devices/stop?name=ghost", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = doReq(t, h, http.MethodPost, "/devices/stop", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without name, got %d", rec.Code)
	}
}

func TestDeviceStopThenStart(t *testing.T) {
	h, sup := setupRouter(t, "")
	g := guard.New(guard.Config{
		Component: "sr830",
		Port:      transport.NewMockPort(),
		Identify:  func() error { return nil },
		Events:    sup.Events(),
	})
	wb := bus.NewInproc()
	t.Cleanup(func() { _ = wb.Close() })
	w := worker.New(worker.Config{
		Name:  "sr830",
		Store: sup.Store(),
		Bus:   wb,
		Guard: g,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Register(ctx, w); err != nil {
		t.Fatalf("register: %v", err)
	}

	rec := doReq(t, h, http.MethodPost, "/devices/stop?name=sr830", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d", rec.Code)
	}
	rec = doReq(t, h, http.MethodPost, "/devices/start?name=sr830", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d", rec.Code)
	}
	if got := sup.Workers(); len(got) != 1 || got[0] != "sr830" {
		t.Fatalf("workers after restart = %v", got)
	}

	rec = doReq(t, h, http.MethodPost, "/devices/start?name=ghost", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("start unknown: expected 400, got %d", rec.Code)
	}
	rec = doReq(t, h, http.MethodPost, "/devices/start", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("start without name: expected 400, got %d", rec.Code)
	}
}

func TestPauseWithoutRunIsIdempotent(t *testing.T) {
	h, _ := setupRouter(t, "")
	for _, p := range []string{"/sequence/pause", "/sequence/continue", "/sequence/abort"} {
		rec := doReq(t, h, http.MethodPost, p, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", p, rec.Code)
		}
	}
}
