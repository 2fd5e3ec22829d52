package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var seen []string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.URL.Path)
		_ = json.NewEncoder(w).Encode(StatusResponse{
			Workers:       []WorkerStatus{{Name: "itc", Periodic: true, Interval: "500ms"}},
			SequenceState: "idle",
		})
	})
	mux.HandleFunc("GET /snapshot", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Snapshot{"itc": {"Sensor_1_K": 4.2}})
	})
	mux.HandleFunc("GET /errors", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]ErrorEvent{{Kind: "timeout", Component: "itc", Method: "tick"}})
	})
	mux.HandleFunc("POST /sequence/run", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen = append(seen, "run:"+string(body))
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	mux.HandleFunc("POST /sequence/pause", func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	mux.HandleFunc("POST /devices/slot", func(w http.ResponseWriter, r *http.Request) {
		var req SlotRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		seen = append(seen, "slot:"+req.Worker+"/"+req.Slot)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	for _, op := range []string{"stop", "start"} {
		mux.HandleFunc("POST /devices/"+op, func(w http.ResponseWriter, r *http.Request) {
			name := r.URL.Query().Get("name")
			if name == "" {
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "name required"})
				return
			}
			seen = append(seen, op+":"+name)
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestClientStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	c := New(Config{BaseURL: srv.URL})

	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.SequenceState != "idle" {
		t.Fatalf("expected idle, got %q", st.SequenceState)
	}
	if len(st.Workers) != 1 || st.Workers[0].Name != "itc" {
		t.Fatalf("unexpected workers: %+v", st.Workers)
	}
}

func TestClientSnapshot(t *testing.T) {
	srv, _ := newTestServer(t)
	c := New(Config{BaseURL: srv.URL})

	snap, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	v, ok := snap["itc"]["Sensor_1_K"].(float64)
	if !ok || v != 4.2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestClientErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	c := New(Config{BaseURL: srv.URL})

	evs, err := c.Errors(context.Background())
	if err != nil {
		t.Fatalf("errors: %v", err)
	}
	if len(evs) != 1 || evs[0].Component != "itc" {
		t.Fatalf("unexpected events: %+v", evs)
	}
}

func TestClientRunSequence(t *testing.T) {
	srv, seen := newTestServer(t)
	c := New(Config{BaseURL: srv.URL})

	if err := c.RunSequence(context.Background(), "TMP 4.2\n"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if (*seen)[len(*seen)-1] != "run:TMP 4.2\n" {
		t.Fatalf("body not forwarded: %v", *seen)
	}
}

func TestClientApplySlot(t *testing.T) {
	srv, seen := newTestServer(t)
	c := New(Config{BaseURL: srv.URL})

	err := c.ApplySlot(context.Background(), SlotRequest{Worker: "itc", Slot: "set_temperature", Args: []float64{4.2}})
	if err != nil {
		t.Fatalf("apply slot: %v", err)
	}
	if (*seen)[len(*seen)-1] != "slot:itc/set_temperature" {
		t.Fatalf("slot not applied: %v", *seen)
	}
}

func TestClientStopDevice(t *testing.T) {
	srv, seen := newTestServer(t)
	c := New(Config{BaseURL: srv.URL})

	if err := c.StopDevice(context.Background(), "itc"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if (*seen)[len(*seen)-1] != "stop:itc" {
		t.Fatalf("stop not seen: %v", *seen)
	}
	if err := c.StopDevice(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestClientStartDevice(t *testing.T) {
	srv, seen := newTestServer(t)
	c := New(Config{BaseURL: srv.URL})

	if err := c.StartDevice(context.Background(), "itc"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if (*seen)[len(*seen)-1] != "start:itc" {
		t.Fatalf("start not seen: %v", *seen)
	}
}

func TestClientErrorPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "sequence already running"})
	}))
	defer srv.Close()
	c := New(Config{BaseURL: srv.URL})

	err := c.RunSequence(context.Background(), "TMP 4.2\n")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); got != "daemon: sequence already running (status 409)" {
		t.Fatalf("unexpected error text: %q", got)
	}
}

func TestIsReachable(t *testing.T) {
	srv, _ := newTestServer(t)
	c := New(Config{BaseURL: srv.URL})
	if !c.IsReachable(context.Background()) {
		t.Fatal("expected reachable")
	}

	down := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	if down.IsReachable(context.Background()) {
		t.Fatal("expected unreachable")
	}
}

func TestDefaultConfig(t *testing.T) {
	c := New(Config{})
	if c.baseURL != "http://127.0.0.1:8873" {
		t.Fatalf("unexpected base URL %q", c.baseURL)
	}
}
