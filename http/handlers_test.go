package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"cropadvisor/db"
	"cropadvisor/inference"
	"cropadvisor/ml"
	"cropadvisor/monitoring"
)

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		state inference.State
		code  int
		body  string
	}{
		{state: inference.StateServing, code: http.StatusOK, body: `{"state":"serving","status":"ok"}`},
		{state: inference.StateReady, code: http.StatusOK, body: `{"state":"ready","status":"ok"}`},
		{state: inference.StateUnavailable, code: http.StatusServiceUnavailable, body: `{"state":"unavailable","status":"unavailable"}`},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			mux := newTestMux(&fakePredictor{state: tt.state})
			req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, req)

			if rr.Code != tt.code {
				t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, tt.code)
			}
			if got := strings.TrimSpace(rr.Body.String()); got != tt.body {
				t.Errorf("handler returned unexpected body: got %v want %v", got, tt.body)
			}
		})
	}
}

func TestModelHandler(t *testing.T) {
	mux := newTestMux(&fakePredictor{state: inference.StateServing})
	req := httptest.NewRequest(http.MethodGet, "/api/model", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var info inference.ModelInfo
	if err := json.Unmarshal(rr.Body.Bytes(), &info); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(info.Members) != 3 || info.Members[0] != "rf" || info.Accuracy != 0.97 {
		t.Fatalf("unexpected model info: %+v", info)
	}
}

type fakeHistory struct{}

func (fakeHistory) RecentPredictions(ctx context.Context, limit int) ([]db.Prediction, error) {
	out := []db.Prediction{{Crop: "rice", Confidence: 0.9}, {Crop: "maize", Confidence: 0.8}}
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (fakeHistory) LoadTrainingLog(ctx context.Context, limit int) ([]db.TrainingLog, error) {
	return []db.TrainingLog{{ModelName: "stacking", Accuracy: 0.97}}, nil
}

func TestHistoryHandlers(t *testing.T) {
	mux := newTestMux(&fakePredictor{state: inference.StateServing}, WithHistory(fakeHistory{}))

	req := httptest.NewRequest(http.MethodGet, "/api/predictions?limit=1", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload struct {
		Data []db.Prediction `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(payload.Data) != 1 || payload.Data[0].Crop != "rice" {
		t.Fatalf("unexpected predictions: %+v", payload.Data)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/predictions?limit=abc", nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/training", nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"model_name":"stacking"`) {
		t.Fatalf("unexpected training response %d: %s", rr.Code, rr.Body.String())
	}
}

func TestOptionalRoutesAbsent(t *testing.T) {
	mux := newTestMux(&fakePredictor{state: inference.StateServing})
	for _, path := range []string{"/api/metrics", "/api/predictions", "/api/ws/predictions"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, rr.Code)
		}
	}
}

func TestServerEndToEnd(t *testing.T) {
	metrics := monitoring.NewMetricsCollector()
	hub := monitoring.NewPredictionHub(nil, []string{"*"})
	go hub.Run()
	defer hub.Stop()

	predictor := &fakePredictor{
		prediction: inference.Prediction{Crop: "rice", Confidence: 0.987},
		state:      inference.StateReady,
	}
	handlers := NewHandlers(predictor, nil, WithFeed(hub), WithMetrics(metrics))
	config := DefaultServerConfig()
	config.Addr = "127.0.0.1:0"
	config.AllowedOrigins = []string{"http://localhost:3000"}
	server := NewServer(config, handlers, nil)

	ln, err := net.Listen("tcp", config.Addr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- server.Serve(ln) }()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Stop(ctx)
		if err := <-done; err != nil {
			t.Errorf("serve returned %v", err)
		}
	}()
	base := "http://" + ln.Addr().String()

	deadline := time.Now().Add(2 * time.Second)
	for predictor.State() != inference.StateServing && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/api/ws/predictions", nil)
	if err != nil {
		t.Fatalf("websocket dial through middleware failed: %v", err)
	}
	defer conn.Close()
	for hub.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	req, err := http.NewRequest(http.MethodPost, base+"/predict", strings.NewReader(riceBody))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Errorf("missing CORS header: %v", resp.Header)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" || resp.Header.Get("X-Request-ID") == "" {
		t.Errorf("missing security or request id headers: %v", resp.Header)
	}

	hub.Publish(monitoring.PredictionEvent{
		Features:   ml.FeatureVector{N: 90, P: 42, K: 43, Temperature: 20.8, Humidity: 82, PH: 6.5, Rainfall: 202.9},
		Crop:       "rice",
		Confidence: 0.987,
	})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(message), `"crop":"rice"`) {
		t.Fatalf("unexpected feed message: %s", message)
	}

	resp, err = http.Get(base + "/api/metrics")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from metrics, got %d", resp.StatusCode)
	}
	if got := metrics.Value("http_requests_total", map[string]string{"method": "POST", "status": "200"}); got != 1 {
		t.Fatalf("expected 1 counted POST, got %f", got)
	}
}

func TestServerHandlerAppliesMiddleware(t *testing.T) {
	predictor := &fakePredictor{
		prediction: inference.Prediction{Crop: "rice", Confidence: 0.987},
		state:      inference.StateServing,
	}
	config := DefaultServerConfig()
	config.MaxBodyBytes = 16
	server := NewServer(config, NewHandlers(predictor, nil), nil)

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/predict", "application/json", strings.NewReader(riceBody))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from the size limit, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" || resp.Header.Get("X-Request-ID") == "" {
		t.Errorf("missing security or request id headers: %v", resp.Header)
	}
}
