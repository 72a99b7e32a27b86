package runtime

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

func newAPIServer(t *testing.T, f *fixture) *httptest.Server {
	t.Helper()
	handler := (&api{d: f.d, hub: f.hub, log: newLogger()}).routes()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url string, body any) (*http.Response, protocol.ControlReply) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	resp, err := http.Post(url, "application/json", rd)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	var reply protocol.ControlReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return resp, reply
}

func TestAPIErrorStatuses(t *testing.T) {
	f := newFixture(t, nil)
	srv := newAPIServer(t, f)

	resp, reply := post(t, srv.URL+"/api/recording/start", nil)
	if resp.StatusCode != http.StatusConflict || reply.OK {
		t.Fatalf("expected 409 before load, got %d %+v", resp.StatusCode, reply)
	}

	resp, reply = post(t, srv.URL+"/api/model", protocol.ControlRequest{Language: "Klingon"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing model, got %d %+v", resp.StatusCode, reply)
	}

	resp, reply = post(t, srv.URL+"/api/model", protocol.ControlRequest{Language: "../etc"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for traversal, got %d %+v", resp.StatusCode, reply)
	}

	resp, reply = post(t, srv.URL+"/api/model", protocol.ControlRequest{Language: "English"})
	if resp.StatusCode != http.StatusOK || reply.State != "ready" || reply.Language != "en" {
		t.Fatalf("unexpected load reply %d %+v", resp.StatusCode, reply)
	}

	resp, reply = post(t, srv.URL+"/api/recording/start", protocol.ControlRequest{Device: "no-such-mic"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 for unknown device, got %d %+v", resp.StatusCode, reply)
	}
	if reply.State != "ready" {
		t.Fatalf("expected ready after device failure, got %s", reply.State)
	}
}

func TestAPIRecordingCycle(t *testing.T) {
	f := newFixture(t, nil)
	srv := newAPIServer(t, f)

	resp, reply := post(t, srv.URL+"/api/recording/toggle", protocol.ControlRequest{Language: "English"})
	if resp.StatusCode != http.StatusOK || reply.State != "recording" || reply.RecordingID == "" {
		t.Fatalf("unexpected toggle reply %d %+v", resp.StatusCode, reply)
	}
	f.waitFragments(t, reply.RecordingID, 3)

	resp, reply = post(t, srv.URL+"/api/model", protocol.ControlRequest{Language: "Russian"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 loading while recording, got %d", resp.StatusCode)
	}

	resp, reply = post(t, srv.URL+"/api/recording/stop", nil)
	if resp.StatusCode != http.StatusOK || reply.Text != wantText || reply.State != "ready" {
		t.Fatalf("unexpected stop reply %d %+v", resp.StatusCode, reply)
	}

	hist, err := http.Get(srv.URL + "/api/history?limit=5")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	defer hist.Body.Close()
	var body struct {
		Recordings []struct {
			ID   string `json:"id"`
			Text string `json:"text"`
		} `json:"recordings"`
	}
	if err := json.NewDecoder(hist.Body).Decode(&body); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(body.Recordings) != 1 || body.Recordings[0].Text != wantText {
		t.Fatalf("unexpected history %+v", body)
	}
}

func TestAPISubmitEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	srv := newAPIServer(t, f)

	resp, err := http.Post(srv.URL+"/submit", "application/json", strings.NewReader(`{"text":"привет мир"}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	defer resp.Body.Close()
	var ack protocol.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || ack.Status != "success" {
		t.Fatalf("unexpected submit response %d %+v", resp.StatusCode, ack)
	}

	subs, err := f.store.Submissions(t.Context(), 5)
	if err != nil {
		t.Fatalf("submissions: %v", err)
	}
	if len(subs) != 1 || subs[0].Text != "привет мир" {
		t.Fatalf("unexpected submissions %+v", subs)
	}

	empty, err := http.Post(srv.URL+"/submit", "application/json", strings.NewReader(`{"text":"  "}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	defer empty.Body.Close()
	ack = protocol.SubmitResponse{}
	if err := json.NewDecoder(empty.Body).Decode(&ack); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if empty.StatusCode != http.StatusOK || ack.Status != "success" {
		t.Fatalf("expected empty text to be acknowledged, got %d %+v", empty.StatusCode, ack)
	}
	if subs, _ := f.store.Submissions(t.Context(), 5); len(subs) != 1 {
		t.Fatalf("empty text must not be journaled, have %d submissions", len(subs))
	}

	bad, err := http.Post(srv.URL+"/submit", "application/json", strings.NewReader(`{"text":`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", bad.StatusCode)
	}
}

func TestAPIReadOnlyRoutes(t *testing.T) {
	f := newFixture(t, nil)
	srv := newAPIServer(t, f)

	for _, path := range []string{"/", "/healthz", "/readyz", "/api/status", "/api/devices", "/api/languages", "/api/nodes"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s returned %d: %s", path, resp.StatusCode, body)
		}
		if path == "/api/languages" && !strings.Contains(string(body), `"default":"English"`) {
			t.Fatalf("unexpected languages body %s", body)
		}
		if path == "/" && !strings.Contains(string(body), "<html") {
			t.Fatalf("expected html page")
		}
	}

	resp, err := http.Get(srv.URL + "/api/history?limit=zero")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", resp.StatusCode)
	}
}
