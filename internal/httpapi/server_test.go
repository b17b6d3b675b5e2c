package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/voxline/internal/config"
	"github.com/antoniostano/voxline/internal/observability"
	"github.com/antoniostano/voxline/internal/pipeline"
	"github.com/antoniostano/voxline/internal/protocol"
	"github.com/antoniostano/voxline/internal/session"
)

func newTestServer(t *testing.T) (*httptest.Server, *session.Supervisor, config.Config) {
	t.Helper()
	cfg := config.Config{
		SpeechProvider:           "mock",
		STTModelWeb:              "nova-2-general",
		STTModelPhone:            "nova-2-phonecall",
		SampleRateWeb:            16000,
		SampleRatePhone:          8000,
		FrameDuration:            20 * time.Millisecond,
		SilenceHold:              60 * time.Millisecond,
		STTFinalWait:             300 * time.Millisecond,
		CancelWait:               500 * time.Millisecond,
		DrainTimeout:             2 * time.Second,
		TranscriptDir:            t.TempDir(),
		TranscriptQueueSize:      64,
		TTSVoiceID:               "voice-a",
		TTSModelID:               "model-a",
		TTSOutputFormat:          "pcm_16000",
		SessionInactivityTimeout: time.Minute,
		AllowAnyOrigin:           true,
		Greeting:                 "Hey, how can I help you today?",
	}
	metrics := observability.NewMetrics("test")
	sup := session.NewSupervisor(cfg, session.Providers{
		STT: pipeline.NewMockSTTProvider(),
		TTS: pipeline.NewMockTTSProvider(),
		LLM: pipeline.NewMockLanguageModel(),
	}, nil, metrics, nil)
	srv := httptest.NewServer(New(cfg, sup, metrics, nil).Router())
	t.Cleanup(srv.Close)
	return srv, sup, cfg
}

func createSession(t *testing.T, srv *httptest.Server, body string) map[string]any {
	t.Helper()
	resp, err := http.Post(srv.URL+"/v1/call/session", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session status = %d, want 201", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return out
}

func TestSessionRESTLifecycle(t *testing.T) {
	srv, _, _ := newTestServer(t)

	created := createSession(t, srv, `{"identity":"alice","participant_kind":"web"}`)
	id, _ := created["session_id"].(string)
	if id == "" {
		t.Fatalf("no session_id in %v", created)
	}
	if created["status"] != "active" {
		t.Fatalf("status = %v, want active", created["status"])
	}
	if _, ok := created["inactivity_ttl_ms"]; !ok {
		t.Fatal("inactivity_ttl_ms missing from create response")
	}

	resp, err := http.Get(srv.URL + "/v1/call/session/" + id)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("get session: %v status=%d", err, resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/v1/call/session/"+id+"/end", "application/json", nil)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("end session: %v status=%d", err, resp.StatusCode)
	}
	var ended map[string]any
	json.NewDecoder(resp.Body).Decode(&ended)
	resp.Body.Close()
	if ended["status"] != "ended" {
		t.Fatalf("status after end = %v, want ended", ended["status"])
	}

	resp, err = http.Get(srv.URL + "/v1/call/session/does-not-exist")
	if err != nil {
		t.Fatalf("get unknown: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get unknown status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateSessionRejectsUnknownKind(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+"/v1/call/session", "application/json",
		strings.NewReader(`{"participant_kind":"fax"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHealthAndReady(t *testing.T) {
	srv, _, _ := newTestServer(t)
	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/v1/perf/latency"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func dialWS(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/call/session/ws?session_id=" + sessionID
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v (resp=%v)", err, resp)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketGreetingAndStop(t *testing.T) {
	srv, sup, _ := newTestServer(t)
	created := createSession(t, srv, `{"identity":"bob"}`)
	id := created["session_id"].(string)

	conn := dialWS(t, srv, id)

	heardAudio := false
	deadline := time.Now().Add(5 * time.Second)
	for !heardAudio {
		_ = conn.SetReadDeadline(deadline)
		var env struct {
			Type string `json:"type"`
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read greeting: %v", err)
		}
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("bad message %q: %v", data, err)
		}
		if env.Type == string(protocol.TypeAgentAudioChunk) {
			heardAudio = true
		}
	}

	stop := protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: id, Action: protocol.ActionStop}
	if err := conn.WriteJSON(stop); err != nil {
		t.Fatalf("write stop: %v", err)
	}

	// The server finishes the drain and closes its side.
	waitUntil := time.Now().Add(5 * time.Second)
	for {
		sess, err := sup.Get(id)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if sess.Status == session.StatusEnded {
			break
		}
		if time.Now().After(waitUntil) {
			t.Fatal("session not ended after stop")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocketAudioAccepted(t *testing.T) {
	srv, _, _ := newTestServer(t)
	created := createSession(t, srv, `{}`)
	id := created["session_id"].(string)

	conn := dialWS(t, srv, id)

	// 100ms of silence in one chunk; the framer should reslice it quietly.
	chunk := protocol.ClientAudioChunk{
		Type:        protocol.TypeClientAudioChunk,
		SessionID:   id,
		Seq:         1,
		PCM16Base64: base64.StdEncoding.EncodeToString(make([]byte, 3200)),
		SampleRate:  16000,
	}
	if err := conn.WriteJSON(chunk); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("bad message: %v", err)
	}
	if env.Type == string(protocol.TypeErrorEvent) {
		t.Fatalf("silence chunk produced an error: %s", data)
	}
}

func TestWebSocketRejectsGarbage(t *testing.T) {
	srv, _, _ := newTestServer(t)
	created := createSession(t, srv, `{}`)
	id := created["session_id"].(string)

	conn := dialWS(t, srv, id)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("no error_event before deadline: %v", err)
		}
		var env struct {
			Type string `json:"type"`
			Code string `json:"code"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == string(protocol.TypeErrorEvent) {
			if env.Code != "invalid_client_message" {
				t.Fatalf("error code = %q", env.Code)
			}
			return
		}
	}
}

func TestWebSocketRequiresSessionID(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/v1/call/session/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestPreviewTTSReturnsWAV(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/call/tts/preview", "application/json",
		strings.NewReader(`{"text":"Hello there."}`))
	if err != nil {
		t.Fatalf("post preview: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Fatalf("content type = %q, want audio/wav", ct)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if buf.Len() < 44 || !bytes.HasPrefix(buf.Bytes(), []byte("RIFF")) {
		t.Fatalf("body is not a WAV container (%d bytes)", buf.Len())
	}
}

func TestPreviewTTSRequiresText(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+"/v1/call/tts/preview", "application/json",
		strings.NewReader(`{"text":"  "}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
