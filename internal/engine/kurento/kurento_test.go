package kurento

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BioHazard786/Warpdrop/conference/internal/engine"
)

type call struct {
	Method string
	Params map[string]any
}

// fakeKMS answers Kurento JSON-RPC requests the way the media server does.
type fakeKMS struct {
	*httptest.Server

	mu      sync.Mutex
	calls   []call
	conns   []*websocket.Conn
	writeMu sync.Mutex
	nextObj int
	dials   int
}

func newFakeKMS(t *testing.T) *fakeKMS {
	t.Helper()
	k := &fakeKMS{}
	upgrader := websocket.Upgrader{}
	k.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		k.mu.Lock()
		k.conns = append(k.conns, conn)
		k.dials++
		k.mu.Unlock()
		k.serve(conn)
	}))
	t.Cleanup(k.Close)
	return k
}

func (k *fakeKMS) url() string {
	return "ws" + strings.TrimPrefix(k.URL, "http") + "/kurento"
}

func (k *fakeKMS) serve(conn *websocket.Conn) {
	defer conn.Close()
	for {
		var req struct {
			ID     uint64         `json:"id"`
			Method string         `json:"method"`
			Params map[string]any `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		k.mu.Lock()
		k.calls = append(k.calls, call{req.Method, req.Params})
		var value any
		switch req.Method {
		case "create":
			k.nextObj++
			value = fmt.Sprintf("obj-%d/%s", k.nextObj, req.Params["type"])
		case "subscribe":
			value = "sub-" + fmt.Sprint(req.Params["object"])
		case "invoke":
			if req.Params["operation"] == "processOffer" {
				ops, _ := req.Params["operationParams"].(map[string]any)
				value = "answer:" + fmt.Sprint(ops["offer"])
			}
		}
		k.mu.Unlock()

		if req.Method == "invoke" && req.Params["operation"] == "fail" {
			k.write(conn, map[string]any{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]any{"code": 40101, "message": "object not found"},
			})
			continue
		}
		k.write(conn, map[string]any{
			"jsonrpc": "2.0", "id": req.ID,
			"result": map[string]any{"value": value, "sessionId": "session-1"},
		})
	}
}

func (k *fakeKMS) write(conn *websocket.Conn, v any) {
	k.writeMu.Lock()
	defer k.writeMu.Unlock()
	conn.WriteJSON(v)
}

// emit raises an IceCandidateFound event for object on every connection.
func (k *fakeKMS) emit(object, candidate string) {
	k.mu.Lock()
	conns := append([]*websocket.Conn(nil), k.conns...)
	k.mu.Unlock()
	for _, conn := range conns {
		k.write(conn, map[string]any{
			"jsonrpc": "2.0",
			"method":  "onEvent",
			"params": map[string]any{"value": map[string]any{
				"type":   "IceCandidateFound",
				"object": object,
				"data": map[string]any{
					"source": object,
					"type":   "IceCandidateFound",
					"candidate": map[string]any{
						"__module__": "kurento", "__type__": "IceCandidate",
						"candidate": candidate, "sdpMid": "0", "sdpMLineIndex": 0,
					},
				},
			}},
		})
	}
}

func (k *fakeKMS) dropConnections() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, conn := range k.conns {
		conn.Close()
	}
	k.conns = nil
}

func (k *fakeKMS) recorded() []call {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]call(nil), k.calls...)
}

func (k *fakeKMS) dialCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.dials
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestEndpointLifecycle(t *testing.T) {
	kms := newFakeKMS(t)
	eng := New(kms.url(), discardLogger())
	defer eng.Close()
	ctx := testContext(t)

	pipeline, err := eng.CreatePipeline(ctx)
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	if !strings.HasSuffix(pipeline.ID(), "/MediaPipeline") {
		t.Errorf("pipeline id = %q", pipeline.ID())
	}

	ep, err := pipeline.CreateEndpoint(ctx, engine.WebRTCEndpoint)
	if err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}
	sink, err := pipeline.CreateEndpoint(ctx, engine.WebRTCEndpoint)
	if err != nil {
		t.Fatal(err)
	}

	answer, err := ep.ProcessOffer(ctx, "v=0")
	if err != nil || answer != "answer:v=0" {
		t.Fatalf("ProcessOffer = %q, %v", answer, err)
	}
	if err := ep.Connect(ctx, sink); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := ep.AddICECandidate(ctx, engine.Candidate{Candidate: "candidate:1", SDPMid: "0", SDPMLineIndex: 0}); err != nil {
		t.Fatalf("AddICECandidate: %v", err)
	}
	if err := ep.GatherCandidates(ctx); err != nil {
		t.Fatalf("GatherCandidates: %v", err)
	}
	if err := ep.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	calls := kms.recorded()
	var methods []string
	for _, c := range calls {
		m := c.Method
		if op, ok := c.Params["operation"].(string); ok {
			m += ":" + op
		}
		methods = append(methods, m)
	}
	want := []string{
		"create", "create", "subscribe", "create", "subscribe",
		"invoke:processOffer", "invoke:connect", "invoke:addIceCandidate", "invoke:gatherCandidates",
		"release",
	}
	if strings.Join(methods, ",") != strings.Join(want, ",") {
		t.Fatalf("calls = %v\nwant    %v", methods, want)
	}

	if typ := calls[1].Params["type"]; typ != "WebRtcEndpoint" {
		t.Errorf("endpoint type = %v", typ)
	}
	cp, _ := calls[1].Params["constructorParams"].(map[string]any)
	if cp["mediaPipeline"] != pipeline.ID() {
		t.Errorf("constructorParams = %v", cp)
	}
	if calls[2].Params["type"] != "IceCandidateFound" || calls[2].Params["object"] != ep.ID() {
		t.Errorf("subscribe params = %v", calls[2].Params)
	}
	if calls[1].Params["sessionId"] != "session-1" {
		t.Errorf("session id not carried: %v", calls[1].Params)
	}

	connect, _ := calls[6].Params["operationParams"].(map[string]any)
	if connect["sink"] != sink.ID() {
		t.Errorf("connect params = %v", connect)
	}
	ice, _ := calls[7].Params["operationParams"].(map[string]any)
	c, _ := ice["candidate"].(map[string]any)
	if c["__module__"] != "kurento" || c["__type__"] != "IceCandidate" || c["candidate"] != "candidate:1" {
		t.Errorf("candidate params = %v", ice)
	}
}

func TestCandidateEventsHeldUntilCallback(t *testing.T) {
	kms := newFakeKMS(t)
	eng := New(kms.url(), discardLogger())
	defer eng.Close()
	ctx := testContext(t)

	pipeline, err := eng.CreatePipeline(ctx)
	if err != nil {
		t.Fatal(err)
	}
	ep, err := pipeline.CreateEndpoint(ctx, engine.WebRTCEndpoint)
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan engine.Candidate, 4)
	kms.emit(ep.ID(), "first")
	// A round trip orders the event before the callback is set.
	if err := ep.GatherCandidates(ctx); err != nil {
		t.Fatal(err)
	}

	ep.OnCandidateProduced(func(c engine.Candidate) { got <- c })
	kms.emit(ep.ID(), "second")
	kms.emit("someone-else", "ignored")

	for _, want := range []string{"first", "second"} {
		select {
		case c := <-got:
			if c.Candidate != want {
				t.Fatalf("candidate = %q, want %q", c.Candidate, want)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestServerErrorIsReturned(t *testing.T) {
	kms := newFakeKMS(t)
	client := NewClient(kms.url(), discardLogger())
	defer client.Close()

	_, err := client.Invoke(testContext(t), "obj", "fail", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != 40101 {
		t.Fatalf("err = %v, want RPCError 40101", err)
	}
	if errors.Is(err, engine.ErrUnavailable) {
		t.Error("server error reported as unavailable")
	}
}

func TestUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	eng := New(url, discardLogger())
	_, err := eng.CreatePipeline(testContext(t))
	if !errors.Is(err, engine.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestRedialAfterConnectionLoss(t *testing.T) {
	kms := newFakeKMS(t)
	eng := New(kms.url(), discardLogger())
	defer eng.Close()
	ctx := testContext(t)

	if _, err := eng.CreatePipeline(ctx); err != nil {
		t.Fatal(err)
	}
	kms.dropConnections()

	// The first call after the drop may race the read loop noticing it.
	var err error
	for range 3 {
		if _, err = eng.CreatePipeline(ctx); err == nil {
			break
		}
		if !errors.Is(err, engine.ErrUnavailable) {
			t.Fatalf("err = %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("CreatePipeline after redial: %v", err)
	}
	if n := kms.dialCount(); n != 2 {
		t.Errorf("dialed %d times, want 2", n)
	}
}

func TestClosedEngine(t *testing.T) {
	kms := newFakeKMS(t)
	eng := New(kms.url(), discardLogger())
	if err := eng.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.CreatePipeline(testContext(t)); !errors.Is(err, engine.ErrUnavailable) {
		t.Fatalf("err = %v", err)
	}
}
