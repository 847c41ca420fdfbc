package runner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sly67/devpush/internal/compiler"
	"github.com/sly67/devpush/internal/devfs"
)

type extCall struct {
	isolateID string
	method    string
	params    map[string]any
}

type fakeClient struct {
	calls []extCall
	// errOn makes a specific method fail.
	errOn string
	// noResultOn makes a specific method resolve to no result.
	noResultOn string
	done       chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{done: make(chan struct{})}
}

func (c *fakeClient) CallServiceExtension(ctx context.Context, isolateID, method string, params map[string]any) (json.RawMessage, error) {
	c.calls = append(c.calls, extCall{isolateID, method, params})
	if method == c.errOn {
		return nil, errors.New("extension rejected")
	}
	if method == c.noResultOn {
		return nil, nil
	}
	return json.RawMessage(`{"type":"Success"}`), nil
}

func (c *fakeClient) Done() <-chan struct{} { return c.done }
func (c *fakeClient) Close() error          { return nil }

func (c *fakeClient) methods() []string {
	out := make([]string, len(c.calls))
	for i, call := range c.calls {
		out[i] = call.method
	}
	return out
}

type fakeSession struct {
	report    devfs.UpdateReport
	updateErr error
	evictions []string
	resets    int
	destroys  int
	lastReq   devfs.UpdateRequest
}

func (s *fakeSession) Create(ctx context.Context) (*url.URL, error) {
	u, _ := url.Parse("http://127.0.0.1:9999/fs/")
	return u, nil
}

func (s *fakeSession) Update(ctx context.Context, req devfs.UpdateRequest) (devfs.UpdateReport, error) {
	s.lastReq = req
	r := s.report
	r.FastReloadClassName = req.FastReloadClassName
	return r, s.updateErr
}

func (s *fakeSession) ResetLastCompiled()          { s.resets++ }
func (s *fakeSession) AssetPathsToEvict() []string { return s.evictions }

func (s *fakeSession) Destroy(ctx context.Context) error {
	s.destroys++
	return nil
}

type fakeCompiler struct {
	accepts int
	rejects int
}

func (c *fakeCompiler) Recompile(ctx context.Context, entrypoint string, invalidated []string) (*compiler.Result, error) {
	return &compiler.Result{}, nil
}
func (c *fakeCompiler) Accept() error   { c.accepts++; return nil }
func (c *fakeCompiler) Reject() error   { c.rejects++; return nil }
func (c *fakeCompiler) Shutdown() error { return nil }

func newTestRunner(client *fakeClient, session *fakeSession, comp *fakeCompiler) *Runner {
	return New(Config{
		Client:     client,
		Session:    session,
		Compiler:   comp,
		Entrypoint: "lib/main.app",
		IsolateID:  "isolates/1",
	})
}

func TestReloadSources_AppliesInPlace(t *testing.T) {
	client := newFakeClient()
	session := &fakeSession{
		report:    devfs.UpdateReport{Success: true, SyncedBytes: 42},
		evictions: []string{"images/logo.png"},
	}
	comp := &fakeCompiler{}
	r := newTestRunner(client, session, comp)

	report, err := r.ReloadSources(context.Background(), []string{"lib/a.app"}, "")
	if err != nil {
		t.Fatalf("ReloadSources: %v", err)
	}
	if !report.Success {
		t.Fatal("expected success")
	}
	if comp.accepts != 1 {
		t.Errorf("accepts: got %d", comp.accepts)
	}
	if session.lastReq.Invalidated[0] != "lib/a.app" {
		t.Errorf("invalidated: got %v", session.lastReq.Invalidated)
	}

	methods := client.methods()
	want := []string{extEvict, extReassemble}
	if len(methods) != len(want) {
		t.Fatalf("extension calls: got %v", methods)
	}
	for i := range want {
		if methods[i] != want[i] {
			t.Fatalf("extension calls: got %v, want %v", methods, want)
		}
	}
	if client.calls[0].params["value"] != "images/logo.png" {
		t.Errorf("evict params: got %v", client.calls[0].params)
	}
}

func TestReloadSources_FastPathWhenHinted(t *testing.T) {
	client := newFakeClient()
	session := &fakeSession{report: devfs.UpdateReport{Success: true}}
	r := newTestRunner(client, session, &fakeCompiler{})

	if _, err := r.ReloadSources(context.Background(), nil, "Badge"); err != nil {
		t.Fatalf("ReloadSources: %v", err)
	}

	methods := client.methods()
	if len(methods) != 1 || methods[0] != extFastReassemble {
		t.Errorf("expected only the fast path, got %v", methods)
	}
}

func TestReloadSources_FastPathFallsBackWhenUnsupported(t *testing.T) {
	client := newFakeClient()
	client.noResultOn = extFastReassemble
	session := &fakeSession{report: devfs.UpdateReport{Success: true}}
	r := newTestRunner(client, session, &fakeCompiler{})

	if _, err := r.ReloadSources(context.Background(), nil, "Badge"); err != nil {
		t.Fatalf("ReloadSources: %v", err)
	}

	methods := client.methods()
	if len(methods) != 2 || methods[1] != extReassemble {
		t.Errorf("expected fallback to full reassemble, got %v", methods)
	}
}

func TestReloadSources_RejectedApplyRollsBack(t *testing.T) {
	client := newFakeClient()
	client.errOn = extReassemble
	session := &fakeSession{report: devfs.UpdateReport{Success: true}}
	r := newTestRunner(client, session, &fakeCompiler{})

	report, err := r.ReloadSources(context.Background(), []string{"lib/a.app"}, "")
	if err == nil {
		t.Fatal("expected error")
	}
	if report.Success {
		t.Error("expected failed report after rejected apply")
	}
	if session.resets != 1 {
		t.Errorf("expected one compile-point rollback, got %d", session.resets)
	}
}

func TestReloadSources_CompileFailureRejectsDelta(t *testing.T) {
	client := newFakeClient()
	session := &fakeSession{report: devfs.UpdateReport{Success: false}}
	comp := &fakeCompiler{}
	r := newTestRunner(client, session, comp)

	report, err := r.ReloadSources(context.Background(), []string{"lib/broken.app"}, "")
	if err != nil {
		t.Fatalf("ReloadSources: %v", err)
	}
	if report.Success {
		t.Error("expected failed report")
	}
	if comp.rejects != 1 {
		t.Errorf("rejects: got %d", comp.rejects)
	}
	if len(client.calls) != 0 {
		t.Errorf("no extension calls expected, got %v", client.methods())
	}
}

func TestConnect_FailsWhenServiceUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Refuse the websocket upgrade.
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	_, err := Connect(context.Background(), wsURL, time.Second, nil)
	if err == nil {
		t.Fatal("expected connect failure")
	}
}

func TestConnect_FailsWhenServiceShutsDownDuringAttach(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Accept the connection, then tear down immediately: the attach
		// must notice within its settle window.
		conn.Close()
	}))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	_, err := Connect(context.Background(), wsURL, time.Second, nil)
	if err == nil {
		t.Fatal("expected connect failure for an immediately-dropped connection")
	}
	if !strings.Contains(err.Error(), "shut down") {
		t.Errorf("expected an early-shutdown error, got %v", err)
	}
}
