package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sly67/devpush/pkg/protocol"
)

// fakeService is a scriptable JSON-RPC endpoint over websocket.
type fakeService struct {
	mu      sync.Mutex
	methods []string
	handler func(req protocol.Request) (any, *protocol.RPCError)
	conns   []*websocket.Conn
}

func (s *fakeService) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.methods...)
}

func (s *fakeService) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

func (s *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		s.mu.Lock()
		s.methods = append(s.methods, req.Method)
		s.mu.Unlock()

		result, rpcErr := s.handler(req)
		resp := protocol.Response{Version: protocol.Version, ID: req.ID, Error: rpcErr}
		if rpcErr == nil {
			raw, _ := json.Marshal(result)
			resp.Result = raw
		}
		out, _ := json.Marshal(resp)
		conn.WriteMessage(websocket.TextMessage, out)
	}
}

func dialFake(t *testing.T, svc *fakeService) (*Client, func()) {
	t.Helper()
	ts := httptest.NewServer(svc)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	c, err := Dial(context.Background(), wsURL, nil)
	if err != nil {
		ts.Close()
		t.Fatalf("Dial: %v", err)
	}
	return c, func() {
		c.Close()
		ts.Close()
	}
}

func TestCreateDevFS_ReturnsBaseURI(t *testing.T) {
	svc := &fakeService{handler: func(req protocol.Request) (any, *protocol.RPCError) {
		return protocol.FileSystemResponse{Type: "FileSystem", URI: "http://127.0.0.1:9999/fs/"}, nil
	}}
	c, cleanup := dialFake(t, svc)
	defer cleanup()

	base, err := c.CreateDevFS(context.Background(), "app_dev")
	if err != nil {
		t.Fatalf("CreateDevFS: %v", err)
	}
	if base.String() != "http://127.0.0.1:9999/fs/" {
		t.Errorf("base uri: got %s", base)
	}
}

func TestCreateDevFS_RecreatesExistingSession(t *testing.T) {
	first := true
	svc := &fakeService{}
	svc.handler = func(req protocol.Request) (any, *protocol.RPCError) {
		switch req.Method {
		case protocol.MethodCreateDevFS:
			if first {
				first = false
				return nil, &protocol.RPCError{
					Code:    protocol.CodeFileSystemAlreadyExists,
					Message: "file system already exists",
				}
			}
			return protocol.FileSystemResponse{URI: "http://127.0.0.1:9999/fs2/"}, nil
		case protocol.MethodDeleteDevFS:
			return map[string]string{"type": "Success"}, nil
		}
		return nil, &protocol.RPCError{Code: protocol.CodeMethodNotFound, Message: "unknown"}
	}

	c, cleanup := dialFake(t, svc)
	defer cleanup()

	base, err := c.CreateDevFS(context.Background(), "app_dev")
	if err != nil {
		t.Fatalf("CreateDevFS: %v", err)
	}
	if base.String() != "http://127.0.0.1:9999/fs2/" {
		t.Errorf("base uri: got %s", base)
	}

	want := []string{protocol.MethodCreateDevFS, protocol.MethodDeleteDevFS, protocol.MethodCreateDevFS}
	got := svc.calls()
	if len(got) != len(want) {
		t.Fatalf("calls: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls: got %v, want %v", got, want)
		}
	}
}

func TestDeleteDevFS_MissingFilesystemIsNotAnError(t *testing.T) {
	svc := &fakeService{handler: func(req protocol.Request) (any, *protocol.RPCError) {
		return nil, &protocol.RPCError{
			Code:    protocol.CodeFileSystemDoesNotExist,
			Message: "file system does not exist",
		}
	}}
	c, cleanup := dialFake(t, svc)
	defer cleanup()

	if err := c.DeleteDevFS(context.Background(), "gone"); err != nil {
		t.Errorf("DeleteDevFS: %v", err)
	}
}

func TestCallServiceExtension_PassesIsolateID(t *testing.T) {
	var gotParams map[string]any
	svc := &fakeService{handler: func(req protocol.Request) (any, *protocol.RPCError) {
		raw, _ := json.Marshal(req.Params)
		json.Unmarshal(raw, &gotParams)
		return map[string]string{"type": "Success"}, nil
	}}
	c, cleanup := dialFake(t, svc)
	defer cleanup()

	result, err := c.CallServiceExtension(context.Background(), "isolates/42",
		protocol.ExtensionPrefix+"reassemble", map[string]any{"className": "Badge"})
	if err != nil {
		t.Fatalf("CallServiceExtension: %v", err)
	}
	if result == nil {
		t.Fatal("expected a result")
	}
	if gotParams["isolateId"] != "isolates/42" {
		t.Errorf("isolateId: got %v", gotParams["isolateId"])
	}
	if gotParams["className"] != "Badge" {
		t.Errorf("className: got %v", gotParams["className"])
	}
}

func TestCallServiceExtension_MethodNotFoundResolvesToNoResult(t *testing.T) {
	svc := &fakeService{handler: func(req protocol.Request) (any, *protocol.RPCError) {
		return nil, &protocol.RPCError{Code: protocol.CodeMethodNotFound, Message: "method not found"}
	}}
	c, cleanup := dialFake(t, svc)
	defer cleanup()

	result, err := c.CallServiceExtension(context.Background(), "isolates/1",
		protocol.ExtensionPrefix+"debugDumpRenderTree", nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result != nil {
		t.Errorf("expected no result, got %s", result)
	}
}

func TestCall_DroppedConnectionIsServiceDisappeared(t *testing.T) {
	block := make(chan struct{})
	svc := &fakeService{}
	svc.handler = func(req protocol.Request) (any, *protocol.RPCError) {
		<-block
		return nil, nil
	}
	c, cleanup := dialFake(t, svc)
	defer cleanup()
	defer close(block)

	errs := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "anything", nil)
		errs <- err
	}()

	// Give the call time to land before cutting the connection.
	time.Sleep(50 * time.Millisecond)
	svc.dropConnections()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrServiceDisappeared) {
			t.Errorf("expected ErrServiceDisappeared, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("call hung after connection drop")
	}

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Error("Done not closed after connection drop")
	}
}
