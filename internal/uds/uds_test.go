package uds

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shortTempSockPath keeps socket paths under the 104-byte sun_path limit on macOS.
func shortTempSockPath(t *testing.T, name string) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "dlg-uds-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, name)
}

func setupTestServer(t *testing.T) (*Server, *Client, string) {
	t.Helper()
	sockPath := shortTempSockPath(t, "t.sock")
	server := NewServer(sockPath, zerolog.Nop())
	client := NewClient(sockPath)
	client.SetTimeout(5 * time.Second)
	return server, client, sockPath
}

func TestFraming_RoundTrip(t *testing.T) {
	sockPath := shortTempSockPath(t, "f.sock")
	listener, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer listener.Close()

	got := make(chan Request, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			return
		}
		got <- req
		_ = WriteFrame(conn, SuccessResponse(map[string]string{"echo": req.Command}))
	}()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	req, err := NewRequest("submit", map[string]string{"prompt": "hello"})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(conn, req))

	var resp Response
	require.NoError(t, ReadFrame(conn, &resp))
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"echo":"submit"}`, string(resp.Data))

	server := <-got
	assert.Equal(t, ProtocolVersion, server.ProtocolVersion)
	assert.JSONEq(t, `{"prompt":"hello"}`, string(server.Params))
}

func TestFraming_LargePayload(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	big := strings.Repeat("x", 2*1024*1024)
	go func() { _ = WriteFrame(a, SuccessResponse(map[string]string{"output": big})) }()

	var resp Response
	require.NoError(t, ReadFrame(b, &resp))
	var data map[string]string
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Len(t, data["output"], len(big))
}

func TestFraming_RejectsOversizedFrame(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() { _, _ = a.Write([]byte{0x7f, 0xff, 0xff, 0xff}) }()
	var resp Response
	err := ReadFrame(b, &resp)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestServer_ProtocolVersionMismatch(t *testing.T) {
	server, client, _ := setupTestServer(t)
	require.NoError(t, server.Start())
	defer server.Stop()

	resp, err := client.Send(context.Background(), &Request{ProtocolVersion: 99, Command: "ping"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, ErrCodeProtocolMismatch, resp.Error.Code)
}

func TestServer_UnknownCommand(t *testing.T) {
	server, client, _ := setupTestServer(t)
	require.NoError(t, server.Start())
	defer server.Stop()

	err := client.Call("nope", nil, nil)
	var detail *ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, ErrCodeUnknownCommand, detail.Code)
}

func TestServer_HandlerExecution(t *testing.T) {
	server, client, _ := setupTestServer(t)
	server.Handle("ping", func(*Request) *Response {
		return SuccessResponse(map[string]string{"status": "pong"})
	})
	server.Handle("echo", func(req *Request) *Response {
		var params map[string]string
		if err := DecodeParams(req, &params); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		return SuccessResponse(params)
	})
	require.NoError(t, server.Start())
	defer server.Stop()

	var pong map[string]string
	require.NoError(t, client.Call("ping", nil, &pong))
	assert.Equal(t, "pong", pong["status"])

	var echo map[string]string
	require.NoError(t, client.Call("echo", map[string]string{"msg": "hello"}, &echo))
	assert.Equal(t, "hello", echo["msg"])
}

func TestClient_CallReturnsErrorDetail(t *testing.T) {
	server, client, _ := setupTestServer(t)
	server.Handle("submit", func(*Request) *Response {
		return SessionErrorResponse(ErrCodeLaunchFailed, "sess_1771722000_0000beef", "worker missing")
	})
	require.NoError(t, server.Start())
	defer server.Stop()

	err := client.Call("submit", nil, nil)
	var detail *ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, ErrCodeLaunchFailed, detail.Code)
	assert.Equal(t, "sess_1771722000_0000beef", detail.SessionID)
	assert.Equal(t, "LAUNCH_FAILED: worker missing", err.Error())
}

func TestServer_MultipleClients(t *testing.T) {
	server, _, sockPath := setupTestServer(t)
	server.Handle("ping", func(*Request) *Response { return SuccessResponse(nil) })
	require.NoError(t, server.Start())
	defer server.Stop()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- NewClient(sockPath).Call("ping", nil, nil)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestServer_HandlerPanicDoesNotKillServer(t *testing.T) {
	server, client, _ := setupTestServer(t)
	server.Handle("boom", func(*Request) *Response { panic("handler bug") })
	server.Handle("ping", func(*Request) *Response { return SuccessResponse(nil) })
	require.NoError(t, server.Start())
	defer server.Stop()

	err := client.Call("boom", nil, nil)
	var detail *ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, ErrCodeInternal, detail.Code)
	assert.NoError(t, client.Call("ping", nil, nil))
}

func TestClient_DaemonNotRunning(t *testing.T) {
	client := NewClient(shortTempSockPath(t, "missing.sock"))
	client.SetTimeout(time.Second)

	err := client.Call("ping", nil, nil)
	assert.ErrorIs(t, err, ErrDaemonNotRunning)
	assert.Contains(t, err.Error(), "delegator up")
}

func TestServer_ConnectionTimeout(t *testing.T) {
	server, _, sockPath := setupTestServer(t)
	server.SetConnTimeout(300 * time.Millisecond)
	server.Handle("ping", func(*Request) *Response { return SuccessResponse(nil) })
	require.NoError(t, server.Start())
	defer server.Stop()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(500 * time.Millisecond)
	_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, readErr := conn.Read(make([]byte, 1))
	assert.Error(t, readErr, "idle connection should be closed by the server")

	client := NewClient(sockPath)
	client.SetTimeout(2 * time.Second)
	assert.NoError(t, client.Call("ping", nil, nil))
}

func TestServer_BackpressureWhenSaturated(t *testing.T) {
	server, client, _ := setupTestServer(t)
	server.SetMaxConns(0)
	server.Handle("ping", func(*Request) *Response { return SuccessResponse(nil) })
	require.NoError(t, server.Start())
	defer server.Stop()

	err := client.Call("ping", nil, nil)
	var detail *ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, ErrCodeBackpressure, detail.Code)
}

func TestClient_ContextCancelled(t *testing.T) {
	server, client, _ := setupTestServer(t)
	release := make(chan struct{})
	server.Handle("slow", func(*Request) *Response {
		<-release
		return SuccessResponse(nil)
	})
	require.NoError(t, server.Start())
	defer server.Stop()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := client.CallContext(ctx, "slow", nil, nil)
	assert.Error(t, err)
}

func TestServer_SocketPermissions(t *testing.T) {
	server, _, sockPath := setupTestServer(t)
	require.NoError(t, server.Start())
	defer server.Stop()

	info, err := os.Stat(sockPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestServer_StopCleansUpSocket(t *testing.T) {
	server, _, sockPath := setupTestServer(t)
	require.NoError(t, server.Start())
	require.FileExists(t, sockPath)

	require.NoError(t, server.Stop())
	_, err := os.Stat(sockPath)
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, server.Stop(), "second Stop is a no-op")
}

func TestResponses(t *testing.T) {
	resp := ErrorResponse(ErrCodeBackpressure, "queue full")
	assert.False(t, resp.Success)
	assert.Equal(t, ErrCodeBackpressure, resp.Error.Code)
	assert.Equal(t, "queue full", resp.Error.Message)

	resp = SuccessResponse(map[string]int{"length": 2})
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"length":2}`, string(resp.Data))

	resp = SuccessResponse(nil)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Data)

	resp = SuccessResponse(map[string]any{"bad": make(chan int)})
	assert.False(t, resp.Success)
	assert.Equal(t, ErrCodeInternal, resp.Error.Code)
}

func TestDecodeParams(t *testing.T) {
	var v struct{ ID string }
	require.NoError(t, DecodeParams(&Request{}, &v))
	assert.Empty(t, v.ID)

	require.NoError(t, DecodeParams(&Request{Params: json.RawMessage(`{"ID":"x"}`)}, &v))
	assert.Equal(t, "x", v.ID)

	assert.Error(t, DecodeParams(&Request{Params: json.RawMessage(`{`)}, &v))
}
