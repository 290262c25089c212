package main

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockAddr struct {
	str string
}

func (m MockAddr) Network() string { return "tcp" }
func (m MockAddr) String() string  { return m.str }

// MockConn keeps input and output apart so a kept-alive worker never
// reads back its own response.
type MockConn struct {
	rd     *bytes.Buffer
	wr     *bytes.Buffer
	closed bool
}

func NewMockConn(input string) *MockConn {
	return &MockConn{
		rd: bytes.NewBufferString(input),
		wr: new(bytes.Buffer),
	}
}

func (m *MockConn) Read(p []byte) (int, error)  { return m.rd.Read(p) }
func (m *MockConn) Write(p []byte) (int, error) { return m.wr.Write(p) }

func (m *MockConn) Close() error {
	m.closed = true
	return nil
}

func (m *MockConn) LocalAddr() net.Addr                { return MockAddr{"(local)"} }
func (m *MockConn) RemoteAddr() net.Addr               { return MockAddr{"(remote)"} }
func (m *MockConn) SetDeadline(t time.Time) error      { return nil }
func (m *MockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *MockConn) SetWriteDeadline(t time.Time) error { return nil }

var testContent = MapSource{
	"/index.html": []byte("<html>hello</html>"),
	"/a.txt":      []byte("aaa"),
	"/b.txt":      []byte("bbb"),
}

func runWorker(t *testing.T, conn net.Conn) *Worker {
	t.Helper()
	w := NewWorker(
		NewResolver(testContent, "test-server"),
		WorkerConfig{
			MaxHeaderBytes: testMaxHeader,
			MaxBodyBytes:   testMaxBody,
		},
		zerolog.Nop(),
		newStats(),
	)
	w.Start(conn)
	return w
}

func responsesFrom(t *testing.T, wire *bytes.Buffer) []*Response {
	t.Helper()
	br := bufio.NewReader(wire)
	var out []*Response
	for {
		if _, err := br.Peek(1); err == io.EOF {
			return out
		}
		res, err := readResponseSync(br)
		require.NoError(t, err)
		out = append(out, res)
	}
}

func TestWorkerServesRequest(t *testing.T) {
	conn := NewMockConn("GET /index.html HTTP/1.1\r\nHost: x\r\n\r\n")
	w := runWorker(t, conn)

	responses := responsesFrom(t, conn.wr)
	require.Len(t, responses, 1)
	res := responses[0]
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, []byte("<html>hello</html>"), res.Body)

	token, ok := res.Header("Connection")
	require.True(t, ok)
	assert.Equal(t, "keep-alive", token)

	assert.Equal(t, 1, w.served)
	assert.True(t, conn.closed)
}

func TestWorkerKeepAliveServesSequentialRequests(t *testing.T) {
	conn := NewMockConn("GET /a.txt HTTP/1.1\r\n\r\nGET /b.txt HTTP/1.1\r\n\r\n")
	w := runWorker(t, conn)

	responses := responsesFrom(t, conn.wr)
	require.Len(t, responses, 2)
	assert.Equal(t, []byte("aaa"), responses[0].Body)
	assert.Equal(t, []byte("bbb"), responses[1].Body)
	assert.Equal(t, 2, w.served)
}

func TestWorkerConnectionClose(t *testing.T) {
	conn := NewMockConn("GET /a.txt HTTP/1.1\r\nConnection: close\r\n\r\nGET /b.txt HTTP/1.1\r\n\r\n")
	runWorker(t, conn)

	// the second request must not be served
	responses := responsesFrom(t, conn.wr)
	require.Len(t, responses, 1)
	token, _ := responses[0].Header("Connection")
	assert.Equal(t, "close", token)
	assert.True(t, conn.closed)
}

func TestWorkerHTTP10DefaultsToClose(t *testing.T) {
	conn := NewMockConn("GET /a.txt HTTP/1.0\r\n\r\nGET /b.txt HTTP/1.0\r\n\r\n")
	runWorker(t, conn)

	responses := responsesFrom(t, conn.wr)
	require.Len(t, responses, 1)
	token, _ := responses[0].Header("Connection")
	assert.Equal(t, "close", token)
}

func TestWorkerNotFoundKeepsConnectionAlive(t *testing.T) {
	conn := NewMockConn("GET /missing HTTP/1.1\r\n\r\nGET /a.txt HTTP/1.1\r\n\r\n")
	w := runWorker(t, conn)

	responses := responsesFrom(t, conn.wr)
	require.Len(t, responses, 2)
	assert.Equal(t, StatusNotFound, responses[0].Status)
	assert.Equal(t, StatusOK, responses[1].Status)
	assert.Equal(t, 2, w.served)
}

func TestWorkerMalformedRequestClosesWithBadRequest(t *testing.T) {
	conn := NewMockConn("GET /\r\n\r\nGET /a.txt HTTP/1.1\r\n\r\n")
	runWorker(t, conn)

	responses := responsesFrom(t, conn.wr)
	require.Len(t, responses, 1)
	assert.Equal(t, StatusBadRequest, responses[0].Status)
	token, _ := responses[0].Header("Connection")
	assert.Equal(t, "close", token)
	assert.True(t, conn.closed)
}

func TestWorkerOversizedHeadersRejected(t *testing.T) {
	conn := NewMockConn("GET / HTTP/1.1\r\nX-Filler: " + string(bytes.Repeat([]byte("a"), 4096)) + "\r\n\r\n")
	w := NewWorker(
		NewResolver(testContent, "test-server"),
		WorkerConfig{MaxHeaderBytes: 256, MaxBodyBytes: testMaxBody},
		zerolog.Nop(),
		newStats(),
	)
	w.Start(conn)

	responses := responsesFrom(t, conn.wr)
	require.Len(t, responses, 1)
	assert.Equal(t, StatusHeaderFieldsTooLarge, responses[0].Status)
	assert.True(t, conn.closed)
}

func TestWorkerSilentPeerDisconnect(t *testing.T) {
	conn := NewMockConn("")
	w := runWorker(t, conn)

	assert.Zero(t, conn.wr.Len(), "no response on bare disconnect")
	assert.Equal(t, 0, w.served)
	assert.True(t, conn.closed)
}

func TestWorkerIdleTimeoutClosesWithoutResponse(t *testing.T) {
	client, server := net.Pipe()
	w := NewWorker(
		NewResolver(testContent, "test-server"),
		WorkerConfig{
			ReadTimeout:    30 * time.Millisecond,
			WriteTimeout:   time.Second,
			MaxHeaderBytes: testMaxHeader,
			MaxBodyBytes:   testMaxBody,
		},
		zerolog.Nop(),
		newStats(),
	)

	done := make(chan struct{})
	go func() {
		w.Start(server)
		close(done)
	}()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after idle timeout")
	}
}

func TestWorkerCancel(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	w := NewWorker(
		NewResolver(testContent, "test-server"),
		WorkerConfig{MaxHeaderBytes: testMaxHeader, MaxBodyBytes: testMaxBody},
		zerolog.Nop(),
		newStats(),
	)

	done := make(chan struct{})
	go func() {
		w.Start(server)
		close(done)
	}()

	w.Cancel()
	w.Cancel() // repeated cancellation must be safe

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after Cancel")
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestShouldKeepAlive(t *testing.T) {
	tests := []struct {
		version    string
		connection string
		want       bool
	}{
		{"HTTP/1.1", "", true},
		{"HTTP/1.1", "keep-alive", true},
		{"HTTP/1.1", "close", false},
		{"HTTP/1.1", "Close", false},
		{"HTTP/1.0", "", false},
		{"HTTP/1.0", "keep-alive", true},
		{"HTTP/1.0", "close", false},
	}
	for _, tt := range tests {
		req := &Request{Version: tt.version, Headers: HTTPHeader{}}
		if tt.connection != "" {
			req.Headers["connection"] = tt.connection
		}
		assert.Equal(t, tt.want, shouldKeepAlive(req), "%s %q", tt.version, tt.connection)
	}
}
