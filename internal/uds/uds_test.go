package uds

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/msageha/nightline/internal/logging"
)

// shortSockPath keeps socket paths under the 104-byte limit on macOS.
func shortSockPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "nl-uds-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "t.sock")
}

func startServer(t *testing.T) (*Server, *Client, string) {
	t.Helper()
	path := shortSockPath(t)
	s := NewServer(path, logging.Discard())
	s.Handle(CommandPing, func(req *Request) *Response {
		return SuccessResponse(PingResult{Status: "ok", PID: 42})
	})
	s.Handle(CommandReport, func(req *Request) *Response {
		var p ReportParams
		if err := DecodeParams(req, &p); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		return SuccessResponse(TextResult{Text: "report:" + p.Command()})
	})
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Stop)
	c := NewClient(path)
	c.SetTimeout(2 * time.Second)
	return s, c, path
}

func TestFramingRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		_ = WriteFrame(a, ReportParams{Query: "clients", Form: strings.Repeat("x", 70000)})
	}()
	var got ReportParams
	if err := ReadFrame(b, &got); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Query != "clients" || len(got.Form) != 70000 {
		t.Errorf("got query=%q form len=%d", got.Query, len(got.Form))
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() { _, _ = a.Write([]byte{0xff, 0xff, 0xff, 0xff}) }()
	var v any
	if err := ReadFrame(b, &v); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("err = %v, want frame too large", err)
	}
}

func TestCallPing(t *testing.T) {
	_, c, _ := startServer(t)

	var res PingResult
	if err := c.Call(CommandPing, nil, &res); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Status != "ok" || res.PID != 42 {
		t.Errorf("ping = %+v", res)
	}
}

func TestCallWithParams(t *testing.T) {
	_, c, _ := startServer(t)

	var res TextResult
	if err := c.Call(CommandReport, ReportParams{Query: "ring_queue", Form: "text"}, &res); err != nil {
		t.Fatal(err)
	}
	if res.Text != "report:ring_queue text" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestUnknownCommand(t *testing.T) {
	_, c, _ := startServer(t)

	err := c.Call("launch", nil, nil)
	var detail *ErrorDetail
	if !errors.As(err, &detail) || detail.Code != ErrCodeUnknownCommand {
		t.Errorf("err = %v, want UNKNOWN_COMMAND", err)
	}
}

func TestProtocolMismatch(t *testing.T) {
	_, c, _ := startServer(t)

	resp, err := c.Send(&Request{ProtocolVersion: 99, Command: CommandPing})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Success || resp.Error == nil || resp.Error.Code != ErrCodeProtocolMismatch {
		t.Errorf("resp = %+v", resp)
	}
}

func TestBadParams(t *testing.T) {
	_, c, _ := startServer(t)

	resp, err := c.Send(&Request{ProtocolVersion: ProtocolVersion, Command: CommandReport, Params: []byte(`"oops"`)})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Success || resp.Error.Code != ErrCodeValidation {
		t.Errorf("resp = %+v", resp)
	}
}

func TestConcurrentClients(t *testing.T) {
	_, c, _ := startServer(t)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var res PingResult
			errs <- c.Call(CommandPing, nil, &res)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
}

func TestBrokerNotRunning(t *testing.T) {
	c := NewClient(shortSockPath(t))
	c.SetTimeout(200 * time.Millisecond)
	err := c.Call(CommandPing, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "nightline daemon") {
		t.Errorf("err = %v", err)
	}
}

func TestSocketPermissionsAndCleanup(t *testing.T) {
	s, _, path := startServer(t)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket perm = %o, want 600", perm)
	}

	s.Stop()
	s.Stop()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("socket still present after Stop: %v", err)
	}
}

func TestIdleConnectionTimesOut(t *testing.T) {
	path := shortSockPath(t)
	s := NewServer(path, logging.Discard())
	s.SetConnTimeout(50 * time.Millisecond)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("expected server to close idle connection")
	}
}

func TestResponses(t *testing.T) {
	if r := SuccessResponse(nil); !r.Success || r.Data != nil {
		t.Errorf("SuccessResponse(nil) = %+v", r)
	}
	if r := SuccessResponse(make(chan int)); r.Success || r.Error.Code != ErrCodeInternal {
		t.Errorf("unmarshalable data: %+v", r)
	}
	r := ErrorResponse(ErrCodeValidation, "bad")
	if r.Error.Error() != "VALIDATION_ERROR: bad" {
		t.Errorf("Error() = %q", r.Error.Error())
	}
	if (ReportParams{Query: "help"}).Command() != "help" {
		t.Error("help command should have no form")
	}
}
