package progress

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

type call struct {
	current int64
	percent int
}

func record(calls *[]call) Callback {
	return func(op string, current, total int64, percent int, message string) {
		*calls = append(*calls, call{current, percent})
	}
}

func TestNew(t *testing.T) {
	p := New("test-op", 100, nil)
	if p.Op != "test-op" || p.Total != 100 {
		t.Errorf("unexpected progress %+v", p)
	}
	if p.cb == nil {
		t.Error("expected callback to default to Noop")
	}
	p.Add(10, "")
}

func TestAdd_ReportsOnPercentChange(t *testing.T) {
	var calls []call
	p := New("sync", 200, record(&calls))

	p.Add(1, "") // 0%
	p.Add(0, "") // still 0%, suppressed
	p.Add(1, "") // 1%
	p.Add(198, "")

	if len(calls) != 3 {
		t.Fatalf("expected 3 callbacks, got %d: %v", len(calls), calls)
	}
	if calls[2].percent != 100 || calls[2].current != 200 {
		t.Errorf("unexpected final call %+v", calls[2])
	}
}

func TestPercent_ZeroTotal(t *testing.T) {
	p := New("empty", 0, nil)
	p.Add(5, "")
	if p.Percent() != 0 {
		t.Errorf("expected 0%%, got %d", p.Percent())
	}
}

func TestDone(t *testing.T) {
	var calls []call
	p := New("sync", 50, record(&calls))
	p.Done("finished")
	if p.Current() != 50 {
		t.Errorf("expected current 50, got %d", p.Current())
	}
	if len(calls) != 1 || calls[0].percent != 100 {
		t.Errorf("unexpected calls %v", calls)
	}
}

func TestReader(t *testing.T) {
	var calls []call
	data := strings.Repeat("x", 1000)
	p := New("read", int64(len(data)), record(&calls))

	out, err := io.ReadAll(p.Reader(strings.NewReader(data)))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1000 || p.Current() != 1000 {
		t.Errorf("expected all bytes counted, got %d/%d", len(out), p.Current())
	}
	if calls[len(calls)-1].percent != 100 {
		t.Errorf("expected final 100%%, got %v", calls[len(calls)-1])
	}
}

func TestTerminal_Update(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal("push", true)
	term.SetWriter(&buf)

	term.Update(50, "vol")
	out := buf.String()
	if !strings.Contains(out, " 50%") || !strings.Contains(out, "vol") {
		t.Errorf("unexpected output %q", out)
	}
	if strings.Count(out, "=") != 15 {
		t.Errorf("expected half-filled bar, got %q", out)
	}

	term.Done("")
	if !strings.HasSuffix(buf.String(), "100%\n") {
		t.Errorf("expected final newline, got %q", buf.String())
	}
}

func TestTerminal_Disabled(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal("push", false)
	term.SetWriter(&buf)
	term.Update(10, "")
	term.Done("")
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}
