package executor

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func collectLines(t *testing.T, r io.Reader) []string {
	t.Helper()
	var lines []string
	if err := StreamLines(r, func(l string) { lines = append(lines, l) }); err != nil {
		t.Fatalf("StreamLines: %v", err)
	}
	return lines
}

func TestStreamLinesSeparators(t *testing.T) {
	in := "first\nsecond\r\nbar 10%\rbar 20%\r\n\nlast"
	got := collectLines(t, strings.NewReader(in))
	want := []string{"first", "second", "bar 10%", "bar 20%", "", "last"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("lines:\n got %q\nwant %q", got, want)
	}
}

func TestStreamLinesCRAtChunkBoundary(t *testing.T) {
	// "\r" and "\n" arrive in separate reads
	r := io.MultiReader(strings.NewReader("a\r"), strings.NewReader("\nb\r"))
	got := collectLines(t, r)
	if strings.Join(got, "|") != "a|b" {
		t.Fatalf("unexpected lines: %q", got)
	}
}

func TestStreamLinesSplitsOverlongLine(t *testing.T) {
	long := strings.Repeat("x", maxLineBytes+10)
	got := collectLines(t, strings.NewReader(long+"\nend\n"))
	if len(got) != 3 || len(got[0])+len(got[1]) != len(long) || got[2] != "end" {
		t.Fatalf("overlong line not split without loss: %d lines", len(got))
	}
}

func TestStreamLinesCRFillingBuffer(t *testing.T) {
	long := strings.Repeat("A", maxLineBytes-1)
	tests := []struct {
		name string
		in   string
	}{
		{"lone CR", long + "\r" + "epoch is incremented\n" + "after\n"},
		{"CRLF", long + "\r\n" + "epoch is incremented\n" + "after\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := collectLines(t, strings.NewReader(tt.in))
			if len(got) != 3 {
				t.Fatalf("expected 3 lines, got %d", len(got))
			}
			if got[0] != long || got[1] != "epoch is incremented" || got[2] != "after" {
				t.Fatalf("unexpected lines after a buffer-filling line: %q, %q", got[1], got[2])
			}
		})
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestStartLocalInterleavesAndReportsExit(t *testing.T) {
	requireShell(t)
	p, err := startLocal(context.Background(), []string{"sh", "-c", "echo out1; echo err1 >&2; echo out2; exit 3"}, nil, time.Second)
	if err != nil {
		t.Fatalf("startLocal: %v", err)
	}
	lines := collectLines(t, p.Output())
	err = p.Wait()

	if strings.Join(lines, ",") != "out1,err1,out2" {
		t.Fatalf("unexpected output: %q", lines)
	}
	var exit *ExitError
	if !errors.As(err, &exit) || exit.Code != 3 {
		t.Fatalf("expected exit code 3, got %v", err)
	}
}

func TestStartLocalCancelRunsHook(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithCancel(context.Background())
	hooked := make(chan struct{})
	p, err := startLocal(ctx, []string{"sh", "-c", "echo started; exec sleep 30"}, func() { close(hooked) }, time.Second)
	if err != nil {
		t.Fatalf("startLocal: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_ = StreamLines(p.Output(), func(string) {})
		done <- p.Wait()
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("process not stopped after cancel")
	}
	select {
	case <-hooked:
	default:
		t.Fatal("cancel hook did not run")
	}
}
