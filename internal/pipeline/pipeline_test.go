package pipeline

import (
	"os"
	"testing"
)

func TestSpliceTransfersBytes(t *testing.T) {
	srcR, srcW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe (src): %v", err)
	}
	defer srcR.Close()
	defer srcW.Close()

	sinkR, sinkW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe (sink): %v", err)
	}
	defer sinkR.Close()
	defer sinkW.Close()

	payload := []byte("hunter2\n")
	if _, err := srcW.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	srcW.Close()

	p := New(srcR, sinkW)
	n, err := p.Splice(8192)
	if err != nil {
		t.Fatalf("Splice: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("Splice moved %d bytes, want %d", n, len(payload))
	}
	sinkW.Close()

	got := make([]byte, len(payload))
	if _, err := sinkR.Read(got); err != nil {
		t.Fatalf("read from sink: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("sink got %q, want %q", got, payload)
	}
}

func TestSpliceReturnsBrokenPipeOnSinkHangup(t *testing.T) {
	srcR, srcW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe (src): %v", err)
	}
	defer srcR.Close()
	defer srcW.Close()

	sinkR, sinkW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe (sink): %v", err)
	}
	sinkR.Close() // immediately hang up the read side of the sink

	p := New(srcR, sinkW)
	defer sinkW.Close()

	if _, err := p.Splice(8192); err != ErrBrokenPipe {
		t.Fatalf("Splice with hung-up sink: err = %v, want ErrBrokenPipe", err)
	}
}

func TestPipelineWrite(t *testing.T) {
	_, sinkW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer sinkW.Close()

	p := New(nil, sinkW)
	n, err := p.Write([]byte("hunter2\n"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len("hunter2\n") {
		t.Errorf("Write returned %d, want %d", n, len("hunter2\n"))
	}
	if err := p.Flush(); err != nil {
		t.Errorf("Flush: %v", err)
	}
}

func TestCloseReplacesWithDevNull(t *testing.T) {
	srcR, srcW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe (src): %v", err)
	}
	defer srcW.Close()

	sinkR, sinkW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe (sink): %v", err)
	}
	defer sinkR.Close()

	p := New(srcR, sinkW)
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Writes to the (now /dev/null) sink descriptor must silently succeed.
	if _, err := sinkW.Write([]byte("dropped")); err != nil {
		t.Errorf("write after Close: %v", err)
	}
}
