package backend

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLocalChdirComposesPaths(t *testing.T) {
	l := NewLocal()

	if err := l.Chdir("/tmp"); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}
	if l.workdir != "/tmp" {
		t.Errorf("workdir = %q, want /tmp", l.workdir)
	}

	if err := l.Chdir("sub/dir"); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}
	if l.workdir != "/tmp/sub/dir" {
		t.Errorf("workdir = %q, want /tmp/sub/dir", l.workdir)
	}

	// Absolute path replaces, never appends.
	if err := l.Chdir("/var"); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}
	if l.workdir != "/var" {
		t.Errorf("workdir = %q, want /var", l.workdir)
	}

	// The process working directory is untouched.
	if wd, err := os.Getwd(); err != nil || wd == "/var" {
		t.Errorf("process working directory changed to %q", wd)
	}
}

func TestLocalCreateOpenList(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "work")

	l := NewLocal()
	if err := l.Chdir(dir); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}

	// Create makes missing parents.
	f, err := l.Create("hello.txt")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := f.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r, err := l.Open("hello.txt")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != "hello\n" {
		t.Errorf("content = %q, want hello\\n", data)
	}

	attrs, err := l.ListDirAttr()
	if err != nil {
		t.Fatalf("ListDirAttr failed: %v", err)
	}
	if len(attrs) != 1 || attrs[0].Filename != "hello.txt" {
		t.Errorf("ListDirAttr = %+v, want one entry hello.txt", attrs)
	}
	if attrs[0].ModTime.IsZero() {
		t.Error("ModTime is zero")
	}
}

type chunkRecorder struct {
	chunks []string
}

func (c *chunkRecorder) handler(now time.Time, chunk string) error {
	c.chunks = append(c.chunks, chunk)
	return nil
}

func TestLocalExecCommand(t *testing.T) {
	l := NewLocal()
	if err := l.Chdir(t.TempDir()); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}

	var out, errOut chunkRecorder
	ok, err := l.ExecCommand(context.Background(),
		[]string{"sh", "-c", "echo one; echo two; echo err >&2"},
		"", 0, out.handler, errOut.handler)
	if err != nil {
		t.Fatalf("ExecCommand failed: %v", err)
	}
	if !ok {
		t.Error("ExecCommand = false, want true")
	}
	if want := []string{"one\n", "two\n"}; !equalChunks(out.chunks, want) {
		t.Errorf("stdout chunks = %v, want %v", out.chunks, want)
	}
	if want := []string{"err\n"}; !equalChunks(errOut.chunks, want) {
		t.Errorf("stderr chunks = %v, want %v", errOut.chunks, want)
	}
}

func TestLocalExecCommandNonZeroExit(t *testing.T) {
	l := NewLocal()
	var out, errOut chunkRecorder
	ok, err := l.ExecCommand(context.Background(),
		[]string{"sh", "-c", "exit 1"}, t.TempDir(), 0, out.handler, errOut.handler)
	if err != nil {
		t.Fatalf("ExecCommand failed: %v", err)
	}
	if ok {
		t.Error("ExecCommand = true, want false for exit 1")
	}
}

func TestLocalExecCommandTimeout(t *testing.T) {
	l := NewLocal()
	var out, errOut chunkRecorder
	start := time.Now()
	ok, err := l.ExecCommand(context.Background(),
		[]string{"sh", "-c", "sleep 10"}, t.TempDir(), time.Second,
		out.handler, errOut.handler)
	if err != nil {
		t.Fatalf("ExecCommand failed: %v", err)
	}
	if ok {
		t.Error("ExecCommand = true, want false on deadline overrun")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("command ran %v, deadline not enforced", elapsed)
	}
}

func TestLocalExecCommandMissingBinary(t *testing.T) {
	l := NewLocal()
	var out, errOut chunkRecorder
	_, err := l.ExecCommand(context.Background(),
		[]string{"/nonexistent/binary"}, t.TempDir(), 0, out.handler, errOut.handler)
	if err == nil {
		t.Fatal("ExecCommand succeeded, want error for missing binary")
	}
}

func TestLocalNoOps(t *testing.T) {
	l := NewLocal()
	if err := l.Connect(context.Background(), Credentials{}); err != nil {
		t.Errorf("Connect = %v, want nil", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close = %v, want nil", err)
	}
	if err := l.DeployKey(""); err != nil {
		t.Errorf("DeployKey = %v, want nil", err)
	}
	if err := l.DeleteKey(""); err != nil {
		t.Errorf("DeleteKey = %v, want nil", err)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	if _, ok := New(true, "host", 22, "user").(*Remote); !ok {
		t.Error("New(true) did not return a Remote")
	}
	if _, ok := New(false, "", 0, "").(*Local); !ok {
		t.Error("New(false) did not return a Local")
	}
}

func equalChunks(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestChunkWriterSlicesLargeWrites(t *testing.T) {
	var rec chunkRecorder
	w := &chunkWriter{handler: rec.handler, mu: &sync.Mutex{}}

	big := strings.Repeat("x", maxChunk+100)
	n, err := w.Write([]byte(big))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != len(big) {
		t.Errorf("Write returned %d, want %d", n, len(big))
	}
	if len(rec.chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(rec.chunks))
	}
	if len(rec.chunks[0]) != maxChunk || len(rec.chunks[1]) != 100 {
		t.Errorf("chunk sizes = %d, %d; want %d, 100",
			len(rec.chunks[0]), len(rec.chunks[1]), maxChunk)
	}
}
