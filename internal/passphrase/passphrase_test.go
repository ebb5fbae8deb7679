package passphrase

import (
	"bytes"
	"os"
	"testing"
)

// writeStdinFile creates a temp file containing lines and returns it
// opened for reading, standing in for a piped (non-TTY) stdin.
func writeStdinFile(t *testing.T, lines ...string) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "stdin")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	for _, l := range lines {
		if _, err := f.WriteString(l + "\n"); err != nil {
			t.Fatalf("WriteString: %v", err)
		}
	}
	if _, err := f.Seek(0, 0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestTerminalReadFromPipedStdin(t *testing.T) {
	in := writeStdinFile(t, "hunter2")
	var out bytes.Buffer
	term := &Terminal{In: in, Out: &out}

	got, err := term.Read("Enter passphrase: ")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hunter2" {
		t.Errorf("got %q, want hunter2", got)
	}
	if !bytes.Contains(out.Bytes(), []byte("Enter passphrase: ")) {
		t.Errorf("expected prompt written to Out, got %q", out.String())
	}
}

func TestTerminalReadNewMatching(t *testing.T) {
	in := writeStdinFile(t, "correct horse", "correct horse")
	var out bytes.Buffer
	term := &Terminal{In: in, Out: &out}

	got, err := term.ReadNew("New passphrase: ")
	if err != nil {
		t.Fatalf("ReadNew: %v", err)
	}
	if string(got) != "correct horse" {
		t.Errorf("got %q, want 'correct horse'", got)
	}
}

func TestTerminalReadNewMismatch(t *testing.T) {
	in := writeStdinFile(t, "first one", "second one")
	var out bytes.Buffer
	term := &Terminal{In: in, Out: &out}

	if _, err := term.ReadNew("New passphrase: "); err != ErrMismatch {
		t.Fatalf("got err %v, want ErrMismatch", err)
	}
}

func TestTerminalReadEmptyLine(t *testing.T) {
	in := writeStdinFile(t, "")
	var out bytes.Buffer
	term := &Terminal{In: in, Out: &out}

	got, err := term.Read("Enter: ")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %q, want empty", got)
	}
}
