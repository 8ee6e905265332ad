package file

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"weir/internal/corestate"
)

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "records")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestNextReturnsIncreasingOffsets(t *testing.T) {
	src, err := Open(writeFile(t, "alpha\nbeta\ngamma\n"), "p0")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	want := []struct {
		tuple  string
		offset corestate.Offset
	}{
		{"alpha", 6},
		{"beta", 11},
		{"gamma", 17},
	}
	for _, w := range want {
		rec, err := src.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if string(rec.Tuple) != w.tuple || rec.Offset != w.offset {
			t.Errorf("Next = (%q, %d), want (%q, %d)", rec.Tuple, rec.Offset, w.tuple, w.offset)
		}
	}
	if _, err := src.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Next at end = %v, want EOF", err)
	}
}

// TestSeekResumesStrictlyAfter verifies the replay contract: after
// Seek(off), the first record returned is the first one whose offset is
// strictly greater than off, never a repeat of the record that produced
// off.
func TestSeekResumesStrictlyAfter(t *testing.T) {
	src, err := Open(writeFile(t, "alpha\nbeta\ngamma\n"), "p0")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	first, err := src.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	if err := src.Seek(first.Offset); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	rec, err := src.Next()
	if err != nil {
		t.Fatalf("Next after Seek: %v", err)
	}
	if string(rec.Tuple) != "beta" || rec.Offset <= first.Offset {
		t.Errorf("Next after Seek(%d) = (%q, %d), want beta at a larger offset", first.Offset, rec.Tuple, rec.Offset)
	}

	// Negative means start of stream.
	if err := src.Seek(-1); err != nil {
		t.Fatalf("Seek(-1): %v", err)
	}
	rec, err = src.Next()
	if err != nil {
		t.Fatalf("Next after Seek(-1): %v", err)
	}
	if string(rec.Tuple) != "alpha" {
		t.Errorf("Next after Seek(-1) = %q, want alpha", rec.Tuple)
	}
}

func TestPartialTrailingLineWaitsForNewline(t *testing.T) {
	path := writeFile(t, "done\npart")
	src, err := Open(path, "p0")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	rec, err := src.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(rec.Tuple) != "done" {
		t.Fatalf("Next = %q, want done", rec.Tuple)
	}

	// The producer has not finished the second record yet.
	if _, err := src.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("Next on partial line = %v, want EOF", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.WriteString("ial\n"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	f.Close()

	rec, err = src.Next()
	if err != nil {
		t.Fatalf("Next after append: %v", err)
	}
	if string(rec.Tuple) != "partial" {
		t.Errorf("Next after append = %q, want partial", rec.Tuple)
	}
}
