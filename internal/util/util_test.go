package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSanitizeFilename(t *testing.T) {
	testCases := []struct {
		in, want string
	}{
		{"One Piece", "One Piece"},
		{"Re:Zero", "Re-Zero"},
		{"What?/Why*", "What-Why"},
		{"..hidden", "hidden"},
		{"a\x00b", "ab"},
		{"", "untitled"},
		{"???", "untitled"},
		{"CON", "CON_"},
	}
	for _, tc := range testCases {
		if got := SanitizeFilename(tc.in); got != tc.want {
			t.Errorf("SanitizeFilename(%q) = %q; want %q", tc.in, got, tc.want)
		}
	}

	long := strings.Repeat("é", 300)
	if got := SanitizeFilename(long); len(got) > 200 || !strings.HasPrefix(long, got) {
		t.Errorf("SanitizeFilename did not truncate on a rune boundary: %d bytes", len(got))
	}
}

func TestResolveDestination(t *testing.T) {
	base := filepath.Join(t.TempDir(), "downloads")

	t.Run("empty selects base", func(t *testing.T) {
		got, err := ResolveDestination("", base)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != base {
			t.Errorf("got %q, want %q", got, base)
		}
		if info, err := os.Stat(base); err != nil || !info.IsDir() {
			t.Errorf("base directory was not created")
		}
	})

	t.Run("relative is joined to base", func(t *testing.T) {
		got, err := ResolveDestination("nested/dir", base)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != filepath.Join(base, "nested", "dir") {
			t.Errorf("got %q", got)
		}
	})

	t.Run("traversal is rejected", func(t *testing.T) {
		if _, err := ResolveDestination("../escape", base); err == nil {
			t.Error("expected an error for directory traversal")
		}
	})

	t.Run("file is rejected", func(t *testing.T) {
		file := filepath.Join(base, "file")
		os.WriteFile(file, []byte("x"), 0o644)
		if _, err := ResolveDestination(file, base); err == nil {
			t.Error("expected an error when destination is a file")
		}
	})

	t.Run("no leftovers from the write check", func(t *testing.T) {
		entries, _ := os.ReadDir(base)
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), ".mango_write_check_") {
				t.Errorf("write check file left behind: %s", e.Name())
			}
		}
	})
}

func TestNaturalSortLess(t *testing.T) {
	testCases := []struct {
		s1, s2   string
		expected bool
	}{
		{"ch 2", "ch 10", true},
		{"chapter 10", "chapter 2", false},
		{"file1.jpg", "file10.jpg", true},
		{"v1.2", "v1.10", true},
		{"a", "b", true},
		{"B", "a", false},
		{"file", "file1", true},
		{"chapter 1", "chapter 1", false},
	}
	for _, tc := range testCases {
		if result := NaturalSortLess(tc.s1, tc.s2); result != tc.expected {
			t.Errorf("NaturalSortLess(%q, %q) = %v; want %v", tc.s1, tc.s2, result, tc.expected)
		}
	}
}
