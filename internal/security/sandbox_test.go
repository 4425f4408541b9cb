package security

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/a/b/../c", "/a/c"},
		{"/a/b/", "/a/b"},
		{"/a//b/./c", "/a/b/c"},
		{"/", "/"},
	}
	for _, tt := range tests {
		got, err := NormalizePath(tt.in)
		if err != nil {
			t.Fatalf("NormalizePath(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("NormalizePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizePath_Relative(t *testing.T) {
	got, err := NormalizePath("some/dir/")
	if err != nil {
		t.Fatal(err)
	}
	if !filepath.IsAbs(got) || !strings.HasSuffix(got, filepath.Join("some", "dir")) {
		t.Errorf("relative path normalized to %q", got)
	}
}

func TestNormalizePath_Idempotent(t *testing.T) {
	for _, p := range []string{"/x/../y/./z/", "rel/../x", "/home/claudia/users/u1/projects", "./a//b"} {
		once, err := NormalizePath(p)
		if err != nil {
			t.Fatal(err)
		}
		twice, err := NormalizePath(once)
		if err != nil {
			t.Fatal(err)
		}
		if once != twice {
			t.Errorf("not idempotent for %q: %q then %q", p, once, twice)
		}
	}
}

func TestNormalizePath_Errors(t *testing.T) {
	if _, err := NormalizePath(""); !errors.Is(err, ErrEmptyPath) {
		t.Errorf("empty path: got %v", err)
	}
	if _, err := NormalizePath("/tmp/a\x00b"); !errors.Is(err, ErrNullByte) {
		t.Errorf("null byte: got %v", err)
	}
}

func TestSanitizePathComponent(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"alice", "alice"},
		{"user_01-x", "user_01-x"},
		{"../../etc", "etc"},
		{"a/b\\c", "abc"},
		{"bob@example.com", "bob_example_com"},
		{"", "_"},
		{"..", "_"},
		{"ünï", "_n_"},
	}
	for _, tt := range tests {
		if got := SanitizePathComponent(tt.in); got != tt.want {
			t.Errorf("SanitizePathComponent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizePathComponent_Idempotent(t *testing.T) {
	inputs := []string{
		"alice", "../..", "a/../b", "....//", "x.y.z", "...", "a..b", "  spaced  ",
		"日本語", "%2e%2e%2f", "\x00null", "../../../../root", "user\\..\\x",
	}
	for _, in := range inputs {
		once := SanitizePathComponent(in)
		if twice := SanitizePathComponent(once); twice != once {
			t.Errorf("not idempotent for %q: %q then %q", in, once, twice)
		}
		if strings.ContainsAny(once, `/\.`) {
			t.Errorf("SanitizePathComponent(%q) = %q contains a separator or dot", in, once)
		}
	}
}

func TestSandbox_Root(t *testing.T) {
	s := NewSandbox("/home/claudia/users")
	for _, id := range []string{"alice", "../../root", "a/b", "", ".."} {
		root := s.Root(id)
		parent := filepath.Dir(filepath.Dir(root))
		if parent != "/home/claudia/users" {
			t.Errorf("Root(%q) = %q is not two levels below the base dir", id, root)
		}
		if filepath.Base(root) != "projects" {
			t.Errorf("Root(%q) = %q does not end in projects", id, root)
		}
	}
	if got := s.Home("alice"); got != "/home/claudia/users/alice" {
		t.Errorf("Home = %q", got)
	}
}

func TestSandbox_Contains(t *testing.T) {
	s := NewSandbox("/home/claudia/users")
	tests := []struct {
		path string
		want bool
	}{
		{"/home/claudia/users/alice/projects", true},
		{"/home/claudia/users/alice/projects/app/main.go", true},
		{"/home/claudia/users/alice/projects2", false},
		{"/home/claudia/users/alice", false},
		{"/home/claudia/users/bob/projects", false},
		{"/home/claudia/users/alice/projects/../../bob/projects", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := s.Contains(tt.path, "alice"); got != tt.want {
			t.Errorf("Contains(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestHasTraversal(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"../etc", true},
		{"a/../b", true},
		{`a\..\b`, true},
		{"/x/%2e%2e/y", true},
		{"/x/..%2fy", true},
		{"file..txt", false},
		{"/a/b/c", false},
		{"...", false},
	}
	for _, tt := range tests {
		if got := hasTraversal(tt.in); got != tt.want {
			t.Errorf("hasTraversal(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestIsSubpath(t *testing.T) {
	tests := []struct {
		child, parent string
		want          bool
	}{
		{"/home/bill", "/home/bill", true},
		{"/home/bill/x", "/home/bill", true},
		{"/home/bill2", "/home/bill", false},
		{"/anything", "/", true},
	}
	for _, tt := range tests {
		if got := isSubpath(tt.child, tt.parent); got != tt.want {
			t.Errorf("isSubpath(%q, %q) = %v, want %v", tt.child, tt.parent, got, tt.want)
		}
	}
}

func TestExpandHome(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"~", "/home/claudia"},
		{"~/.ssh", "/home/claudia/.ssh"},
		{"~bob/x", "/home/bob/x"},
		{"/abs", "/abs"},
		{"rel/~", "rel/~"},
	}
	for _, tt := range tests {
		if got := expandHome(tt.in, "/home/claudia"); got != tt.want {
			t.Errorf("expandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := expandHome("~/x", ""); got != "~/x" {
		t.Errorf("no home configured: got %q", got)
	}
}
