package pathutil

import "testing"

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"/", "/"},
		{"", "/"},
		{"/a/b", "/a/b"},
		{"/a//b", "/a/b"},
		{"/a/./b", "/a/b"},
		{"/a/b/../c", "/a/c"},
		{"/a/../../b", "/b"},
		{"/a/b/", "/a/b"},
		{"a/b", "/a/b"},
	}

	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestIsValid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want bool
	}{
		{"/a/b", true},
		{"/", true},
		{"a/b", false},
		{"/a//b", false},
		{"/a<b", false},
		{"/a\x00b", false},
		{"/a\x1fb", false},
		{"/a:b", false},
	}

	for _, c := range cases {
		if got := IsValid(c.in); got != c.want {
			t.Errorf("IsValid(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestBasenameDirname(t *testing.T) {
	t.Parallel()

	if got := Basename("/a/b/c.txt"); got != "c.txt" {
		t.Errorf("Basename = %q, want c.txt", got)
	}

	if got := Basename(Root); got != "" {
		t.Errorf("Basename(root) = %q, want empty", got)
	}

	if got := Dirname("/a/b/c.txt"); got != "/a/b" {
		t.Errorf("Dirname = %q, want /a/b", got)
	}

	if got := Dirname("/a"); got != Root {
		t.Errorf("Dirname(/a) = %q, want root", got)
	}

	if got := Dirname(Root); got != Root {
		t.Errorf("Dirname(root) = %q, want root", got)
	}
}

func TestJoin(t *testing.T) {
	t.Parallel()

	if got := Join("/", "a"); got != "/a" {
		t.Errorf("Join(/, a) = %q, want /a", got)
	}

	if got := Join("/a", "b"); got != "/a/b" {
		t.Errorf("Join(/a, b) = %q, want /a/b", got)
	}
}

func TestRelative(t *testing.T) {
	t.Parallel()

	if got := Relative("/a", "/a/b/c"); got != "b/c" {
		t.Errorf("Relative = %q, want b/c", got)
	}

	if got := Relative(Root, "/a/b"); got != "a/b" {
		t.Errorf("Relative(root) = %q, want a/b", got)
	}

	if got := Relative("/a", "/a"); got != "" {
		t.Errorf("Relative(self) = %q, want empty", got)
	}
}

func TestIsSubPath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		base, p string
		want    bool
	}{
		{"/", "/anything/here", true},
		{"/a", "/a", true},
		{"/a", "/a/b", true},
		{"/a", "/ab", false},
		{"/a/b", "/a", false},
	}

	for _, c := range cases {
		if got := IsSubPath(c.base, c.p); got != c.want {
			t.Errorf("IsSubPath(%q, %q) = %v, want %v", c.base, c.p, got, c.want)
		}
	}
}

func TestDepth(t *testing.T) {
	t.Parallel()

	if got := Depth(Root); got != 0 {
		t.Errorf("Depth(root) = %d, want 0", got)
	}

	if got := Depth("/a/b/c"); got != 3 {
		t.Errorf("Depth(/a/b/c) = %d, want 3", got)
	}
}
