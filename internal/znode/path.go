package znode

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidPath = errors.New("znode: invalid path")

// Root is the top of the coordination tree.
const Root Path = "/"

// Path is an absolute, slash-delimited node path. The zero value is not a valid path.
type Path string

// ParsePath validates p and returns it as a Path.
func ParsePath(p string) (Path, error) {
	if err := validate(p); err != nil {
		return "", err
	}
	return Path(p), nil
}

// MustParsePath is like ParsePath but panics on an invalid path.
func MustParsePath(p string) Path {
	path, err := ParsePath(p)
	if err != nil {
		panic(err)
	}
	return path
}

func validate(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if p[0] != '/' {
		return fmt.Errorf("%w: %q is not absolute", ErrInvalidPath, p)
	}
	if p == "/" {
		return nil
	}
	if strings.HasSuffix(p, "/") {
		return fmt.Errorf("%w: %q has a trailing slash", ErrInvalidPath, p)
	}
	for _, seg := range strings.Split(p[1:], "/") {
		switch seg {
		case "":
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, p)
		case ".", "..":
			return fmt.Errorf("%w: %q has a relative segment", ErrInvalidPath, p)
		}
		if strings.ContainsRune(seg, 0) {
			return fmt.Errorf("%w: %q contains a null character", ErrInvalidPath, p)
		}
	}
	return nil
}

func (p Path) String() string {
	return string(p)
}

// IsRoot reports whether p is the root path.
func (p Path) IsRoot() bool {
	return p == Root
}

// Name returns the last segment of p. The root has an empty name.
func (p Path) Name() string {
	if p.IsRoot() {
		return ""
	}
	return string(p[strings.LastIndexByte(string(p), '/')+1:])
}

// Parent returns the parent of p. The parent of the root is the root.
func (p Path) Parent() Path {
	i := strings.LastIndexByte(string(p), '/')
	if i <= 0 {
		return Root
	}
	return p[:i]
}

// Child returns the path of the child called name.
func (p Path) Child(name string) (Path, error) {
	if name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("%w: bad child name %q", ErrInvalidPath, name)
	}
	if p.IsRoot() {
		return ParsePath("/" + name)
	}
	return ParsePath(string(p) + "/" + name)
}

// MustChild is like Child but panics on an invalid name.
func (p Path) MustChild(name string) Path {
	child, err := p.Child(name)
	if err != nil {
		panic(err)
	}
	return child
}

// Ancestors returns every proper ancestor of p except the root, outermost first.
func (p Path) Ancestors() []Path {
	var out []Path
	for q := p.Parent(); !q.IsRoot(); q = q.Parent() {
		out = append([]Path{q}, out...)
	}
	return out
}

// HasPrefix reports whether p equals prefix or lives below it.
func (p Path) HasPrefix(prefix Path) bool {
	if prefix.IsRoot() || p == prefix {
		return true
	}
	return strings.HasPrefix(string(p), string(prefix)+"/")
}
