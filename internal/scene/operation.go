package scene

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Kind is the direction of a scene operation.
type Kind int

const (
	Load Kind = iota + 1
	Unload
)

func (k Kind) String() string {
	switch k {
	case Load:
		return "load"
	case Unload:
		return "unload"
	default:
		return "unknown"
	}
}

// Operation is a request to make a named scene present or absent. Tag is an
// optional caller label carried into diagnostics.
type Operation struct {
	Kind Kind
	Name string
	Tag  string
}

func (o Operation) String() string {
	if o.Tag == "" {
		return o.Kind.String() + " " + o.Name
	}
	return fmt.Sprintf("%s %s [%s]", o.Kind, o.Name, o.Tag)
}

var (
	// ErrInvalidSceneName is returned by ValidateName for malformed names.
	ErrInvalidSceneName = errors.New("invalid scene name")

	errNilHandle = errors.New("primitive returned no handle")
)

const maxSceneNameLen = 256

// ValidateName checks that name is a well-formed scene reference: non-empty,
// no surrounding whitespace, at most 256 bytes, made of letters, digits and
// the separators _ - . / with no empty or ".." path segments.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSceneName)
	}
	if len(name) > maxSceneNameLen {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidSceneName, len(name), maxSceneNameLen)
	}
	if strings.TrimSpace(name) != name {
		return fmt.Errorf("%w: %q has surrounding whitespace", ErrInvalidSceneName, name)
	}
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		switch r {
		case '_', '-', '.', '/':
			continue
		}
		return fmt.Errorf("%w: %q contains %q", ErrInvalidSceneName, name, r)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == ".." || seg == "." {
			return fmt.Errorf("%w: %q has an empty or relative path segment", ErrInvalidSceneName, name)
		}
	}
	return nil
}
