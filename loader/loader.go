// Package loader implements [core.ModuleLoader] for in-memory sources,
// filesystems, import maps, and caching of any of them.
//
// All loaders resolve specifiers as URLs. Relative specifiers ("./x.js",
// "../x.js", "/x.js") resolve against the referrer, or against file:/// if
// there is none (the entry point). Specifiers with a scheme are used as-is.
// Other (bare) specifiers are only accepted without a referrer, where they
// are treated as paths relative to file:///; imports of bare specifiers
// need an [ImportMap].
package loader

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/joeycumines/go-jsruntime/core"
)

// DefaultBase is the base URL of specifiers without a referrer.
const DefaultBase = "file:///"

var (
	// ErrBareSpecifier is returned when resolving a bare specifier imported
	// by a module.
	ErrBareSpecifier = errors.New("relative import path not prefixed with / or ./ or ../")

	// ErrUnsupportedScheme is returned by loaders that cannot fetch a
	// resolved specifier.
	ErrUnsupportedScheme = errors.New("unsupported scheme")
)

// Resolve resolves specifier against referrer.
func Resolve(specifier, referrer string) (string, error) {
	if specifier == "" {
		return "", fmt.Errorf("empty specifier")
	}
	if u, err := url.Parse(specifier); err == nil && u.Scheme != "" && !isWindowsDrive(u.Scheme) {
		return u.String(), nil
	}
	relative := strings.HasPrefix(specifier, "/") ||
		strings.HasPrefix(specifier, "./") ||
		strings.HasPrefix(specifier, "../")
	if !relative {
		if referrer != "" {
			return "", fmt.Errorf("%w: %q imported from %q", ErrBareSpecifier, specifier, referrer)
		}
		specifier = "./" + specifier
	}
	if referrer == "" {
		referrer = DefaultBase
	}
	base, err := url.Parse(referrer)
	if err != nil {
		return "", fmt.Errorf("invalid referrer %q: %w", referrer, err)
	}
	ref, err := url.Parse(specifier)
	if err != nil {
		return "", fmt.Errorf("invalid specifier %q: %w", specifier, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func isWindowsDrive(scheme string) bool {
	return len(scheme) == 1
}

// MediaKind infers the media kind of a resolved specifier from its
// extension.
func MediaKind(specifier string) core.MediaKind {
	p := specifier
	if u, err := url.Parse(specifier); err == nil {
		p = u.Path
	}
	if strings.EqualFold(path.Ext(p), ".json") {
		return core.MediaKindJSON
	}
	return core.MediaKindJavaScript
}

// filePath returns the slash separated path of a file URL, relative to the
// root, as used by [io/fs].
func filePath(specifier string) (string, error) {
	u, err := url.Parse(specifier)
	if err != nil {
		return "", err
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	p := strings.TrimPrefix(path.Clean("/"+u.Path), "/")
	if p == "" {
		return "", fmt.Errorf("%q is a directory", specifier)
	}
	return p, nil
}

func notFound(specifier string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", core.ErrModuleNotFound, specifier)
	}
	return fmt.Errorf("%w: %s: %w", core.ErrModuleNotFound, specifier, cause)
}
