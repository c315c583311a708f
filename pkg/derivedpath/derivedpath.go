// Package derivedpath models paths that may refer either to a plain
// store path or to outputs of a derivation, possibly nested. The legacy
// printed form uses `!` as separator and is what the daemon protocol
// carries; newer CLIs print `^`.
package derivedpath

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nix-community/go-nix-daemon/pkg/storepath"
)

// Separator selects the printed form of a derived path.
type Separator string

const (
	// SepLegacy is the `!` separator used on the daemon wire protocol.
	SepLegacy = Separator("!")

	// SepModern is the `^` separator used by newer command lines.
	SepModern = Separator("^")
)

// OutputSpec names the outputs requested from a derivation: either all
// of them (`*`) or a non-empty named set.
type OutputSpec struct {
	All   bool
	Names []string
}

// ParseOutputSpec parses `*` or a comma-separated list of output names.
func ParseOutputSpec(s string) (OutputSpec, error) {
	if s == "*" {
		return OutputSpec{All: true}, nil
	}

	if s == "" {
		return OutputSpec{}, fmt.Errorf("empty output specification")
	}

	names := strings.Split(s, ",")
	for _, n := range names {
		if err := storepath.ValidateName(n); err != nil {
			return OutputSpec{}, fmt.Errorf("output name %q: %w", n, err)
		}
	}

	sort.Strings(names)

	return OutputSpec{Names: names}, nil
}

func (o OutputSpec) String() string {
	if o.All {
		return "*"
	}

	return strings.Join(o.Names, ",")
}

// SingleDerivedPath is either an Opaque store path or a single output
// of a derivation whose path may itself be derived.
type SingleDerivedPath interface {
	// Print renders the path with the given store directory and
	// separator.
	Print(dir storepath.StoreDir, sep Separator) string

	singleDerivedPath()
}

// Opaque is a plain store path.
type Opaque struct {
	Path storepath.StorePath
}

func (o Opaque) Print(dir storepath.StoreDir, _ Separator) string {
	return dir.Path(o.Path)
}

func (Opaque) singleDerivedPath() {}

// SingleBuilt is one named output of a derivation.
type SingleBuilt struct {
	Drv    SingleDerivedPath
	Output string
}

func (b SingleBuilt) Print(dir storepath.StoreDir, sep Separator) string {
	return b.Drv.Print(dir, sep) + string(sep) + b.Output
}

func (SingleBuilt) singleDerivedPath() {}

// DerivedPath is either an Opaque store path or a set of outputs of a
// derivation.
type DerivedPath interface {
	Print(dir storepath.StoreDir, sep Separator) string

	derivedPath()
}

func (Opaque) derivedPath() {}

// Built is a set of outputs of a derivation.
type Built struct {
	Drv     SingleDerivedPath
	Outputs OutputSpec
}

func (b Built) Print(dir storepath.StoreDir, sep Separator) string {
	return b.Drv.Print(dir, sep) + string(sep) + b.Outputs.String()
}

func (Built) derivedPath() {}

// ParseSingle parses a SingleDerivedPath. The separator splits at its
// last occurrence, so nested Built forms parse left-associatively.
func ParseSingle(dir storepath.StoreDir, s string, sep Separator) (SingleDerivedPath, error) {
	i := strings.LastIndex(s, string(sep))
	if i < 0 {
		p, err := dir.ParsePath(s)
		if err != nil {
			return nil, err
		}

		return Opaque{Path: p}, nil
	}

	drv, err := ParseSingle(dir, s[:i], sep)
	if err != nil {
		return nil, err
	}

	output := s[i+len(sep):]
	if err := storepath.ValidateName(output); err != nil {
		return nil, fmt.Errorf("output name %q: %w", output, err)
	}

	return SingleBuilt{Drv: drv, Output: output}, nil
}

// Parse parses a DerivedPath.
func Parse(dir storepath.StoreDir, s string, sep Separator) (DerivedPath, error) {
	i := strings.LastIndex(s, string(sep))
	if i < 0 {
		p, err := dir.ParsePath(s)
		if err != nil {
			return nil, err
		}

		return Opaque{Path: p}, nil
	}

	drv, err := ParseSingle(dir, s[:i], sep)
	if err != nil {
		return nil, err
	}

	outputs, err := ParseOutputSpec(s[i+len(sep):])
	if err != nil {
		return nil, err
	}

	return Built{Drv: drv, Outputs: outputs}, nil
}
