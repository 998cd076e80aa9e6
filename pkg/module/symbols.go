package module

import (
	"fmt"
	"strings"
)

// SymbolSeparator joins module and symbol names.
const SymbolSeparator = "::"

// Symbol is a published export.
type Symbol struct {
	Module string
	Name   string
	Value  any
}

// QualifiedName returns "module::name".
func (s Symbol) QualifiedName() string {
	return QualifiedName(s.Module, s.Name)
}

// QualifiedName returns "module::name".
func QualifiedName(module, name string) string {
	return module + SymbolSeparator + name
}

// SplitName splits a qualified name.
func SplitName(qualified string) (module, name string, err error) {
	module, name, ok := strings.Cut(qualified, SymbolSeparator)
	if !ok || module == "" || name == "" {
		return "", "", fmt.Errorf("%w: %q is not module::symbol", ErrSymbolNotFound, qualified)
	}
	return module, name, nil
}
