package module

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// ErrInvalidVersion is returned for malformed versions and constraints.
var ErrInvalidVersion = errors.New("invalid version")

// CanonicalVersion returns v in canonical semver form with a leading "v".
func CanonicalVersion(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v != "" && v[0] != 'v' {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", fmt.Errorf("%w: %q", ErrInvalidVersion, v)
	}
	return semver.Canonical(v), nil
}

type op uint8

const (
	opEQ op = iota
	opGT
	opGE
	opLT
	opLE
	opCaret
	opTilde
)

type clause struct {
	op      op
	version string
}

func (c clause) allows(v string) bool {
	cmp := semver.Compare(v, c.version)
	switch c.op {
	case opEQ:
		return cmp == 0
	case opGT:
		return cmp > 0
	case opGE:
		return cmp >= 0
	case opLT:
		return cmp < 0
	case opLE:
		return cmp <= 0
	case opCaret:
		if cmp < 0 {
			return false
		}
		// v0 majors are incompatible across minors.
		if semver.Major(c.version) == "v0" {
			return semver.MajorMinor(v) == semver.MajorMinor(c.version)
		}
		return semver.Major(v) == semver.Major(c.version)
	case opTilde:
		return cmp >= 0 && semver.MajorMinor(v) == semver.MajorMinor(c.version)
	}
	return false
}

// Constraint is a conjunction of version comparisons such as
// ">=v1.2.0,<v2.0.0", "^v1.4.0" or "=v1.0.0". The empty constraint and "*"
// accept any version.
type Constraint struct {
	raw     string
	clauses []clause
}

// ParseConstraint parses a comma-separated constraint.
func ParseConstraint(s string) (Constraint, error) {
	c := Constraint{raw: strings.TrimSpace(s)}
	if c.raw == "" || c.raw == "*" {
		return c, nil
	}

	for _, part := range strings.Split(c.raw, ",") {
		part = strings.TrimSpace(part)
		var cl clause
		switch {
		case strings.HasPrefix(part, ">="):
			cl.op, part = opGE, part[2:]
		case strings.HasPrefix(part, "<="):
			cl.op, part = opLE, part[2:]
		case strings.HasPrefix(part, ">"):
			cl.op, part = opGT, part[1:]
		case strings.HasPrefix(part, "<"):
			cl.op, part = opLT, part[1:]
		case strings.HasPrefix(part, "^"):
			cl.op, part = opCaret, part[1:]
		case strings.HasPrefix(part, "~"):
			cl.op, part = opTilde, part[1:]
		case strings.HasPrefix(part, "="):
			cl.op, part = opEQ, part[1:]
		default:
			cl.op = opEQ
		}
		v, err := CanonicalVersion(part)
		if err != nil {
			return Constraint{}, fmt.Errorf("constraint %q: %w", s, err)
		}
		cl.version = v
		c.clauses = append(c.clauses, cl)
	}
	return c, nil
}

// MustParseConstraint is like ParseConstraint but panics on error.
func MustParseConstraint(s string) Constraint {
	c, err := ParseConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Allows reports whether version satisfies every clause.
func (c Constraint) Allows(version string) bool {
	v, err := CanonicalVersion(version)
	if err != nil {
		return false
	}
	for _, cl := range c.clauses {
		if !cl.allows(v) {
			return false
		}
	}
	return true
}

func (c Constraint) String() string {
	if c.raw == "" {
		return "*"
	}
	return c.raw
}
