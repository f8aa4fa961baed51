package postgres

import (
	"fmt"
	"strings"
)

type tables struct {
	// base is the unqualified prefix, used for index names.
	base        string
	incoming    string
	outgoing    string
	deadLetters string
	nodes       string
	assignments string
}

func newTables(prefix string) (tables, error) {
	if err := sanitizePrefix(prefix); err != nil {
		return tables{}, err
	}
	base := prefix
	if i := strings.LastIndexByte(prefix, '.'); i >= 0 {
		base = prefix[i+1:]
	}

	return tables{
		base:        base,
		incoming:    prefix + "_incoming",
		outgoing:    prefix + "_outgoing",
		deadLetters: prefix + "_dead_letters",
		nodes:       prefix + "_nodes",
		assignments: prefix + "_node_assignments",
	}, nil
}

// sanitizePrefix accepts lowercase unquoted identifiers, optionally schema-qualified.
func sanitizePrefix(name string) error {
	if name == "" {
		return ErrPrefixRequired
	}
	for _, part := range strings.Split(name, ".") {
		if part == "" || (part[0] >= '0' && part[0] <= '9') {
			return fmt.Errorf("%w: %s", ErrInvalidPrefix, name)
		}
		for _, r := range part {
			if r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') {
				continue
			}

			return fmt.Errorf("%w: %s", ErrInvalidPrefix, name)
		}
	}

	return nil
}
