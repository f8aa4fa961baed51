package mysql

import (
	"fmt"
	"strings"
)

type tables struct {
	incoming    string
	outgoing    string
	deadLetters string
	nodes       string
	assignments string
}

func newTables(prefix string) (tables, error) {
	if _, err := sanitizeTableName(prefix); err != nil {
		return tables{}, err
	}

	return tables{
		incoming:    prefix + "_incoming",
		outgoing:    prefix + "_outgoing",
		deadLetters: prefix + "_dead_letters",
		nodes:       prefix + "_nodes",
		assignments: prefix + "_node_assignments",
	}, nil
}

func sanitizeTableName(name string) (string, error) {
	if name == "" {
		return "", ErrPrefixRequired
	}
	parts := strings.Split(name, ".")
	for _, part := range parts {
		if part == "" {
			return "", fmt.Errorf("%w: %s", ErrInvalidPrefix, name)
		}
		for _, r := range part {
			if r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				continue
			}

			return "", fmt.Errorf("%w: %s", ErrInvalidPrefix, name)
		}
	}

	return name, nil
}

func splitStatements(schema string) []string {
	var out []string
	for _, stmt := range strings.Split(schema, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}

	return out
}
