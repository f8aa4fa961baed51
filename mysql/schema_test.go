package mysql

import (
	"strings"
	"testing"
)

func TestSchemaTables(t *testing.T) {
	schema, err := Schema("durable")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	for _, table := range []string{
		"durable_incoming", "durable_outgoing", "durable_dead_letters", "durable_nodes", "durable_node_assignments",
	} {
		if !strings.Contains(schema, "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Fatalf("expected table %s in schema", table)
		}
	}
	if !strings.Contains(schema, "PRIMARY KEY (id, destination)") {
		t.Fatalf("expected incoming dedupe key")
	}
	if strings.Contains(schema, "%!") {
		t.Fatalf("schema has formatting errors:\n%s", schema)
	}
}

func TestStatementsSplit(t *testing.T) {
	stmts, err := Statements("durable")
	if err != nil {
		t.Fatalf("statements: %v", err)
	}
	if len(stmts) != 5 {
		t.Fatalf("expected 5 statements, got %d", len(stmts))
	}
	for _, stmt := range stmts {
		if strings.HasSuffix(stmt, ";") {
			t.Fatalf("statement keeps separator: %s", stmt)
		}
	}
}

func TestSchemaInvalidPrefix(t *testing.T) {
	if _, err := Schema("bad-prefix"); err == nil {
		t.Fatalf("expected invalid prefix error")
	}
}
