package mysql

import "testing"

func TestSanitizeTableName(t *testing.T) {
	valid := []string{"durable", "schema.durable", "DURABLE_1"}
	for _, name := range valid {
		if _, err := sanitizeTableName(name); err != nil {
			t.Fatalf("expected valid name %q: %v", name, err)
		}
	}

	invalid := []string{"", "durable;drop", "durable-1", "schema..durable", "schema.durable;"}
	for _, name := range invalid {
		if _, err := sanitizeTableName(name); err == nil {
			t.Fatalf("expected invalid name %q", name)
		}
	}
}

func TestNewTablesUsesPrefix(t *testing.T) {
	tbl, err := newTables("app.bus")
	if err != nil {
		t.Fatalf("new tables: %v", err)
	}
	if tbl.incoming != "app.bus_incoming" || tbl.assignments != "app.bus_node_assignments" {
		t.Fatalf("unexpected table names: %+v", tbl)
	}
}
