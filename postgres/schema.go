package postgres

import (
	"fmt"
	"strings"
)

// envelopeColumns are shared by the incoming, outgoing and dead letter tables.
const envelopeColumns = `	message_type TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	body BYTEA NULL,
	headers JSONB NULL,
	reply_uri TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	causation_id TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL DEFAULT '',
	sent_at TIMESTAMPTZ NULL,
	execution_time TIMESTAMPTZ NULL,
	deliver_by TIMESTAMPTZ NULL,
	attempts INT NOT NULL DEFAULT 0,`

const schemaTemplate = `CREATE TABLE IF NOT EXISTS %[2]s (
	id UUID NOT NULL,
	destination TEXT NOT NULL,
	status SMALLINT NOT NULL,
	owner_id INT NOT NULL DEFAULT 0,
%[7]s
	keep_until TIMESTAMPTZ NULL,
	PRIMARY KEY (id, destination)
);
CREATE INDEX IF NOT EXISTS %[1]s_incoming_status_owner ON %[2]s (status, owner_id);
CREATE INDEX IF NOT EXISTS %[1]s_incoming_execution ON %[2]s (execution_time) WHERE status = 1;
CREATE INDEX IF NOT EXISTS %[1]s_incoming_keep_until ON %[2]s (keep_until) WHERE keep_until IS NOT NULL;

CREATE TABLE IF NOT EXISTS %[3]s (
	id UUID NOT NULL PRIMARY KEY,
	destination TEXT NOT NULL,
	owner_id INT NOT NULL DEFAULT 0,
%[7]s
	retry_at TIMESTAMPTZ NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_outgoing_owner ON %[3]s (owner_id, sent_at, id);
CREATE INDEX IF NOT EXISTS %[1]s_outgoing_deliver_by ON %[3]s (deliver_by) WHERE deliver_by IS NOT NULL;

CREATE TABLE IF NOT EXISTS %[4]s (
	id UUID NOT NULL PRIMARY KEY,
	destination TEXT NOT NULL,
%[7]s
	exception_type TEXT NOT NULL DEFAULT '',
	exception_message TEXT NOT NULL DEFAULT '',
	failed_at TIMESTAMPTZ NOT NULL,
	keep_until TIMESTAMPTZ NULL,
	outgoing BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS %[1]s_dead_letters_type ON %[4]s (message_type, failed_at DESC);

CREATE TABLE IF NOT EXISTS %[5]s (
	number SERIAL PRIMARY KEY,
	id UUID NOT NULL,
	service_name TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	heartbeat_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS %[6]s (
	duty TEXT NOT NULL PRIMARY KEY,
	node_number INT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_assignments_node ON %[6]s (node_number);`

// Schema returns the DDL for every table of a store using prefix.
func Schema(prefix string) (string, error) {
	t, err := newTables(prefix)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(schemaTemplate, t.base, t.incoming, t.outgoing, t.deadLetters, t.nodes, t.assignments, envelopeColumns), nil
}

// Statements returns the DDL of Schema split into single statements.
func Statements(prefix string) ([]string, error) {
	schema, err := Schema(prefix)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, stmt := range strings.Split(schema, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}

	return out, nil
}
