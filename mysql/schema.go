package mysql

import (
	"fmt"
)

const schemaTemplate = `CREATE TABLE IF NOT EXISTS %[1]s (
	id BINARY(16) NOT NULL,
	destination VARCHAR(250) NOT NULL,
	status SMALLINT NOT NULL,
	owner_id INT NOT NULL DEFAULT 0,
%[6]s
	keep_until DATETIME(6) NULL,
	PRIMARY KEY (id, destination),
	INDEX idx_status_owner (status, owner_id),
	INDEX idx_status_execution (status, execution_time),
	INDEX idx_keep_until (keep_until)
);

CREATE TABLE IF NOT EXISTS %[2]s (
	id BINARY(16) NOT NULL,
	destination VARCHAR(250) NOT NULL,
	owner_id INT NOT NULL DEFAULT 0,
%[6]s
	retry_at DATETIME(6) NULL,
	PRIMARY KEY (id),
	INDEX idx_owner_retry (owner_id, retry_at),
	INDEX idx_deliver_by (deliver_by)
);

CREATE TABLE IF NOT EXISTS %[3]s (
	id BINARY(16) NOT NULL,
	destination VARCHAR(250) NOT NULL,
%[6]s
	exception_type VARCHAR(250) NOT NULL DEFAULT '',
	exception_message VARCHAR(1024) NOT NULL DEFAULT '',
	failed_at DATETIME(6) NOT NULL,
	keep_until DATETIME(6) NULL,
	outgoing BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (id),
	INDEX idx_message_type (message_type),
	INDEX idx_failed_at (failed_at)
);

CREATE TABLE IF NOT EXISTS %[4]s (
	number INT NOT NULL AUTO_INCREMENT,
	id BINARY(16) NOT NULL,
	service_name VARCHAR(250) NOT NULL,
	started_at DATETIME(6) NOT NULL,
	heartbeat_at DATETIME(6) NOT NULL,
	PRIMARY KEY (number)
);

CREATE TABLE IF NOT EXISTS %[5]s (
	duty VARCHAR(250) NOT NULL,
	node_number INT NOT NULL,
	expires_at DATETIME(6) NOT NULL,
	PRIMARY KEY (duty),
	INDEX idx_node (node_number)
);`

// envelopeColumns are shared by the incoming, outgoing and dead letter tables.
const envelopeColumns = `	message_type VARCHAR(250) NOT NULL,
	content_type VARCHAR(100) NOT NULL DEFAULT '',
	body LONGBLOB NULL,
	headers JSON NULL,
	reply_uri VARCHAR(500) NOT NULL DEFAULT '',
	correlation_id VARCHAR(250) NOT NULL DEFAULT '',
	causation_id VARCHAR(250) NOT NULL DEFAULT '',
	source VARCHAR(250) NOT NULL DEFAULT '',
	sent_at DATETIME(6) NULL,
	execution_time DATETIME(6) NULL,
	deliver_by DATETIME(6) NULL,
	attempts INT NOT NULL DEFAULT 0,`

// Schema returns the DDL for every table of a store using prefix.
// Statements are separated by semicolons; run them one by one or with multiStatements=true.
func Schema(prefix string) (string, error) {
	t, err := newTables(prefix)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(schemaTemplate, t.incoming, t.outgoing, t.deadLetters, t.nodes, t.assignments, envelopeColumns), nil
}

// Statements returns the DDL of Schema split into single statements.
func Statements(prefix string) ([]string, error) {
	schema, err := Schema(prefix)
	if err != nil {
		return nil, err
	}

	return splitStatements(schema), nil
}
