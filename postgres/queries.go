package postgres

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	envelopeCols = "id, destination, message_type, content_type, body, headers, reply_uri, " +
		"correlation_id, causation_id, source, sent_at, execution_time, deliver_by, attempts"
	envelopeArgCount = 14
)

type queries struct {
	insertIncoming    string
	finishIncoming    string
	saveAttempts      string
	scheduleRetry     string
	selectScheduled   string
	releaseScheduled  string
	selectIncoming    string
	claimIncoming     string
	errorIncoming     string
	replayIncoming    string
	replayOutgoing    string
	insertOutgoing    string
	selectOutgoing    string
	deleteOutgoing    string
	retryOutgoing     string
	adoptOutgoing     string
	countOutgoing     string
	putDeadLetter     string
	selectDeadLetters string
	takeDeadLetter    string
	deleteDeadLetter  string
	reassignIncoming  string
	reassignOutgoing  string
	deleteIncoming    string
	expireOutgoing    string
	deleteDeadLetters string
	clear             []string
	insertNode        string
	heartbeat         string
	deleteNode        string
	selectNodes       string
	claimDuty         string
	renewDuty         string
	releaseDuty       string
	releaseDuties     string
	selectAssignments string
}

// params returns "$from, ..., $from+n-1".
func params(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(from+i)
	}

	return strings.Join(parts, ", ")
}

func newQueries(t tables) queries {
	env := params(1, envelopeArgCount)
	next := envelopeArgCount + 1

	return queries{
		insertIncoming: fmt.Sprintf(
			"INSERT INTO %s (%s, status, owner_id) VALUES (%s, %s) ON CONFLICT (id, destination) DO NOTHING",
			t.incoming, envelopeCols, env, params(next, 2),
		),
		finishIncoming: fmt.Sprintf(
			"INSERT INTO %s AS t (%s, status, owner_id, keep_until) VALUES (%s, %s) "+
				"ON CONFLICT (id, destination) DO UPDATE SET status = EXCLUDED.status, "+
				"attempts = GREATEST(t.attempts, EXCLUDED.attempts), keep_until = EXCLUDED.keep_until",
			t.incoming, envelopeCols, env, params(next, 3),
		),
		saveAttempts: fmt.Sprintf(
			"UPDATE %s SET attempts = GREATEST(attempts, $1) WHERE id = $2 AND destination = $3",
			t.incoming,
		),
		scheduleRetry: fmt.Sprintf(
			"INSERT INTO %s AS t (%s, status, owner_id) VALUES (%s, %s) "+
				"ON CONFLICT (id, destination) DO UPDATE SET status = EXCLUDED.status, "+
				"execution_time = EXCLUDED.execution_time, owner_id = EXCLUDED.owner_id, "+
				"attempts = GREATEST(t.attempts, EXCLUDED.attempts), keep_until = NULL",
			t.incoming, envelopeCols, env, params(next, 2),
		),
		selectScheduled: fmt.Sprintf(
			"SELECT %s, status, owner_id FROM %s WHERE status = $1 AND execution_time <= $2 "+
				"ORDER BY execution_time ASC LIMIT $3",
			envelopeCols, t.incoming,
		),
		releaseScheduled: fmt.Sprintf(
			"UPDATE %s SET status = $1, owner_id = $2, execution_time = NULL "+
				"WHERE id = $3 AND destination = $4 AND status = $5",
			t.incoming,
		),
		selectIncoming: fmt.Sprintf(
			"SELECT %s, status, owner_id FROM %s WHERE status = $1 AND owner_id = $2 "+
				"AND (cardinality($3::text[]) = 0 OR destination = ANY($3::text[])) "+
				"ORDER BY sent_at ASC, id ASC LIMIT $4",
			envelopeCols, t.incoming,
		),
		claimIncoming: fmt.Sprintf(
			"UPDATE %s SET owner_id = $1 WHERE id = $2 AND destination = $3 AND status = $4 AND owner_id = $5",
			t.incoming,
		),
		errorIncoming: fmt.Sprintf(
			"UPDATE %s SET status = $1, attempts = GREATEST(attempts, $2), keep_until = $3 "+
				"WHERE id = $4 AND destination = $5",
			t.incoming,
		),
		replayIncoming: fmt.Sprintf(
			"INSERT INTO %s (%s, status, owner_id) VALUES (%s, %s) "+
				"ON CONFLICT (id, destination) DO UPDATE SET status = EXCLUDED.status, owner_id = EXCLUDED.owner_id, "+
				"attempts = 0, execution_time = NULL, keep_until = NULL",
			t.incoming, envelopeCols, env, params(next, 2),
		),
		replayOutgoing: fmt.Sprintf(
			"INSERT INTO %s (%s, owner_id) VALUES (%s, $%d) "+
				"ON CONFLICT (id) DO UPDATE SET owner_id = EXCLUDED.owner_id, attempts = 0, retry_at = NULL",
			t.outgoing, envelopeCols, env, next,
		),
		insertOutgoing: fmt.Sprintf(
			"INSERT INTO %s (%s, owner_id) VALUES (%s, $%d) ON CONFLICT (id) DO NOTHING",
			t.outgoing, envelopeCols, env, next,
		),
		selectOutgoing: fmt.Sprintf(
			"SELECT %s, owner_id FROM %s WHERE owner_id IN ($1, $2) AND ($3 OR retry_at IS NULL OR retry_at <= $4) "+
				"ORDER BY sent_at ASC, id ASC LIMIT $5 FOR UPDATE SKIP LOCKED",
			envelopeCols, t.outgoing,
		),
		deleteOutgoing: fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1::uuid[])", t.outgoing),
		retryOutgoing: fmt.Sprintf(
			"UPDATE %s SET attempts = GREATEST(attempts, $1), retry_at = $2 WHERE id = $3",
			t.outgoing,
		),
		adoptOutgoing: fmt.Sprintf(
			"UPDATE %s SET owner_id = $1 WHERE owner_id = $2 AND id = ANY($3::uuid[])",
			t.outgoing,
		),
		countOutgoing: fmt.Sprintf("SELECT COUNT(*) FROM %s", t.outgoing),
		putDeadLetter: fmt.Sprintf(
			"INSERT INTO %s (%s, exception_type, exception_message, failed_at, keep_until, outgoing) VALUES (%s, %s) "+
				"ON CONFLICT (id) DO UPDATE SET exception_type = EXCLUDED.exception_type, "+
				"exception_message = EXCLUDED.exception_message, failed_at = EXCLUDED.failed_at, "+
				"keep_until = EXCLUDED.keep_until, attempts = EXCLUDED.attempts, outgoing = EXCLUDED.outgoing",
			t.deadLetters, envelopeCols, env, params(next, 5),
		),
		selectDeadLetters: fmt.Sprintf(
			"SELECT %s, exception_type, exception_message, failed_at, keep_until, outgoing FROM %s "+
				"WHERE ($1 = '' OR message_type = $1) AND ($2 = '' OR destination = $2) "+
				"ORDER BY failed_at DESC, id DESC LIMIT $3",
			envelopeCols, t.deadLetters,
		),
		takeDeadLetter: fmt.Sprintf(
			"DELETE FROM %s WHERE id = $1 RETURNING %s, exception_type, exception_message, failed_at, keep_until, outgoing",
			t.deadLetters, envelopeCols,
		),
		deleteDeadLetter: fmt.Sprintf("DELETE FROM %s WHERE id = $1", t.deadLetters),
		reassignIncoming: fmt.Sprintf(
			"UPDATE %s SET owner_id = $1 WHERE owner_id = $2 AND status = $3 AND "+
				"($4 OR (id, destination) IN (SELECT * FROM unnest($5::uuid[], $6::text[])))",
			t.incoming,
		),
		reassignOutgoing: fmt.Sprintf(
			"UPDATE %s SET owner_id = $1 WHERE owner_id = $2 AND "+
				"($3 OR (id, destination) IN (SELECT * FROM unnest($4::uuid[], $5::text[])))",
			t.outgoing,
		),
		deleteIncoming: fmt.Sprintf(
			"DELETE FROM %s WHERE status = ANY($1::smallint[]) AND keep_until IS NOT NULL AND keep_until <= $2",
			t.incoming,
		),
		expireOutgoing: fmt.Sprintf(
			"DELETE FROM %[1]s WHERE id IN (SELECT id FROM %[1]s WHERE deliver_by IS NOT NULL AND deliver_by <= $1 "+
				"FOR UPDATE SKIP LOCKED)",
			t.outgoing,
		),
		deleteDeadLetters: fmt.Sprintf(
			"DELETE FROM %s WHERE keep_until IS NOT NULL AND keep_until <= $1",
			t.deadLetters,
		),
		clear: []string{
			fmt.Sprintf("DELETE FROM %s", t.incoming),
			fmt.Sprintf("DELETE FROM %s", t.outgoing),
			fmt.Sprintf("DELETE FROM %s", t.deadLetters),
			fmt.Sprintf("DELETE FROM %s", t.assignments),
			fmt.Sprintf("DELETE FROM %s", t.nodes),
		},
		insertNode: fmt.Sprintf(
			"INSERT INTO %s (id, service_name, started_at, heartbeat_at) VALUES ($1, $2, $3, $4) RETURNING number",
			t.nodes,
		),
		heartbeat:   fmt.Sprintf("UPDATE %s SET heartbeat_at = $1 WHERE number = $2", t.nodes),
		deleteNode:  fmt.Sprintf("DELETE FROM %s WHERE number = $1", t.nodes),
		selectNodes: fmt.Sprintf("SELECT number, id, service_name, started_at, heartbeat_at FROM %s ORDER BY number ASC", t.nodes),
		claimDuty: fmt.Sprintf(
			"INSERT INTO %s AS a (duty, node_number, expires_at) VALUES ($1, $2, $3) "+
				"ON CONFLICT (duty) DO UPDATE SET node_number = EXCLUDED.node_number, expires_at = EXCLUDED.expires_at "+
				"WHERE a.expires_at <= $4 OR a.node_number = EXCLUDED.node_number "+
				"RETURNING node_number",
			t.assignments,
		),
		renewDuty:         fmt.Sprintf("UPDATE %s SET expires_at = $1 WHERE duty = $2 AND node_number = $3", t.assignments),
		releaseDuty:       fmt.Sprintf("DELETE FROM %s WHERE duty = $1 AND node_number = $2", t.assignments),
		releaseDuties:     fmt.Sprintf("DELETE FROM %s WHERE node_number = $1", t.assignments),
		selectAssignments: fmt.Sprintf("SELECT duty, node_number, expires_at FROM %s ORDER BY duty ASC", t.assignments),
	}
}
