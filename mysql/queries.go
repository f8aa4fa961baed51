package mysql

import (
	"fmt"
	"strings"
)

const (
	envelopeCols = "id, destination, message_type, content_type, body, headers, reply_uri, " +
		"correlation_id, causation_id, source, sent_at, execution_time, deliver_by, attempts"
	envelopeArgCount  = 14
	placeholderGrowth = 2
)

type queries struct {
	insertIncoming    string
	finishIncoming    string
	saveAttempts      string
	scheduleRetry     string
	selectScheduled   string
	releaseScheduled  string
	claimIncoming     string
	errorIncoming     string
	replayIncoming    string
	insertOutgoing    string
	selectOutgoing    string
	retryOutgoing     string
	countOutgoing     string
	expiredOutgoing   string
	putDeadLetter     string
	replayOutgoing    string
	selectDeadLetter  string
	deleteDeadLetter  string
	deleteIncoming    string
	deleteDeadLetters string
	insertNode        string
	heartbeat         string
	nodeExists        string
	deleteNode        string
	selectNodes       string
	claimDuty         string
	selectDuty        string
	renewDuty         string
	dutyHeld          string
	releaseDuty       string
	releaseDuties     string
	selectAssignments string
	clear             []string
	incomingBase      string
	deadLetterBase    string
	reassignIncoming  string
	reassignOutgoing  string
	outgoingTable     string
}

func newQueries(t tables) queries {
	values := func(n int) string {
		return "(" + makePlaceholders(n) + ")"
	}

	return queries{
		insertIncoming: fmt.Sprintf(
			"INSERT INTO %s (%s, status, owner_id) VALUES %s",
			t.incoming, envelopeCols, values(envelopeArgCount+2),
		),
		finishIncoming: fmt.Sprintf(
			"INSERT INTO %s (%s, status, owner_id, keep_until) VALUES %s AS new "+
				"ON DUPLICATE KEY UPDATE status = new.status, attempts = GREATEST(attempts, new.attempts), "+
				"keep_until = new.keep_until",
			t.incoming, envelopeCols, values(envelopeArgCount+3),
		),
		saveAttempts: fmt.Sprintf(
			"UPDATE %s SET attempts = GREATEST(attempts, ?) WHERE id = ? AND destination = ?",
			t.incoming,
		),
		scheduleRetry: fmt.Sprintf(
			"INSERT INTO %s (%s, status, owner_id) VALUES %s AS new "+
				"ON DUPLICATE KEY UPDATE status = new.status, execution_time = new.execution_time, "+
				"owner_id = new.owner_id, attempts = GREATEST(attempts, new.attempts), keep_until = NULL",
			t.incoming, envelopeCols, values(envelopeArgCount+2),
		),
		selectScheduled: fmt.Sprintf(
			"SELECT %s, status, owner_id FROM %s WHERE status = ? AND execution_time <= ? "+
				"ORDER BY execution_time ASC LIMIT ?",
			envelopeCols, t.incoming,
		),
		releaseScheduled: fmt.Sprintf(
			"UPDATE %s SET status = ?, owner_id = ?, execution_time = NULL "+
				"WHERE id = ? AND destination = ? AND status = ?",
			t.incoming,
		),
		claimIncoming: fmt.Sprintf(
			"UPDATE %s SET owner_id = ? WHERE id = ? AND destination = ? AND status = ? AND owner_id = ?",
			t.incoming,
		),
		errorIncoming: fmt.Sprintf(
			"UPDATE %s SET status = ?, attempts = GREATEST(attempts, ?), keep_until = ? "+
				"WHERE id = ? AND destination = ?",
			t.incoming,
		),
		replayIncoming: fmt.Sprintf(
			"INSERT INTO %s (%s, status, owner_id) VALUES %s AS new "+
				"ON DUPLICATE KEY UPDATE status = new.status, owner_id = new.owner_id, attempts = 0, "+
				"execution_time = NULL, keep_until = NULL",
			t.incoming, envelopeCols, values(envelopeArgCount+2),
		),
		insertOutgoing: fmt.Sprintf(
			"INSERT INTO %s (%s, owner_id) VALUES %s",
			t.outgoing, envelopeCols, values(envelopeArgCount+1),
		),
		selectOutgoing: fmt.Sprintf(
			"SELECT %s, owner_id FROM %s WHERE owner_id IN (?, ?) AND (? OR retry_at IS NULL OR retry_at <= ?) "+
				"ORDER BY sent_at ASC, id ASC LIMIT ? FOR UPDATE SKIP LOCKED",
			envelopeCols, t.outgoing,
		),
		retryOutgoing: fmt.Sprintf(
			"UPDATE %s SET attempts = GREATEST(attempts, ?), retry_at = ? WHERE id = ?",
			t.outgoing,
		),
		countOutgoing: fmt.Sprintf("SELECT COUNT(*) FROM %s", t.outgoing),
		expiredOutgoing: fmt.Sprintf(
			"SELECT id FROM %s WHERE deliver_by IS NOT NULL AND deliver_by <= ? FOR UPDATE SKIP LOCKED",
			t.outgoing,
		),
		putDeadLetter: fmt.Sprintf(
			"REPLACE INTO %s (%s, exception_type, exception_message, failed_at, keep_until, outgoing) VALUES %s",
			t.deadLetters, envelopeCols, values(envelopeArgCount+5),
		),
		replayOutgoing: fmt.Sprintf(
			"INSERT INTO %s (%s, owner_id) VALUES %s AS new "+
				"ON DUPLICATE KEY UPDATE owner_id = new.owner_id, attempts = 0, retry_at = NULL",
			t.outgoing, envelopeCols, values(envelopeArgCount+1),
		),
		selectDeadLetter: fmt.Sprintf(
			"SELECT %s, exception_type, exception_message, failed_at, keep_until, outgoing FROM %s WHERE id = ? FOR UPDATE",
			envelopeCols, t.deadLetters,
		),
		deleteDeadLetter: fmt.Sprintf("DELETE FROM %s WHERE id = ?", t.deadLetters),
		deleteIncoming: fmt.Sprintf(
			"DELETE FROM %s WHERE status IN (?, ?, ?) AND keep_until IS NOT NULL AND keep_until <= ?",
			t.incoming,
		),
		deleteDeadLetters: fmt.Sprintf(
			"DELETE FROM %s WHERE keep_until IS NOT NULL AND keep_until <= ?",
			t.deadLetters,
		),
		insertNode: fmt.Sprintf(
			"INSERT INTO %s (id, service_name, started_at, heartbeat_at) VALUES (?, ?, ?, ?)",
			t.nodes,
		),
		heartbeat:   fmt.Sprintf("UPDATE %s SET heartbeat_at = ? WHERE number = ?", t.nodes),
		nodeExists:  fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE number = ?", t.nodes),
		deleteNode:  fmt.Sprintf("DELETE FROM %s WHERE number = ?", t.nodes),
		selectNodes: fmt.Sprintf("SELECT number, id, service_name, started_at, heartbeat_at FROM %s ORDER BY number ASC", t.nodes),
		// node_number is assigned first so the expires_at condition sees the outcome.
		claimDuty: fmt.Sprintf(
			"INSERT INTO %s (duty, node_number, expires_at) VALUES (?, ?, ?) AS new "+
				"ON DUPLICATE KEY UPDATE "+
				"node_number = IF(expires_at <= ? OR node_number = new.node_number, new.node_number, node_number), "+
				"expires_at = IF(node_number = new.node_number, new.expires_at, expires_at)",
			t.assignments,
		),
		selectDuty:        fmt.Sprintf("SELECT node_number FROM %s WHERE duty = ? FOR UPDATE", t.assignments),
		renewDuty:         fmt.Sprintf("UPDATE %s SET expires_at = ? WHERE duty = ? AND node_number = ?", t.assignments),
		dutyHeld:          fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE duty = ? AND node_number = ?", t.assignments),
		releaseDuty:       fmt.Sprintf("DELETE FROM %s WHERE duty = ? AND node_number = ?", t.assignments),
		releaseDuties:     fmt.Sprintf("DELETE FROM %s WHERE node_number = ?", t.assignments),
		selectAssignments: fmt.Sprintf("SELECT duty, node_number, expires_at FROM %s ORDER BY duty ASC", t.assignments),
		clear: []string{
			fmt.Sprintf("DELETE FROM %s", t.incoming),
			fmt.Sprintf("DELETE FROM %s", t.outgoing),
			fmt.Sprintf("DELETE FROM %s", t.deadLetters),
			fmt.Sprintf("DELETE FROM %s", t.assignments),
			fmt.Sprintf("DELETE FROM %s", t.nodes),
		},
		incomingBase: fmt.Sprintf(
			"SELECT %s, status, owner_id FROM %s WHERE status = ? AND owner_id = ?",
			envelopeCols, t.incoming,
		),
		deadLetterBase: fmt.Sprintf(
			"SELECT %s, exception_type, exception_message, failed_at, keep_until, outgoing FROM %s WHERE 1 = 1",
			envelopeCols, t.deadLetters,
		),
		reassignIncoming: fmt.Sprintf("UPDATE %s SET owner_id = ? WHERE owner_id = ? AND status = ?", t.incoming),
		reassignOutgoing: fmt.Sprintf("UPDATE %s SET owner_id = ? WHERE owner_id = ?", t.outgoing),
		outgoingTable:    t.outgoing,
	}
}

func buildIncomingQuery(base string, destinations int) string {
	var b strings.Builder
	b.WriteString(base)
	if destinations > 0 {
		b.WriteString(" AND destination IN (")
		b.WriteString(makePlaceholders(destinations))
		b.WriteString(")")
	}
	b.WriteString(" ORDER BY sent_at ASC, id ASC LIMIT ?")

	return b.String()
}

func buildDeadLetterQuery(base string, byType, byDestination bool) string {
	var b strings.Builder
	b.WriteString(base)
	if byType {
		b.WriteString(" AND message_type = ?")
	}
	if byDestination {
		b.WriteString(" AND destination = ?")
	}
	b.WriteString(" ORDER BY failed_at DESC, id DESC LIMIT ?")

	return b.String()
}

func buildDeleteQuery(table string, count int) string {
	return fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", table, makePlaceholders(count))
}

func buildAdoptQuery(table string, count int) string {
	return fmt.Sprintf("UPDATE %s SET owner_id = ? WHERE owner_id = ? AND id IN (%s)", table, makePlaceholders(count))
}

// buildKeyFilter appends a (id, destination) row constructor filter to query.
func buildKeyFilter(query string, count int) string {
	if count == 0 {
		return query
	}

	pairs := make([]string, count)
	for i := range pairs {
		pairs[i] = "(?, ?)"
	}

	return query + " AND (id, destination) IN (" + strings.Join(pairs, ", ") + ")"
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}

	buf := make([]byte, 0, count*placeholderGrowth)
	for i := 0; i < count; i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '?')
	}

	return string(buf)
}
