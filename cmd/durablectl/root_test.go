package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velmie/durable"
	"github.com/velmie/durable/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())

	return out.String(), err
}

func TestSchemaCommand(t *testing.T) {
	out, err := execute(t, "schema", "--engine", "mysql", "--prefix", "billing")
	require.NoError(t, err)
	assert.Contains(t, out, "CREATE TABLE IF NOT EXISTS billing_incoming")

	out, err = execute(t, "schema", "--engine", "postgres", "--prefix", "billing")
	require.NoError(t, err)
	assert.Contains(t, out, "JSONB")

	_, err = execute(t, "schema", "--engine", "memory")
	require.ErrorIs(t, err, config.ErrUnknownEngine)
}

func TestOpenValidatesConfig(t *testing.T) {
	t.Setenv("DURABLE_DSN", "")
	_, err := execute(t, "nodes", "list", "--engine", "postgres")
	require.ErrorIs(t, err, config.ErrDSNRequired)

	_, err = execute(t, "nodes", "list", "--engine", "oracle")
	require.ErrorIs(t, err, config.ErrUnknownEngine)
}

func TestListCommandsOnEmptyStore(t *testing.T) {
	for _, args := range [][]string{
		{"nodes", "list"},
		{"duties", "list"},
		{"dead-letters", "list", "--type", "order.placed"},
	} {
		out, err := execute(t, append(args, "--engine", "memory")...)
		require.NoError(t, err, args)

		var items []json.RawMessage
		require.NoError(t, json.Unmarshal([]byte(out), &items), args)
		assert.Empty(t, items, args)
	}
}

func TestDeadLetterCommandsRejectUnknownIDs(t *testing.T) {
	_, err := execute(t, "dead-letters", "replay", "not-a-uuid", "--engine", "memory")
	require.ErrorContains(t, err, "invalid dead letter id")

	_, err = execute(t, "dl", "delete", uuid.NewString(), "--engine", "memory")
	require.ErrorIs(t, err, durable.ErrDeadLetterNotFound)

	_, err = execute(t, "dead-letters", "replay", "--engine", "memory")
	require.Error(t, err)
}

func TestCleanupOnce(t *testing.T) {
	out, err := execute(t, "cleanup", "--engine", "memory")
	require.NoError(t, err)

	var res cleanupOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, cleanupOutput{}, res)

	_, err = execute(t, "cleanup", "--engine", "memory", "--every", "-1s")
	require.ErrorIs(t, err, errNegativeInterval)
}

func TestCleanupStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"cleanup", "--engine", "memory", "--every", "1h"})
	require.NoError(t, cmd.ExecuteContext(ctx))
}
