//go:build integration

// Package testutil starts MySQL and runs the durable binaries in containers.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/network"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	mysqlImage     = "mysql:8.0.36"
	mysqlAlias     = "mysql"
	mysqlDatabase  = "durable"
	mysqlPassword  = "secret"
	cliImage       = "alpine:3.20"
	cliPath        = "/cli"
	cliExitTimeout = 2 * time.Minute
	startupTimeout = 2 * time.Minute
)

// MySQL is a running database reachable from the host through DB and from
// containers on Network through DSN.
type MySQL struct {
	Container testcontainers.Container
	Network   *testcontainers.DockerNetwork
	DB        *sql.DB
	DSN       string
}

func mysqlDSN(host, port string) string {
	return fmt.Sprintf("root:%s@tcp(%s:%s)/%s?parseTime=true", mysqlPassword, host, port, mysqlDatabase)
}

// StartMySQL starts MySQL on a fresh network. The test is skipped without Docker.
func StartMySQL(t *testing.T, ctx context.Context) MySQL {
	t.Helper()

	net, err := network.New(ctx)
	if err != nil {
		t.Skipf("create network: %v", err)
	}
	t.Cleanup(func() { _ = net.Remove(ctx) })

	port := nat.Port("3306/tcp")
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        mysqlImage,
			ExposedPorts: []string{string(port)},
			Env: map[string]string{
				"MYSQL_ROOT_PASSWORD": mysqlPassword,
				"MYSQL_DATABASE":      mysqlDatabase,
			},
			Networks:       []string{net.Name},
			NetworkAliases: map[string][]string{net.Name: {mysqlAlias}},
			WaitingFor: wait.ForSQL(port, "mysql", func(host string, p nat.Port) string {
				return mysqlDSN(host, p.Port())
			}).WithStartupTimeout(startupTimeout),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("start mysql container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, port)
	require.NoError(t, err)

	db, err := sql.Open("mysql", mysqlDSN(host, mapped.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return MySQL{
		Container: container,
		Network:   net,
		DB:        db,
		DSN:       mysqlDSN(mysqlAlias, port.Port()),
	}
}

// BuildBinary compiles pkg for linux into a temporary directory.
func BuildBinary(t *testing.T, pkg string) string {
	t.Helper()

	name := filepath.Base(pkg)
	if name == "." {
		wd, err := os.Getwd()
		require.NoError(t, err)
		name = filepath.Base(wd)
	}
	bin := filepath.Join(t.TempDir(), name)
	cmd := exec.Command("go", "build", "-o", bin, pkg)
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0", "GOOS=linux", "GOARCH="+runtime.GOARCH)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "build %s:\n%s", pkg, out)

	return bin
}

// RunCLI runs binary with args and env on network and returns its exit code and output.
func RunCLI(t *testing.T, ctx context.Context, network, binary string, env map[string]string, args ...string) (int, string) {
	t.Helper()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:      cliImage,
			Entrypoint: []string{cliPath},
			Cmd:        args,
			Env:        env,
			Networks:   []string{network},
			Files: []testcontainers.ContainerFile{{
				HostFilePath:      binary,
				ContainerFilePath: cliPath,
				FileMode:          0o755,
			}},
			WaitingFor: wait.ForExit().WithExitTimeout(cliExitTimeout),
		},
		Started: true,
	})
	require.NoError(t, err, "start cli container")
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	logs, err := container.Logs(ctx)
	require.NoError(t, err)
	defer logs.Close()
	out, err := io.ReadAll(logs)
	require.NoError(t, err)

	state, err := container.State(ctx)
	require.NoError(t, err)

	return state.ExitCode, string(out)
}
