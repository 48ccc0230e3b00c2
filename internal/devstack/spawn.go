package devstack

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
)

// CatalogConfig is the subset of configuration needed to spawn the
// catalog's backing Postgres container.
type CatalogConfig struct {
	User     string
	Password string
	Name     string
	Host     string
	Port     string
}

// BrokerConfig is the subset of configuration needed to spawn the job
// broker's backing Redis container.
type BrokerConfig struct {
	Host string
	Port string
}

// SpawnCatalogDatabase spawns the Postgres container backing the catalog,
// binding a data volume under the user's home directory so catalog state
// survives container restarts across dev sessions.
func SpawnCatalogDatabase(m *Manager, config CatalogConfig, errChannel chan error) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory for catalog db volume: %w", err)
	}

	dataPath := filepath.Join(homeDir, ".theapipe", "catalog_db.dat")
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return err
	}

	return m.Spawn(&Service{
		Label: "theapipe-catalog-db",
		Image: "postgres:14.1-alpine",
		Env: []string{
			fmt.Sprintf("POSTGRES_PASSWORD=%s", config.Password),
			fmt.Sprintf("POSTGRES_USER=%s", config.User),
			fmt.Sprintf("POSTGRES_DB=%s", config.Name),
		},
		ExposedPorts: nat.PortSet{"5432": struct{}{}},
		PortBindings: nat.PortMap{"5432": []nat.PortBinding{{HostIP: config.Host, HostPort: config.Port}}},
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: dataPath, Target: "/var/lib/postgresql/data"},
		},
		ReadyAddr: net.JoinHostPort(config.Host, config.Port),
	}, errChannel)
}

// SpawnBrokerStore spawns the Redis container backing the job broker.
// Unlike the catalog database it gets no persistent volume: the broker is
// reconciled against the catalog on startup (see internal/reconcile), so
// its own state is disposable.
func SpawnBrokerStore(m *Manager, config BrokerConfig, errChannel chan error) error {
	return m.Spawn(&Service{
		Label:        "theapipe-broker-store",
		Image:        "redis:7-alpine",
		ExposedPorts: nat.PortSet{"6379": struct{}{}},
		PortBindings: nat.PortMap{"6379": []nat.PortBinding{{HostIP: config.Host, HostPort: config.Port}}},
		ReadyAddr:    net.JoinHostPort(config.Host, config.Port),
	}, errChannel)
}
