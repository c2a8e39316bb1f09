package testutil

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	containerOnce sync.Once
	containerCfg  TestDBConfig
	containerOK   bool
)

// containerDBConfig lazily starts a single Postgres container per test binary when
// TEST_DB_CONTAINER is truthy. The container is reaped by Ryuk when the process exits.
func containerDBConfig() (TestDBConfig, bool) {
	if !envBool("TEST_DB_CONTAINER") {
		return TestDBConfig{}, false
	}
	containerOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		cfg := TestDBConfig{User: "jobflow", Password: "jobflow", DBName: "jobflow"}
		c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        getEnvOrDefault("TEST_DB_IMAGE", "postgres:16-alpine"),
				ExposedPorts: []string{"5432/tcp"},
				Env: map[string]string{
					"POSTGRES_USER":     cfg.User,
					"POSTGRES_PASSWORD": cfg.Password,
					"POSTGRES_DB":       cfg.DBName,
				},
				WaitingFor: wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(90 * time.Second),
			},
			Started: true,
		})
		if err != nil {
			log.Printf("testutil: start postgres container: %v", err)
			return
		}
		host, err := c.Host(ctx)
		if err != nil {
			log.Printf("testutil: container host: %v", err)
			return
		}
		port, err := c.MappedPort(ctx, "5432/tcp")
		if err != nil {
			log.Printf("testutil: container port: %v", err)
			return
		}
		cfg.Host = host
		cfg.Port = port.Port()
		containerCfg, containerOK = cfg, true
	})
	return containerCfg, containerOK
}
