package testsuite

import (
	"context"
	"fmt"
	"log"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/payalb/course-management/pkg/db"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

// Infrastructure selects which containers a suite needs. A Postgres container
// is started for each non-empty migrations path.
type Infrastructure struct {
	CommandMigrations string
	QueryMigrations   string
	Redis             bool
	Kafka             bool
}

type BaseSuite struct {
	suite.Suite
	PgContainer     *postgres.PostgresContainer
	ReadPgContainer *postgres.PostgresContainer
	RedisContainer  *tcredis.RedisContainer
	KafkaContainer  *kafka.KafkaContainer

	DbPool       *pgxpool.Pool
	ReadDbPool   *pgxpool.Pool
	Redis        *redis.Client
	KafkaBrokers []string
	Ctx          context.Context
}

func (s *BaseSuite) SetupInfrastructure(infra Infrastructure) {
	if testing.Short() {
		s.T().Skip("integration suite skipped in -short mode")
	}

	s.Ctx = context.Background()
	logger := zap.NewNop()

	var err error
	var connStr string

	if infra.CommandMigrations != "" {
		s.PgContainer, connStr = s.runPostgres("courses_db")
		s.Require().NoError(db.Migrate(s.Ctx, connStr, infra.CommandMigrations, logger))
		s.DbPool, err = pgxpool.New(s.Ctx, connStr)
		s.Require().NoError(err)
	}

	if infra.QueryMigrations != "" {
		s.ReadPgContainer, connStr = s.runPostgres("courses_read_db")
		s.Require().NoError(db.Migrate(s.Ctx, connStr, infra.QueryMigrations, logger))
		s.ReadDbPool, err = pgxpool.New(s.Ctx, connStr)
		s.Require().NoError(err)
	}

	if infra.Redis {
		s.RedisContainer, err = tcredis.Run(s.Ctx, "redis:7-alpine")
		s.Require().NoError(err)

		uri, err := s.RedisContainer.ConnectionString(s.Ctx)
		s.Require().NoError(err)

		opts, err := redis.ParseURL(uri)
		s.Require().NoError(err)
		s.Redis = redis.NewClient(opts)
	}

	if infra.Kafka {
		s.KafkaContainer, err = kafka.Run(
			s.Ctx,
			"confluentinc/cp-kafka:7.5.0",
			kafka.WithClusterID("test-cluster"),
		)
		s.Require().NoError(err)

		s.KafkaBrokers, err = s.KafkaContainer.Brokers(s.Ctx)
		s.Require().NoError(err)
	}
}

func (s *BaseSuite) runPostgres(database string) (*postgres.PostgresContainer, string) {
	container, err := postgres.Run(
		s.Ctx,
		"postgres:17-alpine",
		postgres.WithDatabase(database),
		postgres.WithUsername("test_user"),
		postgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err)

	connStr, err := container.ConnectionString(s.Ctx, "sslmode=disable")
	s.Require().NoError(err)

	return container, connStr
}

func (s *BaseSuite) TearDownInfrastructure() {
	if s.DbPool != nil {
		s.DbPool.Close()
	}
	if s.ReadDbPool != nil {
		s.ReadDbPool.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}

	var containers []testcontainers.Container
	if s.PgContainer != nil {
		containers = append(containers, s.PgContainer)
	}
	if s.ReadPgContainer != nil {
		containers = append(containers, s.ReadPgContainer)
	}
	if s.RedisContainer != nil {
		containers = append(containers, s.RedisContainer)
	}
	if s.KafkaContainer != nil {
		containers = append(containers, s.KafkaContainer)
	}

	for _, c := range containers {
		if err := c.Terminate(s.Ctx); err != nil {
			log.Printf("Failed to terminate container: %v", err)
		}
	}
}

func (s *BaseSuite) TruncateTable(pool *pgxpool.Pool, tableName string) {
	_, err := pool.Exec(s.Ctx, fmt.Sprintf("TRUNCATE %s RESTART IDENTITY CASCADE", tableName))
	s.Require().NoError(err)
}
