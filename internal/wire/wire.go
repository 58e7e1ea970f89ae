//go:build wireinject
// +build wireinject

// Package wire 提供依赖注入配置
package wire

import (
	"context"

	"github.com/google/wire"

	"kb-assistant-api/internal/application/indexing"
	"kb-assistant-api/internal/application/indexstore"
	"kb-assistant-api/internal/application/query"
	"kb-assistant-api/internal/config"
	"kb-assistant-api/internal/domain/repository"
	"kb-assistant-api/internal/infrastructure/drive"
	"kb-assistant-api/internal/infrastructure/embedding"
	"kb-assistant-api/internal/infrastructure/llm"
	"kb-assistant-api/internal/infrastructure/persistence/milvus"
	"kb-assistant-api/internal/infrastructure/persistence/postgres"
	"kb-assistant-api/internal/infrastructure/persistence/redis"
	"kb-assistant-api/internal/interfaces/http/handler"
	"kb-assistant-api/internal/interfaces/http/router"
)

// App 组装完成的应用
type App struct {
	Router    *router.Router
	Scheduler *indexing.Scheduler
	Manager   *indexing.Manager
}

// PostgresOnlyDataLayer 仅包含 PostgreSQL 的数据层（用于 bootstrap）
type PostgresOnlyDataLayer struct {
	PgClient  *postgres.Client
	TxManager *postgres.TxManager
}

// InitializeApp 初始化整个应用
func InitializeApp(ctx context.Context, cfg *config.Config) (*App, func(), error) {
	wire.Build(
		RepoSet,
		RedisSet,
		MilvusSet,
		InfraSet,
		ApplicationSet,
		RouterSet,
		wire.Struct(new(App), "*"),
	)
	return nil, nil, nil
}

// InitializePostgresOnly 仅初始化 PostgreSQL 数据层（用于 bootstrap）
func InitializePostgresOnly(ctx context.Context, cfg *config.Config) (*PostgresOnlyDataLayer, func(), error) {
	wire.Build(
		PostgresSet,
		wire.Struct(new(PostgresOnlyDataLayer), "*"),
	)
	return nil, nil, nil
}

// PostgresSet PostgreSQL 提供者集合
var PostgresSet = wire.NewSet(
	ProvidePostgresClient,
	postgres.NewTxManager,
	postgres.NewUserRepository,
	postgres.NewIndexStatusRepository,
	postgres.NewConnectionRepository,
)

// RepoSet 整合了具体实现与接口绑定的集合
var RepoSet = wire.NewSet(
	PostgresSet,
	wire.Bind(new(repository.Transactor), new(*postgres.TxManager)),
	wire.Bind(new(repository.UserRepository), new(*postgres.UserRepository)),
	wire.Bind(new(repository.IndexStatusRepository), new(*postgres.IndexStatusRepository)),
	wire.Bind(new(repository.ConnectionRepository), new(*postgres.ConnectionRepository)),
)

// RedisSet Redis 提供者集合
var RedisSet = wire.NewSet(
	ProvideRedisClient,
	redis.NewCache,
)

// MilvusSet Milvus 提供者集合
var MilvusSet = wire.NewSet(
	ProvideMilvusClient,
	ProvideMilvusRepository,
	wire.Bind(new(indexstore.NodeLister), new(*milvus.Repository)),
	wire.Bind(new(indexing.VectorIndex), new(*milvus.Repository)),
	wire.Bind(new(query.VectorSearcher), new(*milvus.Repository)),
)

// InfraSet 外部服务客户端提供者集合
var InfraSet = wire.NewSet(
	ProvideDriveClient,
	llm.NewEinoFactory,
	embedding.NewFactory,
	wire.Bind(new(indexing.DocumentSource), new(*drive.Client)),
	wire.Bind(new(indexing.EmbedderProvider), new(*embedding.Factory)),
	wire.Bind(new(query.EmbedderProvider), new(*embedding.Factory)),
	wire.Bind(new(query.ModelProvider), new(*llm.EinoFactory)),
)

// ApplicationSet 应用层提供者集合
var ApplicationSet = wire.NewSet(
	indexstore.NewStore,
	indexing.NewChecksumCache,
	indexing.NewManager,
	indexing.NewScheduler,
	query.NewService,
)

// RouterSet 路由器提供者集合
var RouterSet = wire.NewSet(
	ProvideAuthConfig,
	ProvideRateLimitMiddleware,
	handler.NewAuthHandler,
	handler.NewUserHandler,
	handler.NewConnectionHandler,
	handler.NewIndexingHandler,
	handler.NewChatHandler,
	ProvideHealthHandler,
	wire.Struct(new(router.Handlers), "*"),
	router.New,
)
