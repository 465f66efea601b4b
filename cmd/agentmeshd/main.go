package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"AgentMesh-Chain/internal/api"
	"AgentMesh-Chain/internal/config"
	"AgentMesh-Chain/internal/event"
	"AgentMesh-Chain/internal/ledger"
	"AgentMesh-Chain/internal/ledger/evm"
	"AgentMesh-Chain/internal/mesh"
	"AgentMesh-Chain/pkg/logger"
)

// main 是 agentmeshd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentmeshd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTMESH_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentmesh.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	store, err := createStore(cfg)
	if err != nil {
		return err
	}

	custody, err := createLedger(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return err
	}

	emitter, err := createEmitter(cfg)
	if err != nil {
		_ = store.Close()
		_ = custody.Close()
		return err
	}

	engine := mesh.NewEngine(store, custody, emitter)
	defer func() {
		if err := engine.Close(); err != nil {
			logger.L().Warn("关闭核心引擎失败", slog.Any("error", err))
		}
	}()

	server := api.NewServer(cfg.Server.Address, engine)
	logger.L().Info("agentmeshd 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("store", cfg.Storage.MeshStore.Driver),
		slog.String("ledger", cfg.Ledger.Driver),
		slog.String("event_bus", cfg.EventBus.Driver),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createStore(cfg *config.Config) (mesh.Store, error) {
	switch cfg.Storage.MeshStore.Driver {
	case "", "memory":
		return mesh.NewMemoryStore(), nil
	case "mysql":
		return mesh.NewMySQLStore(cfg.Storage.MeshStore.DSN)
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.MeshStore.Driver)
	}
}

func createLedger(ctx context.Context, cfg *config.Config) (ledger.Ledger, error) {
	switch cfg.Ledger.Driver {
	case "", "memory":
		return ledger.NewMemoryLedger(), nil
	case "evm":
		// 铸币定义仅做启动期校验，缺失直接视为配置错误。
		if _, err := ledger.LoadMintDefinitions(cfg.Ledger.Definitions); err != nil {
			return nil, err
		}
		operatorKey := strings.TrimSpace(os.Getenv(cfg.Ledger.OperatorKeyEnv))
		if operatorKey == "" {
			return nil, fmt.Errorf("EVM 账本需要通过 %s 注入操作密钥", cfg.Ledger.OperatorKeyEnv)
		}
		return evm.NewClient(ctx, evm.Config{
			RPCURL:      cfg.Ledger.RPCURL,
			Custody:     common.HexToAddress(cfg.Ledger.Custody),
			ChainID:     cfg.Ledger.ChainID,
			OperatorKey: operatorKey,
		})
	default:
		return nil, fmt.Errorf("未知的账本驱动: %s", cfg.Ledger.Driver)
	}
}

func createEmitter(cfg *config.Config) (event.Emitter, error) {
	switch cfg.EventBus.Driver {
	case "", "memory":
		return event.NewMemoryBus(1024), nil
	case "redis":
		return event.NewRedisBus(event.RedisBusConfig{
			Address:  cfg.EventBus.Redis.Address,
			Password: cfg.EventBus.Redis.Password,
			DB:       cfg.EventBus.Redis.DB,
			List:     cfg.EventBus.Redis.List,
		})
	case "rabbitmq":
		return event.NewRabbitBus(event.RabbitBusConfig{
			URL:        cfg.EventBus.RabbitMQ.URL,
			Queue:      cfg.EventBus.RabbitMQ.Queue,
			Durable:    cfg.EventBus.RabbitMQ.Durable,
			AutoDelete: cfg.EventBus.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的事件总线驱动: %s", cfg.EventBus.Driver)
	}
}
