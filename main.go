package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/eddielth/ddg-agent/agent"
	"github.com/eddielth/ddg-agent/config"
	"github.com/eddielth/ddg-agent/ledger"
	"github.com/eddielth/ddg-agent/logger"
	"github.com/eddielth/ddg-agent/mqtt"
	"github.com/eddielth/ddg-agent/reasoning"
	"github.com/eddielth/ddg-agent/storage"
	"github.com/eddielth/ddg-agent/telemetry"
	"github.com/eddielth/ddg-agent/tracing"
	"github.com/eddielth/ddg-agent/transformer"
	"github.com/eddielth/ddg-agent/validator"
)

// localCredential 未配置RPC时进程内注册表使用的签名身份
const localCredential = "local-agent"

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("配置无效: %v", err)
	}

	if err := logger.InitFromConfig(cfg.Logger.Level, cfg.Logger.FilePath, cfg.Logger.MaxSize, cfg.Logger.MaxBackups, cfg.Logger.Console); err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		log.Fatalf("初始化链路追踪失败: %v", err)
	}

	// 注册表：配置了RPC时连接链上合约，否则使用进程内注册表
	var registry ledger.Ledger
	if cfg.Ledger.RPCURL != "" {
		eth, err := ledger.NewEthClient(ctx, ledger.EthConfig{
			RPCURL:          cfg.Ledger.RPCURL,
			PrivateKey:      cfg.Ledger.PrivateKey,
			ContractAddress: cfg.Ledger.ContractAddress,
		})
		if err != nil {
			log.Fatalf("连接链上注册表失败: %v", err)
		}
		defer eth.Close()
		registry = eth
	} else {
		logger.Warn("MANTLE_RPC_URL not set, using in-memory registry")
		registry = ledger.NewMemoryRegistry(localCredential, cfg.Ledger.ConfirmDelay).As(localCredential)
	}

	lanes := ledger.NewLanes()
	defer lanes.Close()

	// 数据来源：MQTT 实际上报或模拟生成
	generator := telemetry.NewGenerator(nil)
	generator.SetFault(cfg.Agent.Fault)
	var source telemetry.Source = generator

	transformers, err := transformer.NewManager(cfg.Transformers)
	if err != nil {
		log.Fatalf("初始化转换器管理器失败: %v", err)
	}

	var ingest *mqtt.Manager
	if cfg.MQTT.Enabled {
		buffer := telemetry.NewBuffer()
		ingest, err = mqtt.NewManager(cfg.MQTT, transformers, validator.SampleValidator(), buffer)
		if err != nil {
			log.Fatalf("初始化MQTT客户端失败: %v", err)
		}
		if err := ingest.Start(); err != nil {
			log.Fatalf("启动MQTT失败: %v", err)
		}
		source = buffer
	}

	var evaluator reasoning.Evaluator
	if cfg.Reasoning.APIKey != "" {
		evaluator = reasoning.NewOpenAIEvaluator(reasoning.OpenAIConfig{
			APIKey:  cfg.Reasoning.APIKey,
			Model:   cfg.Reasoning.Model,
			BaseURL: cfg.Reasoning.BaseURL,
		})
		logger.Info("reasoning escalation enabled, model %s", cfg.Reasoning.Model)
	}
	escalator := reasoning.NewEscalator(evaluator, cfg.Reasoning.Timeout)

	archive := buildArchive(cfg.Storage)
	defer archive.Close()

	agents := make([]*agent.Agent, 0, len(cfg.Agent.Devices))
	for _, d := range cfg.Agent.Devices {
		generator.SetBaseline(d.ID, d.Baseline)
		opts := agent.Options{
			Ledger:    registry,
			Lane:      lanes.Lane(registry.Credential()),
			Source:    source,
			Escalator: escalator,
		}
		if archive.Len() > 0 {
			opts.Archive = archive
		}
		agents = append(agents, agent.New(d, opts))
	}

	pool := agent.NewPool(cfg.Interval(), agents...)
	pool.Start(ctx)

	// 监听配置文件变化
	err = config.WatchConfig(*configPath, func(newCfg *config.Config) error {
		generator.SetFault(newCfg.Agent.Fault)
		logger.Info("fault injection updated: %+v", newCfg.Agent.Fault)

		for deviceType, transformerCfg := range newCfg.Transformers {
			if err := transformers.ReloadTransformer(deviceType, transformerCfg); err != nil {
				logger.Error("重新加载转换器 %s 失败: %v", deviceType, err)
			}
		}

		if level, err := logger.ParseLogLevel(newCfg.Logger.Level); err == nil {
			logger.SetLevel(level)
		}
		return nil
	})
	if err != nil {
		logger.Warn("监听配置文件变化失败: %v", err)
	} else {
		logger.Info("已启动配置文件监听")
	}

	logger.Info("设备代理已启动，%d 台设备，周期 %s", len(agents), cfg.Interval())

	<-ctx.Done()
	logger.Info("正在停止，等待进行中的周期完成...")

	pool.Stop()
	pool.Wait()

	if ingest != nil {
		ingest.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("flush telemetry failed: %v", err)
	}

	logger.Info("服务已安全停止")
}

// buildArchive 按配置创建归档后端，单个后端失败不影响启动
func buildArchive(cfg config.StorageConfig) *storage.Manager {
	archive := storage.NewManager()

	if cfg.File.Enabled {
		fs, err := storage.NewFileStorage(cfg.File.Path)
		if err != nil {
			logger.Error("初始化文件归档失败: %v", err)
		} else {
			archive.AddBackend(fs)
		}
	}

	if cfg.Database.Enabled {
		db, err := storage.NewDatabaseStorage(cfg.Database.Type, cfg.Database.DSN)
		if err != nil {
			logger.Error("初始化数据库归档失败: %v", err)
		} else {
			archive.AddBackend(db)
		}
	}

	if archive.Len() == 0 {
		logger.Debug("archive disabled")
	}
	return archive
}
