// Package app assembles the service graph: repositories, chain adapters,
// gateway, background services and handlers, constructed once at startup.
package app

import (
	"fmt"
	"log"
	"time"

	"paycore/internal/chain"
	"paycore/internal/clients"
	"paycore/internal/config"
	"paycore/internal/db"
	"paycore/internal/gateway"
	"paycore/internal/handlers"
	"paycore/internal/metrics"
	"paycore/internal/middleware"
	"paycore/internal/repository"
	"paycore/internal/router"
	"paycore/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ServiceContainer owns every long-lived component.
type ServiceContainer struct {
	Config *config.Config
	Logger *logrus.Logger
	DB     *gorm.DB

	// Repositories
	WalletRepo    repository.WalletRepository
	TxRepo        repository.TransactionRepository
	EscrowRepo    repository.EscrowRepository
	GasSampleRepo repository.GasSampleRepository
	BackupRepo    repository.BackupRepository
	AlertRepo     repository.AlertRepository

	// Chain access
	Registry *chain.Registry
	Gateway  *gateway.Gateway

	// External collaborators
	AlertSink clients.AlertSink
	Tasks     clients.TaskStatusChecker

	// Services
	FeeOptimizer *services.FeeOptimizerService
	Alerts       *services.AlertService
	Monitor      *services.TransactionMonitorService
	Escrow       *services.EscrowService
	Backup       *services.BackupPaymentService
	WalletSync   *services.WalletSyncService

	stopCh chan struct{}
}

// NewServiceContainer wires the full graph from configuration.
func NewServiceContainer(cfg *config.Config) (*ServiceContainer, error) {
	log.Println("🚀 Initializing Service Container...")

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if err := middleware.InitJWT(cfg.Auth.JWTSecret); err != nil {
		return nil, err
	}

	gormDB, err := db.Connect(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	c := &ServiceContainer{
		Config: cfg,
		Logger: logger,
		DB:     gormDB,
		stopCh: make(chan struct{}),
	}

	c.initRepositories()
	if err := c.initChainAccess(); err != nil {
		return nil, err
	}
	if err := c.initServices(); err != nil {
		return nil, err
	}

	log.Println("✅ Service Container initialized successfully")
	return c, nil
}

func (c *ServiceContainer) initRepositories() {
	log.Println("📦 Initializing Repositories...")

	c.WalletRepo = repository.NewWalletRepository(c.DB)
	c.TxRepo = repository.NewTransactionRepository(c.DB)
	c.EscrowRepo = repository.NewEscrowRepository(c.DB)
	c.GasSampleRepo = repository.NewGasSampleRepository(c.DB)
	c.BackupRepo = repository.NewBackupRepository(c.DB)
	c.AlertRepo = repository.NewAlertRepository(c.DB)
}

func (c *ServiceContainer) initChainAccess() error {
	log.Println("🔗 Initializing Chain Adapters...")

	oracle := clients.NewGasOracleClient()
	registry, err := chain.NewRegistry(&c.Config.Blockchain, oracle)
	if err != nil {
		return fmt.Errorf("failed to build chain registry: %w", err)
	}
	c.Registry = registry
	c.Gateway = gateway.NewGateway(registry, c.TxRepo)
	return nil
}

func (c *ServiceContainer) initServices() error {
	log.Println("🔧 Initializing Services...")

	// The NATS sink is optional: without it alerts queue in the database
	// and reach operators through the REST and WebSocket surfaces.
	if c.Config.NATS.URL != "" {
		sink, err := clients.NewNATSAlertSink(&c.Config.NATS)
		if err != nil {
			log.Printf("⚠️ NATS sink unavailable, alerts stay queued: %v", err)
		} else {
			c.AlertSink = sink
		}
	}

	if c.Config.Tasks.BaseURL != "" {
		c.Tasks = clients.NewTaskStatusClient(&c.Config.Tasks)
	}

	c.Alerts = services.NewAlertService(&c.Config.Monitor, c.AlertRepo, c.AlertSink)
	c.FeeOptimizer = services.NewFeeOptimizerService(c.Config, c.Registry, c.GasSampleRepo)
	c.Backup = services.NewBackupPaymentService(&c.Config.Backup, c.BackupRepo, c.TxRepo, c.Alerts, nil)
	c.Monitor = services.NewTransactionMonitorService(
		&c.Config.Monitor, c.Registry, c.TxRepo, c.FeeOptimizer, c.Alerts, c.Backup)
	c.Escrow = services.NewEscrowService(
		&c.Config.Escrow, c.EscrowRepo, c.WalletRepo, c.Gateway, c.Tasks, c.Alerts)
	c.WalletSync = services.NewWalletSyncService(c.Registry, c.WalletRepo)
	return nil
}

// Start launches every background service.
func (c *ServiceContainer) Start() {
	c.Alerts.Start()
	c.FeeOptimizer.Start()
	c.Monitor.Start()
	c.Escrow.Start()
	c.Backup.Start()
	c.WalletSync.Start()
	go c.publishDBStats()
}

// Stop shuts services down in reverse dependency order.
func (c *ServiceContainer) Stop() {
	close(c.stopCh)
	c.WalletSync.Stop()
	c.Backup.Stop()
	c.Escrow.Stop()
	c.Monitor.Stop()
	c.FeeOptimizer.Stop()
	c.Alerts.Stop()
	if c.AlertSink != nil {
		c.AlertSink.Close()
	}
}

// Router builds the HTTP surface over the container's services.
func (c *ServiceContainer) Router() *gin.Engine {
	h := &router.Handlers{
		Payments: handlers.NewPaymentHandler(c.Gateway, c.FeeOptimizer, c.Backup, c.Logger),
		Escrows:  handlers.NewEscrowHandler(c.Escrow, c.Logger),
		Wallets:  handlers.NewWalletHandler(c.WalletRepo, c.Gateway, c.Logger),
		Alerts:   handlers.NewAlertHandler(c.Alerts, c.Logger),
	}
	return router.SetupRouter(c.Config, c.Logger, h)
}

// publishDBStats snapshots the connection pool for Prometheus.
func (c *ServiceContainer) publishDBStats() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			sqlDB, err := c.DB.DB()
			if err != nil {
				continue
			}
			metrics.RecordDBStats(sqlDB.Stats())
		}
	}
}
