package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opendevbox/opendevbox/internal/api"
	"github.com/opendevbox/opendevbox/internal/auth"
	"github.com/opendevbox/opendevbox/internal/config"
	"github.com/opendevbox/opendevbox/internal/events"
	"github.com/opendevbox/opendevbox/internal/isolation"
	"github.com/opendevbox/opendevbox/internal/proxy"
	"github.com/opendevbox/opendevbox/internal/quota"
	"github.com/opendevbox/opendevbox/internal/sandbox"
	"github.com/opendevbox/opendevbox/internal/snapshot"
	"github.com/opendevbox/opendevbox/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()

	backend, err := buildBackend(cfg)
	if err != nil {
		log.Fatalf("failed to initialize storage backend: %v", err)
	}
	log.Printf("devboxd: storage backend %s ready", cfg.StorageBackend)

	driver, err := isolation.Select(ctx, isolation.Options{
		Backend: cfg.IsolationBackend,
		MicroVM: isolation.MicroVMConfig{
			Bin:        cfg.MicroVMBin,
			KernelPath: cfg.KernelPath,
			RootfsPath: cfg.RootfsPath,
			DefaultMem: cfg.MicroVMMemMiB,
			DefaultCPU: cfg.MicroVMCPUs,
		},
		Container: isolation.ContainerConfig{
			Bin:      cfg.ContainerBin,
			Image:    cfg.ContainerImage,
			Hostname: cfg.ContainerHostname,
		},
		Process: cfg.ProcessAllowList,
	})
	if err != nil {
		log.Fatalf("failed to select isolation backend: %v", err)
	}
	log.Printf("devboxd: isolation backend %s ready", driver.Kind())

	quotas := quota.NewManager(quota.Limits{
		ExecPerHour:    cfg.QuotaExecPerHour,
		ConcurrentExec: cfg.QuotaConcurrentExec,
		MemoryBytes:    cfg.QuotaMemoryBytes,
		StorageBytes:   cfg.QuotaStorageBytes,
		EgressBytes:    cfg.QuotaEgressBytes,
		CPUSeconds:     cfg.QuotaCPUSeconds,
	})

	runtimeOpts := sandbox.Options{
		WorkspacesRoot: cfg.WorkspacesRoot,
		ExecTimeout:    time.Duration(cfg.ExecTimeoutSeconds) * time.Second,
		KeepaliveTTL:   time.Duration(cfg.KeepaliveTTLSeconds) * time.Second,
		SweepInterval:  time.Duration(cfg.SupervisorSweepSeconds) * time.Second,
		Fallback: isolation.NewContainerDriver(isolation.ContainerConfig{
			Bin:      cfg.ContainerBin,
			Image:    cfg.ContainerImage,
			Hostname: cfg.ContainerHostname,
		}),
	}

	if cfg.NATSURL != "" {
		publisher, err := events.NewPublisher(cfg.NATSURL)
		if err != nil {
			log.Printf("devboxd: event publishing disabled: %v", err)
		} else {
			defer publisher.Close()
			runtimeOpts.Publisher = publisher
			log.Printf("devboxd: publishing lifecycle events to %s", cfg.NATSURL)
		}
	}

	rt := sandbox.NewRuntime(driver, quotas, runtimeOpts)
	defer rt.Close()

	engine := snapshot.NewEngine(backend, snapshot.Options{
		Retention:        cfg.SnapshotRetention,
		CompressionLevel: cfg.CompressionLevel,
		PreserveMtimes:   cfg.PreserveMtimes,
	})

	previewProxy := proxy.New(rt, proxy.Options{
		DialTimeout: time.Duration(cfg.ProxyUpstreamTimeoutSeconds) * time.Second,
		ErrorBudget: cfg.ProxyErrorBudget,
	})

	if cfg.JWTSecret == "" {
		log.Printf("devboxd: no DEVBOX_JWT_SECRET set, accepting dev:<user_id> tokens")
	}

	server := api.NewServer(rt, engine, api.Options{
		Verifier: auth.NewVerifier(cfg.JWTSecret),
		Proxy:    previewProxy,
		Backend:  backend,
	})

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		log.Printf("devboxd: listening on %s", addr)
		if err := server.Start(addr); err != nil {
			log.Printf("devboxd: server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("devboxd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("devboxd: shutdown error: %v", err)
	}
}

func buildBackend(cfg *config.Config) (storage.Backend, error) {
	switch cfg.StorageBackend {
	case "s3":
		return storage.NewS3(storage.S3Config{
			Endpoint:           cfg.S3Endpoint,
			Bucket:             cfg.S3Bucket,
			Region:             cfg.S3Region,
			AccessKey:          cfg.S3AccessKey,
			SecretKey:          cfg.S3SecretKey,
			ForcePathStyle:     cfg.S3ForcePathStyle,
			MultipartThreshold: int64(cfg.MultipartMiB) << 20,
			RetryAttempts:      cfg.StorageRetryLimit,
		})
	default:
		return storage.NewLocal(cfg.StorageRoot)
	}
}
