// Package wiring builds the concrete dependency graph (Store, Queue, Cache,
// ObjStore, AI clients, processors) that both cmd/pipelinectl and
// cmd/pipeline-worker assemble from a loaded config.Config. Centralizing it
// here keeps the two binaries' main.go files thin, the way the teacher's
// cmd/quarry and cmd/quarry-runtime delegate their own setup to cli/config
// and the adapter/runtime packages rather than inlining it.
package wiring

import (
	"context"
	"fmt"

	"github.com/exam2quiz/pipeline/adapter"
	"github.com/exam2quiz/pipeline/adapter/redis"
	"github.com/exam2quiz/pipeline/adapter/webhook"
	"github.com/exam2quiz/pipeline/admission"
	"github.com/exam2quiz/pipeline/aiclient"
	"github.com/exam2quiz/pipeline/cache"
	"github.com/exam2quiz/pipeline/cli/config"
	"github.com/exam2quiz/pipeline/coordinator"
	"github.com/exam2quiz/pipeline/objstore"
	"github.com/exam2quiz/pipeline/queue"
	"github.com/exam2quiz/pipeline/snapshot"
	"github.com/exam2quiz/pipeline/stage"
	"github.com/exam2quiz/pipeline/store"
)

// Deps is the fully-wired dependency graph shared by every cmd entrypoint.
type Deps struct {
	Store    store.Store
	Queue    queue.Queue
	Cache    cache.Cache
	ObjStore objstore.Store

	Vision     aiclient.VisionClient
	Language   aiclient.LanguageClient
	Credential *aiclient.CredentialResolver

	Coordinator coordinator.Config
	Admission   *admission.Controller
	Snapshot    *snapshot.Exporter
	StageConfig stage.Config

	// Notifier is nil when cfg.Notify.Backend is unset.
	Notifier adapter.Adapter
}

// Build wires every concrete adapter named in cfg into a Deps graph. The
// caller is responsible for calling Close when done (Store and Queue hold
// live connections).
func Build(ctx context.Context, cfg *config.Config) (*Deps, error) {
	st, err := store.NewPostgresStore(store.Config{
		DSN:             cfg.Store.DSN,
		MaxConns:        cfg.Store.MaxConns,
		MaxConnLifetime: cfg.Store.MaxConnLifetime.Duration,
	})
	if err != nil {
		return nil, fmt.Errorf("wiring: store: %w", err)
	}

	qu, err := queue.NewRedisQueue(queue.Config{
		Addr:              cfg.Queue.Addr,
		DB:                cfg.Queue.DB,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout.Duration,
		MaxRetries:        cfg.Queue.MaxRetries,
		StreamMaxLen:      cfg.Queue.StreamMaxLen,
	})
	if err != nil {
		return nil, fmt.Errorf("wiring: queue: %w", err)
	}

	ca, err := cache.NewRedisCache(cache.Config{
		Addr: cfg.Cache.Addr,
		DB:   cfg.Cache.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("wiring: cache: %w", err)
	}

	obj, err := buildObjStore(ctx, cfg.ObjStore)
	if err != nil {
		return nil, fmt.Errorf("wiring: objstore: %w", err)
	}

	aiCfg := aiclient.Config{
		BaseURL:             cfg.AI.BaseURL,
		RequestTimeout:      cfg.AI.RequestTimeout.Duration,
		BreakerMaxRequests:  cfg.AI.BreakerMaxRequests,
		BreakerInterval:     cfg.AI.BreakerInterval.Duration,
		BreakerTimeout:      cfg.AI.BreakerTimeout.Duration,
		BreakerFailureRatio: cfg.AI.BreakerFailureRatio,
	}
	vision := aiclient.NewHTTPVisionClient(aiCfg)
	language := aiclient.NewHTTPLanguageClient(aiCfg)
	credential := &aiclient.CredentialResolver{Default: cfg.AI.DefaultCredential}

	coordCfg := coordinator.Config{
		Store:        st,
		Queue:        qu,
		ObjStore:     obj,
		BatchSize:    cfg.Admission.BatchSplitSize,
		PollInterval: cfg.Worker.CoordinatorPollInterval.Duration,
	}

	admissionCtrl := admission.New(admission.Config{
		Store:              st,
		Queue:              qu,
		ObjStore:           obj,
		Coordinator:        coordCfg,
		MaxFilesPerRun:     cfg.Admission.MaxFilesPerRun,
		DefaultTenantQuota: cfg.Admission.DefaultTenantQuota,
	})

	exporter := snapshot.New(snapshot.Config{Store: st, ObjStore: obj})

	notifier, err := buildNotifier(cfg.Notify)
	if err != nil {
		return nil, fmt.Errorf("wiring: notify: %w", err)
	}

	stageCfg := stage.Config{
		Store:                st,
		ObjStore:             obj,
		Cache:                ca,
		Vision:               vision,
		Language:             language,
		Credential:           credential,
		Engine:               &stage.SubprocessEngine{BinaryPath: cfg.Engine.PDFEngineBinaryPath},
		SimilarityBinaryPath: cfg.Engine.SimilarityBinaryPath,
		SimilarityTimeout:    cfg.Engine.SimilarityTimeout.Duration,
	}

	return &Deps{
		Store:       st,
		Queue:       qu,
		Cache:       ca,
		ObjStore:    obj,
		Vision:      vision,
		Language:    language,
		Credential:  credential,
		Coordinator: coordCfg,
		Admission:   admissionCtrl,
		Snapshot:    exporter,
		StageConfig: stageCfg,
		Notifier:    notifier,
	}, nil
}

// buildNotifier returns the configured run-completion adapter, or nil if
// cfg.Backend is unset (notification is opt-in, never assumed).
func buildNotifier(cfg config.NotifyConfig) (adapter.Adapter, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case "redis":
		return redis.New(redis.Config{
			URL:     cfg.URL,
			Channel: cfg.Channel,
			Timeout: cfg.Timeout.Duration,
			Retries: cfg.Retries,
		})
	case "webhook":
		return webhook.New(webhook.Config{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout.Duration,
			Retries: cfg.Retries,
		})
	default:
		return nil, fmt.Errorf("unknown notify backend %q", cfg.Backend)
	}
}

func buildObjStore(ctx context.Context, cfg config.ObjStoreConfig) (objstore.Store, error) {
	switch cfg.Backend {
	case "", "fs":
		return objstore.NewFSStore(cfg.Path)
	case "s3":
		return objstore.NewS3Store(ctx, objstore.S3Config{
			Bucket:       cfg.Path,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("wiring: unknown objstore backend %q", cfg.Backend)
	}
}

// Close releases every connection Build opened.
func (d *Deps) Close() error {
	if d.Notifier != nil {
		if err := d.Notifier.Close(); err != nil {
			return err
		}
	}
	if err := d.Queue.Close(); err != nil {
		return err
	}
	if d.Cache != nil {
		if err := d.Cache.Close(); err != nil {
			return err
		}
	}
	return d.Store.Close()
}
