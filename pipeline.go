package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/xyzretail/sales-lakehouse/aggregate"
	"github.com/xyzretail/sales-lakehouse/dims"
	"github.com/xyzretail/sales-lakehouse/facts"
	"github.com/xyzretail/sales-lakehouse/ingest"
	"github.com/xyzretail/sales-lakehouse/quality"
	"github.com/xyzretail/sales-lakehouse/tracker"
)

// Pipeline orchestrates one pass over the layers: claim and ingest new
// files into bronze, gate them into silver, then refresh the gold views and
// the star schema. Ingestion commits before any downstream stage runs, so a
// slow or failing downstream never blocks raw-file claiming.
type Pipeline struct {
	config     *Config
	client     *DuckDBClient
	checkpoint *CheckpointManager
	tracker    *tracker.Tracker
	ingestor   *ingest.Ingestor
	gate       *quality.Gate
	aggregator *aggregate.Aggregator
	builder    *dims.Builder
	dimensions []dims.Spec
	assembler  *facts.Assembler
	logger     *zap.Logger
	stopChan   chan struct{}

	// Stats
	mu                sync.RWMutex
	cyclesTotal       int64
	cycleErrors       int64
	lastIngestSeq     int64
	lastCycleTime     time.Time
	lastCycleDuration time.Duration
}

// PipelineStats holds orchestration statistics for the health endpoint.
type PipelineStats struct {
	CyclesTotal       int64
	CycleErrors       int64
	LastIngestSeq     int64
	LastCycleTime     time.Time
	LastCycleDuration time.Duration
}

// NewPipeline wires every stage against the shared database.
func NewPipeline(config *Config, fs afero.Fs, logger *zap.Logger) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	client, err := NewDuckDBClient(&config.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB client: %w", err)
	}

	ctx := context.Background()
	db := client.DB()

	checkpoint := NewCheckpointManager(db, config.Storage.MetaSchema)
	if err := checkpoint.InitCheckpointTable(ctx); err != nil {
		client.Close()
		return nil, err
	}

	tr := tracker.New(db, config.Storage.MetaSchema, logger)
	if err := tr.InitTables(ctx); err != nil {
		client.Close()
		return nil, err
	}

	ingestor := ingest.New(fs, db, tr,
		config.Storage.BronzeSchema, config.Source.LandingDir,
		config.Service.IngestWorkers, logger)
	if err := ingestor.InitTables(ctx); err != nil {
		client.Close()
		return nil, err
	}

	constraints, err := quality.DefaultConstraints(config.Quality.Policies)
	if err != nil {
		client.Close()
		return nil, err
	}
	gate := quality.New(db,
		config.Storage.BronzeSchema, config.Storage.SilverSchema, config.Storage.MetaSchema,
		constraints, logger)
	if err := gate.InitTables(ctx); err != nil {
		client.Close()
		return nil, err
	}

	aggregator := aggregate.New(db, config.Storage.SilverSchema, config.Storage.GoldSchema, logger)
	if err := aggregator.InitTables(ctx); err != nil {
		client.Close()
		return nil, err
	}

	dimensions, err := dims.SalesDimensions(config.Dimensions)
	if err != nil {
		client.Close()
		return nil, err
	}
	builder := dims.New(db, config.Storage.SilverSchema, config.Storage.MartsSchema, logger)
	for _, spec := range dimensions {
		if err := builder.InitTables(ctx, spec); err != nil {
			client.Close()
			return nil, err
		}
	}

	assembler := facts.New(db,
		config.Storage.SilverSchema, config.Storage.MartsSchema, config.Storage.MetaSchema,
		logger)
	if err := assembler.InitTables(ctx); err != nil {
		client.Close()
		return nil, err
	}

	silverSeq, err := checkpoint.SilverSeq(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	if silverSeq == 0 {
		logger.Info("no checkpoint found, starting from the beginning")
	} else {
		logger.Info("resuming", zap.Int64("silver_seq", silverSeq))
	}

	return &Pipeline{
		config:        config,
		client:        client,
		checkpoint:    checkpoint,
		tracker:       tr,
		ingestor:      ingestor,
		gate:          gate,
		aggregator:    aggregator,
		builder:       builder,
		dimensions:    dimensions,
		assembler:     assembler,
		logger:        logger,
		stopChan:      make(chan struct{}),
		lastIngestSeq: silverSeq,
	}, nil
}

// Start runs the pipeline. Triggered mode processes everything currently
// available once; continuous mode polls the landing directory on the
// configured interval until stopped, backing off after consecutive failures.
func (p *Pipeline) Start() error {
	p.logger.Info("starting sales lakehouse pipeline",
		zap.String("mode", p.config.Service.Mode),
		zap.Duration("poll_interval", p.config.PollInterval()),
		zap.String("landing_dir", p.config.Source.LandingDir))

	if p.config.Service.Mode == ModeTriggered {
		return p.runCycle(context.Background())
	}

	// Run an immediate pass on startup, then poll.
	if err := p.runCycle(context.Background()); err != nil {
		p.logger.Error("initial cycle failed", zap.Error(err))
	}

	consecutiveErrors := 0
	for {
		delay := p.config.PollInterval()
		if consecutiveErrors > 0 {
			backoff := delay * time.Duration(1<<min(consecutiveErrors, 4))
			p.logger.Warn("backing off after failures",
				zap.Int("consecutive_errors", consecutiveErrors),
				zap.Duration("delay", backoff))
			delay = backoff
		}

		select {
		case <-time.After(delay):
			if err := p.runCycle(context.Background()); err != nil {
				consecutiveErrors++
				p.logger.Error("cycle failed", zap.Error(err))
			} else {
				consecutiveErrors = 0
			}
		case <-p.stopChan:
			p.logger.Info("stopping pipeline")
			return nil
		}
	}
}

// Stop gracefully stops the pipeline.
func (p *Pipeline) Stop() {
	close(p.stopChan)
	if p.client != nil {
		p.client.Close()
	}
}

// runCycle executes one full pass over all stages.
func (p *Pipeline) runCycle(ctx context.Context) error {
	startTime := time.Now()

	reaped, err := p.tracker.ReapExpired(ctx, p.config.ClaimLease())
	if err != nil {
		p.recordError()
		return err
	}
	if reaped > 0 {
		claimsReaped.Add(float64(reaped))
	}

	ingRes, err := p.ingestor.Run(ctx)
	if err != nil {
		p.recordError()
		return fmt.Errorf("ingestion failed: %w", err)
	}
	filesIngested.Add(float64(ingRes.FilesIngested))
	filesQuarantined.Add(float64(ingRes.FilesQuarantined))
	rowsIngested.Add(float64(ingRes.RowsIngested))

	maxSeq, err := p.gate.MaxIngestSeq(ctx)
	if err != nil {
		p.recordError()
		return err
	}

	silverSeq, err := p.checkpoint.SilverSeq(ctx)
	if err != nil {
		p.recordError()
		return err
	}
	metrics, err := p.gate.Run(ctx, silverSeq, maxSeq, p.checkpoint.SaveSilverTx)
	if err != nil {
		p.recordError()
		var failed *quality.ErrBatchFailed
		if errors.As(err, &failed) {
			return fmt.Errorf("fatal quality failure: %w", err)
		}
		return fmt.Errorf("quality gate failed: %w", err)
	}
	if metrics != nil {
		rowsFiltered.Add(float64(metrics.Passed))
		for name, count := range metrics.Violations {
			constraintViolations.WithLabelValues(name).Add(float64(count))
		}
	}

	martsSeq, err := p.checkpoint.MartsSeq(ctx)
	if err != nil {
		p.recordError()
		return err
	}
	if maxSeq > martsSeq {
		if _, err := p.aggregator.Run(ctx, martsSeq, maxSeq); err != nil {
			p.recordError()
			return fmt.Errorf("aggregation failed: %w", err)
		}
		// Dimensions before facts: a fact can only resolve keys that exist.
		for _, spec := range p.dimensions {
			if _, err := p.builder.Run(ctx, spec, martsSeq, maxSeq); err != nil {
				p.recordError()
				return fmt.Errorf("dimension %s failed: %w", spec.Table, err)
			}
		}
		factStats, err := p.assembler.Run(ctx, martsSeq, maxSeq)
		if err != nil {
			p.recordError()
			return fmt.Errorf("fact assembly failed: %w", err)
		}
		factsAssembled.Add(float64(factStats.Facts))
		orphansRouted.Add(float64(factStats.Orphans))

		resolved, err := p.assembler.RetryOrphans(ctx)
		if err != nil {
			p.recordError()
			return fmt.Errorf("orphan retry failed: %w", err)
		}
		factsAssembled.Add(float64(resolved))

		if err := p.checkpoint.SaveMarts(ctx, maxSeq); err != nil {
			p.recordError()
			return err
		}
	}

	duration := time.Since(startTime)
	p.updateStats(maxSeq, duration)
	cyclesTotal.Inc()
	cycleDuration.Observe(duration.Seconds())
	lastIngestSeq.Set(float64(maxSeq))

	p.logger.Info("cycle complete",
		zap.Duration("duration", duration),
		zap.Int("files_ingested", ingRes.FilesIngested),
		zap.Int64("rows_ingested", ingRes.RowsIngested),
		zap.Int64("ingest_seq", maxSeq))
	return nil
}

// GetStats returns current pipeline statistics.
func (p *Pipeline) GetStats() PipelineStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PipelineStats{
		CyclesTotal:       p.cyclesTotal,
		CycleErrors:       p.cycleErrors,
		LastIngestSeq:     p.lastIngestSeq,
		LastCycleTime:     p.lastCycleTime,
		LastCycleDuration: p.lastCycleDuration,
	}
}

func (p *Pipeline) updateStats(ingestSeq int64, duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cyclesTotal++
	p.lastIngestSeq = ingestSeq
	p.lastCycleTime = time.Now()
	p.lastCycleDuration = duration
}

func (p *Pipeline) recordError() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cycleErrors++
	cycleErrors.Inc()
}
