package sources

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coachpo/logmerge/errs"
	"github.com/coachpo/logmerge/internal/domain/logsource"
	"github.com/coachpo/logmerge/internal/domain/schema"
	"github.com/coachpo/logmerge/internal/infra/config"
	"github.com/coachpo/logmerge/internal/observability"
)

// Deps carries shared collaborators needed by some source kinds.
type Deps struct {
	DB     Querier
	Now    func() time.Time
	Logger observability.Logger
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Deps) logger() observability.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return observability.Log()
}

// Build constructs the source described by cfg. Nothing is opened once ctx has ended.
func Build(ctx context.Context, cfg config.SourceConfig, deps Deps) (logsource.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.New("sources", errs.CodeCanceled,
			errs.WithMessage(fmt.Sprintf("open source %q", cfg.Name)), errs.WithCause(err))
	}

	opts := []Option{WithLatency(cfg.Latency), WithRate(cfg.Rate, cfg.Burst)}
	switch cfg.Kind {
	case config.SourceMemory:
		entries := make([]schema.LogEntry, len(cfg.Entries))
		for i, e := range cfg.Entries {
			entries[i] = schema.NewLogEntry(e.At, e.Message, e.Fields)
		}
		return NewMemory(cfg.Name, entries, opts...), nil
	case config.SourceSynthetic:
		return NewSynthetic(cfg.Name, cfg.Count, cfg.Seed, deps.now(), opts...), nil
	case config.SourceJSONLines:
		src, err := OpenJSONLines(cfg.Name, cfg.Path, opts...)
		if err != nil {
			return nil, err
		}
		return src, nil
	case config.SourceCSV:
		src, err := OpenCSV(cfg.Name, cfg.Path, opts...)
		if err != nil {
			return nil, err
		}
		return src, nil
	case config.SourcePostgres:
		if deps.DB == nil {
			return nil, errs.New("sources", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("source %q needs a database connection", cfg.Name)))
		}
		return NewPostgres(cfg.Name, cfg.Stream, deps.DB, cfg.PageSize, opts...), nil
	default:
		return nil, errs.New("sources", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown source kind %q", cfg.Kind)))
	}
}

// OpenAll builds every configured source concurrently, preserving configuration order. If any
// source fails to open, the ones already opened are closed.
func OpenAll(ctx context.Context, cfgs []config.SourceConfig, deps Deps) ([]logsource.Source, error) {
	opened := make([]logsource.Source, len(cfgs))
	g, gctx := errgroup.WithContext(ctx)
	for i, cfg := range cfgs {
		g.Go(func() error {
			src, err := Build(gctx, cfg, deps)
			if err != nil {
				return fmt.Errorf("open source %q: %w", cfg.Name, err)
			}
			opened[i] = src
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if closeErr := CloseAll(opened); closeErr != nil {
			deps.logger().Error("close sources after failed open", observability.F("error", closeErr))
		}
		return nil, err
	}
	deps.logger().Info("sources opened", observability.F("count", len(opened)))
	return opened, nil
}

// CloseAll closes every source that holds resources.
func CloseAll(sources []logsource.Source) error {
	var closeErrs []error
	for _, src := range sources {
		closer, ok := src.(logsource.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			closeErrs = append(closeErrs, fmt.Errorf("close %s: %w", logsource.NameOf(src), err))
		}
	}
	return errors.Join(closeErrs...)
}
