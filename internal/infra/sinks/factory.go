package sinks

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/logmerge/errs"
	"github.com/coachpo/logmerge/internal/domain/logsink"
	"github.com/coachpo/logmerge/internal/infra/bus/entrybus"
	"github.com/coachpo/logmerge/internal/infra/config"
	"github.com/coachpo/logmerge/internal/infra/filter"
	"github.com/coachpo/logmerge/internal/observability"
)

// Deps carries collaborators some sink kinds need.
type Deps struct {
	DB     Copier
	Bus    entrybus.Bus
	Stdout io.Writer
	RunID  uuid.UUID
	Meter  metric.Meter
	Logger observability.Logger
}

// Build assembles the sink chain described by cfg, from the outside in:
// filter, throttle, instrumentation, then the terminal sink teed with the entry bus when one is
// supplied. Close releases whatever the chain holds and is safe to call whether or not the merge
// completed.
func Build(ctx context.Context, cfg config.SinkConfig, deps Deps) (logsink.Sink, func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, errs.New("sinks", errs.CodeCanceled,
			errs.WithMessage(fmt.Sprintf("build %s sink", cfg.Kind)), errs.WithCause(err))
	}

	terminal, err := buildTerminal(cfg, deps)
	if err != nil {
		return nil, nil, err
	}

	var chain logsink.Sink = terminal
	if deps.Bus != nil {
		chain = NewMulti(terminal, NewBus(deps.Bus, deps.Logger))
	}
	chain = NewInstrumented(chain, string(cfg.Kind), deps.Meter)
	if cfg.Throttle.Enabled() {
		chain = NewThrottled(chain, cfg.Throttle.Rate, cfg.Throttle.Burst)
	}
	if cfg.Filter != "" {
		predicate, err := filter.Compile("sink.filter", cfg.Filter)
		if err != nil {
			_ = closeSink(terminal)
			return nil, nil, errs.New("sinks", errs.CodeInvalid, errs.WithMessage("invalid filter"), errs.WithCause(err))
		}
		chain = NewFiltered(chain, predicate)
	}

	closeChain := chain
	return chain, func() error { return closeSink(closeChain) }, nil
}

func buildTerminal(cfg config.SinkConfig, deps Deps) (logsink.Sink, error) {
	switch cfg.Kind {
	case config.SinkConsole, "":
		out := deps.Stdout
		if out == nil {
			out = os.Stdout
		}
		return NewConsole(out, WithOrderCheck(cfg.CheckOrder)), nil
	case config.SinkJSONLines:
		if cfg.Path == "-" {
			out := deps.Stdout
			if out == nil {
				out = os.Stdout
			}
			return NewJSONLines(out), nil
		}
		sink, err := CreateJSONLines(cfg.Path)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case config.SinkPostgres:
		if deps.DB == nil {
			return nil, errs.New("sinks", errs.CodeInvalid, errs.WithMessage("postgres sink needs a database connection"))
		}
		runID := deps.RunID
		if runID == uuid.Nil {
			runID = uuid.New()
		}
		return NewPostgres(deps.DB, runID, cfg.BatchSize), nil
	case config.SinkDiscard:
		return logsink.Funcs{}, nil
	default:
		return nil, errs.New("sinks", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown sink kind %q", cfg.Kind)))
	}
}
