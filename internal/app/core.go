// Package app composes the ingest, evaluation, and dispatch stages into one
// runnable service.
package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"fleetmon/internal/clock"
	"fleetmon/internal/config"
	"fleetmon/internal/dispatch"
	"fleetmon/internal/domain"
	"fleetmon/internal/engine"
	"fleetmon/internal/normalize"
	"fleetmon/internal/occurrence"
	"fleetmon/internal/registry"
	"fleetmon/internal/state"
	"fleetmon/internal/window"
)

const defaultHistoryLimit = 100

// Core runs the evaluation pipeline: normalize samples, feed windows,
// evaluate rules, and fan recorded occurrences out to the dispatch queue.
type Core struct {
	cfg    config.Config
	logger *slog.Logger
	norm   *normalize.Normalizer
	agg    *window.Aggregator
	eval   *engine.Evaluator
	reg    registry.Source
	occs   occurrence.Store
	queue  dispatch.Queue
	clk    clock.Clock
}

// NewCore wires the pipeline stages together.
// Params: config, logger, registry, state store, occurrence store, dispatch queue, and clock.
// Returns: initialized pipeline core.
func NewCore(
	cfg config.Config,
	logger *slog.Logger,
	reg registry.Source,
	states state.Store,
	occs occurrence.Store,
	queue dispatch.Queue,
	clk clock.Clock,
) *Core {
	core := &Core{
		cfg:    cfg,
		logger: logger,
		norm:   normalize.New(logger),
		agg:    window.New(),
		reg:    reg,
		occs:   occs,
		queue:  queue,
		clk:    clk,
	}
	grace := secondsDuration(cfg.Service.StateGracePeriodSec)
	core.eval = engine.New(reg, core.agg, states, occs, core.onFiring, grace, clk, logger)
	return core
}

// Push processes one validated agent event through the pipeline.
// Params: ctx and event.
// Returns: evaluation error; events producing no samples are dropped silently.
func (c *Core) Push(ctx context.Context, event domain.AgentEvent) error {
	samples := c.norm.Extract(event)
	if len(samples) == 0 {
		return nil
	}
	for _, sample := range samples {
		c.agg.Observe(sample)
	}
	return c.eval.EvaluateAgent(ctx, event.AgentID, event.EventTime())
}

// Sweep runs one evaluator maintenance pass at the current time.
// Params: ctx.
// Returns: sweep error.
func (c *Core) Sweep(ctx context.Context) error {
	return c.eval.Sweep(ctx, c.clk.Now())
}

// onFiring fans one recorded occurrence out to the group's channels.
// Params: ctx and recorded occurrence.
// Returns: nothing; channel lookup failures are logged, not fatal.
func (c *Core) onFiring(ctx context.Context, occ domain.AlertOccurrence) {
	channels, err := c.reg.ChannelsForGroup(ctx, occ.GroupID)
	if err != nil {
		c.logger.Error("channel lookup failed for occurrence",
			"occurrence_id", occ.ID, "group_id", occ.GroupID, "error", err.Error())
		return
	}
	dispatch.FanOut(ctx, c.queue, c.logger, occ, channels)
}

// OccurrencesHandler serves the recorded-occurrence read endpoint.
// Params: none.
// Returns: GET handler with group_id/limit/offset query parameters.
func (c *Core) OccurrencesHandler() http.Handler {
	limitMax := c.cfg.Occurrences.HistoryLimitMax
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodGet {
			writer.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		groupID := request.URL.Query().Get("group_id")
		if groupID == "" {
			http.Error(writer, "group_id is required", http.StatusBadRequest)
			return
		}
		limit, err := queryInt(request, "limit", defaultHistoryLimit)
		if err != nil || limit <= 0 {
			http.Error(writer, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		if limit > limitMax {
			limit = limitMax
		}
		offset, err := queryInt(request, "offset", 0)
		if err != nil || offset < 0 {
			http.Error(writer, "offset must be a non-negative integer", http.StatusBadRequest)
			return
		}

		occurrences, err := c.occs.List(request.Context(), groupID, limit, offset)
		if err != nil {
			c.logger.Error("occurrence list failed", "group_id", groupID, "error", err.Error())
			writer.WriteHeader(http.StatusInternalServerError)
			return
		}
		if occurrences == nil {
			occurrences = []domain.AlertOccurrence{}
		}
		writer.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(writer).Encode(occurrences); err != nil {
			c.logger.Warn("occurrence list encode failed", "group_id", groupID, "error", err.Error())
		}
	})
}

// queryInt parses one optional integer query parameter.
// Params: request, parameter name, and default for absent values.
// Returns: parsed value or parse error.
func queryInt(request *http.Request, name string, fallback int) (int, error) {
	raw := request.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
