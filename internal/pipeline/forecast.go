package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	pipelineerrors "errorpipe/internal/errors"
	"errorpipe/internal/forecast"
	"errorpipe/internal/models"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

const (
	maxForecastDays     = 30
	forecastConcurrency = 4
)

// ForecastReport is the answer to GetErrorForecast.
type ForecastReport struct {
	Days         int                         `json:"days"`
	HorizonHours int                         `json:"horizonHours"`
	Overall      *forecast.Result            `json:"overall,omitempty"`
	Services     map[string]*forecast.Result `json:"services"`
	// Insufficient lists the series left out for lack of history; the
	// empty string stands for the whole corpus.
	Insufficient []string  `json:"insufficient,omitempty"`
	GeneratedAt  time.Time `json:"generatedAt"`
}

// GetErrorForecast predicts the next days×24 hours for the whole corpus and
// for every service seen in the history window. Series without enough
// history are omitted. Non-positive days use the configured horizon; more
// than 30 days are capped.
func (p *Pipeline) GetErrorForecast(ctx context.Context, days int) (*ForecastReport, error) {
	defer p.timeQuery("forecast", time.Now())

	cfg := p.Config().Forecast
	horizon := cfg.HorizonHours
	if days > 0 {
		horizon = min(days, maxForecastDays) * 24
	}

	now := p.now()
	reports, err := p.store.Query(ctx, models.ReportFilter{
		Range: &models.TimeRange{Start: now.Add(-cfg.HistoryWindow), End: now},
	})
	if err != nil {
		return nil, err
	}
	services := lo.Uniq(lo.Map(reports, func(r *models.ErrorReport, _ int) string {
		return r.Source.Service
	}))
	sort.Strings(services)

	out := &ForecastReport{
		Days:         horizon / 24,
		HorizonHours: horizon,
		Services:     make(map[string]*forecast.Result, len(services)),
		GeneratedAt:  now,
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(forecastConcurrency)
	for _, service := range append([]string{""}, services...) {
		g.Go(func() error {
			res, err := p.forecast.Forecast(gctx, forecast.Request{Service: service, HorizonHours: horizon})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, pipelineerrors.ErrForecastInsufficientData):
				p.metrics.ObserveForecast("insufficient_data")
				out.Insufficient = append(out.Insufficient, service)
				return nil
			case err != nil:
				p.metrics.ObserveForecast("error")
				return err
			}
			p.metrics.ObserveForecast("generated")
			if service == "" {
				out.Overall = res
			} else {
				out.Services[service] = res
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(out.Insufficient)
	return out, nil
}
