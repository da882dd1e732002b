package http

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"trafficdash/internal/catalog"
	"trafficdash/internal/charts"
	"trafficdash/internal/derive"
	"trafficdash/internal/live"
	"trafficdash/internal/pkg/async"
	"trafficdash/internal/reporting"
	"trafficdash/internal/series"
	"trafficdash/internal/snapshots"
	"trafficdash/internal/timeframe"
)

// SeriesBuilder is the part of the series pipeline the dashboard reads from
type SeriesBuilder interface {
	Catalog() *catalog.Catalog
	Window(ctx context.Context, familyID string) (series.Series, error)
	Snapshot(ctx context.Context, familyID string) (series.Series, error)
}

// Dashboard serves the chart and series endpoints
type Dashboard struct {
	Builder         SeriesBuilder
	Board           *live.Board
	Store           snapshots.Store
	Factors         derive.Factors
	OverviewWorkers int
}

// SeriesResponse is the JSON body of the series endpoint
type SeriesResponse struct {
	Family string              `json:"family"`
	Dates  []timeframe.DateKey `json:"dates"`
	Series []series.Point      `json:"series"`
}

// statusFor maps pipeline errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, catalog.ErrUnknownFamily):
		return fiber.StatusNotFound
	case errors.Is(err, series.ErrNotDaily), errors.Is(err, series.ErrWrongScope):
		return fiber.StatusBadRequest
	case errors.Is(err, reporting.ErrRemoteUnavailable), errors.Is(err, reporting.ErrRemoteMalformed):
		return fiber.StatusBadGateway
	case errors.Is(err, snapshots.ErrStoreUnavailable):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func renderError(ctx *cartridge.Context, err error) error {
	status := statusFor(err)
	if status >= fiber.StatusInternalServerError {
		ctx.Logger.Error("Dashboard request failed",
			slog.String("path", ctx.Path()),
			slog.Int("status", status),
			slog.Any("error", err))
	}
	return ctx.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func badRequest(ctx *cartridge.Context, msg string) error {
	return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

// Build returns the derived series of a family: the trailing window for
// daily families, the cumulative snapshot for range families.
func (d *Dashboard) Build(c context.Context, familyID string) (series.Series, error) {
	family, err := d.Builder.Catalog().Get(familyID)
	if err != nil {
		return series.Series{}, err
	}

	var s series.Series
	if family.Scope == catalog.ScopeRange {
		s, err = d.Builder.Snapshot(c, family.ID)
	} else {
		s, err = d.Builder.Window(c, family.ID)
	}
	if err != nil {
		return series.Series{}, err
	}
	return derive.Apply(family, s, d.Factors)
}

// SeriesAction returns the derived series of one family
func (d *Dashboard) SeriesAction(ctx *cartridge.Context) error {
	s, err := d.Build(ctx.UserContext(), ctx.Params("family"))
	if err != nil {
		return renderError(ctx, err)
	}

	return ctx.JSON(SeriesResponse{
		Family: s.Family,
		Dates:  s.Dates(),
		Series: s.Points,
	})
}

// OverviewAction renders the six overview panels
func (d *Dashboard) OverviewAction(ctx *cartridge.Context) error {
	families := []string{
		catalog.Bandwidth, catalog.OS, catalog.Browser, catalog.Device,
		catalog.Sessions, catalog.Pageviews, catalog.Users, catalog.Overall,
	}

	tasks := make([]async.Task, len(families))
	for i, id := range families {
		id := id
		tasks[i] = async.Task{
			Name: id,
			Execute: func(c context.Context) (interface{}, error) {
				return d.Build(c, id)
			},
		}
	}

	pool := async.NewPool(d.OverviewWorkers)
	results := pool.Execute(ctx.UserContext(), tasks)

	// report the first failure in panel order
	for _, id := range families {
		if err := results[id].Err; err != nil {
			return renderError(ctx, err)
		}
	}

	get := func(id string) series.Series { return results[id].Data.(series.Series) }
	overview, err := charts.BuildOverview(charts.OverviewInput{
		Bandwidth: get(catalog.Bandwidth),
		OS:        get(catalog.OS),
		Browser:   get(catalog.Browser),
		Device:    get(catalog.Device),
		Sessions:  get(catalog.Sessions),
		Pageviews: get(catalog.Pageviews),
		Users:     get(catalog.Users),
		Overall:   get(catalog.Overall),
	})
	if err != nil {
		return renderError(ctx, err)
	}
	return ctx.JSON(overview)
}

// GeoAction renders the location map for ?mode=general|source|medium
func (d *Dashboard) GeoAction(ctx *cartridge.Context) error {
	mode := ctx.Query("mode", charts.GeoGeneral)
	familyID, ok := charts.GeoFamily(mode)
	if !ok {
		return badRequest(ctx, "unknown geo mode: "+mode)
	}

	s, err := d.Build(ctx.UserContext(), familyID)
	if err != nil {
		return renderError(ctx, err)
	}

	fig, err := charts.Geo(s, mode)
	if err != nil {
		return renderError(ctx, err)
	}
	return ctx.JSON(fig)
}
