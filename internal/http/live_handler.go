package http

import (
	"time"

	"github.com/karloscodes/cartridge"

	"trafficdash/internal/charts"
)

// LiveResponse carries the live map and the time of its last successful
// update, null until the first poll succeeds
type LiveResponse struct {
	Figure    charts.Figure `json:"figure"`
	UpdatedAt *time.Time    `json:"updated_at"`
}

func (d *Dashboard) liveResponse(ctx *cartridge.Context) error {
	s, updatedAt := d.Board.Current()
	fig, err := charts.Live(s)
	if err != nil {
		return renderError(ctx, err)
	}

	resp := LiveResponse{Figure: fig}
	if !updatedAt.IsZero() {
		resp.UpdatedAt = &updatedAt
	}
	return ctx.JSON(resp)
}

// LiveAction renders the latest live visitor map
func (d *Dashboard) LiveAction(ctx *cartridge.Context) error {
	return d.liveResponse(ctx)
}

// LiveRefreshAction fetches a new live snapshot and renders it
func (d *Dashboard) LiveRefreshAction(ctx *cartridge.Context) error {
	if err := d.Board.Refresh(ctx.UserContext()); err != nil {
		return renderError(ctx, err)
	}
	return d.liveResponse(ctx)
}
