package http

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"trafficdash/internal/series"
	"trafficdash/internal/snapshots"
	"trafficdash/internal/timeframe"
)

// annotationFormData holds the parsed annotation body
type annotationFormData struct {
	Description string `json:"description"`
}

// parseAnnotationForm extracts the description from form values or a JSON body
func parseAnnotationForm(ctx *cartridge.Context) annotationFormData {
	data := annotationFormData{
		Description: ctx.FormValue("description"),
	}

	if data.Description == "" {
		var jsonBody annotationFormData
		if err := ctx.BodyParser(&jsonBody); err == nil {
			data.Description = jsonBody.Description
		}
	}
	return data
}

// AnnotationUpdateAction sets the description of every stored row of a date
func (d *Dashboard) AnnotationUpdateAction(ctx *cartridge.Context) error {
	family, err := d.Builder.Catalog().Get(ctx.Params("family"))
	if err != nil {
		return renderError(ctx, err)
	}
	if !family.IsDaily() {
		return renderError(ctx, series.ErrNotDaily)
	}

	date, err := timeframe.ParseDateKey(ctx.Params("date"))
	if err != nil {
		return badRequest(ctx, err.Error())
	}

	data := parseAnnotationForm(ctx)

	var updated int64
	err = d.Store.WithConn(ctx.UserContext(), func(sess snapshots.Session) error {
		n, err := sess.Annotate(ctx.UserContext(), family, date, data.Description)
		updated = n
		return err
	})
	if err != nil {
		return renderError(ctx, err)
	}

	if updated == 0 {
		return ctx.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no snapshot stored for " + date.String()})
	}

	ctx.Logger.Info("Snapshot annotated",
		slog.String("family", family.ID),
		slog.String("date", date.String()),
		slog.Int64("rows", updated))

	return ctx.JSON(fiber.Map{"family": family.ID, "date": date, "updated": updated})
}
