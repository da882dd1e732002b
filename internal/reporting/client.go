package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2/google"
	analytics "google.golang.org/api/analytics/v3"
	"google.golang.org/api/analyticsreporting/v4"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"trafficdash/internal/catalog"
	"trafficdash/internal/observability"
)

// ReadOnlyScope is the OAuth scope requested for the service account
const ReadOnlyScope = analyticsreporting.AnalyticsReadonlyScope

const (
	apiReport   = "report"
	apiRealtime = "realtime"
)

// Options configures a Client. Empty endpoints select the public Google
// endpoints.
type Options struct {
	ViewID            string
	ReportingEndpoint string
	RealtimeEndpoint  string
	HTTPClient        *http.Client
	Logger            *slog.Logger
	Metrics           *observability.Metrics
}

// Client talks to the Reporting API v4 and the real-time API v3
type Client struct {
	viewID    string
	reporting *analyticsreporting.Service
	realtime  *analytics.Service
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewClient creates a client. HTTPClient must carry the authorization and
// the request timeout.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	reportingOpts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if opts.ReportingEndpoint != "" {
		reportingOpts = append(reportingOpts, option.WithEndpoint(opts.ReportingEndpoint))
	}
	reportingService, err := analyticsreporting.NewService(ctx, reportingOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create reporting service: %w", err)
	}

	realtimeOpts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if opts.RealtimeEndpoint != "" {
		realtimeOpts = append(realtimeOpts, option.WithEndpoint(opts.RealtimeEndpoint))
	}
	realtimeService, err := analytics.NewService(ctx, realtimeOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create realtime service: %w", err)
	}

	return &Client{
		viewID:    opts.ViewID,
		reporting: reportingService,
		realtime:  realtimeService,
		logger:    logger,
		metrics:   opts.Metrics,
	}, nil
}

// ServiceAccountHTTPClient loads a service-account key file and returns an
// HTTP client that signs its own JWT assertions to obtain access tokens.
// A non-empty tokenURL overrides the one of the key file.
func ServiceAccountHTTPClient(ctx context.Context, keyFile, tokenURL string, timeout time.Duration) (*http.Client, error) {
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	conf, err := google.JWTConfigFromJSON(data, ReadOnlyScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse key file %s: %w", keyFile, err)
	}
	if tokenURL != "" {
		conf.TokenURL = tokenURL
	}

	client := conf.Client(ctx)
	client.Timeout = timeout
	return client, nil
}

// FetchReport runs one report over q's date range
func (c *Client) FetchReport(ctx context.Context, q catalog.Query) (*RawReport, error) {
	start := time.Now()
	report, err := c.fetchReport(ctx, q)
	c.metrics.RemoteCall(apiReport, outcomeOf(err), time.Since(start))
	if err != nil {
		c.logger.Warn("Analytics report request failed",
			slog.String("start_date", q.StartDate),
			slog.String("end_date", q.EndDate),
			slog.Any("error", err))
		return nil, err
	}
	return report, nil
}

func (c *Client) fetchReport(ctx context.Context, q catalog.Query) (*RawReport, error) {
	req := &analyticsreporting.ReportRequest{
		ViewId:     c.viewID,
		DateRanges: []*analyticsreporting.DateRange{{StartDate: q.StartDate, EndDate: q.EndDate}},
	}
	for _, d := range q.Dimensions {
		req.Dimensions = append(req.Dimensions, &analyticsreporting.Dimension{Name: d})
	}
	for _, m := range q.Metrics {
		req.Metrics = append(req.Metrics, &analyticsreporting.Metric{Expression: m})
	}

	resp, err := c.reporting.Reports.BatchGet(&analyticsreporting.GetReportsRequest{
		ReportRequests: []*analyticsreporting.ReportRequest{req},
	}).Context(ctx).Do()
	if err != nil {
		return nil, remoteError(err)
	}

	if len(resp.Reports) != 1 {
		return nil, fmt.Errorf("%w: expected 1 report, got %d", ErrRemoteMalformed, len(resp.Reports))
	}
	rep := resp.Reports[0]
	if rep.ColumnHeader == nil || rep.ColumnHeader.MetricHeader == nil {
		return nil, fmt.Errorf("%w: missing column header", ErrRemoteMalformed)
	}

	raw := &RawReport{DimensionNames: rep.ColumnHeader.Dimensions}
	for _, e := range rep.ColumnHeader.MetricHeader.MetricHeaderEntries {
		raw.MetricHeaders = append(raw.MetricHeaders, MetricHeaderEntry{Name: e.Name, Type: e.Type})
	}
	if rep.Data == nil {
		return raw, nil
	}

	for i, row := range rep.Data.Rows {
		if len(row.Dimensions) != len(raw.DimensionNames) {
			return nil, fmt.Errorf("%w: row %d has %d dimensions, header declares %d",
				ErrRemoteMalformed, i, len(row.Dimensions), len(raw.DimensionNames))
		}
		if len(row.Metrics) == 0 {
			return nil, fmt.Errorf("%w: row %d has no metric values", ErrRemoteMalformed, i)
		}
		out := Row{Dimensions: row.Dimensions}
		for _, dr := range row.Metrics {
			if len(dr.Values) != len(raw.MetricHeaders) {
				return nil, fmt.Errorf("%w: row %d has %d metrics, header declares %d",
					ErrRemoteMalformed, i, len(dr.Values), len(raw.MetricHeaders))
			}
			out.Metrics = append(out.Metrics, dr.Values)
		}
		raw.Rows = append(raw.Rows, out)
	}

	return raw, nil
}

// FetchRealtime queries the real-time API and converts its tabular answer
// into a RawReport.
func (c *Client) FetchRealtime(ctx context.Context, q catalog.Query) (*RawReport, error) {
	start := time.Now()
	report, err := c.fetchRealtime(ctx, q)
	c.metrics.RemoteCall(apiRealtime, outcomeOf(err), time.Since(start))
	if err != nil {
		c.logger.Warn("Analytics realtime request failed", slog.Any("error", err))
		return nil, err
	}
	return report, nil
}

func (c *Client) fetchRealtime(ctx context.Context, q catalog.Query) (*RawReport, error) {
	call := c.realtime.Data.Realtime.Get("ga:"+c.viewID, strings.Join(q.Metrics, ","))
	if len(q.Dimensions) > 0 {
		call = call.Dimensions(strings.Join(q.Dimensions, ","))
	}

	resp, err := call.Context(ctx).Do()
	if err != nil {
		return nil, remoteError(err)
	}
	if len(resp.ColumnHeaders) == 0 {
		return nil, fmt.Errorf("%w: missing column headers", ErrRemoteMalformed)
	}

	raw := &RawReport{}
	kinds := make([]string, len(resp.ColumnHeaders))
	for i, h := range resp.ColumnHeaders {
		switch h.ColumnType {
		case "DIMENSION":
			raw.DimensionNames = append(raw.DimensionNames, h.Name)
		case "METRIC":
			raw.MetricHeaders = append(raw.MetricHeaders, MetricHeaderEntry{Name: h.Name, Type: h.DataType})
		default:
			return nil, fmt.Errorf("%w: unknown column type %q", ErrRemoteMalformed, h.ColumnType)
		}
		kinds[i] = h.ColumnType
	}

	for i, cells := range resp.Rows {
		if len(cells) != len(kinds) {
			return nil, fmt.Errorf("%w: row %d has %d cells, header declares %d",
				ErrRemoteMalformed, i, len(cells), len(kinds))
		}
		row := Row{Dimensions: []string{}, Metrics: [][]string{{}}}
		for j, cell := range cells {
			if kinds[j] == "DIMENSION" {
				row.Dimensions = append(row.Dimensions, cell)
			} else {
				row.Metrics[0] = append(row.Metrics[0], cell)
			}
		}
		raw.Rows = append(raw.Rows, row)
	}

	return raw, nil
}

// remoteError maps a failed API call onto the package sentinels. Bodies
// that do not decode are malformed; everything else, API errors included,
// means the service is unavailable.
func remoteError(err error) error {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
		apiErr    *googleapi.Error
	)
	switch {
	case errors.As(err, &apiErr):
		return fmt.Errorf("%w: status %d: %s", ErrRemoteUnavailable, apiErr.Code, strings.TrimSpace(apiErr.Message))
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return fmt.Errorf("%w: %v", ErrRemoteMalformed, err)
	default:
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return observability.OutcomeOK
	case errors.Is(err, ErrRemoteMalformed):
		return "malformed"
	default:
		return "unavailable"
	}
}
