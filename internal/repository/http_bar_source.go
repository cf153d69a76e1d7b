package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"FinCast/internal/domain/models"
	domrepo "FinCast/internal/domain/repository"
	xhttp "FinCast/pkg/http"
	"FinCast/pkg/util"

	"github.com/sethvargo/go-retry"
)

// HTTPBarSource fetches daily bars from the collector service:
// GET {base}/bars?exchange=&symbol=&from=YYYY-MM-DD.
type HTTPBarSource struct {
	baseURL  string
	client   *xhttp.Client
	attempts int
}

func NewHTTPBarSource(baseURL string, timeout time.Duration, attempts int) *HTTPBarSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPBarSource{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   xhttp.NewClient(xhttp.WithTimeout(timeout)),
		attempts: max(attempts, 1),
	}
}

type barDTO struct {
	Date   string   `json:"date"`
	Open   *float64 `json:"open"`
	High   *float64 `json:"high"`
	Low    *float64 `json:"low"`
	Close  *float64 `json:"close"`
	Volume *float64 `json:"volume"`
}

type barsResp struct {
	Bars []barDTO `json:"bars"`
}

func (s *HTTPBarSource) GetDailyBars(ctx context.Context, inst models.Instrument, from time.Time) ([]models.RawBar, error) {
	if s.baseURL == "" {
		return nil, fmt.Errorf("bar collector url not configured")
	}
	opts := &xhttp.RequestOptions{
		Method: xhttp.MethodGet,
		URL:    s.baseURL + "/bars",
		QueryParams: map[string][]string{
			"exchange": {inst.Exchange},
			"symbol":   {inst.Symbol},
		},
	}
	if !from.IsZero() {
		opts.QueryParams["from"] = []string{from.Format(time.DateOnly)}
	}

	var resp barsResp
	backoff := retry.WithMaxRetries(uint64(s.attempts-1), retry.NewExponential(100*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.client.SendAndParse(ctx, opts, &resp)
		var se *xhttp.StatusError
		if err != nil && !(errors.As(err, &se) && !se.Retryable()) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get bars %s: %w", inst, err)
	}

	bars := make([]models.RawBar, 0, len(resp.Bars))
	for _, d := range resp.Bars {
		date, ok := util.ParseDate(d.Date)
		if !ok {
			return nil, fmt.Errorf("get bars %s: invalid date %q", inst, d.Date)
		}
		bars = append(bars, models.RawBar{
			Date: date, Open: orNaN(d.Open), High: orNaN(d.High),
			Low: orNaN(d.Low), Close: orNaN(d.Close), Volume: orNaN(d.Volume),
		})
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: %s", domrepo.ErrNoBars, inst)
	}
	models.SortBars(bars)
	return bars, nil
}

func orNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}
