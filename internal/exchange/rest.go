package exchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"trader/internal/book"
	"trader/internal/market"
	"trader/internal/risk"
	"trader/pkg/backoff"
)

const _futuresBaseRestUrl = "https://fapi.binance.com"

// RestClient fetches historical klines and instrument filters over the
// futures REST API. Requests retry with exponential backoff.
type RestClient struct {
	baseURL string
	http    *http.Client
	backoff backoff.Backoff
	retries int
}

// NewRestClient creates a client against the default endpoint.
func NewRestClient() *RestClient {
	return &RestClient{
		baseURL: _futuresBaseRestUrl,
		http:    &http.Client{Timeout: 10 * time.Second},
		backoff: backoff.Default(),
		retries: 5,
	}
}

// NewRestClientWithURL creates a client against a specific endpoint.
func NewRestClientWithURL(base string) *RestClient {
	c := NewRestClient()
	c.baseURL = base
	return c
}

// Klines fetches closed candles in [start, end), paging as needed. The
// response format is the kline array-of-arrays the futures API returns.
func (c *RestClient) Klines(ctx context.Context, symbol string, interval time.Duration, start, end time.Time) ([]market.Candle, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", IntervalToken(interval))
	q.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	q.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	q.Set("limit", "1000")

	body, err := c.get(ctx, "/fapi/v1/klines", q)
	if err != nil {
		return nil, err
	}

	var rows [][]any
	if err := sonic.Unmarshal(body, &rows); err != nil {
		return nil, errors.Wrap(err, "decode klines")
	}

	candles := make([]market.Candle, 0, len(rows))
	for _, row := range rows {
		candle, err := candleFromRow(row)
		if err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// DepthSnapshot fetches the current book snapshot used to seed the
// incremental depth stream.
func (c *RestClient) DepthSnapshot(ctx context.Context, symbol string, limit int) (DepthSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("limit", strconv.Itoa(limit))

	body, err := c.get(ctx, "/fapi/v1/depth", q)
	if err != nil {
		return DepthSnapshot{}, err
	}

	var payload struct {
		LastUpdateID int64       `json:"lastUpdateId"`
		Bids         [][2]string `json:"bids"`
		Asks         [][2]string `json:"asks"`
	}
	if err := sonic.Unmarshal(body, &payload); err != nil {
		return DepthSnapshot{}, errors.Wrap(err, "decode depth snapshot")
	}

	parse := func(raw [][2]string) ([]book.Level, error) {
		levels := make([]book.Level, 0, len(raw))
		for _, pair := range raw {
			price, err := strconv.ParseFloat(pair[0], 64)
			if err != nil {
				return nil, errors.Wrap(err, "parse price").With("raw", pair[0])
			}
			qty, err := strconv.ParseFloat(pair[1], 64)
			if err != nil {
				return nil, errors.Wrap(err, "parse quantity").With("raw", pair[1])
			}
			levels = append(levels, book.Level{Price: price, Quantity: qty})
		}
		return levels, nil
	}

	bids, err := parse(payload.Bids)
	if err != nil {
		return DepthSnapshot{}, err
	}
	asks, err := parse(payload.Asks)
	if err != nil {
		return DepthSnapshot{}, err
	}
	return DepthSnapshot{
		LastUpdateID: uint64(payload.LastUpdateID),
		Bids:         bids,
		Asks:         asks,
	}, nil
}

// Instrument fetches the lot and notional filters for a symbol.
func (c *RestClient) Instrument(ctx context.Context, symbol string) (risk.Instrument, error) {
	q := url.Values{}
	q.Set("symbol", symbol)

	body, err := c.get(ctx, "/fapi/v1/exchangeInfo", q)
	if err != nil {
		return risk.Instrument{}, err
	}

	var payload struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				MinNotional string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := sonic.Unmarshal(body, &payload); err != nil {
		return risk.Instrument{}, errors.Wrap(err, "decode exchange info")
	}

	for _, s := range payload.Symbols {
		if s.Symbol != symbol {
			continue
		}
		var ins risk.Instrument
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				ins.StepSize, _ = strconv.ParseFloat(f.StepSize, 64)
				ins.MinQuantity, _ = strconv.ParseFloat(f.MinQty, 64)
			case "MIN_NOTIONAL":
				ins.MinNotional, _ = strconv.ParseFloat(f.MinNotional, 64)
			}
		}
		return ins, nil
	}
	return risk.Instrument{}, errors.Wrap(ErrUnknownSymbol, symbol)
}

func (c *RestClient) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			if err := c.backoff.Sleep(ctx, attempt); err != nil {
				return nil, err
			}
		}

		body, retryable, err := c.getOnce(ctx, path, q)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, errors.Wrap(lastErr, "retries exhausted")
}

func (c *RestClient) getOnce(ctx context.Context, path string, q url.Values) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, false, errors.Wrap(err, "build request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, errors.Wrap(err, "read body")
	}

	if resp.StatusCode/100 != 2 {
		// 429/5xx are transient, everything else is a caller bug
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode/100 == 5
		return nil, retryable, errors.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	return body, false, nil
}

// candleFromRow decodes one kline row: numbers arrive as JSON strings
// for prices and as numbers for timestamps.
func candleFromRow(row []any) (market.Candle, error) {
	if len(row) < 6 {
		return market.Candle{}, errors.Errorf("kline row too short: %d", len(row))
	}

	openMs, ok := row[0].(float64)
	if !ok {
		return market.Candle{}, errors.Errorf("kline open time not numeric: %T", row[0])
	}

	fields := make([]float64, 5)
	for i := 0; i < 5; i++ {
		s, ok := row[i+1].(string)
		if !ok {
			return market.Candle{}, errors.Errorf("kline field %d not string: %T", i+1, row[i+1])
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return market.Candle{}, errors.Wrap(err, "parse kline field").With("raw", s)
		}
		fields[i] = v
	}

	return market.Candle{
		OpenTime: time.UnixMilli(int64(openMs)).UTC(),
		Open:     fields[0],
		High:     fields[1],
		Low:      fields[2],
		Close:    fields[3],
		Volume:   fields[4],
	}, nil
}

// IntervalToken renders a duration as the API interval token, e.g. 15m.
func IntervalToken(d time.Duration) string {
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	default:
		return fmt.Sprintf("%dm", d/time.Minute)
	}
}
