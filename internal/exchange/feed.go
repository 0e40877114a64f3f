package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/yanun0323/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"github.com/yanun0323/pkg/ws"

	"trader/internal/book"
	"trader/internal/market"
	"trader/internal/obs"
)

const _futuresBaseWsUrl = "wss://fstream.binance.com/ws"

// Feed streams kline and depth events from the futures websocket.
type Feed struct {
	wss *ws.WebSocket
	ids *obs.TraceGenerator
}

// NewFeed creates a feed against the default endpoint.
func NewFeed(ctx context.Context) *Feed {
	return NewFeedWithURL(ctx, _futuresBaseWsUrl)
}

// NewFeedWithURL creates a feed against a specific endpoint.
func NewFeedWithURL(ctx context.Context, url string) *Feed {
	return &Feed{
		wss: ws.New(ctx, url),
		ids: obs.NewTraceGenerator(1),
	}
}

func (f *Feed) Len() int {
	return f.wss.Len()
}

func (f *Feed) Close() {
	f.wss.Close()
}

// Start opens the websocket connection.
func (f *Feed) Start(ctx context.Context) error {
	if err := f.wss.Start(ctx); err != nil {
		return errors.Wrap(err, "start wss")
	}

	return nil
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type subscribeResponse struct {
	ID     int64 `json:"id"`
	Result any   `json:"result"`
}

func subscribeResponseParser(m ws.Message) (subscribeResponse, bool) {
	var resp subscribeResponse
	err := m.Unmarshal(&resp)
	return resp, err == nil
}

func (f *Feed) subscribe(ctx context.Context, id int64, streams ...string) error {
	appendIntoRegister := true
	if err := f.wss.SendAndWait(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, ws *ws.WebSocket) error {
			payload := subscribeRequest{
				Method: "SUBSCRIBE",
				Params: streams,
				ID:     id,
			}

			if err := ws.WriteJSON(payload); err != nil {
				return errors.Wrap(err, "write subscribe payload").With("payload", payload)
			}

			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			resp, ok := subscribeResponseParser(m)
			if !ok || resp.ID != id {
				return false, nil
			}

			if resp.Result != nil {
				return false, errors.Errorf("subscribe %v, err: %+v", streams, resp.Result)
			}
			return true, nil
		},
	}, appendIntoRegister); err != nil {
		return errors.Wrap(err, "send and wait")
	}

	return nil
}

// SubscribeKline subscribes the 'Kline/Candlestick Stream'.
func (f *Feed) SubscribeKline(ctx context.Context, symbol, interval string) error {
	return f.subscribe(ctx, int64(f.ids.Next()), fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval))
}

// SubscribeDepth subscribes the 'Diff. Book Depth Stream'.
func (f *Feed) SubscribeDepth(ctx context.Context, symbol string) error {
	return f.subscribe(ctx, int64(f.ids.Next()), fmt.Sprintf("%s@depth@100ms", strings.ToLower(symbol)))
}

type klineEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime  int64           `json:"t"`
		Open      decimal.Decimal `json:"o"`
		High      decimal.Decimal `json:"h"`
		Low       decimal.Decimal `json:"l"`
		Close     decimal.Decimal `json:"c"`
		Volume    decimal.Decimal `json:"v"`
		Closed    bool            `json:"x"`
	} `json:"k"`
}

type depthEvent struct {
	EventType     string      `json:"e"`
	EventTime     int64       `json:"E"`
	Symbol        string      `json:"s"`
	FirstUpdateID int64       `json:"U"`
	FinalUpdateID int64       `json:"u"`
	PrevFinalID   int64       `json:"pu"`
	Bids          [][2]string `json:"b"` // [0]price [1]quantity
	Asks          [][2]string `json:"a"` // [0]price [1]quantity
}

// KlineUpdate is one streamed candle with its closed flag.
type KlineUpdate struct {
	Symbol string
	Candle market.Candle
	Closed bool
}

// ObserveKline dispatches streamed candles until ctx or shutdown.
func (f *Feed) ObserveKline(ctx context.Context, handler func(k KlineUpdate)) (unsubscribe func()) {
	ch, cancel := f.wss.Subscribe()

	go func() {
		defer cancel()
		for {
			select {
			case <-sys.Shutdown():
				return
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}

				ev, ok := ws.ReadMessage[klineEvent](m)
				if !ok || ev.EventType != "kline" {
					continue
				}

				c, err := candleFromEvent(ev)
				if err != nil {
					logs.Warnf("drop kline payload: %+v", err)
					continue
				}

				handler(KlineUpdate{Symbol: ev.Symbol, Candle: c, Closed: ev.Kline.Closed})
			}
		}
	}()

	return cancel
}

// ObserveDepth dispatches streamed book diffs until ctx or shutdown.
func (f *Feed) ObserveDepth(ctx context.Context, handler func(u DepthUpdate)) (unsubscribe func()) {
	ch, cancel := f.wss.Subscribe()

	go func() {
		defer cancel()
		for {
			select {
			case <-sys.Shutdown():
				return
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}

				ev, ok := ws.ReadMessage[depthEvent](m)
				if !ok || ev.EventType != "depthUpdate" {
					continue
				}

				u, err := updateFromEvent(ev)
				if err != nil {
					logs.Warnf("drop depth payload: %+v", err)
					continue
				}

				handler(u)
			}
		}
	}()

	return cancel
}

func candleFromEvent(ev klineEvent) (market.Candle, error) {
	open, err := strconv.ParseFloat(ev.Kline.Open.String(), 64)
	if err != nil {
		return market.Candle{}, errors.Wrap(err, "parse open")
	}
	high, err := strconv.ParseFloat(ev.Kline.High.String(), 64)
	if err != nil {
		return market.Candle{}, errors.Wrap(err, "parse high")
	}
	low, err := strconv.ParseFloat(ev.Kline.Low.String(), 64)
	if err != nil {
		return market.Candle{}, errors.Wrap(err, "parse low")
	}
	closeP, err := strconv.ParseFloat(ev.Kline.Close.String(), 64)
	if err != nil {
		return market.Candle{}, errors.Wrap(err, "parse close")
	}
	volume, err := strconv.ParseFloat(ev.Kline.Volume.String(), 64)
	if err != nil {
		return market.Candle{}, errors.Wrap(err, "parse volume")
	}

	return market.Candle{
		OpenTime: time.UnixMilli(ev.Kline.OpenTime).UTC(),
		Open:     open,
		High:     high,
		Low:      low,
		Close:    closeP,
		Volume:   volume,
	}, nil
}

func updateFromEvent(ev depthEvent) (DepthUpdate, error) {
	parseLevels := func(raw [][2]string) ([]book.Level, error) {
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

	bids, err := parseLevels(ev.Bids)
	if err != nil {
		return DepthUpdate{}, err
	}
	asks, err := parseLevels(ev.Asks)
	if err != nil {
		return DepthUpdate{}, err
	}

	return DepthUpdate{
		Symbol:      ev.Symbol,
		FirstID:     uint64(ev.FirstUpdateID),
		FinalID:     uint64(ev.FinalUpdateID),
		PrevFinalID: uint64(ev.PrevFinalID),
		Bids:        bids,
		Asks:        asks,
	}, nil
}
