package feed

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"ScreenPulse/internal/domain/models"
	httpclient "ScreenPulse/pkg/http"
)

// restClient fetches historical candles from the exchange REST API so a
// freshly started machine has full history before its first cycle.
type restClient struct {
	baseURL string
	limit   int
	http    *httpclient.Client
}

func newRESTClient(baseURL string, limit int) *restClient {
	return &restClient{
		baseURL: baseURL,
		limit:   limit,
		http:    httpclient.NewClient(httpclient.WithTimeout(15 * time.Second)),
	}
}

// klines fetches up to limit closed candles, oldest first. The exchange
// returns rows of mixed types: millisecond timestamps as numbers, prices
// and volumes as strings.
func (c *restClient) klines(ctx context.Context, symbol, interval string) ([]models.Candle, error) {
	url := fmt.Sprintf("%s/api/v3/klines?symbol=%s&interval=%s&limit=%d",
		c.baseURL, symbol, interval, c.limit)

	var rows [][]interface{}
	if err := c.http.SendAndParse(ctx, &httpclient.RequestOptions{
		Method: http.MethodGet,
		URL:    url,
	}, &rows); err != nil {
		return nil, fmt.Errorf("fetch klines %s %s: %w", symbol, interval, err)
	}

	candles := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		candle, err := parseKlineRow(row)
		if err != nil {
			return nil, fmt.Errorf("parse kline %s %s: %w", symbol, interval, err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func parseKlineRow(row []interface{}) (models.Candle, error) {
	if len(row) < 6 {
		return models.Candle{}, fmt.Errorf("short kline row: %d fields", len(row))
	}
	openTime, err := asFloat(row[0])
	if err != nil {
		return models.Candle{}, err
	}
	var vals [5]float64
	for i := 0; i < 5; i++ {
		if vals[i], err = asFloat(row[i+1]); err != nil {
			return models.Candle{}, err
		}
	}
	return models.Candle{
		OpenTime: time.UnixMilli(int64(openTime)),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
		Closed:   true,
	}, nil
}

func asFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("unexpected kline field type %T", v)
	}
}
