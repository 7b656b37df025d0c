package analysis

import (
	"context"
	"fmt"
	"net/http"

	"ScreenPulse/internal/domain/models"
	"ScreenPulse/pkg/config"
	httpclient "ScreenPulse/pkg/http"
)

// Client talks to the external analysis service over HTTP.
type Client struct {
	url    string
	apiKey string
	http   *httpclient.Client
}

func NewClient(cfg config.AnalyzerConfig) *Client {
	return &Client{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		http:   httpclient.NewClient(httpclient.WithTimeout(cfg.Timeout)),
	}
}

type analyzeRequest struct {
	SignalID string `json:"signal_id"`
	TraderID string `json:"trader_id"`
	Symbol   string `json:"symbol"`
}

// AnalyzeSignal requests enrichment for one signal. The call is synchronous;
// concurrency and backpressure are the queue's concern.
func (c *Client) AnalyzeSignal(ctx context.Context, signalID, traderID, symbol string) (*models.AnalysisResult, error) {
	headers := map[string]string{}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}

	var result models.AnalysisResult
	err := c.http.SendAndParse(ctx, &httpclient.RequestOptions{
		Method:  http.MethodPost,
		URL:     c.url + "/v1/analyze",
		Headers: headers,
		Body:    analyzeRequest{SignalID: signalID, TraderID: traderID, Symbol: symbol},
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("analyze signal %s: %w", signalID, err)
	}

	if result.SignalID == "" {
		result.SignalID = signalID
	}
	if result.TraderID == "" {
		result.TraderID = traderID
	}
	if result.Symbol == "" {
		result.Symbol = symbol
	}
	return &result, nil
}
