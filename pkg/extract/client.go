// Package extract provides a client for invoking the external AI extraction function.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"receipt-flow-go/internal/config"
	"receipt-flow-go/pkg/log"
)

// Client defines the interface for an extraction-function client.
// 它实现 pipeline.Invoker：调用成功只说明触发被受理，
// 抽取何时完成要通过收据记录的状态字段异步观察。
type Client interface {
	Invoke(ctx context.Context, receiptID, assetURL, modelID string) error
}

type httpClient struct {
	cfg    config.ExtractionConfig
	client *http.Client
}

// NewClient creates a new extraction client for the configured function endpoint.
func NewClient(cfg config.ExtractionConfig) Client {
	return &httpClient{
		cfg:    cfg,
		client: &http.Client{},
	}
}

type invokeRequest struct {
	ReceiptID string `json:"receipt_id"`
	AssetURL  string `json:"asset_url"`
	ModelID   string `json:"model_id"`
}

type invokeResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Invoke calls the extraction function endpoint to accept one extraction job.
func (c *httpClient) Invoke(ctx context.Context, receiptID, assetURL, modelID string) error {
	log.Infof("[ExtractClient] 触发抽取函数, receiptID: %s, model: %s", receiptID, modelID)
	reqBody := invokeRequest{
		ReceiptID: receiptID,
		AssetURL:  assetURL,
		ModelID:   modelID,
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal invoke request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.FunctionURL, bytes.NewReader(reqBytes))
	if err != nil {
		return fmt.Errorf("failed to create invoke request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		log.Errorf("[ExtractClient] 调用抽取函数失败, receiptID: %s, error: %v", receiptID, err)
		return fmt.Errorf("failed to call extraction function: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("抽取服务认证失败 (HTTP %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("抽取函数返回异常状态码: %d", resp.StatusCode)
	}

	var result invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode invoke response: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("抽取函数拒绝任务: %s", result.Error)
	}

	log.Infof("[ExtractClient] 抽取任务已受理, receiptID: %s", receiptID)
	return nil
}
