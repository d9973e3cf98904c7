package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	btcfg "btdeck/internal/config"
)

// Client 封装 btdeck 所需的数据服务 REST 接口（历史数据 + 回测）。
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
}

// ErrUnreachable 标记传输层失败：服务不可达、超时等，与业务失败区分开。
var ErrUnreachable = errors.New("data service unreachable")

// NewClient 根据配置构造数据服务客户端。
func NewClient(cfg btcfg.ServiceConfig) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("service.base_url 不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("解析 service.base_url 失败: %w", err)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: timeout},
		token:      strings.TrimSpace(cfg.APIToken),
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// HistoryMeta 是 /history/list 返回的单个序列描述。
type HistoryMeta struct {
	MinDate  string `json:"min_date"`
	MaxDate  string `json:"max_date"`
	Filename string `json:"filename"`
}

// ListHistory 拉取服务端当前的历史数据清单：symbol -> timeframe -> meta。
func (c *Client) ListHistory(ctx context.Context) (map[string]map[string]HistoryMeta, error) {
	var out map[string]map[string]HistoryMeta
	if err := c.doRequest(ctx, http.MethodGet, "/history/list", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DownloadRequest mirrors the /history/download schema.
type DownloadRequest struct {
	Symbol      string `json:"symbol"`
	Timeframe   string `json:"timeframe"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	ForceExtend bool   `json:"force_extend,omitempty"`
}

// DownloadResponse 同时承载成功与失败分支；失败且 force_extend_param 为真时
// 附带服务端建议的补齐范围。
type DownloadResponse struct {
	Success            bool   `json:"success"`
	Error              string `json:"error"`
	ForceExtendParam   bool   `json:"force_extend_param"`
	CurrentMinDate     string `json:"current_min_date"`
	CurrentMaxDate     string `json:"current_max_date"`
	SuggestedStartDate string `json:"suggested_start_date"`
	SuggestedEndDate   string `json:"suggested_end_date"`
}

// DownloadHistory 请求服务端下载/扩展一段历史数据。
func (c *Client) DownloadHistory(ctx context.Context, req DownloadRequest) (*DownloadResponse, error) {
	var resp DownloadResponse
	if err := c.doRequest(ctx, http.MethodPost, "/history/download", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteResponse 是 DELETE /history/{symbol}/{timeframe} 的响应。
type DeleteResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// DeleteHistory 删除一个缓存序列。symbol 中的斜杠会做 URL 转义（BTC/USDT -> BTC%2FUSDT），
// 因此不能直接拼进 url.URL.Path，这里手工拼接完整地址再交给 send。
func (c *Client) DeleteHistory(ctx context.Context, symbol, timeframe string) (*DeleteResponse, error) {
	if c == nil || c.baseURL == nil {
		return nil, fmt.Errorf("service client 未初始化")
	}
	endpoint := strings.TrimSuffix(c.baseURL.String(), "/") +
		"/history/" + url.PathEscape(symbol) + "/" + url.PathEscape(timeframe)
	var resp DeleteResponse
	if err := c.send(ctx, http.MethodDelete, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BacktestPayload mirrors the POST /backtest/ schema.
type BacktestPayload struct {
	Strategy  string `json:"strategy"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Filename  string `json:"filename,omitempty"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// BacktestResponse 承载 /backtest/ 的业务层成功与失败分支。
type BacktestResponse struct {
	Success    bool            `json:"success"`
	ResultFile string          `json:"result_file"`
	Stdout     string          `json:"stdout"`
	Error      string          `json:"error"`
	Summary    json.RawMessage `json:"summary,omitempty"`
}

// FieldError 是服务端 422 校验失败中的单条字段错误。
type FieldError struct {
	Loc  []any  `json:"loc"`
	Msg  string `json:"msg"`
	Type string `json:"type"`
}

func (f FieldError) Field() string {
	parts := make([]string, 0, len(f.Loc))
	for _, seg := range f.Loc {
		parts = append(parts, fmt.Sprint(seg))
	}
	return strings.Join(parts, ".")
}

// ValidationError 表示服务端拒绝了请求结构（HTTP 422），逐字段透传给操作者，不重试。
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "请求校验失败"
	}
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, fmt.Sprintf("%s: %s", f.Field(), f.Msg))
	}
	return strings.Join(msgs, "; ")
}

// Messages 返回展示用的逐条错误文本。
func (e *ValidationError) Messages() []string {
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, fmt.Sprintf("%s: %s", f.Field(), f.Msg))
	}
	return msgs
}

// SubmitBacktest 提交回测请求。422 返回 *ValidationError，传输失败包装 ErrUnreachable。
func (c *Client) SubmitBacktest(ctx context.Context, payload BacktestPayload) (*BacktestResponse, error) {
	endpoint, err := c.resolveEndpoint("/backtest/")
	if err != nil {
		return nil, err
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化回测请求失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("构造请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnprocessableEntity {
		return nil, parseValidationError(resp.Body)
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("数据服务返回错误(%s): %s", resp.Status, strings.TrimSpace(string(data)))
	}
	var out BacktestResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("解析回测响应失败: %w", err)
	}
	return &out, nil
}

// FetchSummary 拉取策略绩效汇总。非 2xx 一律视为"暂无汇总"，不算错误。
func (c *Client) FetchSummary(ctx context.Context, strategy, startDate, endDate string) (json.RawMessage, error) {
	path := "/backtest/summary/" + url.PathEscape(strategy)
	query := url.Values{}
	if startDate != "" {
		query.Set("start_date", startDate)
	}
	if endDate != "" {
		query.Set("end_date", endDate)
	}
	if enc := query.Encode(); enc != "" {
		path += "?" + enc
	}
	endpoint, err := c.resolveEndpoint(path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("构造请求失败: %w", err)
	}
	c.applyAuth(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取汇总响应失败: %w", err)
	}
	return json.RawMessage(data), nil
}

func parseValidationError(body io.Reader) error {
	var envelope struct {
		Detail []FieldError `json:"detail"`
	}
	data, _ := io.ReadAll(io.LimitReader(body, 16*1024))
	if err := json.Unmarshal(data, &envelope); err != nil || len(envelope.Detail) == 0 {
		return &ValidationError{Fields: []FieldError{{Msg: strings.TrimSpace(string(data))}}}
	}
	return &ValidationError{Fields: envelope.Detail}
}

func (c *Client) applyAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload any, out any) error {
	if c == nil {
		return fmt.Errorf("service client 未初始化")
	}
	endpoint, err := c.resolveEndpoint(path)
	if err != nil {
		return err
	}
	return c.send(ctx, method, endpoint.String(), payload, out)
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("序列化请求失败: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("构造请求失败: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if len(data) == 0 {
			return fmt.Errorf("数据服务返回错误: %s", resp.Status)
		}
		return fmt.Errorf("数据服务返回错误(%s): %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析数据服务响应失败: %w", err)
	}
	return nil
}

func (c *Client) resolveEndpoint(path string) (*url.URL, error) {
	if c.baseURL == nil {
		return nil, fmt.Errorf("数据服务地址未设置")
	}
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		trimmed = "/"
	}
	query := ""
	if idx := strings.Index(trimmed, "?"); idx >= 0 {
		query = trimmed[idx+1:]
		trimmed = trimmed[:idx]
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	base := *c.baseURL
	base.Path = strings.TrimSuffix(base.Path, "/") + trimmed
	base.RawPath = ""
	base.RawQuery = query
	base.Fragment = ""
	return &base, nil
}
