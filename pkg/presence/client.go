package presence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RegistryClient HTTP клиент реестра присутствия и метрик очереди.
type RegistryClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewRegistryClient создает клиент с базовым URL реестра
// (например "http://presence.internal:8080").
func NewRegistryClient(baseURL string) *RegistryClient {
	return &RegistryClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// pingRequest тело heartbeat запроса.
type pingRequest struct {
	Status      string `json:"status"`
	ActiveCalls int    `json:"activeCalls"`
}

// pingResponse ответ реестра на heartbeat.
type pingResponse struct {
	AvailableCount int `json:"availableCount"`
}

// AgentStatus статус одного оператора в реестре.
type AgentStatus struct {
	Status string `json:"status"`
}

// QueueMetricsSnapshot снимок состояния очереди входящих вызовов.
// Заменяется целиком при каждом опросе, идентичности между опросами нет.
type QueueMetricsSnapshot struct {
	QueueSize         int `json:"size"`
	OldestWaitSeconds int `json:"oldestAgeSeconds"`
	AvailableAgents   int `json:"availableAgents"`
}

// Ping отправляет heartbeat присутствия и возвращает число доступных операторов.
func (c *RegistryClient) Ping(ctx context.Context, status Status, activeCalls int) (int, error) {
	body, err := json.Marshal(pingRequest{
		Status:      string(status),
		ActiveCalls: activeCalls,
	})
	if err != nil {
		return 0, fmt.Errorf("marshal ping request: %w", err)
	}

	url := c.baseURL + "/agents/ping"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build POST %s: %w", url, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("POST %s returned status %d", url, resp.StatusCode)
	}

	var out pingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode ping response: %w", err)
	}
	return out.AvailableCount, nil
}

// AgentStatuses возвращает статусы всех операторов из реестра.
func (c *RegistryClient) AgentStatuses(ctx context.Context) ([]AgentStatus, error) {
	url := c.baseURL + "/agents/status"
	var out []AgentStatus
	if err := c.getJSON(ctx, url, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// QueueMetrics возвращает текущий снимок очереди входящих вызовов.
func (c *RegistryClient) QueueMetrics(ctx context.Context) (QueueMetricsSnapshot, error) {
	url := c.baseURL + "/queue/metrics"
	var out QueueMetricsSnapshot
	if err := c.getJSON(ctx, url, &out); err != nil {
		return QueueMetricsSnapshot{}, err
	}
	return out, nil
}

// getJSON выполняет GET и декодирует JSON ответ.
func (c *RegistryClient) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build GET %s: %w", url, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("GET %s returned status %d", url, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", url, err)
	}
	return nil
}
