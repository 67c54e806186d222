// Package e2e contains end-to-end tests that exercise a running percolator
// service over HTTP and, when Kafka is reachable, through the registration
// topic.
//
// Prerequisites:
//   - the percolator service running (cmd/percolator)
//   - Kafka running with the registration topic, for TestKafkaRegistration
//
// Run with:
//
//	go test -v -timeout=120s ./test/e2e/...
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/percolator/internal/percolator/consumer"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/kafka"
)

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

type e2eConfig struct {
	PercolatorURL string
	KafkaBroker   string
	RegisterTopic string
}

func loadE2EConfig() e2eConfig {
	return e2eConfig{
		PercolatorURL: envOrDefault("E2E_PERCOLATOR_URL", "http://localhost:8080"),
		KafkaBroker:   envOrDefault("E2E_KAFKA_BROKER", "localhost:9092"),
		RegisterTopic: envOrDefault("E2E_REGISTER_TOPIC", "percolator-register"),
	}
}

func skipIfUnavailable(t *testing.T, client *http.Client, url string) {
	t.Helper()
	resp, err := client.Get(url + "/health/live")
	if err != nil {
		t.Skipf("percolator service unavailable: %v", err)
	}
	resp.Body.Close()
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestServiceHealth verifies the liveness and readiness endpoints.
func TestServiceHealth(t *testing.T) {
	cfg := loadE2EConfig()
	client := &http.Client{Timeout: 5 * time.Second}

	for _, path := range []string{"/health/live", "/health/ready"} {
		t.Run(path, func(t *testing.T) {
			resp, err := client.Get(cfg.PercolatorURL + path)
			if err != nil {
				t.Skipf("service unavailable: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				t.Errorf("expected 200, got %d: %s", resp.StatusCode, body)
			}
		})
	}
}

// TestRegisterGetSearch exercises the query lifecycle: register, read back
// the stored query, then find it through one of its extracted terms.
func TestRegisterGetSearch(t *testing.T) {
	cfg := loadE2EConfig()
	client := &http.Client{Timeout: 10 * time.Second}
	skipIfUnavailable(t, client, cfg.PercolatorURL)

	word := fmt.Sprintf("e2eterm%d", time.Now().UnixNano())
	payload := fmt.Sprintf(`{"query": {"bool": {"must": [{"term": {"status": "%s"}}, {"match": {"body": "Alerts"}}]}}}`, word)

	resp, err := client.Post(cfg.PercolatorURL+"/api/v1/percolator", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("register request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, body)
	}
	var registered map[string]any
	json.NewDecoder(resp.Body).Decode(&registered)
	id, _ := registered["id"].(string)
	if id == "" {
		t.Fatalf("missing id in response: %v", registered)
	}
	t.Logf("registered query: id=%s terms=%v", id, registered["terms"])

	getResp, err := client.Get(cfg.PercolatorURL + "/api/v1/percolator/" + id)
	if err != nil {
		t.Fatalf("get request failed: %v", err)
	}
	defer getResp.Body.Close()
	var stored map[string]any
	json.NewDecoder(getResp.Body).Decode(&stored)
	if q, _ := stored["query"].(string); !strings.Contains(q, "status:"+word) {
		t.Errorf("stored query %q does not mention status:%s", q, word)
	}

	if !waitForHit(t, client, cfg.PercolatorURL, "status", word, id, 5) {
		t.Errorf("query %s not returned for status:%s", id, word)
	}
}

// TestRejectsInvalidQuery verifies that a malformed query is refused and
// leaves nothing behind.
func TestRejectsInvalidQuery(t *testing.T) {
	cfg := loadE2EConfig()
	client := &http.Client{Timeout: 5 * time.Second}
	skipIfUnavailable(t, client, cfg.PercolatorURL)

	id := fmt.Sprintf("e2e-invalid-%d", time.Now().UnixNano())
	req, _ := http.NewRequest(http.MethodPut, cfg.PercolatorURL+"/api/v1/percolator/"+id,
		strings.NewReader(`{"query": {"fuzzy": {"title": "x"}}}`))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("register request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}

	getResp, err := client.Get(cfg.PercolatorURL + "/api/v1/percolator/" + id)
	if err != nil {
		t.Fatalf("get request failed: %v", err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for rejected query, got %d", getResp.StatusCode)
	}
}

// TestKafkaRegistration publishes a registration event and waits for the
// service to make the query searchable.
func TestKafkaRegistration(t *testing.T) {
	cfg := loadE2EConfig()
	client := &http.Client{Timeout: 5 * time.Second}
	skipIfUnavailable(t, client, cfg.PercolatorURL)

	conn, err := net.DialTimeout("tcp", cfg.KafkaBroker, 2*time.Second)
	if err != nil {
		t.Skipf("kafka unavailable: %v", err)
	}
	conn.Close()

	producer := kafka.NewProducer(config.KafkaConfig{Brokers: []string{cfg.KafkaBroker}}, cfg.RegisterTopic)
	defer producer.Close()

	word := fmt.Sprintf("e2ekafka%d", time.Now().UnixNano())
	id := "e2e-" + word
	event := consumer.RegisterEvent{
		ID:     id,
		Source: json.RawMessage(fmt.Sprintf(`{"query": {"term": {"tags": "%s"}}}`, word)),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := producer.Publish(ctx, kafka.Event{Key: id, Value: event}); err != nil {
		t.Fatalf("publishing registration: %v", err)
	}

	if !waitForHit(t, client, cfg.PercolatorURL, "tags", word, id, 30) {
		t.Log("query not searchable within 30s, the consumer may not be enabled")
	}
}

func waitForHit(t *testing.T, client *http.Client, baseURL, field, value, id string, attempts int) bool {
	t.Helper()
	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := client.Get(fmt.Sprintf("%s/api/v1/percolator/_search?field=%s&value=%s", baseURL, field, value))
		if err != nil {
			t.Logf("attempt %d: search request failed: %v", attempt, err)
			time.Sleep(time.Second)
			continue
		}
		var result struct {
			IDs []string `json:"ids"`
		}
		json.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()
		for _, got := range result.IDs {
			if got == id {
				t.Logf("query found after %d attempts", attempt+1)
				return true
			}
		}
		time.Sleep(time.Second)
	}
	return false
}

// ---------------------------------------------------------------------------
// Env helpers
// ---------------------------------------------------------------------------

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
