// deliverygen posts signed sample platform deliveries to a running hubwatch
// instance at a fixed interval. Development tool for exercising the webhook
// path without platform access.
package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var sampleTexts = []string{
	"Hi, is the blue one still in stock?",
	"Could you tell me the opening hours?",
	"Do you ship to Portugal?",
	"Thanks, the order arrived today!",
	"Is there a discount for bulk orders?",
}

type delivery struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID        string      `json:"id"`
	Time      int64       `json:"time"`
	Messaging []messaging `json:"messaging"`
}

type messaging struct {
	Sender struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64 `json:"timestamp"`
	Message   struct {
		MID  string `json:"mid"`
		Text string `json:"text"`
	} `json:"message"`
}

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	interval, _ := time.ParseDuration(cfg.Interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	client := &http.Client{Timeout: 10 * time.Second}
	for {
		if err := sendDelivery(client, cfg); err != nil {
			fmt.Fprintln(os.Stderr, "delivery error:", err)
		}
		<-ticker.C
	}
}

func loadConfig(path string) (config, error) {
	if strings.TrimSpace(path) == "" {
		return config{}, fmt.Errorf("config path is required")
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return config{}, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return config{}, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	cfg.Secret = strings.TrimSpace(cfg.Secret)
	cfg.SenderID = strings.TrimSpace(cfg.SenderID)
	cfg.SenderName = strings.TrimSpace(cfg.SenderName)
	cfg.PageID = strings.TrimSpace(cfg.PageID)
	cfg.Interval = strings.TrimSpace(cfg.Interval)

	if cfg.BaseURL == "" || cfg.Secret == "" || cfg.SenderID == "" || cfg.PageID == "" {
		return config{}, fmt.Errorf("config must include base_url, secret, sender_id, page_id")
	}
	if cfg.Interval == "" {
		return config{}, fmt.Errorf("interval must be provided")
	}

	parsed, err := time.ParseDuration(cfg.Interval)
	if err != nil {
		return config{}, fmt.Errorf("invalid interval duration: %w", err)
	}
	if parsed <= 0 {
		return config{}, fmt.Errorf("interval must be positive")
	}

	return cfg, nil
}

func sendDelivery(client *http.Client, cfg config) error {
	mid, err := randomID(16)
	if err != nil {
		return fmt.Errorf("failed to generate message id: %w", err)
	}

	now := time.Now().UnixMilli()
	var event messaging
	event.Sender.ID = cfg.SenderID
	event.Sender.Name = cfg.SenderName
	event.Recipient.ID = cfg.PageID
	event.Timestamp = now
	event.Message.MID = "m_" + mid
	event.Message.Text = pickText()

	body, err := json.Marshal(delivery{
		Object: "page",
		Entry: []entry{{
			ID:        cfg.PageID,
			Time:      now,
			Messaging: []messaging{event},
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	request, err := http.NewRequestWithContext(context.Background(), http.MethodPost,
		strings.TrimRight(cfg.BaseURL, "/")+"/webhooks/platform", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	request.Header.Set("X-Hub-Signature-256", sign(body, cfg.Secret))
	request.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		payload, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("delivery failed: %s", strings.TrimSpace(string(payload)))
	}

	fmt.Printf("Delivery status: %s (mid m_%s)\n", resp.Status, mid)
	return nil
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func pickText() string {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(sampleTexts))))
	if err != nil {
		return sampleTexts[0]
	}
	return sampleTexts[n.Int64()]
}

func randomID(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid length")
	}
	raw := make([]byte, (length+1)/2)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw)[:length], nil
}
