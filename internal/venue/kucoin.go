package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

const kucoinBulletURL = "https://api.kucoin.com/api/v1/bullet-public"

// kucoin needs a short-lived token from the REST bullet endpoint before the
// websocket can be opened. A fresh token is fetched on every connect.
type kucoin struct {
	id        string
	topic     string
	bulletURL string
	http      *http.Client

	mu           sync.Mutex
	pingInterval time.Duration
}

func newKuCoin(asset string) (Strategy, error) {
	return &kucoin{
		id:           VenueID("kucoin", asset),
		topic:        "/market/ticker:" + strings.ToUpper(asset) + "-USDT",
		bulletURL:    kucoinBulletURL,
		http:         &http.Client{Timeout: 10 * time.Second},
		pingInterval: 30 * time.Second,
	}, nil
}

func (k *kucoin) Name() string { return k.id }

func (k *kucoin) Endpoint(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.bulletURL, nil)
	if err != nil {
		return "", fmt.Errorf("kucoin: bullet: %w", err)
	}
	resp, err := k.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("kucoin: bullet: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("kucoin: bullet: read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("kucoin: bullet: status %d", resp.StatusCode)
	}

	r := gjson.ParseBytes(body)
	if code := r.Get("code").String(); code != "200000" {
		return "", fmt.Errorf("kucoin: bullet: code %q", code)
	}
	endpoint := r.Get("data.instanceServers.0.endpoint").String()
	token := r.Get("data.token").String()
	if endpoint == "" || token == "" {
		return "", fmt.Errorf("kucoin: bullet: missing endpoint or token")
	}
	if ms := r.Get("data.instanceServers.0.pingInterval").Int(); ms > 0 {
		k.mu.Lock()
		k.pingInterval = time.Duration(ms) * time.Millisecond
		k.mu.Unlock()
	}
	return endpoint + "?token=" + token, nil
}

func (k *kucoin) Subscribe() ([]byte, error) {
	return json.Marshal(map[string]any{
		"id":             time.Now().UnixMilli(),
		"type":           "subscribe",
		"topic":          k.topic,
		"privateChannel": false,
		"response":       true,
	})
}

// KeepAlive returns the server-advertised ping interval and ping frame.
func (k *kucoin) KeepAlive() (time.Duration, []byte) {
	k.mu.Lock()
	interval := k.pingInterval
	k.mu.Unlock()
	msg := []byte(`{"id":"` + strconv.FormatInt(time.Now().UnixMilli(), 10) + `","type":"ping"}`)
	return interval, msg
}

func (k *kucoin) Parse(msg []byte) (Quote, error) {
	r, err := parseJSON(msg)
	if err != nil {
		return Quote{}, err
	}
	if r.Get("type").String() != "message" || r.Get("subject").String() != "trade.ticker" {
		return Quote{}, nil
	}
	d := r.Get("data")
	return quoteAt(d, "price", "bestBid", "bestAsk")
}
