package client

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Publisher pushes events into the gateway's fanout system through the
// signed publish endpoint. This is what a REST node uses after a mutation
// passed its permission checks.
type Publisher struct {
	addr   string
	secret string
	client *http.Client
}

func NewPublisher(addr, secret string) *Publisher {
	return &Publisher{
		addr:   addr,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type publishRequest struct {
	Scope   string      `json:"scope"`
	ID      string      `json:"id"`
	Op      string      `json:"op"`
	D       interface{} `json:"d,omitempty"`
	Exclude string      `json:"exclude,omitempty"`
}

type publishResult struct {
	Code string `json:"code"`
	Data string `json:"data"`
}

// PublishToServer delivers one event to every subscriber of the server,
// cluster-wide. The excluded user gets no gateway echo of their own action.
func (p *Publisher) PublishToServer(ctx context.Context, serverID, op string, d interface{}, excludeUserID string) error {
	return p.publish(ctx, publishRequest{
		Scope:   "server",
		ID:      serverID,
		Op:      op,
		D:       d,
		Exclude: excludeUserID,
	})
}

func (p *Publisher) PublishToUser(ctx context.Context, userID, op string, d interface{}) error {
	return p.publish(ctx, publishRequest{
		Scope: "user",
		ID:    userID,
		Op:    op,
		D:     d,
	})
}

func (p *Publisher) publish(ctx context.Context, req publishRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	u, err := url.Parse(p.addr)
	if err != nil {
		return err
	}
	u.Path = "/publish"
	params := url.Values{}
	params.Set("sign", signMD5(p.secret, string(body), ts))
	params.Set("ts", ts)
	u.RawQuery = params.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	rb, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	result := publishResult{}
	if err := json.Unmarshal(rb, &result); err != nil {
		return err
	}
	if result.Code != "ok" {
		return fmt.Errorf("publish: %s %s", result.Code, result.Data)
	}
	return nil
}

func signMD5(secret, data, timestamp string) string {
	h := md5.New()
	h.Write([]byte(secret + data + timestamp))
	return hex.EncodeToString(h.Sum(nil))
}
