package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// FCMPusher posts events to a push-notification relay for users with no live
// websocket. Payloads are wrapped in the relay's message format.
type FCMPusher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMPusher(endpoint, key string) *FCMPusher {
	return &FCMPusher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMPusher) Push(userID, event string, payload any) error {
	body := map[string]any{
		"message": map[string]any{
			"topic": "user-" + userID,
			"data":  map[string]any{"event": event, "payload": payload},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push relay returned %d", resp.StatusCode)
	}
	return nil
}

// FallbackPusher tries the websocket registry first and falls back to the
// push relay when the user has no live connection.
type FallbackPusher struct {
	WS  *WSRegistry
	FCM *FCMPusher
}

func (p *FallbackPusher) Push(userID, event string, payload any) error {
	err := p.WS.Push(userID, event, payload)
	if err == nil || p.FCM == nil {
		return err
	}
	var noSession *NoSessionError
	if errors.As(err, &noSession) {
		return p.FCM.Push(userID, event, payload)
	}
	return err
}
