// Package backend is the HTTP client for the business server: photo
// upload for face login and post-login inspection requests.
package backend

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mylxsw/asteria/log"

	"github.com/supremeagent/voicecore/pkg/session"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Config identifies the server endpoints and the calling device.
type Config struct {
	UploadURL     string
	InspectionURL string
	AuthKey       string
	DeviceID      string // device MAC address
	ClientID      string
	Timeout       time.Duration
}

// Client talks to the business server. It satisfies the controller's
// PhotoUploader and Inspector collaborators.
type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

type uploadResponse struct {
	Status   int    `json:"status"`
	Message  string `json:"message"`
	UserInfo struct {
		Name    string `json:"name"`
		Account string `json:"account"`
		APIKey  string `json:"api_key"`
		APIID   string `json:"api_id"`
		UserID  int    `json:"user_id"`
	} `json:"user_info"`
	TodaySchedules []session.Schedule `json:"today_schedules"`
}

// Upload submits a camera frame for face recognition. recognized is
// true only when the server reports status 1 with a user attached.
func (c *Client) Upload(frame []byte) (session.Profile, bool, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", fmt.Sprintf("camera_%d.jpg", time.Now().Unix()))
	if err != nil {
		return session.Profile{}, false, err
	}
	if _, err := fw.Write(frame); err != nil {
		return session.Profile{}, false, err
	}
	if err := mw.Close(); err != nil {
		return session.Profile{}, false, err
	}

	req, err := http.NewRequest(http.MethodPost, c.cfg.UploadURL, &body)
	if err != nil {
		return session.Profile{}, false, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Device-Id", c.cfg.DeviceID)
	req.Header.Set("Client-Id", c.cfg.ClientID)

	resp, err := c.http.Do(req)
	if err != nil {
		return session.Profile{}, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return session.Profile{}, false, fmt.Errorf("upload failed with status %d", resp.StatusCode)
	}

	var parsed uploadResponse
	if err := codec.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return session.Profile{}, false, fmt.Errorf("decode upload response: %w", err)
	}
	if parsed.Status != 1 {
		log.Debugf("backend: no recognition yet: %s", parsed.Message)
		return session.Profile{}, false, nil
	}

	profile := session.Profile{
		Name:      parsed.UserInfo.Name,
		Account:   parsed.UserInfo.Account,
		APIKey:    parsed.UserInfo.APIKey,
		APIID:     parsed.UserInfo.APIID,
		UserID:    parsed.UserInfo.UserID,
		Schedules: parsed.TodaySchedules,
	}
	return profile, true, nil
}

type inspectionRequest struct {
	DeviceID         string `json:"device_id"`
	Message          string `json:"message"`
	AuthKey          string `json:"auth_key"`
	BypassLLM        bool   `json:"bypass_llm"`
	NotificationType string `json:"notification_type"`
}

// RequestInspection asks the server to run the cluster inspection and
// push the result through the audio channel.
func (c *Client) RequestInspection(deviceID string) error {
	payload, err := codec.Marshal(inspectionRequest{
		DeviceID:         deviceID,
		Message:          "run cluster inspection",
		AuthKey:          c.cfg.AuthKey,
		BypassLLM:        false,
		NotificationType: "info",
	})
	if err != nil {
		return err
	}

	resp, err := c.http.Post(c.cfg.InspectionURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inspection request failed with status %d", resp.StatusCode)
	}
	return nil
}
