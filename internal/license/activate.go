package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/corebit/corebit/internal/errors"
)

// ActivationClient exchanges a purchased key for a signed license bound to
// this server's fingerprint.
type ActivationClient struct {
	baseURL string
	client  *http.Client
}

// NewActivationClient talks to the licensing server at baseURL
func NewActivationClient(baseURL string) *ActivationClient {
	return &ActivationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type activateRequest struct {
	LicenseKey  string `json:"licenseKey"`
	Fingerprint string `json:"fingerprint"`
}

type activateResponse struct {
	License *License `json:"license"`
	Error   string   `json:"error,omitempty"`
}

// Activate requests a signed license for licenseKey, verifies the response
// and installs it through the manager.
func (c *ActivationClient) Activate(ctx context.Context, m *Manager, licenseKey string) (*License, error) {
	if licenseKey == "" {
		return nil, errors.NewClientInputError("activate_license", fmt.Errorf("license key is required")).WithField("licenseKey")
	}

	body, err := json.Marshal(activateRequest{
		LicenseKey:  licenseKey,
		Fingerprint: m.ServerFingerprint(),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/activate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.NewTransientNetworkError("activate_license", c.baseURL, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, errors.NewTransientNetworkError("activate_license", c.baseURL, err)
	}

	var out activateResponse
	decodeErr := json.Unmarshal(payload, &out)

	if resp.StatusCode != http.StatusOK {
		msg := out.Error
		if msg == "" {
			msg = fmt.Sprintf("licensing server returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 500 {
			return nil, errors.NewTransientNetworkError("activate_license", c.baseURL, fmt.Errorf("%s", msg))
		}
		return nil, errors.NewClientInputError("activate_license", fmt.Errorf("%s", msg)).WithStatusCode(resp.StatusCode)
	}
	if decodeErr != nil {
		return nil, errors.NewProtocolError("activate_license", c.baseURL, decodeErr)
	}
	if out.License == nil {
		return nil, errors.NewProtocolError("activate_license", c.baseURL, fmt.Errorf("response carried no license"))
	}

	if err := m.Install(*out.License); err != nil {
		return nil, err
	}
	return out.License, nil
}
