package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/nuscape/windows-agent/internal/config"
	"github.com/nuscape/windows-agent/internal/logging"
)

const (
	registerTimeout  = 30 * time.Second
	defaultExpiresIn = 86_400
	userAgent        = "NuScape-Windows-Agent/1.0"
)

type registerHardware struct {
	Hostname string `json:"hostname"`
	Username string `json:"username"`
	OS       string `json:"os"`
	Arch     string `json:"arch"`
}

type registerRequest struct {
	Platform string           `json:"platform"`
	Name     string           `json:"name"`
	Hardware registerHardware `json:"hardware"`
}

type registerResponse struct {
	DeviceID     string `json:"device_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    *int64 `json:"expires_in"`
}

// EnsureRegistered enrolls the device when no tokens are stored. It seeds the
// token store and, when the server assigns a device id, the device store.
// There is no retry; the caller reattempts on its next scheduling cycle.
func EnsureRegistered(ctx context.Context, configStore *config.Store, tokenStore *TokenStore, deviceStore *config.DeviceStore) error {
	if tokenStore.HasTokens() {
		return nil
	}

	uploadCfg, err := configStore.ResolveUploadConfig()
	if err != nil {
		return err
	}

	computerName := os.Getenv("COMPUTERNAME")
	if computerName == "" {
		computerName = "windows-device"
	}
	body := registerRequest{
		Platform: "windows",
		Name:     computerName,
		Hardware: registerHardware{
			Hostname: computerName,
			Username: os.Getenv("USERNAME"),
			OS:       runtime.GOOS,
			Arch:     runtime.GOARCH,
		},
	}
	payload, err := json.Marshal(&body)
	if err != nil {
		return err
	}

	client := cleanhttp.DefaultClient()
	client.Timeout = registerTimeout

	logging.Op().Info("registering device", "url", uploadCfg.RegisterURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadCfg.RegisterURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("device registration failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("device registration failed: %d %s", resp.StatusCode, string(respBody))
	}

	var parsed registerResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return fmt.Errorf("parse registration response: %w", err)
	}
	expires := int64(defaultExpiresIn)
	if parsed.ExpiresIn != nil {
		expires = *parsed.ExpiresIn
	}
	if err := tokenStore.SaveTokens(parsed.AccessToken, parsed.RefreshToken, expires, time.Now().UTC()); err != nil {
		return err
	}

	if deviceID, err := uuid.Parse(parsed.DeviceID); err == nil {
		if err := deviceStore.Save(deviceID); err != nil {
			return err
		}
	}

	return nil
}
