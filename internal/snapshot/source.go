// Package snapshot periodically records an external reading (the current weather) and
// announces it on the live stream.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"iot-platform/monitoring-service/internal/metric/domain"
)

// Source produces one snapshot per call.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (domain.Snapshot, error)
}

// OpenMeteoConfig locates the forecast API and the point to observe.
type OpenMeteoConfig struct {
	BaseURL   string
	City      string
	Latitude  float64
	Longitude float64
	Timeout   time.Duration
}

// OpenMeteoSource reads current weather from the Open-Meteo forecast API.
type OpenMeteoSource struct {
	cfg    OpenMeteoConfig
	client *http.Client
	now    func() time.Time
}

// NewOpenMeteoSource returns a source for cfg. A nil client gets one with cfg.Timeout (default 5s).
func NewOpenMeteoSource(cfg OpenMeteoConfig, client *http.Client) *OpenMeteoSource {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.open-meteo.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &OpenMeteoSource{cfg: cfg, client: client, now: time.Now}
}

// Name implements Source.
func (s *OpenMeteoSource) Name() string { return "open-meteo" }

type forecastResponse struct {
	CurrentWeather *struct {
		Temperature *float64 `json:"temperature"`
		Windspeed   *float64 `json:"windspeed"`
		Weathercode *int64   `json:"weathercode"`
		Time        string   `json:"time"`
	} `json:"current_weather"`
}

// Fetch implements Source. The snapshot key is the configured city.
func (s *OpenMeteoSource) Fetch(ctx context.Context) (domain.Snapshot, error) {
	u, err := url.Parse(strings.TrimRight(s.cfg.BaseURL, "/") + "/v1/forecast")
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("open-meteo: base url: %w", err)
	}
	q := u.Query()
	q.Set("latitude", strconv.FormatFloat(s.cfg.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(s.cfg.Longitude, 'f', -1, 64))
	q.Set("current_weather", "true")
	q.Set("timezone", "auto")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return domain.Snapshot{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("open-meteo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.Snapshot{}, fmt.Errorf("open-meteo %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var body forecastResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.Snapshot{}, fmt.Errorf("open-meteo: decode: %w", err)
	}
	cw := body.CurrentWeather
	if cw == nil || cw.Temperature == nil || cw.Windspeed == nil || cw.Weathercode == nil {
		return domain.Snapshot{}, fmt.Errorf("open-meteo: response without current_weather")
	}
	return domain.Snapshot{
		Key: s.cfg.City,
		Data: map[string]any{
			"temperature": *cw.Temperature,
			"windspeed":   *cw.Windspeed,
			"weathercode": *cw.Weathercode,
			"time":        cw.Time,
		},
		LoggedAt: s.now().UTC(),
	}, nil
}
