// Package weather fetches current conditions and a daily forecast from the
// Open-Meteo API.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	appLog "pical/internal/log"
	"pical/internal/model"
)

const (
	DefaultBaseURL = "https://api.open-meteo.com/v1/forecast"
	DefaultTTL     = 10 * time.Minute
	forecastDays   = 16
)

// Client fetches weather for one location and caches the result for TTL.
type Client struct {
	BaseURL   string
	Latitude  float64
	Longitude float64
	TTL       time.Duration

	http *http.Client
	now  func() time.Time

	mu     sync.Mutex
	cached *model.Weather
}

// NewClient returns a client for the given coordinates.
func NewClient(lat, lon float64, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Client{
		BaseURL:   DefaultBaseURL,
		Latitude:  lat,
		Longitude: lon,
		TTL:       ttl,
		http:      &http.Client{Timeout: 15 * time.Second},
		now:       time.Now,
	}
}

// Current returns cached weather when it is younger than TTL and fetches it
// otherwise. When the fetch fails but an older result exists, the older
// result is returned and the failure is only logged.
func (c *Client) Current(ctx context.Context) (*model.Weather, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.cached != nil && now.Sub(c.cached.UpdatedAt) < c.TTL {
		return c.cached, nil
	}

	w, err := c.fetch(ctx)
	if err != nil {
		if c.cached != nil {
			appLog.Warn("weather fetch failed, using stale data", "err", err, "age", now.Sub(c.cached.UpdatedAt).Round(time.Second))
			return c.cached, nil
		}
		return nil, err
	}
	w.UpdatedAt = now
	c.cached = w
	appLog.Info("weather fetch success", "code", w.Current.Code, "days", len(w.Daily))
	return w, nil
}

func (c *Client) fetch(ctx context.Context) (*model.Weather, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("weather: base url: %w", err)
	}
	q := u.Query()
	q.Set("latitude", strconv.FormatFloat(c.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(c.Longitude, 'f', -1, 64))
	q.Set("current", "temperature_2m,relative_humidity_2m,weather_code")
	q.Set("daily", "weather_code,temperature_2m_max,precipitation_probability_max")
	q.Set("forecast_days", strconv.Itoa(forecastDays))
	q.Set("timezone", "auto")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("weather: %s: %s", resp.Status, body)
	}

	var payload openMeteoPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("weather: decode: %w", err)
	}
	return payload.toModel()
}

type openMeteoPayload struct {
	Current *struct {
		Temperature float64 `json:"temperature_2m"`
		Humidity    float64 `json:"relative_humidity_2m"`
		WeatherCode int     `json:"weather_code"`
	} `json:"current"`
	Daily struct {
		Time              []string   `json:"time"`
		WeatherCode       []*int     `json:"weather_code"`
		TemperatureMax    []*float64 `json:"temperature_2m_max"`
		PrecipitationProb []*float64 `json:"precipitation_probability_max"`
	} `json:"daily"`
}

func (p *openMeteoPayload) toModel() (*model.Weather, error) {
	if p.Current == nil {
		return nil, errors.New("weather: response has no current conditions")
	}
	temp, hum := p.Current.Temperature, p.Current.Humidity
	w := &model.Weather{
		Current: model.Observation{
			Code:         model.WeatherCodeFromWMO(p.Current.WeatherCode),
			TemperatureC: &temp,
			HumidityPct:  &hum,
		},
		Daily: make(map[string]model.Observation, len(p.Daily.Time)),
	}

	d := p.Daily
	for i, day := range d.Time {
		if _, err := time.Parse(time.DateOnly, day); err != nil {
			return nil, fmt.Errorf("weather: daily time %q: %w", day, err)
		}
		// 코드가 없는 날은 건너뛴다.
		if i >= len(d.WeatherCode) || d.WeatherCode[i] == nil {
			continue
		}
		ob := model.Observation{Code: model.WeatherCodeFromWMO(*d.WeatherCode[i])}
		if i < len(d.TemperatureMax) {
			ob.TemperatureC = d.TemperatureMax[i]
		}
		if i < len(d.PrecipitationProb) {
			ob.PrecipitationProb = d.PrecipitationProb[i]
		}
		w.Daily[day] = ob
	}
	return w, nil
}
