package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultBaseURL    = "https://graph.facebook.com"
	defaultAPIVersion = "v19.0"

	// Graph API: ~200 llamadas/hora por usuario en tier estándar; con ráfagas cortas
	// 5/s es conservador y deja al límite de la app hacer el resto.
	defaultRatePerSec = 5

	maxRetries    = 3
	baseRetryWait = 2 * time.Second
)

// Códigos de error de la Graph API que indican rate limit (se reintentan).
var rateLimitCodes = map[int]bool{
	4:  true, // application level
	17: true, // user level
	32: true, // account level
}

// errorMessages traduce los códigos conocidos a mensajes accionables.
var errorMessages = map[int]string{
	100: "Invalid parameter. Check your inputs.",
	190: "Access token expired or invalid. Reconnect Meta.",
	200: "Permission error. Check your ad account access.",
	17:  "Rate limit hit. Retry in a moment.",
	32:  "Rate limit hit (account level).",
	4:   "Rate limit hit (application level).",
	368: "Ad account temporarily restricted.",
}

// APIError es un error devuelto por la Graph API en el cuerpo de la respuesta.
type APIError struct {
	Code    int    `json:"code"`
	Subcode int    `json:"error_subcode"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if msg, ok := errorMessages[e.Code]; ok {
		return msg
	}
	return fmt.Sprintf("Meta error %d: %s", e.Code, e.Message)
}

// RateLimited indica si el error es un rate limit de la plataforma.
func (e *APIError) RateLimited() bool { return rateLimitCodes[e.Code] }

// ErrRetriesExhausted se devuelve cuando todos los reintentos chocaron con rate limit.
var ErrRetriesExhausted = errors.New("meta: max retries exceeded")

// Config configura el Client.
type Config struct {
	BaseURL           string
	APIVersion        string
	AccessToken       string
	RatePerSec        float64
	ConversionActions []string
	// RetryWait es la espera base del backoff exponencial (0 = 2s).
	RetryWait time.Duration
}

// Client es el HTTP client de la Graph API de Meta con rate limiting y retries.
type Client struct {
	http        *http.Client
	baseURL     string
	version     string
	token       string
	limiter     *rate.Limiter
	retryWait   time.Duration
	conversions map[string]bool
}

// NewClient crea un Client. Los campos vacíos de cfg toman los valores de producción.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = baseRetryWait
	}
	actions := cfg.ConversionActions
	if len(actions) == 0 {
		actions = DefaultConversionActions
	}
	conv := make(map[string]bool, len(actions))
	for _, a := range actions {
		conv[a] = true
	}
	return &Client{
		http:        &http.Client{Timeout: 15 * time.Second},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		version:     cfg.APIVersion,
		token:       cfg.AccessToken,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSec), 5),
		retryWait:   cfg.RetryWait,
		conversions: conv,
	}
}

// endpoint arma la URL absoluta de un path de la Graph API con el token.
func (c *Client) endpoint(path string, params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("access_token", c.token)
	return fmt.Sprintf("%s/%s/%s?%s", c.baseURL, c.version, strings.TrimLeft(path, "/"), params.Encode())
}

// get hace un GET con rate limiting y retries, decodificando el JSON en out.
func (c *Client) get(ctx context.Context, rawURL string, out any) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		body, status, err := c.do(ctx, rawURL)
		if err != nil {
			if attempt == maxRetries-1 {
				return fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		var envelope struct {
			Error *APIError `json:"error"`
		}
		_ = json.Unmarshal(body, &envelope)
		if envelope.Error != nil {
			if envelope.Error.RateLimited() {
				slog.Warn("meta: rate limited", "code", envelope.Error.Code, "attempt", attempt+1)
				c.sleep(ctx, attempt)
				continue
			}
			return envelope.Error
		}

		if status >= 500 {
			if attempt == maxRetries-1 {
				return fmt.Errorf("server error %d after %d attempts", status, maxRetries)
			}
			c.sleep(ctx, attempt)
			continue
		}
		if status >= 400 {
			return fmt.Errorf("client error %d: %s", status, string(body))
		}

		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return ErrRetriesExhausted
}

func (c *Client) do(ctx context.Context, rawURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read body: %w", err)
	}
	return body, resp.StatusCode, nil
}

// sleep espera con backoff exponencial (base, 2×base, 4×base), respetando el contexto.
func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * c.retryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
