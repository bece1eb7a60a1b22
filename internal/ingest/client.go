package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
)

// Queue API paths.
const (
	PendingPath = "/consultas-pendientes"
	ReportPath  = "/recibir-datos"
)

// ErrUnauthorized means the queue API refused the token.
var ErrUnauthorized = errors.New("queue token rejected")

// Queue names one of the external work queues.
type Queue string

// Work queues. The SISBEN queue holds new cédulas; the Registraduría queue
// holds cédulas whose SISBEN lookup already reported.
const (
	QueueSisben        Queue = "sisben"
	QueueRegistraduria Queue = "registraduria"
)

func (q Queue) stage() consulta.Stage {
	if q == QueueRegistraduria {
		return consulta.StageB
	}
	return consulta.StageA
}

// Item is one pending lookup. The queue may send either field as a JSON
// number.
type Item struct {
	ID     string
	Cedula string
}

// UnmarshalJSON implements json.Unmarshaler.
func (i *Item) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID     text `json:"id"`
		Cedula text `json:"cedula"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	i.ID = string(raw.ID)
	i.Cedula = string(raw.Cedula)
	return nil
}

// Report is the result posted back for one item.
type Report struct {
	QueueID string          `json:"cola_id"`
	Cedula  string          `json:"cedula"`
	Queue   Queue           `json:"tipo"`
	Success bool            `json:"exito"`
	Data    consulta.Fields `json:"datos"`
	Error   *string         `json:"error"`
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the queue API.
type Client struct {
	token string
	rest  *resty.Client
}

type pendingResponse struct {
	Items []Item `json:"consultas"`
	Total int    `json:"total_pendientes"`
}

type reportResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// NewClient creates a Client. httpClient may be nil.
func NewClient(cfg ClientConfig, httpClient *http.Client) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("ingest: base url is required")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("ingest: token is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rest := resty.New()
	if httpClient != nil {
		rest = resty.NewWithClient(httpClient)
	}
	rest.SetBaseURL(base).SetTimeout(timeout)
	return &Client{token: cfg.Token, rest: rest}, nil
}

// Pending returns up to limit queued items and the queue's total backlog.
func (c *Client) Pending(ctx context.Context, queue Queue, limit int) ([]Item, int, error) {
	res, err := c.rest.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"token": c.token,
			"tipo":  string(queue),
			"limit": strconv.Itoa(limit),
		}).
		Get(PendingPath)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch pending %s: %w", queue, err)
	}
	if err := statusError(res); err != nil {
		return nil, 0, fmt.Errorf("fetch pending %s: %w", queue, err)
	}
	var decoded pendingResponse
	if err := json.Unmarshal(res.Body(), &decoded); err != nil {
		return nil, 0, fmt.Errorf("decode pending %s: %w", queue, err)
	}
	return decoded.Items, decoded.Total, nil
}

// Report posts the outcome of one item.
func (c *Client) Report(ctx context.Context, report Report) error {
	res, err := c.rest.R().
		SetContext(ctx).
		SetAuthToken(c.token).
		SetBody(report).
		Post(ReportPath)
	if err != nil {
		return fmt.Errorf("report %s: %w", report.QueueID, err)
	}
	if err := statusError(res); err != nil {
		return fmt.Errorf("report %s: %w", report.QueueID, err)
	}
	var decoded reportResponse
	if err := json.Unmarshal(res.Body(), &decoded); err != nil {
		return fmt.Errorf("decode report reply %s: %w", report.QueueID, err)
	}
	if !decoded.Success {
		return fmt.Errorf("report %s not accepted: %s", report.QueueID, decoded.Error)
	}
	return nil
}

func statusError(res *resty.Response) error {
	switch code := res.StatusCode(); {
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code >= http.StatusBadRequest:
		return fmt.Errorf("unexpected status %d", code)
	default:
		return nil
	}
}

// text decodes a JSON string or number into a string.
type text string

func (t *text) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected a string or a number: %w", err)
	}
	*t = text(n.String())
	return nil
}
