package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// PixCharge is the payable artifact returned by the payment provider.
type PixCharge struct {
	TransactionID string `json:"transaction_id"`
	QRCode        string `json:"qr_code"`
	QRCodeBase64  string `json:"qr_code_base64"`
	CopyPaste     string `json:"copy_paste"`
	DueDate       string `json:"due_date"`
}

// PixGateway abstracts the external payment provider so settlement can be
// tested against a fake.
type PixGateway interface {
	CreatePayment(ctx context.Context, amountMinor int64, payerName, payerEmail, description string) (*PixCharge, error)
	PaymentStatus(ctx context.Context, transactionID string) (string, error)
}

// HTTPPixGateway talks to the provider's REST API, authenticating with a
// key pair in request headers.
type HTTPPixGateway struct {
	BaseURL   string
	PublicKey string
	SecretKey string
	Client    *http.Client
	Metrics   *Metrics
}

func NewHTTPPixGateway(baseURL, publicKey, secretKey string) *HTTPPixGateway {
	return &HTTPPixGateway{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		PublicKey: publicKey,
		SecretKey: secretKey,
		Client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// sanitizePayerName strips characters the provider rejects and caps the
// length it accepts.
func sanitizePayerName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch r {
		case '<', '>', '"', '\'', '&':
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if runes := []rune(out); len(runes) > 50 {
		out = string(runes[:50])
	}
	return out
}

func (g *HTTPPixGateway) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, &GatewayError{Op: path, Err: err}
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.BaseURL+path, reader)
	if err != nil {
		return nil, &GatewayError{Op: path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-public-key", g.PublicKey)
	req.Header.Set("x-secret-key", g.SecretKey)

	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, &GatewayError{Op: path, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &GatewayError{Op: path, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &GatewayError{
			Op:         path,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("provider returned %s", resp.Status),
		}
	}
	return data, nil
}

func (g *HTTPPixGateway) CreatePayment(ctx context.Context, amountMinor int64, payerName, payerEmail, description string) (*PixCharge, error) {
	req := map[string]any{
		"amount":      float64(amountMinor) / 100,
		"description": description,
		"payer": map[string]string{
			"name":  sanitizePayerName(payerName),
			"email": payerEmail,
		},
	}
	data, err := g.do(ctx, http.MethodPost, "/gateway/pix/receive", req)
	g.observe("create_payment", err)
	if err != nil {
		return nil, err
	}

	var body struct {
		TransactionID string `json:"transactionId"`
		Pix           struct {
			QRCode       string `json:"qrcode"`
			QRCodeBase64 string `json:"base64"`
			CopyPaste    string `json:"copyPaste"`
			DueDate      string `json:"dueDate"`
		} `json:"pix"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, &GatewayError{Op: "create_payment", Err: err}
	}
	if body.TransactionID == "" {
		return nil, &GatewayError{Op: "create_payment", Err: fmt.Errorf("response missing transactionId")}
	}
	return &PixCharge{
		TransactionID: body.TransactionID,
		QRCode:        body.Pix.QRCode,
		QRCodeBase64:  body.Pix.QRCodeBase64,
		CopyPaste:     body.Pix.CopyPaste,
		DueDate:       body.Pix.DueDate,
	}, nil
}

func (g *HTTPPixGateway) PaymentStatus(ctx context.Context, transactionID string) (string, error) {
	data, err := g.do(ctx, http.MethodGet, "/gateway/pix/status/"+transactionID, nil)
	g.observe("payment_status", err)
	if err != nil {
		return "", err
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return "", &GatewayError{Op: "payment_status", Err: err}
	}
	return strings.ToUpper(strings.TrimSpace(body.Status)), nil
}

func (g *HTTPPixGateway) observe(op string, err error) {
	if g.Metrics == nil {
		return
	}
	g.Metrics.ObserveGatewayCall(op, err)
}
