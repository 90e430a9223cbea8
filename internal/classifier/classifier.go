// Package classifier implements the Classifier Gateway (C3): an HTTP call
// to the external classification service, wrapped in a circuit breaker.
// The HTTP plumbing (context-scoped request, JSON encode/decode, status
// classification, correlation header propagation) follows the same shape
// the teacher uses for its own outbound HTTP provider: an *http.Client with
// an explicit per-call Timeout, http.NewRequestWithContext, a deferred
// resp.Body.Close, a status check, then json.NewDecoder(...).Decode.
package classifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ashita-ai/docpipeline/internal/breaker"
	"github.com/ashita-ai/docpipeline/internal/ctxutil"
)

// ErrCircuitOpen is returned when the breaker is open and the call is
// rejected without ever reaching the network (spec §7 CircuitOpen kind).
var ErrCircuitOpen = fmt.Errorf("classifier: circuit open")

// Verdict is the decoded classification response.
type Verdict struct {
	Classification string             `json:"classification"`
	Confidence     float64            `json:"confidence"`
	Scores         map[string]float64 `json:"scores"`
	OCR            json.RawMessage    `json:"ocr,omitempty"`
}

// FailureError wraps a non-2xx response, a decode failure, or a connection
// failure — all three surface uniformly as a transient ClassifierFailure
// per spec §4.3. Tripped is true when this particular failure is the one
// that just tripped the breaker from Closed/HalfOpen to Open.
type FailureError struct {
	Err     error
	Tripped bool
}

func (e *FailureError) Error() string { return fmt.Sprintf("classifier: call failed: %v", e.Err) }
func (e *FailureError) Unwrap() error { return e.Err }

type request struct {
	Content  string `json:"content"`
	MimeType string `json:"mimeType"`
}

// Gateway wraps a base URL and an HTTP client behind a circuit breaker.
type Gateway struct {
	BaseURL string
	Client  *http.Client
	Breaker *breaker.Breaker
}

// New returns a Gateway with the given per-call timeout and breaker tuning.
func New(baseURL string, timeout time.Duration, failureThreshold int, openDuration time.Duration) *Gateway {
	return &Gateway{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: timeout},
		Breaker: breaker.New(failureThreshold, openDuration),
	}
}

// Classify sends content for classification. If the breaker is open, it
// fails fast with ErrCircuitOpen without performing any I/O. Any other
// failure is wrapped in FailureError.
func (g *Gateway) Classify(ctx context.Context, content []byte, mimeType string) (Verdict, error) {
	if !g.Breaker.Allow() {
		return Verdict{}, ErrCircuitOpen
	}

	verdict, err := g.call(ctx, content, mimeType)
	if err != nil {
		tripped := g.Breaker.RecordFailure()
		if failure, ok := err.(*FailureError); ok {
			failure.Tripped = tripped
		}
		return Verdict{}, err
	}
	g.Breaker.RecordSuccess()
	return verdict, nil
}

func (g *Gateway) call(ctx context.Context, content []byte, mimeType string) (Verdict, error) {
	body, err := json.Marshal(request{
		Content:  base64.StdEncoding.EncodeToString(content),
		MimeType: mimeType,
	})
	if err != nil {
		return Verdict{}, &FailureError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/classify-with-ocr", bytes.NewReader(body))
	if err != nil {
		return Verdict{}, &FailureError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if id := ctxutil.CorrelationIDFromContext(ctx); id != "" {
		req.Header.Set("X-Request-Id", id)
	}

	resp, err := g.Client.Do(req)
	if err != nil {
		return Verdict{}, &FailureError{Err: fmt.Errorf("do request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Verdict{}, &FailureError{Err: fmt.Errorf("non-2xx status: %d", resp.StatusCode)}
	}

	var verdict Verdict
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return Verdict{}, &FailureError{Err: fmt.Errorf("decode response: %w", err)}
	}
	return verdict, nil
}
