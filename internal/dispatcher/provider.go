package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jmehdipour/enhance-orchestrator/internal/signing"
)

type Kind string

const (
	KindHTTP Kind = "http"
	KindMock Kind = "mock"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindHTTP, KindMock:
		return k, nil
	default:
		return "", fmt.Errorf("provider kind %q not supported", s)
	}
}

// Provider hands a signed job payload to a render backend. Results come back
// later through the callback endpoint, signed with the same Secret.
type Provider interface {
	Name() string
	Kind() Kind
	Secret() []byte
	Ready() bool
	Dispatch(ctx context.Context, payload []byte) error
}

type HTTPProvider struct {
	name   string
	url    string
	secret []byte
	client *http.Client
	signer *signing.Signer
	br     *Breaker
}

func NewHTTPProvider(s Spec, signer *signing.Signer) *HTTPProvider {
	if s.Timeout <= 0 {
		s.Timeout = 20 * time.Second
	}
	if signer == nil {
		signer = signing.New()
	}

	return &HTTPProvider{
		name:   s.Name,
		url:    s.URL,
		secret: []byte(s.Secret),
		client: &http.Client{Timeout: s.Timeout},
		signer: signer,
		br:     NewBreaker(s.FailThreshold, s.OpenFor),
	}
}

func (p *HTTPProvider) Name() string   { return p.name }
func (p *HTTPProvider) Kind() Kind     { return KindHTTP }
func (p *HTTPProvider) Secret() []byte { return p.secret }
func (p *HTTPProvider) Ready() bool    { return p.br.Ready() }

func (p *HTTPProvider) Dispatch(ctx context.Context, payload []byte) error {
	if !p.br.TryAcquire() {
		return &DispatchError{Provider: p.name, Err: ErrCircuitOpen}
	}

	err := p.post(ctx, payload)
	if err != nil && !IsPermanent(err) {
		p.br.OnFailure()
		return err
	}

	// a rejected payload still proves the provider is up
	p.br.OnSuccess()
	return err
}

func (p *HTTPProvider) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return &DispatchError{Provider: p.name, Permanent: true, Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	p.signer.Sign(payload, p.secret).Apply(req.Header)

	res, err := p.client.Do(req)
	if err != nil {
		return &DispatchError{Provider: p.name, Err: err}
	}

	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return &DispatchError{
			Provider:   p.name,
			StatusCode: res.StatusCode,
			Permanent:  permanentStatus(res.StatusCode),
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(body))),
		}
	}

	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}
