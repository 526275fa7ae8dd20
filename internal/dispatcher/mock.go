package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/enhance-orchestrator/internal/model"
	"github.com/jmehdipour/enhance-orchestrator/internal/signing"
)

// MockProvider accepts every dispatch and later posts signed callbacks to the
// payload's callback URL: one rendering update, then a completion. Setting
// options.mock_outcome to "fail" produces a failure callback instead.
type MockProvider struct {
	name   string
	secret []byte
	delay  time.Duration
	client *http.Client
	signer *signing.Signer
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMockProvider(s Spec, signer *signing.Signer, log *zap.Logger) *MockProvider {
	if signer == nil {
		signer = signing.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MockProvider{
		name:   s.Name,
		secret: []byte(s.Secret),
		delay:  s.CallbackDelay,
		client: &http.Client{Timeout: 5 * time.Second},
		signer: signer,
		log:    log.With(zap.String("provider", s.Name)),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (p *MockProvider) Name() string   { return p.name }
func (p *MockProvider) Kind() Kind     { return KindMock }
func (p *MockProvider) Secret() []byte { return p.secret }
func (p *MockProvider) Ready() bool    { return p.ctx.Err() == nil }

func (p *MockProvider) Dispatch(_ context.Context, payload []byte) error {
	var in model.DispatchPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return &DispatchError{Provider: p.name, Permanent: true, Err: err}
	}
	if in.JobID == "" || in.CallbackURL == "" {
		return &DispatchError{Provider: p.name, Permanent: true, Err: errors.New("payload missing jobId or callbackUrl")}
	}
	if p.ctx.Err() != nil {
		return &DispatchError{Provider: p.name, Err: errors.New("mock provider stopped")}
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.simulate(in)
	}()

	return nil
}

func (p *MockProvider) simulate(in model.DispatchPayload) {
	half := 50
	steps := []model.CallbackBody{
		{JobID: in.JobID, Status: "rendering", Stage: "rendering", Progress: &half},
	}

	if outcome, _ := in.Options["mock_outcome"].(string); outcome == "fail" {
		steps = append(steps, model.CallbackBody{
			JobID:        in.JobID,
			Status:       "failed",
			ErrorCode:    model.ErrCodeProvider,
			ErrorMessage: "mock render failure",
		})
	} else {
		steps = append(steps, model.CallbackBody{
			JobID:     in.JobID,
			Status:    "completed",
			OutputURL: fmt.Sprintf("%s?enhanced=%s", in.ImageURL, in.Mode),
		})
	}

	for _, step := range steps {
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(p.delay):
		}
		if err := p.post(in.CallbackURL, step); err != nil {
			p.log.Warn("mock callback failed", zap.String("job_id", in.JobID), zap.String("status", step.Status), zap.Error(err))
			return
		}
	}
}

func (p *MockProvider) post(url string, body model.CallbackBody) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(p.ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	p.signer.Sign(b, p.secret).Apply(req.Header)

	res, err := p.client.Do(req)
	if err != nil {
		return err
	}

	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		return fmt.Errorf("callback status %d", res.StatusCode)
	}

	return nil
}

// Close stops pending simulations and waits for in-flight callbacks.
func (p *MockProvider) Close() error {
	p.cancel()
	p.wg.Wait()
	return nil
}
