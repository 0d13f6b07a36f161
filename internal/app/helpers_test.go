package app

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pixgate/transaction-service/internal/domain"
	"github.com/pixgate/transaction-service/internal/store"
	"github.com/pixgate/transaction-service/pkg/pixclient"
	"github.com/pixgate/transaction-service/pkg/secretbox"
	"github.com/pixgate/transaction-service/pkg/webhookclient"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type processorStub struct {
	mu sync.Mutex

	depositResp  *pixclient.DepositResponse
	depositErr   error
	withdrawResp *pixclient.WithdrawResponse
	withdrawErr  error
	status       map[string]string
	statusErr    error
	keyValid     bool

	createCalls atomic.Int64
	statusCalls atomic.Int64
}

func (p *processorStub) CreateDeposit(ctx context.Context, amount int64, key, description string) (*pixclient.DepositResponse, error) {
	p.createCalls.Add(1)
	if p.depositErr != nil {
		return nil, p.depositErr
	}
	return p.depositResp, nil
}

func (p *processorStub) CreateWithdraw(ctx context.Context, amount int64, key, description string) (*pixclient.WithdrawResponse, error) {
	p.createCalls.Add(1)
	if p.withdrawErr != nil {
		return nil, p.withdrawErr
	}
	return p.withdrawResp, nil
}

func (p *processorStub) statusFor(id string) (*pixclient.StatusResponse, error) {
	p.statusCalls.Add(1)
	if p.statusErr != nil {
		return nil, p.statusErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return &pixclient.StatusResponse{ID: id, QrID: id, Status: p.status[id], PayerName: "Maria Souza"}, nil
}

func (p *processorStub) setStatus(id, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == nil {
		p.status = map[string]string{}
	}
	p.status[id] = status
}

func (p *processorStub) GetDepositStatus(ctx context.Context, externalID string) (*pixclient.StatusResponse, error) {
	return p.statusFor(externalID)
}

func (p *processorStub) GetWithdrawStatus(ctx context.Context, externalID string) (*pixclient.StatusResponse, error) {
	return p.statusFor(externalID)
}

func (p *processorStub) ValidateKey(ctx context.Context, key string) (*pixclient.KeyValidationResponse, error) {
	return &pixclient.KeyValidationResponse{Valid: p.keyValid, KeyType: "EMAIL"}, nil
}

func (p *processorStub) GetBalance(ctx context.Context) (*pixclient.BalanceResponse, error) {
	return &pixclient.BalanceResponse{Available: 1000, Pending: 50}, nil
}

type publisherStub struct {
	mu   sync.Mutex
	keys []string
}

func (p *publisherStub) Publish(ctx context.Context, routingKey string, body any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	return nil
}

func (p *publisherStub) Close() {}

func (p *publisherStub) count(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, k := range p.keys {
		if k == key {
			n++
		}
	}
	return n
}

type receivedWebhook struct {
	Envelope  domain.WebhookEnvelope
	Body      []byte
	Signature string
	Headers   http.Header
}

// subscriber is an httptest webhook receiver that records every delivery.
type subscriber struct {
	server *httptest.Server
	status atomic.Int64

	mu       sync.Mutex
	received []receivedWebhook
}

func newSubscriber(t *testing.T) *subscriber {
	t.Helper()
	s := &subscriber{}
	s.status.Store(http.StatusOK)
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var env domain.WebhookEnvelope
		_ = json.Unmarshal(body, &env)
		s.mu.Lock()
		s.received = append(s.received, receivedWebhook{Envelope: env, Body: body, Signature: r.Header.Get(webhookclient.SignatureHeader), Headers: r.Header.Clone()})
		s.mu.Unlock()
		w.WriteHeader(int(s.status.Load()))
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *subscriber) deliveries() []receivedWebhook {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]receivedWebhook(nil), s.received...)
}

func (s *subscriber) countEvent(event string) int {
	n := 0
	for _, r := range s.deliveries() {
		if r.Envelope.Event == event {
			n++
		}
	}
	return n
}

// independentSignature computes the expected header without the code under test.
func independentSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return fmt.Sprintf("sha256=%s", hex.EncodeToString(mac.Sum(nil)))
}

type testEnv struct {
	repo       *store.MemoryRepository
	svc        *Service
	limits     *LimitService
	dispatcher *Dispatcher
	sweeper    *Sweeper
	processor  *processorStub
	publisher  *publisherStub
	cipher     *secretbox.Box
	clock      *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := discardLogger()
	clock := newFakeClock(time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC))
	repo := store.NewMemoryRepository()
	repo.SetClock(clock.Now)

	cipher, err := secretbox.New("test-master-key")
	if err != nil {
		t.Fatalf("secretbox.New: %v", err)
	}
	audit := NewAuditor(repo, logger)
	audit.now = clock.Now

	limits := NewLimitService(repo, DefaultLimitPolicy(), logger)
	limits.SetClock(clock.Now)

	dispatcher := NewDispatcher(repo, cipher, webhookclient.NewClient(5*time.Second), InlineRunner{}, DefaultRetryPolicy(), false, audit, logger)
	dispatcher.SetClock(clock.Now)

	processor := &processorStub{
		depositResp:  &pixclient.DepositResponse{ID: "qr-1", QRCopyPaste: "000201...", Raw: json.RawMessage(`{"id":"qr-1"}`)},
		withdrawResp: &pixclient.WithdrawResponse{ID: "wd-1", Status: "pending", Raw: json.RawMessage(`{"id":"wd-1"}`)},
		keyValid:     true,
	}
	publisher := &publisherStub{}

	svc := NewService(Dependencies{
		Repo:      repo,
		Processor: processor,
		Limits:    limits,
		Webhooks:  dispatcher,
		Publisher: publisher,
		Audit:     audit,
		Logger:    logger,
	}, DefaultCreatePolicy())
	svc.SetClock(clock.Now)

	sweeper := NewSweeper(repo, svc, audit, logger)
	sweeper.SetClock(clock.Now)

	return &testEnv{
		repo:       repo,
		svc:        svc,
		limits:     limits,
		dispatcher: dispatcher,
		sweeper:    sweeper,
		processor:  processor,
		publisher:  publisher,
		cipher:     cipher,
		clock:      clock,
	}
}

func countAudit(repo *store.MemoryRepository, action string) int {
	n := 0
	for _, e := range repo.AuditEntries() {
		if e.Action == action {
			n++
		}
	}
	return n
}
