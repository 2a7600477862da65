// Package service runs the GitHub device authorization flow for the single allow-listed owner
// and hands out the resulting sessions.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/oauth2"

	"remote-access-trust/backend/internal/github"
	"remote-access-trust/backend/internal/identity/domain"
	sessiondomain "remote-access-trust/backend/internal/session/domain"
	sessionservice "remote-access-trust/backend/internal/session/service"
	"remote-access-trust/backend/internal/telemetry"
	telemetrydomain "remote-access-trust/backend/internal/telemetry/domain"
)

// Sentinel errors for the device flow; the handler maps them to HTTP statuses.
var (
	ErrDeviceLoginNotConfigured = errors.New("device login is not configured")
	ErrTooManyDeviceFlows       = errors.New("too many device login attempts in progress; try again shortly")
	ErrFlowNotFound             = errors.New("device login not found or already finished")
	ErrFlowCancelled            = errors.New("device login was cancelled")
	ErrFlowExpired              = errors.New("device code expired; start a new login")
	ErrAccessDenied             = errors.New("authorization was denied on GitHub")
	ErrOwnerMismatch            = errors.New("GitHub account is not allowed to sign in")
	ErrShuttingDown             = errors.New("server is shutting down")
	ErrWaitTimeout              = errors.New("timed out waiting for device login")
	ErrProviderError            = errors.New("GitHub device flow error")
)

const eventSource = "device_flow"

// Options tune the flow bookkeeping. Zero fields take DefaultOptions values.
type Options struct {
	// MaxConcurrentFlows caps tracked flows plus starts in progress.
	MaxConcurrentFlows int
	// MinPollInterval is the floor for the provider poll interval.
	MinPollInterval time.Duration
	// MaxFlowDuration bounds a flow even if the provider's device code lives longer.
	MaxFlowDuration time.Duration
	// CompletedFlowRetention keeps finished flows readable by late waiters.
	CompletedFlowRetention time.Duration
	// DefaultWaitTimeout applies when WaitOptions.Timeout is zero.
	DefaultWaitTimeout time.Duration
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		MaxConcurrentFlows:     5,
		MinPollInterval:        5 * time.Second,
		MaxFlowDuration:        10 * time.Minute,
		CompletedFlowRetention: 10 * time.Second,
		DefaultWaitTimeout:     5 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxConcurrentFlows <= 0 {
		o.MaxConcurrentFlows = d.MaxConcurrentFlows
	}
	if o.MinPollInterval <= 0 {
		o.MinPollInterval = d.MinPollInterval
	}
	if o.MaxFlowDuration <= 0 {
		o.MaxFlowDuration = d.MaxFlowDuration
	}
	if o.CompletedFlowRetention <= 0 {
		o.CompletedFlowRetention = d.CompletedFlowRetention
	}
	if o.DefaultWaitTimeout <= 0 {
		o.DefaultWaitTimeout = d.DefaultWaitTimeout
	}
	return o
}

// slowDownStep is added to the interval when slow_down carries no interval of its own.
const slowDownStep = 5 * time.Second

// DeviceProvider is the GitHub surface the flow needs.
type DeviceProvider interface {
	RequestDeviceCode(ctx context.Context) (*github.DeviceCode, error)
	ExchangeDeviceCode(ctx context.Context, deviceCode string) (*oauth2.Token, error)
	GetUser(ctx context.Context, accessToken string) (*github.User, error)
}

// SessionManager is the minimal session store surface needed by the authority.
type SessionManager interface {
	Create(ctx context.Context, meta sessiondomain.ClientMeta) (*sessionservice.Created, error)
	Validate(ctx context.Context, token string, meta sessiondomain.ClientMeta) (string, bool)
	List(ctx context.Context, currentID string) ([]sessiondomain.Info, error)
	Revoke(ctx context.Context, id string) error
	RevokeOthers(ctx context.Context, currentID string) (int, error)
}

// WaitOptions are per-call settings for WaitForGithubDeviceFlow.
type WaitOptions struct {
	Timeout   time.Duration
	UserAgent string
	IPAddress string
}

// deviceFlow is one login attempt. Fields below mu-guarded; done is closed once by finish.
type deviceFlow struct {
	id             string
	deviceCode     string
	interval       time.Duration
	state          domain.FlowState
	pollingStarted bool
	meta           sessiondomain.ClientMeta
	cancelPoll     context.CancelFunc
	expiry         *time.Timer
	done           chan struct{}
	result         *sessionservice.Created
	err            error
	// delivered is set once a waiter has returned result.
	delivered bool
}

// DeviceFlowAuthority tracks device flows and fronts the session manager.
type DeviceFlowAuthority struct {
	mu       sync.Mutex
	owner    string
	provider DeviceProvider
	sessions SessionManager
	opts     Options
	flows    map[string]*deviceFlow
	starting int
	disposed bool
	emitter  telemetry.EventEmitter

	flowsStarted    metric.Int64Counter
	sessionsCreated metric.Int64Counter
}

// NewDeviceFlowAuthority returns an authority for owner. An empty owner or nil provider leaves
// device login disabled; session operations still work.
func NewDeviceFlowAuthority(owner string, provider DeviceProvider, sessions SessionManager, opts Options, emitter telemetry.EventEmitter) *DeviceFlowAuthority {
	meter := otel.Meter("remote-access-trust/identity")
	flowsStarted, err := meter.Int64Counter("device_flow.started", metric.WithDescription("Device login flows started"))
	if err != nil {
		flowsStarted, _ = noop.NewMeterProvider().Meter("").Int64Counter("device_flow.started")
	}
	sessionsCreated, err := meter.Int64Counter("session.created", metric.WithDescription("Sessions created by device login"))
	if err != nil {
		sessionsCreated, _ = noop.NewMeterProvider().Meter("").Int64Counter("session.created")
	}
	return &DeviceFlowAuthority{
		owner:           strings.TrimSpace(owner),
		provider:        provider,
		sessions:        sessions,
		opts:            opts.withDefaults(),
		flows:           make(map[string]*deviceFlow),
		emitter:         emitter,
		flowsStarted:    flowsStarted,
		sessionsCreated: sessionsCreated,
	}
}

// Enabled reports whether device login is configured.
func (a *DeviceFlowAuthority) Enabled() bool {
	return a.owner != "" && a.provider != nil
}

// StartGithubDeviceFlow registers a device code with GitHub and returns what the user needs to
// approve it. Polling starts with the first WaitForGithubDeviceFlow call.
func (a *DeviceFlowAuthority) StartGithubDeviceFlow(ctx context.Context) (*domain.FlowStart, error) {
	if !a.Enabled() {
		return nil, ErrDeviceLoginNotConfigured
	}
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if len(a.flows)+a.starting >= a.opts.MaxConcurrentFlows {
		a.mu.Unlock()
		return nil, ErrTooManyDeviceFlows
	}
	a.starting++
	a.mu.Unlock()

	code, err := a.provider.RequestDeviceCode(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.starting--
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderError, err)
	}
	if a.disposed {
		return nil, ErrShuttingDown
	}

	flow := &deviceFlow{
		id:         uuid.New().String(),
		deviceCode: code.DeviceCode,
		interval:   clampInterval(time.Duration(code.Interval)*time.Second, a.opts.MinPollInterval),
		state:      domain.FlowStateStarted,
		done:       make(chan struct{}),
	}
	lifetime := a.opts.MaxFlowDuration
	if expiresIn := time.Duration(code.ExpiresIn) * time.Second; expiresIn > 0 && expiresIn < lifetime {
		lifetime = expiresIn
	}
	flow.expiry = time.AfterFunc(lifetime, func() {
		a.finish(flow, nil, ErrFlowExpired)
	})
	a.flows[flow.id] = flow

	a.flowsStarted.Add(ctx, 1)
	telemetry.EmitAsync(a.emitter, &telemetrydomain.Event{
		EventType: telemetrydomain.EventDeviceFlowStarted,
		Source:    eventSource,
		FlowID:    flow.id,
	})
	return &domain.FlowStart{
		FlowID:          flow.id,
		VerificationURI: code.VerificationURI,
		UserCode:        code.UserCode,
	}, nil
}

// WaitForGithubDeviceFlow blocks until the flow finishes, opts.Timeout elapses, or ctx is done.
// The first waiter starts polling GitHub; its client metadata is recorded on the new session.
// A timeout or cancelled ctx only ends this call; the flow keeps running for other waiters.
func (a *DeviceFlowAuthority) WaitForGithubDeviceFlow(ctx context.Context, flowID string, opts WaitOptions) (*sessionservice.Created, error) {
	a.mu.Lock()
	flow, ok := a.flows[flowID]
	if !ok {
		a.mu.Unlock()
		return nil, ErrFlowNotFound
	}
	if !flow.pollingStarted && !flow.state.Terminal() {
		flow.pollingStarted = true
		flow.state = domain.FlowStatePolling
		flow.meta = sessiondomain.ClientMeta{UserAgent: opts.UserAgent, IPAddress: opts.IPAddress}
		pollCtx, cancel := context.WithCancel(context.Background())
		flow.cancelPoll = cancel
		go a.poll(pollCtx, flow)
	}
	a.mu.Unlock()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = a.opts.DefaultWaitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-flow.done:
		a.mu.Lock()
		defer a.mu.Unlock()
		if flow.result != nil {
			flow.delivered = true
		}
		return flow.result, flow.err
	case <-timer.C:
		return nil, ErrWaitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CancelGithubDeviceFlow ends the flow for every waiter. Cancelling a finished flow is a no-op.
func (a *DeviceFlowAuthority) CancelGithubDeviceFlow(flowID string) error {
	a.mu.Lock()
	flow, ok := a.flows[flowID]
	a.mu.Unlock()
	if !ok {
		return ErrFlowNotFound
	}
	a.finish(flow, nil, ErrFlowCancelled)
	return nil
}

// Dispose ends all flows with ErrShuttingDown and refuses new ones.
func (a *DeviceFlowAuthority) Dispose() {
	a.mu.Lock()
	a.disposed = true
	flows := make([]*deviceFlow, 0, len(a.flows))
	for _, flow := range a.flows {
		flows = append(flows, flow)
	}
	a.mu.Unlock()
	for _, flow := range flows {
		a.finish(flow, nil, ErrShuttingDown)
	}
}

func (a *DeviceFlowAuthority) poll(ctx context.Context, flow *deviceFlow) {
	a.mu.Lock()
	interval := flow.interval
	a.mu.Unlock()

	for {
		if !sleepCtx(ctx, interval) {
			return
		}
		tok, err := a.provider.ExchangeDeviceCode(ctx, flow.deviceCode)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			code, retryAfter := github.TokenError(err)
			switch code {
			case github.ErrorAuthorizationPending:
				continue
			case github.ErrorSlowDown:
				interval = nextInterval(interval, retryAfter, a.opts.MinPollInterval)
				log.Printf("identity: device flow %s asked to slow down, polling every %s", flow.id, interval)
				continue
			case github.ErrorExpiredToken:
				a.finish(flow, nil, ErrFlowExpired)
				return
			case github.ErrorAccessDenied:
				a.finish(flow, nil, ErrAccessDenied)
				return
			case "":
				if github.IsTransient(err) {
					log.Printf("identity: device flow %s poll failed, retrying: %v", flow.id, err)
					continue
				}
			}
			a.finish(flow, nil, fmt.Errorf("%w: %w", ErrProviderError, err))
			return
		}

		user, ok := a.fetchUser(ctx, flow, tok.AccessToken, interval)
		if !ok {
			return
		}
		if !strings.EqualFold(user.Login, a.owner) {
			log.Printf("identity: device flow %s denied for GitHub user %q", flow.id, user.Login)
			a.finish(flow, nil, ErrOwnerMismatch)
			return
		}
		a.completeLogin(ctx, flow)
		return
	}
}

// fetchUser retries transient failures on the poll interval; the access token stays valid.
func (a *DeviceFlowAuthority) fetchUser(ctx context.Context, flow *deviceFlow, accessToken string, interval time.Duration) (*github.User, bool) {
	for {
		user, err := a.provider.GetUser(ctx, accessToken)
		if err == nil {
			return user, true
		}
		if ctx.Err() != nil {
			return nil, false
		}
		if !github.IsTransient(err) {
			a.finish(flow, nil, fmt.Errorf("%w: %w", ErrProviderError, err))
			return nil, false
		}
		log.Printf("identity: device flow %s user lookup failed, retrying: %v", flow.id, err)
		if !sleepCtx(ctx, interval) {
			return nil, false
		}
	}
}

func (a *DeviceFlowAuthority) completeLogin(ctx context.Context, flow *deviceFlow) {
	if ctx.Err() != nil {
		return
	}
	// Not bound to the poll context: a half-finished store write must not be abandoned.
	created, err := a.sessions.Create(context.Background(), flow.meta)
	if err != nil {
		a.finish(flow, nil, fmt.Errorf("create session: %w", err))
		return
	}
	a.sessionsCreated.Add(context.Background(), 1, metric.WithAttributes(attribute.String("source", eventSource)))
	if a.finish(flow, created, nil) {
		return
	}
	// The flow ended while the session was being written; nobody will receive the token.
	if err := a.sessions.Revoke(context.Background(), created.SessionID); err != nil && !errors.Is(err, sessionservice.ErrSessionNotFound) {
		log.Printf("identity: failed to revoke orphaned session %s: %v", created.SessionID, err)
		return
	}
	log.Printf("identity: revoked session %s created after device flow %s ended", created.SessionID, flow.id)
}

// finish moves flow to its terminal state once. Returns false if it was already terminal.
func (a *DeviceFlowAuthority) finish(flow *deviceFlow, result *sessionservice.Created, err error) bool {
	a.mu.Lock()
	if flow.state.Terminal() {
		a.mu.Unlock()
		return false
	}
	flow.state = terminalState(err)
	flow.result = result
	flow.err = err
	flow.expiry.Stop()
	if flow.cancelPoll != nil {
		flow.cancelPoll()
	}
	close(flow.done)
	time.AfterFunc(a.opts.CompletedFlowRetention, func() { a.expire(flow) })
	state := flow.state
	a.mu.Unlock()

	event := &telemetrydomain.Event{
		Source:   eventSource,
		FlowID:   flow.id,
		Metadata: map[string]string{"state": string(state)},
	}
	switch state {
	case domain.FlowStateAuthorized:
		event.EventType = telemetrydomain.EventDeviceFlowCompleted
		event.SessionID = result.SessionID
		log.Printf("identity: device flow %s completed, session %s", flow.id, result.SessionID)
	case domain.FlowStateDenied:
		event.EventType = telemetrydomain.EventDeviceFlowDenied
	default:
		event.EventType = telemetrydomain.EventDeviceFlowFailed
		event.Metadata["error"] = err.Error()
		if state != domain.FlowStateCancelled {
			log.Printf("identity: device flow %s ended: %v", flow.id, err)
		}
	}
	telemetry.EmitAsync(a.emitter, event)
	return true
}

// expire drops a finished flow once its retention ends. A session nobody collected is revoked,
// since its token exists nowhere else.
func (a *DeviceFlowAuthority) expire(flow *deviceFlow) {
	a.mu.Lock()
	if a.flows[flow.id] == flow {
		delete(a.flows, flow.id)
	}
	orphan := flow.result != nil && !flow.delivered
	a.mu.Unlock()
	if !orphan {
		return
	}
	if err := a.sessions.Revoke(context.Background(), flow.result.SessionID); err != nil && !errors.Is(err, sessionservice.ErrSessionNotFound) {
		log.Printf("identity: failed to revoke undelivered session %s: %v", flow.result.SessionID, err)
		return
	}
	log.Printf("identity: revoked session %s from device flow %s, never collected by a waiter", flow.result.SessionID, flow.id)
}

func terminalState(err error) domain.FlowState {
	switch {
	case err == nil:
		return domain.FlowStateAuthorized
	case errors.Is(err, ErrOwnerMismatch), errors.Is(err, ErrAccessDenied):
		return domain.FlowStateDenied
	case errors.Is(err, ErrFlowExpired):
		return domain.FlowStateExpired
	case errors.Is(err, ErrFlowCancelled), errors.Is(err, ErrShuttingDown):
		return domain.FlowStateCancelled
	default:
		return domain.FlowStateFailed
	}
}

func clampInterval(d, floor time.Duration) time.Duration {
	if d < floor {
		return floor
	}
	return d
}

// nextInterval applies a slow_down response: the provider's suggestion if any, else one step
// slower, never below floor.
func nextInterval(current, suggested, floor time.Duration) time.Duration {
	next := current + slowDownStep
	if suggested > 0 {
		next = suggested
	}
	return clampInterval(next, floor)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// ValidateSessionToken returns the session id for a live token.
func (a *DeviceFlowAuthority) ValidateSessionToken(ctx context.Context, token string, meta sessiondomain.ClientMeta) (string, bool) {
	return a.sessions.Validate(ctx, token, meta)
}

// ListSessions returns live sessions with currentID marked.
func (a *DeviceFlowAuthority) ListSessions(ctx context.Context, currentID string) ([]sessiondomain.Info, error) {
	return a.sessions.List(ctx, currentID)
}

// RevokeSession deletes one session; a missing id yields sessionservice.ErrSessionNotFound.
func (a *DeviceFlowAuthority) RevokeSession(ctx context.Context, id string) error {
	return a.sessions.Revoke(ctx, id)
}

// RevokeOtherSessions deletes every session except currentID and returns how many went.
func (a *DeviceFlowAuthority) RevokeOtherSessions(ctx context.Context, currentID string) (int, error) {
	return a.sessions.RevokeOthers(ctx, currentID)
}
