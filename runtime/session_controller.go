package runtime

import (
	"context"
	stderrors "errors"
	"fmt"
	"lingo-chat/contract"
	"lingo-chat/domain/conversation"
	"lingo-chat/errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	callInviteFormat    = "I've started a video call. Join me here: %s"
	callInviteSent      = "Video call link sent successfully!"
	connectFailedFormat = "Could not connect to chat: %s"
	refreshRetryDelay   = 30 * time.Second
)

type SessionConfig struct {
	// CallBaseURL is the origin call links are built on.
	CallBaseURL string
	// RefreshLead is how long before expiry a credential is renewed.
	RefreshLead time.Duration
	// AttemptTimeout bounds one connect+watch attempt. Zero means no bound.
	AttemptTimeout time.Duration
	ReleaseTimeout time.Duration
	// RefreshRetryDelay is the wait before retrying a failed credential refresh.
	// Zero means 30s.
	RefreshRetryDelay time.Duration
}

// Snapshot is the read-only view of the session handed to the UI layer.
// Connection and Channel are only set when State is Ready.
type Snapshot struct {
	State        conversation.SessionState
	ErrorMessage string
	ChannelKey   conversation.ChannelKey
	Connection   contract.IConnection
	Channel      contract.IChannel
}

func (s Snapshot) IsReady() bool {
	return s.State == conversation.Ready
}

// SessionController binds an identity, its credential and a target participant
// to a watched two-party channel.
//
// Run is the only goroutine mutating the session. Setters record the latest
// inputs and wake the loop, async steps post their results back to it.
// The Run context is the liveness token: nothing is committed once it is done.
type SessionController struct {
	id       string
	log      *slog.Logger
	conns    *ConnectionManager
	issuer   contract.ICredentialIssuer
	notifier contract.Notifier
	config   SessionConfig

	mu      sync.Mutex
	pending inputs

	running     atomic.Bool
	wake        chan struct{}
	attempts    chan attemptResult
	credentials chan credentialResult
	invites     chan chan inviteTarget
	changes     chan struct{}
	stopped     chan struct{}
	snapshot    atomic.Pointer[Snapshot]

	// Owned by the Run goroutine.
	state    conversation.SessionState
	errMsg   string
	dirty    bool
	seq      uint64
	inflight chan struct{}
	released <-chan struct{}
	settled  *inputs
	fetching string
	conn     contract.IConnection
	connDone <-chan struct{}
	bound    *conversation.Credential
	rejected *conversation.Credential
	channel  contract.IChannel
	key      conversation.ChannelKey
	refresh  *time.Timer
	refreshC <-chan time.Time
}

// NewSessionController builds a controller. issuer and notifier may be nil:
// without issuer the credential must be supplied with SetCredential.
func NewSessionController(log *slog.Logger, conns *ConnectionManager,
	issuer contract.ICredentialIssuer, notifier contract.Notifier, config SessionConfig) *SessionController {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	c := &SessionController{
		id:          uuid.NewString(),
		log:         log,
		conns:       conns,
		issuer:      issuer,
		notifier:    notifier,
		config:      config,
		wake:        make(chan struct{}, 1),
		attempts:    make(chan attemptResult),
		credentials: make(chan credentialResult),
		invites:     make(chan chan inviteTarget),
		changes:     make(chan struct{}, 1),
		stopped:     make(chan struct{}),
	}
	c.snapshot.Store(&Snapshot{State: conversation.Uninitialized})
	return c
}

// SetIdentity records the authenticated user, nil when signed out.
func (c *SessionController) SetIdentity(identity *conversation.Identity) {
	c.update(func(in *inputs) { in.identity = clone(identity) })
}

func (c *SessionController) SetCredential(credential *conversation.Credential) {
	c.update(func(in *inputs) { in.credential = clone(credential) })
}

// SetTarget records the other participant, empty when none is selected.
func (c *SessionController) SetTarget(targetID string) {
	c.update(func(in *inputs) { in.targetID = targetID })
}

// Retry forces a fresh attempt with the current inputs.
func (c *SessionController) Retry() {
	c.update(func(in *inputs) { in.retries++ })
}

func (c *SessionController) Snapshot() Snapshot {
	return *c.snapshot.Load()
}

// Changes signals that a new Snapshot is available. Signals coalesce.
func (c *SessionController) Changes() <-chan struct{} {
	return c.changes
}

// SendCallInvite posts a call link for the current channel.
// It fails with ErrNotReady outside Ready, without any network call.
func (c *SessionController) SendCallInvite(ctx context.Context) error {
	if !c.Snapshot().IsReady() {
		return errors.ErrNotReady
	}

	reply := make(chan inviteTarget, 1)
	select {
	case c.invites <- reply:
	case <-c.stopped:
		return errors.ErrNotReady
	case <-ctx.Done():
		return ctx.Err()
	}
	target := <-reply
	if target.channel == nil {
		return errors.ErrNotReady
	}

	callURL, err := url.JoinPath(c.config.CallBaseURL, "call", target.key.String())
	if err != nil {
		return fmt.Errorf("build call url: %w", err)
	}
	if err = target.channel.SendMessage(ctx, fmt.Sprintf(callInviteFormat, callURL)); err != nil {
		return fmt.Errorf("send call invite: %w", err)
	}
	c.log.Info("Call invite sent", "channel", target.key)
	c.notifier.Success(callInviteSent)
	return nil
}

// Run drives the session until ctx is cancelled, then tears it down.
// A controller runs once.
func (c *SessionController) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: session controller %s already ran", errors.ErrWorkerDone, c.id)
	}

	c.transition(conversation.AwaitingInputs, "")
	c.evaluate(ctx)
	c.publish()

	for {
		select {
		case <-ctx.Done():
			c.teardown()
			return nil
		case <-c.wake:
			c.evaluate(ctx)
		case res := <-c.attempts:
			c.finishAttempt(ctx, res)
		case res := <-c.credentials:
			c.finishCredential(ctx, res)
		case reply := <-c.invites:
			reply <- c.inviteTarget()
		case <-c.refreshC:
			c.refreshCredential(ctx)
		case <-c.connDone:
			c.connectionLost()
		}
		c.publish()
	}
}

// evaluate moves the session toward the latest inputs.
// While Initializing the trigger is dropped: finishAttempt evaluates again.
func (c *SessionController) evaluate(ctx context.Context) {
	if c.state == conversation.Initializing {
		c.log.Debug("Already initializing, trigger dropped")
		return
	}

	in := c.latest()
	if c.settled != nil && c.settled.equal(in) {
		return
	}
	if c.rejected != nil {
		c.discardRejected(&in)
	}

	switch {
	case in.identity == nil || in.targetID == "":
		c.awaitInputs(in)
	case in.credential == nil || !in.credential.ScopedTo(*in.identity):
		c.awaitInputs(in)
		c.requestCredential(ctx, in.identity.ID, false)
	default:
		c.startAttempt(ctx, in)
	}
}

func (c *SessionController) awaitInputs(in inputs) {
	c.dropChannel()
	c.stopRefresh()
	c.settled = nil
	if in.identity == nil && c.conn != nil {
		c.conn, c.bound = nil, nil
		c.released = c.releaseAsync(nil)
	}
	c.transition(conversation.AwaitingInputs, "")
}

func (c *SessionController) startAttempt(ctx context.Context, in inputs) {
	// Same identity, new credential: the socket must be reopened with it.
	rotate := c.bound != nil && c.bound.ScopedTo(*in.identity) && !c.bound.Equal(*in.credential)

	c.dropChannel()
	c.stopRefresh()
	c.seq++
	c.transition(conversation.Initializing, "")

	done := make(chan struct{})
	c.inflight = done
	seq, released := c.seq, c.released
	go func() {
		defer close(done)
		// A release requested earlier must not take the new connection with it.
		if released != nil {
			<-released
		}
		res := c.initialize(ctx, seq, in, rotate)
		select {
		case c.attempts <- res:
		case <-ctx.Done():
		}
	}()
}

// initialize runs the three steps of an attempt: connect, resolve, watch.
func (c *SessionController) initialize(ctx context.Context, seq uint64, in inputs, rotate bool) attemptResult {
	res := attemptResult{seq: seq, in: in}
	if c.config.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.AttemptTimeout)
		defer cancel()
	}
	identity, credential := *in.identity, *in.credential

	// 1. Connection, the old identity is disconnected first by the manager
	connect := c.conns.Connect
	if rotate {
		connect = c.conns.Reconnect
	}
	conn, err := connect(ctx, c.id, identity, credential)
	if err != nil {
		res.err = err
		return res
	}
	res.conn = conn
	if ctx.Err() != nil {
		res.err = fmt.Errorf("%w: %w", errors.ErrConnection, ctx.Err())
		return res
	}

	// 2. Channel key
	key, err := conversation.ResolveChannel(identity.ID, in.targetID)
	if err != nil {
		res.err = err
		return res
	}

	// 3. Channel handle and subscription
	channel, err := conn.Channel(key, conversation.Members(identity.ID, in.targetID))
	if err != nil {
		res.err = fmt.Errorf("%w: %w", errors.ErrChannelWatch, err)
		return res
	}
	if err = channel.Watch(ctx); err != nil {
		res.err = fmt.Errorf("%w: %w", errors.ErrChannelWatch, err)
		return res
	}

	res.key, res.channel = key, channel
	return res
}

func (c *SessionController) finishAttempt(ctx context.Context, res attemptResult) {
	if ctx.Err() != nil || res.seq != c.seq {
		c.log.Debug("Late attempt result discarded", "seq", res.seq)
		return
	}
	c.inflight = nil
	if res.conn != nil {
		c.conn, c.bound = res.conn, res.in.credential
	}

	superseded := !c.latest().equal(res.in)
	c.settled = &res.in
	if res.err != nil {
		if credentialRejected(res.err) {
			c.rejected = res.in.credential
			c.invalidate(res.in.credential.SubjectID)
		}
		c.fail(res.err, !superseded)
	} else {
		c.channel, c.key = res.channel, res.key
		c.connDone = res.conn.Done()
		c.transition(conversation.Ready, "")
		c.log.Info("Chat initialized", "channel", res.key, "identity", res.in.identity.ID)
		c.scheduleRefresh(*res.in.credential)
	}

	// Inputs moved while the attempt was in flight, follow them once.
	if superseded {
		c.evaluate(ctx)
	}
}

// connectionLost leaves Ready once the socket behind the channel is gone.
// The dead handle is given back, Retry or new inputs dial again.
func (c *SessionController) connectionLost() {
	c.connDone = nil
	if c.state != conversation.Ready {
		return
	}
	c.log.Warn("Connection lost", "channel", c.key)
	c.conn, c.bound = nil, nil
	c.released = c.releaseAsync(nil)
	c.fail(errors.ErrConnectionLost, true)
}

// discardRejected drops the pending credential the backend refused,
// so the next attempt asks the issuer for another one.
// Without issuer a new credential has to come from SetCredential.
func (c *SessionController) discardRejected(in *inputs) {
	rejected := c.rejected
	c.rejected = nil
	if c.issuer == nil || in.credential == nil || !in.credential.Equal(*rejected) {
		return
	}
	c.mu.Lock()
	if c.pending.credential != nil && c.pending.credential.Equal(*rejected) {
		c.pending.credential = nil
	}
	c.mu.Unlock()
	in.credential = nil
	c.log.Info("Rejected credential discarded", "identity", rejected.SubjectID)
}

func (c *SessionController) invalidate(subjectID string) {
	invalidator, ok := c.issuer.(contract.ICredentialInvalidator)
	if !ok {
		return
	}
	if err := invalidator.Invalidate(subjectID); err != nil {
		c.log.Warn("Credential invalidation failed", "identity", subjectID, "error", err)
	}
}

// credentialRejected tells a refused connect apart from a refused watch or a network failure.
func credentialRejected(err error) bool {
	return stderrors.Is(err, errors.ErrConnection) && stderrors.Is(err, errors.ErrBackendRejected)
}

func (c *SessionController) requestCredential(ctx context.Context, subjectID string, refresh bool) {
	if c.issuer == nil {
		c.log.Debug("Waiting for a credential", "identity", subjectID)
		return
	}
	if c.fetching == subjectID {
		return
	}
	c.fetching = subjectID

	go func() {
		credential, err := c.issuer.Issue(ctx, subjectID)
		res := credentialResult{subjectID: subjectID, credential: credential, err: err, refresh: refresh}
		select {
		case c.credentials <- res:
		case <-ctx.Done():
		}
	}()
}

func (c *SessionController) finishCredential(ctx context.Context, res credentialResult) {
	if ctx.Err() != nil {
		return
	}
	if c.fetching == res.subjectID {
		c.fetching = ""
	}

	in := c.latest()
	if in.identity == nil || in.identity.ID != res.subjectID {
		c.log.Debug("Credential for a previous identity discarded", "identity", res.subjectID)
		return
	}

	err := res.err
	if err == nil {
		err = res.credential.Validate(*in.identity)
	}
	if err != nil {
		switch {
		case res.refresh && c.state == conversation.Ready:
			c.log.Warn("Credential refresh failed, keeping session", "error", err)
			c.armRefresh(c.refreshRetryDelay())
		case c.state == conversation.Initializing:
			c.log.Warn("Credential fetch failed during attempt", "error", err)
		default:
			c.settled = &in
			c.fail(fmt.Errorf("%w: %w", errors.ErrCredentialFetch, err), true)
		}
		return
	}

	c.update(func(p *inputs) { p.credential = &res.credential })
}

func (c *SessionController) scheduleRefresh(credential conversation.Credential) {
	c.stopRefresh()
	if c.issuer == nil || credential.ExpiresAt.IsZero() {
		return
	}
	wait := time.Until(credential.ExpiresAt) - c.config.RefreshLead
	if wait <= 0 {
		c.log.Warn("Credential expires within refresh lead, not refreshing",
			"expires_at", credential.ExpiresAt)
		return
	}
	c.armRefresh(wait)
}

func (c *SessionController) refreshRetryDelay() time.Duration {
	if c.config.RefreshRetryDelay > 0 {
		return c.config.RefreshRetryDelay
	}
	return refreshRetryDelay
}

func (c *SessionController) armRefresh(wait time.Duration) {
	c.stopRefresh()
	c.refresh = time.NewTimer(wait)
	c.refreshC = c.refresh.C
}

func (c *SessionController) stopRefresh() {
	if c.refresh != nil {
		c.refresh.Stop()
	}
	c.refresh, c.refreshC = nil, nil
}

func (c *SessionController) refreshCredential(ctx context.Context) {
	c.refresh, c.refreshC = nil, nil
	in := c.latest()
	if c.state != conversation.Ready || in.identity == nil {
		return
	}
	c.log.Info("Refreshing credential", "identity", in.identity.ID)
	c.requestCredential(ctx, in.identity.ID, true)
}

func (c *SessionController) inviteTarget() inviteTarget {
	if c.state != conversation.Ready {
		return inviteTarget{}
	}
	return inviteTarget{channel: c.channel, key: c.key}
}

func (c *SessionController) teardown() {
	c.transition(conversation.TearingDown, "")
	c.dropChannel()
	c.stopRefresh()
	c.publish()
	close(c.stopped)

	c.releaseAsync(c.inflight)
	c.conn, c.bound, c.inflight, c.released = nil, nil, nil, nil
}

// releaseAsync gives the connection back once the pending attempt, if any, is over,
// so a connect resolving after teardown is released too.
func (c *SessionController) releaseAsync(pending <-chan struct{}) <-chan struct{} {
	timeout := c.config.ReleaseTimeout
	if timeout <= 0 {
		timeout = disconnectTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if pending != nil {
			<-pending
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		c.conns.Release(ctx, c.id)
	}()
	return done
}

func (c *SessionController) fail(err error, notify bool) {
	c.dropChannel()
	c.stopRefresh()
	c.transition(conversation.Error, err.Error())
	c.log.Error("Error initializing chat", "error", err)
	if notify {
		c.notifier.Error(fmt.Sprintf(connectFailedFormat, err.Error()))
	}
}

func (c *SessionController) dropChannel() {
	if c.channel != nil {
		c.dirty = true
	}
	c.channel, c.key, c.connDone = nil, "", nil
}

func (c *SessionController) transition(to conversation.SessionState, errMsg string) {
	if c.state == to && c.errMsg == errMsg {
		return
	}
	c.log.Debug("Session state changed", "from", c.state, "to", to)
	c.state, c.errMsg, c.dirty = to, errMsg, true
}

func (c *SessionController) publish() {
	if !c.dirty {
		return
	}
	c.dirty = false
	snap := Snapshot{State: c.state, ErrorMessage: c.errMsg}
	if c.state == conversation.Ready {
		snap.ChannelKey, snap.Connection, snap.Channel = c.key, c.conn, c.channel
	}
	c.snapshot.Store(&snap)
	select {
	case c.changes <- struct{}{}:
	default:
	}
}

func (c *SessionController) update(fn func(in *inputs)) {
	c.mu.Lock()
	fn(&c.pending)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *SessionController) latest() inputs {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

type inputs struct {
	identity   *conversation.Identity
	credential *conversation.Credential
	targetID   string
	retries    int
}

func (in inputs) equal(other inputs) bool {
	sameIdentity := in.identity == other.identity ||
		(in.identity != nil && other.identity != nil && *in.identity == *other.identity)
	sameCredential := in.credential == other.credential ||
		(in.credential != nil && other.credential != nil && in.credential.Equal(*other.credential))
	return sameIdentity && sameCredential && in.targetID == other.targetID && in.retries == other.retries
}

type attemptResult struct {
	seq     uint64
	in      inputs
	conn    contract.IConnection
	channel contract.IChannel
	key     conversation.ChannelKey
	err     error
}

type credentialResult struct {
	subjectID  string
	credential conversation.Credential
	err        error
	refresh    bool
}

type inviteTarget struct {
	channel contract.IChannel
	key     conversation.ChannelKey
}

type nopNotifier struct{}

func (nopNotifier) Success(string) {}
func (nopNotifier) Error(string)   {}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}
