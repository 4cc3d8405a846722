package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AccountLimiter enforces a hard daily action cap per network account.
// The check-and-increment is a single Lua script so concurrent workers
// cannot split a cap between them. This cap sits in front of the rate
// governor and is enforced independently.
type AccountLimiter struct {
	rdb          *redis.Client
	dailyCap     int
	script       *redis.Script
	refundScript *redis.Script
}

// NewAccountLimiter builds the limiter. Keys expire after 48h so stale
// days clean themselves up.
func NewAccountLimiter(rdb *redis.Client, dailyCap int) *AccountLimiter {
	script := redis.NewScript(`
		local current = tonumber(redis.call('GET', KEYS[1]) or '0')
		local limit = tonumber(ARGV[1])
		if current >= limit then
			return 0
		end
		redis.call('INCR', KEYS[1])
		redis.call('EXPIRE', KEYS[1], 172800)
		return 1
	`)
	refund := redis.NewScript(`
		local current = tonumber(redis.call('GET', KEYS[1]) or '0')
		if current > 0 then
			redis.call('DECR', KEYS[1])
		end
		return 1
	`)
	return &AccountLimiter{rdb: rdb, dailyCap: dailyCap, script: script, refundScript: refund}
}

// Take consumes one action for the account today. Returns false when the
// cap is spent.
func (l *AccountLimiter) Take(ctx context.Context, account string) (bool, error) {
	key := fmt.Sprintf("network:actions:%s:%s", account, time.Now().UTC().Format("2006-01-02"))
	n, err := l.script.Run(ctx, l.rdb, []string{key}, l.dailyCap).Int()
	if err != nil {
		return false, fmt.Errorf("account limiter: %w", err)
	}
	return n == 1, nil
}

// Refund returns one action to the account's budget when a taken action
// never went through. The counter is floored at zero.
func (l *AccountLimiter) Refund(ctx context.Context, account string) error {
	key := fmt.Sprintf("network:actions:%s:%s", account, time.Now().UTC().Format("2006-01-02"))
	if err := l.refundScript.Run(ctx, l.rdb, []string{key}).Err(); err != nil {
		return fmt.Errorf("account limiter refund: %w", err)
	}
	return nil
}

// session paces one network account: actions are serialized and separated
// by a randomized human-ish interval.
type session struct {
	mu         sync.Mutex
	lastAction time.Time
}

// SessionPool serializes actions per account and spaces them out.
type SessionPool struct {
	minInterval time.Duration
	maxInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

// NewSessionPool builds a pool with the given pacing bounds.
func NewSessionPool(minInterval, maxInterval time.Duration) *SessionPool {
	if maxInterval < minInterval {
		maxInterval = minInterval
	}
	return &SessionPool{
		minInterval: minInterval,
		maxInterval: maxInterval,
		sessions:    make(map[string]*session),
	}
}

func (p *SessionPool) session(account string) *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[account]
	if !ok {
		s = &session{}
		p.sessions[account] = s
	}
	return s
}

// nextDelay returns how long to wait before acting, given the last action
// time. Exposed for tests through pacingDelay.
func (p *SessionPool) nextDelay(last, now time.Time) time.Duration {
	if last.IsZero() {
		return 0
	}
	gap := p.minInterval
	if spread := p.maxInterval - p.minInterval; spread > 0 {
		gap += time.Duration(rand.Int63n(int64(spread)))
	}
	wait := gap - now.Sub(last)
	if wait < 0 {
		return 0
	}
	return wait
}

// Acquire blocks until the account may act, then returns a release func.
// The account stays locked until release so actions never interleave.
func (p *SessionPool) Acquire(ctx context.Context, account string) (func(), error) {
	s := p.session(account)
	s.mu.Lock()

	wait := p.nextDelay(s.lastAction, time.Now())
	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			s.mu.Unlock()
			return nil, ctx.Err()
		}
	}

	return func() {
		s.lastAction = time.Now()
		s.mu.Unlock()
	}, nil
}

// NetworkAdapter performs connect invites and direct messages through a
// browser-automation gateway, one account per sender address.
type NetworkAdapter struct {
	gatewayURL string
	action     string
	limiter    *AccountLimiter
	pool       *SessionPool
	client     *http.Client
}

// NewNetworkAdapter builds an adapter for one action kind:
// "connect" or "message".
func NewNetworkAdapter(gatewayURL, action string, limiter *AccountLimiter, pool *SessionPool) *NetworkAdapter {
	return &NetworkAdapter{
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
		action:     action,
		limiter:    limiter,
		pool:       pool,
		client:     &http.Client{Timeout: 60 * time.Second},
	}
}

type gatewayRequest struct {
	Account    string `json:"account"`
	Action     string `json:"action"`
	ProfileURL string `json:"profile_url"`
	Message    string `json:"message,omitempty"`
}

type gatewayResponse struct {
	OK     bool   `json:"ok"`
	Ref    string `json:"ref"`
	Error  string `json:"error,omitempty"`
	Retry  bool   `json:"retry,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Dispatch runs one gateway action under the account's cap and pacing.
func (a *NetworkAdapter) Dispatch(ctx context.Context, msg *Message) (*Result, error) {
	ok, err := a.limiter.Take(ctx, msg.SenderEmail)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAccountCap
	}
	// The cap only counts actions that reached the gateway and stuck.
	sent := false
	defer func() {
		if sent {
			return
		}
		if err := a.limiter.Refund(context.WithoutCancel(ctx), msg.SenderEmail); err != nil {
			log.Printf("[NetworkAdapter] refund failed account=%s err=%v", msg.SenderEmail, err)
		}
	}()

	release, err := a.pool.Acquire(ctx, msg.SenderEmail)
	if err != nil {
		return nil, err
	}
	defer release()

	body, err := json.Marshal(gatewayRequest{
		Account:    msg.SenderEmail,
		Action:     a.action,
		ProfileURL: msg.ProfileURL,
		Message:    msg.Body,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.gatewayURL+"/actions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return &Result{Status: StatusTransientFailure, Detail: err.Error()}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &Result{Status: StatusTransientFailure, Detail: fmt.Sprintf("gateway returned %d", resp.StatusCode)}, nil
	}

	var parsed gatewayResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8192)).Decode(&parsed); err != nil {
		return &Result{Status: StatusTransientFailure, Detail: "unparseable gateway response"}, nil
	}
	if !parsed.OK {
		log.Printf("[NetworkAdapter] %s action failed account=%s reason=%s", a.action, msg.SenderEmail, parsed.Reason)
		if parsed.Retry {
			return &Result{Status: StatusTransientFailure, Detail: parsed.Error}, nil
		}
		return &Result{Status: StatusPermanentFailure, Detail: parsed.Error}, nil
	}
	sent = true
	return &Result{Status: StatusSent, ExternalRef: parsed.Ref}, nil
}
