// Package vpn reacts to upstream IP-blocking by cycling VPN egress
// instances through their local control planes. Reconnects per instance are
// rate-limited by a cooldown, capped by an attempt ceiling, and backed off
// exponentially in between.
package vpn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	reconnectCooldown    = 30 * time.Second
	maxReconnectAttempts = 3
)

// ErrUnhealthy is returned once an instance has exhausted its reconnect
// attempts. Automatic reconnects stay off until Reset or process restart.
var ErrUnhealthy = errors.New("vpn instance unhealthy, reconnect attempts exhausted")

// Instance is one egress identity with its control plane.
type Instance struct {
	ID      string
	Region  string
	Control ControlClient
}

type instanceState struct {
	mu            sync.Mutex
	attempts      int
	lastReconnect time.Time
	unhealthy     bool
}

type registration struct {
	inst  Instance
	state *instanceState
}

// Controller owns the per-instance reconnect state. All mutation of an
// instance's counters happens under that instance's own lock.
type Controller struct {
	logger *logrus.Logger

	mu        sync.Mutex
	instances map[string]*registration

	// test seams
	cooldown time.Duration
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewController(logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	return &Controller{
		logger:    logger,
		instances: make(map[string]*registration),
		cooldown:  reconnectCooldown,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Register adds an egress instance. Registering an existing ID replaces its
// control client and resets its state.
func (c *Controller) Register(inst Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances[inst.ID] = &registration{inst: inst, state: &instanceState{}}
}

func (c *Controller) lookup(instanceID string) (*registration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("unknown vpn instance %q", instanceID)
	}
	return reg, nil
}

// TriggerReconnect asks the instance to cycle its tunnel. It returns
// (true, nil) when a reconnect was issued and acknowledged, (false, nil)
// when the cooldown declined to act, and an error when the instance is
// unknown, unhealthy, or the control plane refused.
//
// Concurrent triggers for the same instance serialize on its lock: the
// loser observes the fresh cooldown stamp and no-ops.
func (c *Controller) TriggerReconnect(ctx context.Context, instanceID string) (bool, error) {
	reg, err := c.lookup(instanceID)
	if err != nil {
		return false, err
	}
	logger := c.logger.WithField("instance", instanceID)
	st := reg.state

	st.mu.Lock()
	if st.unhealthy {
		st.mu.Unlock()
		return false, ErrUnhealthy
	}
	if st.attempts >= maxReconnectAttempts {
		st.unhealthy = true
		st.mu.Unlock()
		logger.Error("reconnect ceiling reached, marking instance unhealthy")
		return false, ErrUnhealthy
	}
	now := c.now()
	if now.Sub(st.lastReconnect) < c.cooldown {
		st.mu.Unlock()
		logger.Info("reconnect cooldown active, skipping")
		return false, nil
	}
	st.lastReconnect = now
	st.attempts++
	attempt := st.attempts
	st.mu.Unlock()

	logger.Warnf("triggering vpn reconnect, attempt %d/%d", attempt, maxReconnectAttempts)

	if attempt > 1 {
		backoff := backoffDelay(attempt)
		logger.Infof("waiting %s before reconnect attempt", backoff)
		if err := c.sleep(ctx, backoff); err != nil {
			return false, err
		}
	}

	if err := reg.inst.Control.SetStatus(ctx, "reconnecting"); err != nil {
		logger.WithError(err).Error("vpn reconnect request failed")
		return false, fmt.Errorf("reconnect %s: %w", instanceID, err)
	}

	st.mu.Lock()
	st.attempts = 0
	st.mu.Unlock()
	logger.Info("vpn reconnect triggered")
	return true, nil
}

// Reset clears the instance's counters and unhealthy latch. This is the
// manual intervention path once the ceiling has been hit.
func (c *Controller) Reset(instanceID string) error {
	reg, err := c.lookup(instanceID)
	if err != nil {
		return err
	}
	st := reg.state
	st.mu.Lock()
	st.attempts = 0
	st.lastReconnect = time.Time{}
	st.unhealthy = false
	st.mu.Unlock()
	c.logger.WithField("instance", instanceID).Info("vpn instance state reset")
	return nil
}

// InstanceStatus is a point-in-time view of one instance.
type InstanceStatus struct {
	ID        string `json:"id"`
	Region    string `json:"region"`
	Attempts  int    `json:"attempts"`
	Unhealthy bool   `json:"unhealthy"`
	Tunnel    string `json:"tunnel,omitempty"`
	PublicIP  string `json:"public_ip,omitempty"`
}

// Status reports the instance's counters plus, best-effort, the tunnel
// status and public IP from its control plane.
func (c *Controller) Status(ctx context.Context, instanceID string) (InstanceStatus, error) {
	reg, err := c.lookup(instanceID)
	if err != nil {
		return InstanceStatus{}, err
	}
	st := reg.state

	st.mu.Lock()
	out := InstanceStatus{
		ID:        reg.inst.ID,
		Region:    reg.inst.Region,
		Attempts:  st.attempts,
		Unhealthy: st.unhealthy,
	}
	st.mu.Unlock()

	if tunnel, err := reg.inst.Control.Status(ctx); err == nil {
		out.Tunnel = tunnel
	} else {
		c.logger.WithField("instance", instanceID).WithError(err).Warn("vpn status query failed")
	}
	if ip, err := reg.inst.Control.PublicIP(ctx); err == nil {
		out.PublicIP = ip
	}
	return out, nil
}

// PublicIP returns the instance's current egress address.
func (c *Controller) PublicIP(ctx context.Context, instanceID string) (string, error) {
	reg, err := c.lookup(instanceID)
	if err != nil {
		return "", err
	}
	return reg.inst.Control.PublicIP(ctx)
}

// Rotate points the instance at a different egress country and reconnects.
// An empty country advances the default cycle for the instance's region.
func (c *Controller) Rotate(ctx context.Context, instanceID, country string) (bool, error) {
	reg, err := c.lookup(instanceID)
	if err != nil {
		return false, err
	}
	if country == "" {
		country = nextCountry(reg.inst.Region)
	}

	c.logger.WithField("instance", instanceID).Infof("rotating egress to %s", country)
	if err := reg.inst.Control.SetCountries(ctx, []string{country}); err != nil {
		return false, fmt.Errorf("rotate %s: %w", instanceID, err)
	}
	return c.TriggerReconnect(ctx, instanceID)
}

func backoffDelay(attempt int) time.Duration {
	secs := 5 * (1 << (attempt - 1))
	if secs > 20 {
		secs = 20
	}
	return time.Duration(secs) * time.Second
}

func nextCountry(region string) string {
	switch strings.ToLower(region) {
	case "singapore":
		return "Japan"
	case "japan":
		return "USA"
	default:
		return "Singapore"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
