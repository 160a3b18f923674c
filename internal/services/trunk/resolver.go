package trunk

import (
	"context"
	"errors"
	"fmt"

	"github.com/ClareAI/astra-outbound/internal/cache"
	"github.com/ClareAI/astra-outbound/internal/domain"
	"github.com/ClareAI/astra-outbound/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// InboundRoomPrefix prefixes rooms created for inbound callers.
const InboundRoomPrefix = "call-"

// Provider is the SIP trunk surface of the room provider.
type Provider interface {
	ListOutboundTrunks(ctx context.Context) ([]domain.Trunk, error)
	CreateOutboundTrunk(ctx context.Context, req domain.CreateTrunkRequest) (*domain.Trunk, error)
	CreateInboundTrunk(ctx context.Context, name string, numbers []string) (string, error)
	CreateDispatchRule(ctx context.Context, name string, trunkIDs []string, roomPrefix, agentName string) (string, error)
}

// NumberVerifier confirms the telephony account owns a number.
type NumberVerifier interface {
	IsEnabled() bool
	VerifyNumber(ctx context.Context, phoneNumber string) (string, error)
}

// Config holds the statically configured account used for auto-provisioned trunks.
type Config struct {
	SourceNumber  string
	Address       string
	AuthUsername  string
	AuthPassword  string
	AutoProvision bool
}

// Resolver turns a requested trunk id into a usable outbound trunk id.
type Resolver struct {
	provider Provider
	verifier NumberVerifier
	cache    *cache.TrunkCache
	config   Config
	group    singleflight.Group
	logger   *zap.Logger
}

// NewResolver creates a trunk resolver. verifier may be nil.
func NewResolver(provider Provider, verifier NumberVerifier, trunkCache *cache.TrunkCache, cfg Config) *Resolver {
	if trunkCache == nil {
		trunkCache = cache.NewTrunkCache()
	}
	return &Resolver{
		provider: provider,
		verifier: verifier,
		cache:    trunkCache,
		config:   cfg,
		logger:   logger.Named("trunk_resolver"),
	}
}

// Resolve returns requestedTrunkID when the provider knows it. Otherwise, if auto-provisioning
// is enabled, it returns the trunk bound to the configured source number, creating it once.
func (r *Resolver) Resolve(ctx context.Context, requestedTrunkID string) (string, error) {
	log := logger.From(ctx).With(zap.String("requested_trunk_id", requestedTrunkID))

	trunks, listErr := r.provider.ListOutboundTrunks(ctx)
	if listErr != nil {
		log.Warn("Failed to list outbound trunks", zap.Error(listErr))
	}
	for i := range trunks {
		if err := r.cache.Put(&trunks[i]); err != nil {
			log.Debug("Skipping trunk in cache refresh", zap.Error(err))
		}
	}

	if requestedTrunkID != "" {
		if listErr == nil {
			for _, t := range trunks {
				if t.TrunkID == requestedTrunkID {
					return requestedTrunkID, nil
				}
			}
		} else if _, ok := r.cache.Get(requestedTrunkID); ok {
			log.Info("Using cached trunk while provider listing is unavailable")
			return requestedTrunkID, nil
		}
	}

	if !r.config.AutoProvision {
		if listErr != nil {
			return "", fmt.Errorf("%w: %w", domain.ErrTrunkUnavailable, listErr)
		}
		return "", fmt.Errorf("%w: trunk %q not found", domain.ErrTrunkUnavailable, requestedTrunkID)
	}

	t, err := r.ensureForNumber(ctx, r.config.SourceNumber)
	if err != nil {
		return "", err
	}
	log.Info("Resolved trunk by source number", zap.String("trunk_id", t.TrunkID))
	return t.TrunkID, nil
}

// ensureForNumber returns the cached trunk for number or creates one. Concurrent callers for the
// same number share a single creation.
func (r *Resolver) ensureForNumber(ctx context.Context, number string) (*domain.Trunk, error) {
	if number == "" {
		return nil, fmt.Errorf("%w: no source number configured", domain.ErrTrunkUnavailable)
	}
	if t, ok := r.cache.FindByNumber(number); ok {
		return t, nil
	}

	v, err, shared := r.group.Do(domain.Digits(number), func() (interface{}, error) {
		if t, ok := r.cache.FindByNumber(number); ok {
			return t, nil
		}
		return r.create(ctx, domain.CreateTrunkRequest{
			Name:        "outbound-" + domain.Digits(number),
			PhoneNumber: number,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTrunkUnavailable, err)
	}
	if shared {
		r.logger.Debug("Trunk creation shared", zap.String("number", number))
	}
	return v.(*domain.Trunk), nil
}

func (r *Resolver) create(ctx context.Context, req domain.CreateTrunkRequest) (*domain.Trunk, error) {
	if req.Address == "" {
		req.Address = r.config.Address
	}
	if req.AuthUsername == "" {
		req.AuthUsername = r.config.AuthUsername
	}
	if req.AuthPassword == "" {
		req.AuthPassword = r.config.AuthPassword
	}

	if r.verifier != nil && r.verifier.IsEnabled() {
		if _, err := r.verifier.VerifyNumber(ctx, req.PhoneNumber); err != nil {
			return nil, fmt.Errorf("verify number %s: %w", req.PhoneNumber, err)
		}
	}

	t, err := r.provider.CreateOutboundTrunk(ctx, req)
	if err != nil {
		return nil, err
	}
	if t == nil || t.TrunkID == "" {
		return nil, errors.New("provider returned a trunk without an id")
	}
	if len(t.Numbers) == 0 {
		t.Numbers = []string{req.PhoneNumber}
	}
	if err := r.cache.Put(t); err != nil {
		return nil, err
	}
	r.logger.Info("Outbound trunk provisioned", zap.String("trunk_id", t.TrunkID), zap.String("number", req.PhoneNumber))
	return t, nil
}

// CreateOutboundTrunk creates a trunk for req.PhoneNumber, or returns the trunk already cached for it.
func (r *Resolver) CreateOutboundTrunk(ctx context.Context, req domain.CreateTrunkRequest) (*domain.Trunk, error) {
	if req.PhoneNumber == "" {
		return nil, fmt.Errorf("%w: phone_number is required", domain.ErrInvalidCallRequest)
	}
	if req.Name == "" {
		req.Name = "outbound-" + domain.Digits(req.PhoneNumber)
	}
	if t, ok := r.cache.FindByNumber(req.PhoneNumber); ok {
		return t, nil
	}

	v, err, _ := r.group.Do(domain.Digits(req.PhoneNumber), func() (interface{}, error) {
		if t, ok := r.cache.FindByNumber(req.PhoneNumber); ok {
			return t, nil
		}
		return r.create(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTrunkUnavailable, err)
	}
	return v.(*domain.Trunk), nil
}

// ProvisionInbound creates an inbound trunk for the number and a rule that places every caller in
// a fresh room with the named agent dispatched.
func (r *Resolver) ProvisionInbound(ctx context.Context, req domain.InboundProvisionRequest) (*domain.InboundProvision, error) {
	if req.PhoneNumber == "" || req.AgentName == "" {
		return nil, fmt.Errorf("%w: phone_number and agent_name are required", domain.ErrInvalidCallRequest)
	}
	if req.Name == "" {
		req.Name = "inbound-" + domain.Digits(req.PhoneNumber)
	}

	trunkID, err := r.provider.CreateInboundTrunk(ctx, req.Name, []string{req.PhoneNumber})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTrunkUnavailable, err)
	}
	ruleID, err := r.provider.CreateDispatchRule(ctx, req.Name+"-rule", []string{trunkID}, InboundRoomPrefix, req.AgentName)
	if err != nil {
		return nil, fmt.Errorf("create dispatch rule for trunk %s: %w", trunkID, err)
	}

	r.logger.Info("Inbound routing provisioned",
		zap.String("trunk_id", trunkID), zap.String("dispatch_rule_id", ruleID), zap.String("agent_name", req.AgentName))
	return &domain.InboundProvision{
		TrunkID:        trunkID,
		DispatchRuleID: ruleID,
		RoomPrefix:     InboundRoomPrefix,
		AgentName:      req.AgentName,
	}, nil
}

// Known reports whether the provider currently lists trunkID.
func (r *Resolver) Known(ctx context.Context, trunkID string) (bool, error) {
	trunks, err := r.provider.ListOutboundTrunks(ctx)
	if err != nil {
		return false, err
	}
	for _, t := range trunks {
		if t.TrunkID == trunkID {
			return true, nil
		}
	}
	return false, nil
}
