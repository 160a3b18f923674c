package livekit

import (
	"context"
	"fmt"

	"github.com/ClareAI/astra-outbound/internal/domain"
	"github.com/ClareAI/astra-outbound/pkg/logger"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client wraps the LiveKit server API clients used for rooms, SIP and agent dispatch.
type Client struct {
	config   *LiveKitConfig
	rooms    *lksdk.RoomServiceClient
	sip      *lksdk.SIPClient
	dispatch *lksdk.AgentDispatchClient
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewClient creates the LiveKit server API clients.
func NewClient(config *LiveKitConfig) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid LiveKit config: %w", err)
	}

	url := config.HTTPURL()
	c := &Client{
		config:   config,
		rooms:    lksdk.NewRoomServiceClient(url, config.APIKey, config.APISecret),
		sip:      lksdk.NewSIPClient(url, config.APIKey, config.APISecret),
		dispatch: lksdk.NewAgentDispatchServiceClient(url, config.APIKey, config.APISecret),
		logger:   logger.Named("livekit"),
	}
	if config.RequestsPerSecond > 0 {
		burst := int(config.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}

	c.logger.Info("LiveKit server clients initialized", zap.String("server_url", url))
	return c, nil
}

// Config returns the configuration the client was built with.
func (c *Client) Config() *LiveKitConfig {
	return c.config
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// GetRoom looks a room up by exact name.
func (c *Client) GetRoom(ctx context.Context, name string) (*domain.Room, bool, error) {
	if err := c.wait(ctx); err != nil {
		return nil, false, err
	}
	resp, err := c.rooms.ListRooms(ctx, &livekit.ListRoomsRequest{Names: []string{name}})
	if err != nil {
		return nil, false, fmt.Errorf("list rooms: %w", err)
	}
	for _, r := range resp.GetRooms() {
		if r.GetName() == name {
			return roomFromProto(r), true, nil
		}
	}
	return nil, false, nil
}

// CreateRoom creates a room that closes after emptyTimeout seconds without participants.
func (c *Client) CreateRoom(ctx context.Context, name string, emptyTimeout uint32) (*domain.Room, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	r, err := c.rooms.CreateRoom(ctx, &livekit.CreateRoomRequest{
		Name:         name,
		EmptyTimeout: emptyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	return roomFromProto(r), nil
}

// ListParticipants returns the participants currently in a room.
func (c *Client) ListParticipants(ctx context.Context, roomName string) ([]domain.Participant, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.rooms.ListParticipants(ctx, &livekit.ListParticipantsRequest{Room: roomName})
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	out := make([]domain.Participant, 0, len(resp.GetParticipants()))
	for _, p := range resp.GetParticipants() {
		out = append(out, domain.Participant{
			Identity:   p.GetIdentity(),
			Name:       p.GetName(),
			Attributes: p.GetAttributes(),
		})
	}
	return out, nil
}

// ListOutboundTrunks returns the SIP outbound trunks known to the server.
func (c *Client) ListOutboundTrunks(ctx context.Context) ([]domain.Trunk, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.sip.ListSIPOutboundTrunk(ctx, &livekit.ListSIPOutboundTrunkRequest{})
	if err != nil {
		return nil, fmt.Errorf("list outbound trunks: %w", err)
	}
	out := make([]domain.Trunk, 0, len(resp.GetItems()))
	for _, t := range resp.GetItems() {
		out = append(out, *trunkFromProto(t))
	}
	return out, nil
}

// CreateOutboundTrunk registers a SIP outbound trunk.
func (c *Client) CreateOutboundTrunk(ctx context.Context, req domain.CreateTrunkRequest) (*domain.Trunk, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	info, err := c.sip.CreateSIPOutboundTrunk(ctx, &livekit.CreateSIPOutboundTrunkRequest{
		Trunk: &livekit.SIPOutboundTrunkInfo{
			Name:         req.Name,
			Address:      req.Address,
			Numbers:      []string{req.PhoneNumber},
			AuthUsername: req.AuthUsername,
			AuthPassword: req.AuthPassword,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create outbound trunk: %w", err)
	}
	c.logger.Info("Outbound trunk created", zap.String("trunk_id", info.GetSipTrunkId()), zap.String("name", req.Name))
	return trunkFromProto(info), nil
}

// CreateInboundTrunk registers a SIP inbound trunk with noise cancellation enabled.
func (c *Client) CreateInboundTrunk(ctx context.Context, name string, numbers []string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	info, err := c.sip.CreateSIPInboundTrunk(ctx, &livekit.CreateSIPInboundTrunkRequest{
		Trunk: &livekit.SIPInboundTrunkInfo{
			Name:         name,
			Numbers:      numbers,
			KrispEnabled: true,
		},
	})
	if err != nil {
		return "", fmt.Errorf("create inbound trunk: %w", err)
	}
	return info.GetSipTrunkId(), nil
}

// CreateDispatchRule routes each inbound caller on trunkIDs into its own room and dispatches agentName there.
func (c *Client) CreateDispatchRule(ctx context.Context, name string, trunkIDs []string, roomPrefix, agentName string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	info, err := c.sip.CreateSIPDispatchRule(ctx, &livekit.CreateSIPDispatchRuleRequest{
		Name:     name,
		TrunkIds: trunkIDs,
		Rule: &livekit.SIPDispatchRule{
			Rule: &livekit.SIPDispatchRule_DispatchRuleIndividual{
				DispatchRuleIndividual: &livekit.SIPDispatchRuleIndividual{RoomPrefix: roomPrefix},
			},
		},
		RoomConfig: &livekit.RoomConfiguration{
			Agents: []*livekit.RoomAgentDispatch{{AgentName: agentName}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create dispatch rule: %w", err)
	}
	return info.GetSipDispatchRuleId(), nil
}

// CreateDispatch asks the server to send the named agent into a room.
func (c *Client) CreateDispatch(ctx context.Context, agentName, roomName, metadata string) (*domain.DispatchRecord, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	d, err := c.dispatch.CreateDispatch(ctx, &livekit.CreateAgentDispatchRequest{
		AgentName: agentName,
		Room:      roomName,
		Metadata:  metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("create agent dispatch: %w", err)
	}
	return &domain.DispatchRecord{
		DispatchID:   d.GetId(),
		WorkerName:   d.GetAgentName(),
		RoomName:     d.GetRoom(),
		MetadataJSON: d.GetMetadata(),
	}, nil
}

// CreateSIPParticipant dials a number through a trunk into a room.
func (c *Client) CreateSIPParticipant(ctx context.Context, req domain.SIPCallRequest) (*domain.SIPParticipant, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	info, err := c.sip.CreateSIPParticipant(ctx, &livekit.CreateSIPParticipantRequest{
		SipTrunkId:          req.TrunkID,
		SipCallTo:           req.PhoneNumber,
		RoomName:            req.RoomName,
		ParticipantIdentity: req.ParticipantIdentity,
		ParticipantName:     req.ParticipantName,
		PlayDialtone:        req.PlayDialtone,
	})
	if err != nil {
		return nil, fmt.Errorf("create sip participant: %w", err)
	}
	return &domain.SIPParticipant{
		ParticipantID:       info.GetParticipantId(),
		ParticipantIdentity: info.GetParticipantIdentity(),
		RoomName:            info.GetRoomName(),
		SIPCallID:           info.GetSipCallId(),
	}, nil
}

func roomFromProto(r *livekit.Room) *domain.Room {
	return &domain.Room{
		RoomName:            r.GetName(),
		RoomID:              r.GetSid(),
		EmptyTimeoutSeconds: r.GetEmptyTimeout(),
	}
}

func trunkFromProto(t *livekit.SIPOutboundTrunkInfo) *domain.Trunk {
	return &domain.Trunk{
		TrunkID:         t.GetSipTrunkId(),
		DisplayName:     t.GetName(),
		ProviderAddress: t.GetAddress(),
		Numbers:         append([]string(nil), t.GetNumbers()...),
		AuthUsername:    t.GetAuthUsername(),
		AuthPassword:    t.GetAuthPassword(),
	}
}
