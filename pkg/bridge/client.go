// Package bridge implements the client view of a media forwarding unit
// ("bridge"): one gRPC connection plus a circuit breaker per bridge,
// mirroring the allocate/update/mute/expire surface a conference coordinator
// needs without exposing the bridge's internal wire protocol.
package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/heliumvc/focus/internal/metrics"
	"github.com/sony/gobreaker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Errors returned by Client methods, mapped by internal/focus onto the
// focus.Error kind taxonomy.
var (
	ErrNoBridgeAvailable      = errors.New("bridge: no bridge available")
	ErrConferenceAlreadyExists = errors.New("bridge: conference already exists on bridge")
	ErrAllocationFailed       = errors.New("bridge: allocation failed")
	ErrUnavailable            = errors.New("bridge: circuit breaker open")
)

// FeedbackSource is an RTCP feedback source the bridge hands back as part of
// an allocation (e.g. its own SSRCs for REMB/TCC feedback).
type FeedbackSource struct {
	SSRC uint32
	Kind string
}

// Transport is the (opaque, to this client) ICE/DTLS transport descriptor
// the bridge returns for a participant. The concrete media-session
// negotiation encoding is out of scope; this carries only what the
// coordinator needs to clone into an offer.
type Transport struct {
	UFrag      string
	Password   string
	Candidates []string
	Fingerprint string
}

// ParticipantOptions describes what the coordinator wants allocated for one
// endpoint.
type ParticipantOptions struct {
	EndpointID       string
	Region           string
	Visitor          bool
	PrivateAddress   bool
	ForceMuteAudio   bool
	ForceMuteVideo   bool
	WantsSCTP        bool
	RequestedKinds   []string
}

// Allocation is the result of a successful Allocate call.
type Allocation struct {
	BridgeSessionID string
	Region          string
	BridgeID        string
	Transport       Transport
	SCTPPort        *int
	FeedbackSources []FeedbackSource
}

// ParticipantUpdate carries fields to push to an already-allocated
// participant; zero-value fields are left unchanged by the bridge.
type ParticipantUpdate struct {
	Transport     *Transport
	SourceSSRCs   []uint32
	InitialLastN  *int
	ExpireAfter   *time.Duration
}

// Client is a single bridge's gRPC connection guarded by a circuit breaker,
// modeled on the teacher's Rust-SFU client of the same shape.
type Client struct {
	bridgeID string
	conn     *grpc.ClientConn
	cb       *gobreaker.CircuitBreaker
}

// NewClient dials addr and wraps it with a per-bridge circuit breaker.
func NewClient(bridgeID, addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	st := gobreaker.Settings{
		Name:        "bridge-" + bridgeID,
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
		},
	}

	return &Client{
		bridgeID: bridgeID,
		conn:     conn,
		cb:       gobreaker.NewCircuitBreaker(st),
	}, nil
}

// BridgeID returns the opaque bridge identity this client is bound to.
func (c *Client) BridgeID() string { return c.bridgeID }

// Allocate requests channel allocation for one endpoint.
func (c *Client) Allocate(ctx context.Context, opts ParticipantOptions) (*Allocation, error) {
	resp, err := c.cb.Execute(func() (interface{}, error) {
		req := &allocateRequest{
			EndpointID:     opts.EndpointID,
			Region:         opts.Region,
			Visitor:        opts.Visitor,
			PrivateAddress: opts.PrivateAddress,
			ForceMuteAudio: opts.ForceMuteAudio,
			ForceMuteVideo: opts.ForceMuteVideo,
			WantsSCTP:      opts.WantsSCTP,
			RequestedKinds: opts.RequestedKinds,
		}
		var out allocateResponse
		if err := c.conn.Invoke(ctx, "/bridge.v1.Bridge/Allocate", req, &out, grpc.CallContentSubtype(jsonCodecName)); err != nil {
			return nil, err
		}
		return &out, nil
	})
	if err != nil {
		return nil, c.translate(err)
	}
	out := resp.(*allocateResponse)
	return &Allocation{
		BridgeSessionID: out.BridgeSessionID,
		Region:          out.Region,
		BridgeID:        c.bridgeID,
		Transport:       out.Transport,
		SCTPPort:        out.SCTPPort,
		FeedbackSources: out.FeedbackSources,
	}, nil
}

// UpdateParticipant is a fire-and-forget push of updated fields to an
// already-allocated endpoint.
func (c *Client) UpdateParticipant(ctx context.Context, endpointID string, upd ParticipantUpdate) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		req := &updateRequest{
			EndpointID:   endpointID,
			Transport:    upd.Transport,
			SourceSSRCs:  upd.SourceSSRCs,
			InitialLastN: upd.InitialLastN,
		}
		if upd.ExpireAfter != nil {
			req.ExpireAfterMS = int64(*upd.ExpireAfter / time.Millisecond)
		}
		var out emptyResponse
		return &out, c.conn.Invoke(ctx, "/bridge.v1.Bridge/UpdateParticipant", req, &out, grpc.CallContentSubtype(jsonCodecName))
	})
	if err != nil {
		return c.translate(err)
	}
	return nil
}

// Mute force-mutes or unmutes a batch of endpoints for one media kind.
func (c *Client) Mute(ctx context.Context, endpoints []string, muted bool, kind string) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		req := &muteRequest{EndpointIDs: endpoints, Muted: muted, Kind: kind}
		var out emptyResponse
		return &out, c.conn.Invoke(ctx, "/bridge.v1.Bridge/Mute", req, &out, grpc.CallContentSubtype(jsonCodecName))
	})
	if err != nil {
		return c.translate(err)
	}
	return nil
}

// RemoveParticipant tears down one endpoint's bridge-side state.
func (c *Client) RemoveParticipant(ctx context.Context, endpointID string) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		req := &removeParticipantRequest{EndpointID: endpointID}
		var out emptyResponse
		return &out, c.conn.Invoke(ctx, "/bridge.v1.Bridge/RemoveParticipant", req, &out, grpc.CallContentSubtype(jsonCodecName))
	})
	if err != nil {
		return c.translate(err)
	}
	return nil
}

// Expire tears down the entire conference's state on this bridge.
func (c *Client) Expire(ctx context.Context) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		var out emptyResponse
		return &out, c.conn.Invoke(ctx, "/bridge.v1.Bridge/Expire", &emptyRequest{}, &out, grpc.CallContentSubtype(jsonCodecName))
	})
	if err != nil {
		return c.translate(err)
	}
	return nil
}

// HealthCheck verifies connectivity using the standard gRPC health protocol.
func (c *Client) HealthCheck(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return err
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		return errors.New("bridge: not serving")
	}
	return nil
}

// Close releases the gRPC connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) translate(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.CircuitBreakerFailures.WithLabelValues("bridge-" + c.bridgeID).Inc()
		return ErrUnavailable
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.ResourceExhausted:
			return ErrNoBridgeAvailable
		case codes.AlreadyExists:
			return ErrConferenceAlreadyExists
		}
	}
	return errAllocation(err)
}

func errAllocation(cause error) error {
	return &allocationError{cause: cause}
}

type allocationError struct{ cause error }

func (e *allocationError) Error() string { return "bridge: allocation failed: " + e.cause.Error() }
func (e *allocationError) Unwrap() error { return ErrAllocationFailed }
func (e *allocationError) Cause() error  { return e.cause }

// wire types for the JSON-over-gRPC invocations above. These are this
// client's own request/response shapes, not a generated stub for a protocol
// this module does not own.
type allocateRequest struct {
	EndpointID     string   `json:"endpoint_id"`
	Region         string   `json:"region"`
	Visitor        bool     `json:"visitor"`
	PrivateAddress bool     `json:"private_address"`
	ForceMuteAudio bool     `json:"force_mute_audio"`
	ForceMuteVideo bool     `json:"force_mute_video"`
	WantsSCTP      bool     `json:"wants_sctp"`
	RequestedKinds []string `json:"requested_kinds"`
}

type allocateResponse struct {
	BridgeSessionID string           `json:"bridge_session_id"`
	Region          string           `json:"region"`
	Transport       Transport        `json:"transport"`
	SCTPPort        *int             `json:"sctp_port,omitempty"`
	FeedbackSources []FeedbackSource `json:"feedback_sources,omitempty"`
}

type updateRequest struct {
	EndpointID    string     `json:"endpoint_id"`
	Transport     *Transport `json:"transport,omitempty"`
	SourceSSRCs   []uint32   `json:"source_ssrcs,omitempty"`
	InitialLastN  *int       `json:"initial_last_n,omitempty"`
	ExpireAfterMS int64      `json:"expire_after_ms,omitempty"`
}

type muteRequest struct {
	EndpointIDs []string `json:"endpoint_ids"`
	Muted       bool     `json:"muted"`
	Kind        string   `json:"kind"`
}

type removeParticipantRequest struct {
	EndpointID string `json:"endpoint_id"`
}

type emptyRequest struct{}
type emptyResponse struct{}
