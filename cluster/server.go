package cluster

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/c360/pitwall/errors"
	"github.com/c360/pitwall/pubsub"
)

// Coordinator request topics
var (
	RegisterTopic = pubsub.NewTopic(pubsub.RoleCoordinator, "register")
	StatusTopic   = pubsub.NewTopic(pubsub.RoleCoordinator, "status")
)

const coordinatorGroup = "coordinator"

// RegisterRequest is sent by a producer to register with the coordinator.
// Member names the node hosting the producer; the producer is dropped when
// that member leaves the cluster.
type RegisterRequest struct {
	ProducerID string `json:"producer_id"`
	Member     string `json:"member,omitempty"`
}

// RegisterResponse carries the availability at registration time.
type RegisterResponse struct {
	Available bool   `json:"available"`
	Version   uint64 `json:"version,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// CoordinatorServer serves registration and status requests on the bus.
type CoordinatorServer struct {
	coord  *Coordinator
	dir    *Directory
	bus    pubsub.Bus
	subs   []pubsub.Subscription
	logger *slog.Logger
}

// NewCoordinatorServer creates a server for coord. Producers are addressed
// through dir.
func NewCoordinatorServer(coord *Coordinator, dir *Directory, bus pubsub.Bus, logger *slog.Logger) *CoordinatorServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &CoordinatorServer{coord: coord, dir: dir, bus: bus, logger: logger.With("component", "coordinator-server")}
}

// Start subscribes the request topics.
func (s *CoordinatorServer) Start(ctx context.Context) error {
	reg, err := s.bus.SubscribeGroup(ctx, RegisterTopic, coordinatorGroup, s.handleRegister)
	if err != nil {
		return errors.WrapTransient(err, "CoordinatorServer", "Start", RegisterTopic.Subject())
	}
	status, err := s.bus.SubscribeGroup(ctx, StatusTopic, coordinatorGroup, s.handleStatus)
	if err != nil {
		_ = reg.Unsubscribe()
		return errors.WrapTransient(err, "CoordinatorServer", "Start", StatusTopic.Subject())
	}
	s.subs = []pubsub.Subscription{reg, status}
	return nil
}

// Stop unsubscribes.
func (s *CoordinatorServer) Stop() error {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
	return nil
}

func (s *CoordinatorServer) handleRegister(ctx context.Context, msg pubsub.Message) {
	var req RegisterRequest
	var resp RegisterResponse
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.ProducerID == "" {
		resp.Code, resp.Error = errors.Code(errors.ErrInvalidData), "producer_id required"
	} else {
		ref := s.dir.Ref(req.ProducerID)
		available, err := s.coord.RegisterProducer(ctx, ref)
		resp.Available, resp.Version = available.Available, available.Version
		if err != nil {
			resp.Code, resp.Error = errors.Code(err), err.Error()
		} else if req.Member != "" {
			s.dir.Bind(req.Member, ref.Path())
		}
	}
	data, _ := json.Marshal(resp)
	if err := msg.Respond(data); err != nil {
		s.logger.Debug("Register reply failed", "producer", req.ProducerID, "error", err)
	}
}

func (s *CoordinatorServer) handleStatus(ctx context.Context, msg pubsub.Message) {
	st, err := s.coord.Status(ctx)
	if err != nil {
		s.logger.Debug("Status unavailable", "error", err)
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	_ = msg.Respond(data)
}

// CoordinatorClient is the producer-side view of the coordinator.
type CoordinatorClient struct {
	bus pubsub.Bus
}

// NewCoordinatorClient creates a client over bus.
func NewCoordinatorClient(bus pubsub.Bus) *CoordinatorClient {
	return &CoordinatorClient{bus: bus}
}

// Register registers a producer and returns the current availability.
func (c *CoordinatorClient) Register(ctx context.Context, req RegisterRequest) (Availability, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Availability{}, errors.WrapInvalid(err, "CoordinatorClient", "Register", req.ProducerID)
	}
	reply, err := c.bus.Request(ctx, RegisterTopic, data)
	if err != nil {
		return Availability{}, err
	}
	var resp RegisterResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return Availability{}, errors.WrapInvalid(errors.ErrInvalidData, "CoordinatorClient", "Register", err.Error())
	}
	if resp.Code != "" {
		return Availability{}, errors.FromCode(resp.Code, resp.Error)
	}
	return Availability{Available: resp.Available, Version: resp.Version}, nil
}

// Status fetches the coordinator status.
func (c *CoordinatorClient) Status(ctx context.Context) (Status, error) {
	reply, err := c.bus.Request(ctx, StatusTopic, nil)
	if err != nil {
		return Status{}, err
	}
	var st Status
	if err := json.Unmarshal(reply, &st); err != nil {
		return Status{}, errors.WrapInvalid(errors.ErrInvalidData, "CoordinatorClient", "Status", err.Error())
	}
	return st, nil
}
