package sip

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"trunkgw-server/pkg/auth"
	"trunkgw-server/pkg/sdp"
)

// Client is the subset of sipgo.Client the handler sends requests through
type Client interface {
	TransactionRequest(ctx context.Context, req *sip.Request, options ...sipgo.ClientRequestOption) (sip.ClientTransaction, error)
	WriteRequest(req *sip.Request, options ...sipgo.ClientRequestOption) error
}

// Handler provides SIP protocol handling for the trunk gateway
type Handler struct {
	Logger *logrus.Logger
	UA     *sipgo.UserAgent
	Server *sipgo.Server
	Client Client
	Config *Config

	// Codec negotiation for downstream offers
	Negotiator *sdp.Negotiator

	// Digest session state towards the downstream provider
	Auth *auth.SessionStore

	// Established and pending dialogs, keyed by Call-ID
	Dialogs *DialogRegistry

	// INVITE transactions currently in flight
	activeCalls atomic.Int64

	// Shutdown resources
	monitorCtx    context.Context
	monitorCancel context.CancelFunc
	monitorWG     sync.WaitGroup
}

// Config defines SIP handler configuration
type Config struct {
	// Downstream trunk target
	DownstreamDomain  string
	DownstreamAddress string
	DestinationUser   string

	// Gateway identity advertised in Contact headers
	ContactUser  string
	ExternalHost string

	// Challenge handling
	MaxChallengeRetries int

	// How long to wait for a downstream final response per attempt
	ResponseTimeout time.Duration

	// General limits
	MaxConcurrentCalls int
	DialogTimeout      time.Duration
}

// NewHandler creates a new SIP handler with its own user agent, server and
// client transaction layers
func NewHandler(logger *logrus.Logger, config *Config, negotiator *sdp.Negotiator, authStore *auth.SessionStore) (*Handler, error) {
	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, err
	}

	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, err
	}

	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, err
	}

	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = 32 * time.Second
	}
	if config.DialogTimeout == 0 {
		config.DialogTimeout = 4 * time.Hour
	}

	monitorCtx, monitorCancel := context.WithCancel(context.Background())

	handler := &Handler{
		Logger:        logger,
		UA:            ua,
		Server:        server,
		Client:        client,
		Config:        config,
		Negotiator:    negotiator,
		Auth:          authStore,
		Dialogs:       NewDialogRegistry(logger),
		monitorCtx:    monitorCtx,
		monitorCancel: monitorCancel,
	}

	handler.monitorWG.Add(1)
	go func() {
		defer handler.monitorWG.Done()
		handler.monitorDialogs()
	}()

	return handler, nil
}

// ListenAndServe starts serving SIP on the given transport and address
func (h *Handler) ListenAndServe(ctx context.Context, network, addr string) error {
	return h.Server.ListenAndServe(ctx, network, addr)
}

// Shutdown stops background monitoring and closes the user agent
func (h *Handler) Shutdown() {
	h.monitorCancel()
	h.monitorWG.Wait()
	if err := h.UA.Close(); err != nil {
		h.Logger.WithError(err).Warn("Failed to close SIP user agent")
	}
	h.Logger.Info("SIP handler shut down")
}

// GetActiveCallCount returns the number of INVITE transactions in flight
func (h *Handler) GetActiveCallCount() int {
	return int(h.activeCalls.Load())
}

// monitorDialogs periodically evicts dialogs with no recent activity
func (h *Handler) monitorDialogs() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-h.monitorCtx.Done():
			return
		case <-ticker.C:
			h.Dialogs.EvictStale(h.Config.DialogTimeout)
		}
	}
}
