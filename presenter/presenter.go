package presenter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/omni/settlement-coordinator/canonical"
	"github.com/omni/settlement-coordinator/entity"
	"github.com/omni/settlement-coordinator/logging"
	mw "github.com/omni/settlement-coordinator/presenter/http/middleware"
	"github.com/omni/settlement-coordinator/presenter/http/render"
	"github.com/omni/settlement-coordinator/repository"
	"github.com/omni/settlement-coordinator/settlement"
	"github.com/omni/settlement-coordinator/watcher"
)

const maxBodySize = 1 << 20

type Settlements interface {
	Ingest(ctx context.Context, e *canonical.SettlementEvent) (*settlement.Result, error)
	GetStatus(ctx context.Context, commandID string) (*entity.SettlementCommand, error)
	GetBySettlementID(ctx context.Context, settlementID string) (*entity.SettlementCommand, error)
	Escalate(ctx context.Context, settlementID, reason string) (*settlement.Result, error)
}

type Resolver interface {
	Resolve(ctx context.Context, messageID string, state entity.BridgeState, detail string) error
}

type WatcherStatus interface {
	Status() watcher.Status
}

type Presenter struct {
	logger      logging.Logger
	repo        *repository.Repo
	settlements Settlements
	resolver    Resolver
	watchers    []WatcherStatus
	root        chi.Router
}

func NewPresenter(logger logging.Logger, repo *repository.Repo, settlements Settlements, resolver Resolver, watchers []WatcherStatus) *Presenter {
	p := &Presenter{
		logger:      logger,
		repo:        repo,
		settlements: settlements,
		resolver:    resolver,
		watchers:    watchers,
		root:        chi.NewMux(),
	}
	p.root.Use(middleware.Throttle(100))
	p.root.Use(middleware.RequestID)
	p.root.Use(mw.NewLoggerMiddleware(logger))
	p.root.Use(mw.Recoverer)

	p.root.Get("/health", p.Health)
	p.root.Post("/commands", p.PostCommand)
	p.root.Get("/commands/{commandID}", p.GetCommand)
	p.root.Route("/settlements/{settlementID}", func(r chi.Router) {
		r.Use(mw.GetSettlementMiddleware(settlements))
		r.Get("/", p.GetSettlement)
		r.Get("/bridge-messages", p.GetBridgeMessages)
		r.Post("/escalate", p.PostEscalate)
	})
	p.root.Post("/bridge-messages/{messageID}/resolve", p.PostResolve)
	p.root.With(mw.GetChainFilterMiddleware).Get("/watchers", p.GetWatchers)
	return p
}

func (p *Presenter) Handler() http.Handler {
	return p.root
}

// Serve listens on addr until ctx is done, then shuts the server down gracefully.
func (p *Presenter) Serve(ctx context.Context, addr string) error {
	p.logger.WithField("addr", addr).Info("starting presenter service")
	srv := &http.Server{
		Addr:              addr,
		Handler:           p.root,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("presenter service failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("can't shutdown presenter service: %w", err)
		}
		return nil
	}
}

func (p *Presenter) PostCommand(w http.ResponseWriter, r *http.Request) {
	e := new(canonical.SettlementEvent)
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(e); err != nil {
		render.BadRequest(w, r, "can't decode settlement command: %v", err)
		return
	}
	if e.IdempotencyKey == "" {
		e.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	if e.SchemaVersion == 0 {
		e.SchemaVersion = canonical.SchemaVersion
	}

	res, err := p.settlements.Ingest(r.Context(), e)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, r, http.StatusAccepted, &CommandAccepted{
		CommandID:        res.CommandID,
		Status:           "accepted",
		SettlementStatus: res.Status,
		Duplicate:        res.Duplicate,
	})
}

func (p *Presenter) GetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := p.settlements.GetStatus(r.Context(), chi.URLParam(r, "commandID"))
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, r, http.StatusOK, cmd)
}

func (p *Presenter) GetSettlement(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, http.StatusOK, mw.Settlement(r.Context()))
}

func (p *Presenter) GetBridgeMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cmd := mw.Settlement(ctx)

	msgs, err := p.repo.BridgeMessages.FindBySettlementID(ctx, cmd.SettlementID)
	if err != nil {
		render.Error(w, r, fmt.Errorf("can't find bridge messages: %v: %w", err, settlement.ErrUnavailable))
		return
	}
	res := make([]*BridgeMessageInfo, len(msgs))
	for i, msg := range msgs {
		transitions, err := p.repo.BridgeTransitions.FindByMessageID(ctx, msg.MessageID)
		if err != nil {
			render.Error(w, r, fmt.Errorf("can't find bridge transitions: %v: %w", err, settlement.ErrUnavailable))
			return
		}
		res[i] = &BridgeMessageInfo{
			BridgeMessage: msg,
			ExplorerLink:  txLink(msg.SourceChainID, msg.ProtocolMessageID),
			Transitions:   transitions,
		}
	}
	render.JSON(w, r, http.StatusOK, res)
}

func (p *Presenter) PostEscalate(w http.ResponseWriter, r *http.Request) {
	req := new(EscalateRequest)
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(req); err != nil {
		render.BadRequest(w, r, "can't decode escalation request: %v", err)
		return
	}
	if req.Reason == "" {
		render.BadRequest(w, r, "escalation reason is required")
		return
	}
	res, err := p.settlements.Escalate(r.Context(), mw.Settlement(r.Context()).SettlementID, req.Reason)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, r, http.StatusOK, res)
}

func (p *Presenter) PostResolve(w http.ResponseWriter, r *http.Request) {
	req := new(ResolveRequest)
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(req); err != nil {
		render.BadRequest(w, r, "can't decode resolve request: %v", err)
		return
	}
	messageID := chi.URLParam(r, "messageID")
	if err := p.resolver.Resolve(r.Context(), messageID, req.State, req.Detail); err != nil {
		render.Error(w, r, err)
		return
	}
	msg, err := p.repo.BridgeMessages.GetByID(r.Context(), messageID)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, r, http.StatusOK, msg)
}

func (p *Presenter) GetWatchers(w http.ResponseWriter, r *http.Request) {
	chainID := mw.ChainFilter(r.Context())
	res := make([]watcher.Status, 0, len(p.watchers))
	for _, wt := range p.watchers {
		status := wt.Status()
		if chainID != nil && status.ChainID != *chainID {
			continue
		}
		res = append(res, status)
	}
	render.JSON(w, r, http.StatusOK, res)
}

func (p *Presenter) Health(w http.ResponseWriter, r *http.Request) {
	res := &HealthResult{
		Status:   "ok",
		Watchers: len(p.watchers),
		Time:     time.Now().UTC(),
	}
	for _, wt := range p.watchers {
		if status := wt.Status(); status.Halted {
			res.Halted = append(res.Halted, status.ID)
		}
	}
	status := http.StatusOK
	if len(res.Halted) > 0 {
		res.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	render.JSON(w, r, status, res)
}
