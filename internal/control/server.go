package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/marketsim/internal/agent"
	"github.com/rickgao/marketsim/internal/engine"
	"github.com/rickgao/marketsim/internal/simtypes"
	"github.com/rickgao/marketsim/internal/subscriber"
)

// Timeout marks a wait_for_pause call that did not observe the engine
// reach the requested state before its deadline. It is not part of the
// general error taxonomy — it is specific to that one operation.
const Timeout ErrorCode = "Timeout"

// SenderFactory resolves a subscriber's wire-level transport from the
// "parameter" field of an add_subscribers request entry, letting the
// server stay transport-agnostic. It returns an endpoint key — used by
// subscriber.Manager to share and refcount one Sender across every
// subscriber with the same key, per §4.4's endpoint-sharing contract;
// empty opts out of sharing — and an open func the manager calls at
// most once per distinct key actually seen.
type SenderFactory func(kind, parameter string) (endpointKey string, open func() (subscriber.Sender, error), err error)

// Server exposes Engine and subscriber.Manager over HTTP/JSON,
// following §6's RPC surface and response envelope. Every request is
// tagged with a fresh correlation ID for log correlation, the one use
// of github.com/google/uuid in the module: an externally-visible
// concern with no in-process identity requirement.
type Server struct {
	eng     *engine.Engine
	subs    *subscriber.Manager
	senders SenderFactory
	logger  *slog.Logger
	mux     *http.ServeMux
}

// NewServer constructs a Server wired to eng and subs. A nil logger
// defaults to slog.Default().
func NewServer(eng *engine.Engine, subs *subscriber.Manager, senders SenderFactory, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{eng: eng, subs: subs, senders: senders, logger: logger}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

// ServeHTTP implements http.Handler, logging every request's
// correlation ID and dispatching to the registered routes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.New()
	s.logger.Debug("control request", "request_id", reqID, "method", r.Method, "path", r.URL.Path)
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/configure", s.handleConfigure)
	s.mux.HandleFunc("/start", s.handleStart)
	s.mux.HandleFunc("/pause", s.handlePause)
	s.mux.HandleFunc("/run", s.handleRun)
	s.mux.HandleFunc("/wait_for_pause", s.handleWaitForPause)
	s.mux.HandleFunc("/reset", s.handleReset)
	s.mux.HandleFunc("/add_agents", s.handleAddAgents)
	s.mux.HandleFunc("/del_agents", s.handleDelAgents)
	s.mux.HandleFunc("/list_agents", s.handleListAgents)
	s.mux.HandleFunc("/get_agent_history", s.handleGetAgentHistory)
	s.mux.HandleFunc("/get_price_history", s.handleGetPriceHistory)
	s.mux.HandleFunc("/emit_info", s.handleEmitInfo)
	s.mux.HandleFunc("/add_subscribers", s.handleAddSubscribers)
	s.mux.HandleFunc("/del_subscribers", s.handleDelSubscribers)
	s.mux.HandleFunc("/list_subscribers", s.handleListSubscribers)
	s.mux.HandleFunc("/market/showperf", s.handleShowPerf)
	s.mux.HandleFunc("/market/resetperf", s.handleResetPerf)
}

func writeEnvelope(w http.ResponseWriter, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	if env.ErrorCode != NoError {
		w.WriteHeader(http.StatusBadRequest)
	}
	body, err := env.Marshal()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Write(body)
}

func decodeBody(r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, dst)
}

type configureRequest struct {
	IterBlock uint64 `json:"iter_block"`
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var req configureRequest
	if err := decodeBody(r, &req); err != nil {
		writeEnvelope(w, Fail(JsonParseError, err.Error()))
		return
	}
	cfg := engine.Config{IterBlock: req.IterBlock}
	if err := s.eng.Configure(cfg); err != nil {
		writeEnvelope(w, Fail(GeneralError, err.Error()))
		return
	}
	writeEnvelope(w, OK(nil))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if s.eng.State() == engine.StateRunning {
		writeEnvelope(w, Fail(AlreadyStarted, "engine is already running"))
		return
	}
	if err := s.eng.Start(r.Context()); err != nil {
		writeEnvelope(w, Fail(GeneralError, err.Error()))
		return
	}
	writeEnvelope(w, OK(nil))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Pause(r.Context()); err != nil {
		writeEnvelope(w, Fail(GeneralError, err.Error()))
		return
	}
	writeEnvelope(w, OK(nil))
}

type runRequest struct {
	IterCount *uint64 `json:"iter_count,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeBody(r, &req); err != nil {
		writeEnvelope(w, Fail(JsonParseError, err.Error()))
		return
	}
	if err := s.eng.Run(r.Context(), req.IterCount); err != nil {
		writeEnvelope(w, Fail(GeneralError, err.Error()))
		return
	}
	writeEnvelope(w, OK(nil))
}

func (s *Server) handleWaitForPause(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if q := r.URL.Query().Get("timeout_ms"); q != "" {
		var ms int
		if _, err := fmt.Sscanf(q, "%d", &ms); err == nil && ms > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
			defer cancel()
		}
	}
	if err := s.eng.WaitForPause(ctx); err != nil {
		writeEnvelope(w, Fail(Timeout, err.Error()))
		return
	}
	writeEnvelope(w, OK(nil))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Reset(); err != nil {
		writeEnvelope(w, Fail(GeneralError, err.Error()))
		return
	}
	writeEnvelope(w, OK(nil))
}

type addAgentResult struct {
	IDs []simtypes.AgentID `json:"ids,omitempty"`
	Err string             `json:"error,omitempty"`
}

// buildAgent constructs one agent.Agent from a wire-level type name,
// base config, and strategy-specific config payload.
func buildAgent(id simtypes.AgentID, base agent.BaseConfig, kind string, raw json.RawMessage) (agent.Agent, error) {
	switch kind {
	case "constant":
		var cfg agent.ConstantConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", errAgentConfig, err)
		}
		return agent.NewConstant(id, base, cfg)
	case "gaussian":
		var cfg agent.GaussianConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", errAgentConfig, err)
		}
		return agent.NewGaussian(id, base, cfg)
	case "cohort_v1":
		var cfg agent.CohortV1Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", errAgentConfig, err)
		}
		return agent.NewCohortV1(id, base, cfg)
	case "cohort_v2":
		var cfg agent.CohortV2Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", errAgentConfig, err)
		}
		return agent.NewCohortV2(id, base, cfg)
	default:
		return nil, errAgentNotImplemented
	}
}

func (s *Server) handleAddAgents(w http.ResponseWriter, r *http.Request) {
	var reqs []struct {
		Type   string           `json:"type"`
		Count  int              `json:"count"`
		Base   agent.BaseConfig `json:"base"`
		Config json.RawMessage  `json:"config"`
	}
	if err := decodeBody(r, &reqs); err != nil {
		writeEnvelope(w, Fail(JsonParseError, err.Error()))
		return
	}

	results := make([]addAgentResult, len(reqs))
	anyFailed := false
	for i, req := range reqs {
		count := req.Count
		if count < 1 {
			count = 1
		}
		ids := make([]simtypes.AgentID, 0, count)
		var buildErr error
		for n := 0; n < count; n++ {
			id := s.eng.NextAgentID()
			a, err := buildAgent(id, req.Base, req.Type, req.Config)
			if err != nil {
				buildErr = err
				break
			}
			if err := s.eng.AddAgent(r.Context(), a); err != nil {
				buildErr = err
				break
			}
			ids = append(ids, id)
		}
		if buildErr != nil {
			results[i] = addAgentResult{Err: classifyAgentError(buildErr)}
			anyFailed = true
			continue
		}
		results[i] = addAgentResult{IDs: ids}
	}

	if anyFailed {
		writeEnvelope(w, FailWithData(Multiple, "one or more add_agents entries failed", MultiplePairList, results))
		return
	}
	writeEnvelope(w, OKBatch(MultiplePairList, results))
}

var (
	errAgentConfig         = errors.New("AgentConfigError")
	errAgentNotImplemented = errors.New("AgentNotImplemented")
)

func classifyAgentError(err error) string {
	if errors.Is(err, errAgentNotImplemented) {
		return string(AgentNotImplemented)
	}
	return string(AgentConfigError)
}

func (s *Server) handleDelAgents(w http.ResponseWriter, r *http.Request) {
	var ids []simtypes.AgentID
	if err := decodeBody(r, &ids); err != nil {
		writeEnvelope(w, Fail(JsonParseError, err.Error()))
		return
	}
	results := make(map[simtypes.AgentID]string, len(ids))
	anyFailed := false
	for _, id := range ids {
		if err := s.eng.DelAgents(r.Context(), []simtypes.AgentID{id}); err != nil {
			results[id] = string(NotFound)
			anyFailed = true
			continue
		}
		results[id] = "true"
	}
	if anyFailed {
		writeEnvelope(w, FailWithData(Multiple, "one or more del_agents entries failed", MultipleStringMap, results))
		return
	}
	writeEnvelope(w, OKBatch(MultipleStringMap, results))
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, OKBatch(MultipleBareList, s.eng.ListAgents()))
}

type historyRequest struct {
	ID    simtypes.AgentID `json:"id"`
	Erase bool             `json:"erase"`
}

func (s *Server) handleGetAgentHistory(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if err := decodeBody(r, &req); err != nil {
		writeEnvelope(w, Fail(JsonParseError, err.Error()))
		return
	}
	ts, err := s.eng.GetAgentHistory(r.Context(), req.ID, req.Erase)
	if err != nil {
		writeEnvelope(w, Fail(NotFound, err.Error()))
		return
	}
	writeEnvelope(w, OK(historySnapshot(ts)))
}

type priceHistoryRequest struct {
	Erase bool `json:"erase"`
}

func (s *Server) handleGetPriceHistory(w http.ResponseWriter, r *http.Request) {
	var req priceHistoryRequest
	if err := decodeBody(r, &req); err != nil {
		writeEnvelope(w, Fail(JsonParseError, err.Error()))
		return
	}
	ts, err := s.eng.GetPriceHistory(r.Context(), req.Erase)
	if err != nil {
		writeEnvelope(w, Fail(GeneralError, err.Error()))
		return
	}
	out := make([]map[string]interface{}, 0, ts.Len())
	cur, ok := ts.Cursor()
	if ok {
		for tp := ts.FirstTP(); tp <= cur; tp++ {
			v, present, err := ts.At(tp)
			if err != nil || !present {
				continue
			}
			out = append(out, map[string]interface{}{"timepoint": tp, "price": v.String()})
		}
	}
	writeEnvelope(w, OK(out))
}

// historySnapshot renders an agent action history as plain wire
// values; it is defined generically only over the one element type
// GetAgentHistory returns.
func historySnapshot(ts interface {
	Cursor() (simtypes.Timepoint, bool)
	FirstTP() simtypes.Timepoint
	At(simtypes.Timepoint) (simtypes.AgentAction, bool, error)
}) []map[string]interface{} {
	out := []map[string]interface{}{}
	cur, ok := ts.Cursor()
	if !ok {
		return out
	}
	for tp := ts.FirstTP(); tp <= cur; tp++ {
		v, present, err := ts.At(tp)
		if err != nil || !present {
			continue
		}
		out = append(out, map[string]interface{}{
			"timepoint":      tp,
			"direction":      v.Direction.String(),
			"internal_force": float64(v.InternalForce),
		})
	}
	return out
}

func (s *Server) handleEmitInfo(w http.ResponseWriter, r *http.Request) {
	var raws []json.RawMessage
	if err := decodeBody(r, &raws); err != nil {
		writeEnvelope(w, Fail(JsonParseError, err.Error()))
		return
	}
	info := make(simtypes.Infoset, 0, len(raws))
	for _, raw := range raws {
		var ind simtypes.SubjectivePriceIndication
		if err := json.Unmarshal(raw, &ind); err != nil {
			writeEnvelope(w, Fail(JsonParseError, err.Error()))
			return
		}
		if err := ind.Validate(); err != nil {
			writeEnvelope(w, Fail(GeneralError, err.Error()))
			return
		}
		info = append(info, ind)
	}
	if err := s.eng.EmitInfo(info); err != nil {
		writeEnvelope(w, Fail(GeneralError, err.Error()))
		return
	}
	writeEnvelope(w, OK(nil))
}

type addSubscriberRequest struct {
	Subject   string            `json:"subject"`
	AgentID   simtypes.AgentID  `json:"agent_id,omitempty"`
	Config    subscriber.Config `json:"config"`
	Transport string            `json:"transport"`
	Parameter string            `json:"parameter"`
}

func (s *Server) handleAddSubscribers(w http.ResponseWriter, r *http.Request) {
	var reqs []addSubscriberRequest
	if err := decodeBody(r, &reqs); err != nil {
		writeEnvelope(w, Fail(JsonParseError, err.Error()))
		return
	}

	type result struct {
		ID  simtypes.SubscriberID `json:"id,omitempty"`
		Err string                `json:"error,omitempty"`
	}
	results := make([]result, len(reqs))
	anyFailed := false
	for i, req := range reqs {
		var subject engine.HistorySubject
		switch req.Subject {
		case "price":
			subject = engine.HistorySubject{Kind: engine.PriceHistoryKind}
		case "agent":
			subject = engine.HistorySubject{Kind: engine.AgentHistoryKind, AgentID: req.AgentID}
		default:
			results[i] = result{Err: string(SubscriberConfigError)}
			anyFailed = true
			continue
		}
		endpointKey, open, err := s.senders(req.Transport, req.Parameter)
		if err != nil {
			results[i] = result{Err: string(SubscriberConfigError)}
			anyFailed = true
			continue
		}
		id, err := s.subs.Subscribe(subject, req.Config, endpointKey, open)
		if err != nil {
			results[i] = result{Err: string(SubscriberConfigError)}
			anyFailed = true
			continue
		}
		results[i] = result{ID: id}
	}

	if anyFailed {
		writeEnvelope(w, FailWithData(Multiple, "one or more add_subscribers entries failed", MultiplePairList, results))
		return
	}
	writeEnvelope(w, OKBatch(MultiplePairList, results))
}

func (s *Server) handleDelSubscribers(w http.ResponseWriter, r *http.Request) {
	var ids []simtypes.SubscriberID
	if err := decodeBody(r, &ids); err != nil {
		writeEnvelope(w, Fail(JsonParseError, err.Error()))
		return
	}
	for _, id := range ids {
		s.subs.Unsubscribe(id)
	}
	writeEnvelope(w, OK(nil))
}

func (s *Server) handleListSubscribers(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, OKBatch(MultipleBareList, s.subs.ListSubscribers()))
}

func (s *Server) handleShowPerf(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, OKBatch(MultipleStringMap, s.eng.ShowPerf()))
}

func (s *Server) handleResetPerf(w http.ResponseWriter, r *http.Request) {
	s.eng.ResetPerf()
	writeEnvelope(w, OK(nil))
}
