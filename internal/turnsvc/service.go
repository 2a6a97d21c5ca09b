// Package turnsvc serves turns over NATS request/reply.
package turnsvc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/minerlex/internal/bus"
	"github.com/loqalabs/minerlex/internal/config"
	"github.com/loqalabs/minerlex/internal/input"
	"github.com/loqalabs/minerlex/internal/pipeline"
	"github.com/loqalabs/minerlex/internal/protocol"
)

// StatusStream retains published status events.
const StatusStream = "MINERLEX_TURNS"

// Runner executes a turn. *pipeline.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req input.Request, label string, opts ...pipeline.RunOption) (*pipeline.Result, error)
}

type Service struct {
	cfg     config.BusConfig
	bus     *bus.Client
	runner  Runner
	defLang string
	logger  *slog.Logger

	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  atomic.Bool
}

func NewService(parent context.Context, cfg config.BusConfig, busClient *bus.Client, runner Runner, defaultLanguage string, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		bus:     busClient,
		runner:  runner,
		defLang: defaultLanguage,
		logger:  logger.With(slog.String("component", "turnsvc")),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to turn requests. When retain is set, status events are
// also kept in a JetStream stream for maxAge.
func (s *Service) Start(retain bool, maxAge time.Duration) error {
	if retain {
		if err := s.bus.EnsureStream(StatusStream, []string{protocol.SubjectTurnStatusAll}, maxAge); err != nil {
			s.logger.Warn("status stream unavailable", slog.String("error", err.Error()))
		}
	}
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectTurnRequest, s.cfg.QueueGroup, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	s.ready.Store(true)
	s.logger.Info("turn service subscribed",
		slog.String("subject", protocol.SubjectTurnRequest),
		slog.String("queue", s.cfg.QueueGroup))
	return nil
}

func (s *Service) Close() {
	s.ready.Store(false)
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ready.Load() && s.bus.Healthy()
}

func (s *Service) handleRequest(msg *nats.Msg) {
	s.wg.Add(1)
	defer s.wg.Done()

	var req protocol.TurnRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode turn request", slogError(err))
		s.reply(msg, protocol.TurnResponse{
			State: string(pipeline.Aborted),
			Error: &protocol.TurnError{Kind: "bad_request", Message: "Malformed turn request.", Detail: err.Error()},
		})
		return
	}

	in, label, opts := req.Turn(s.defLang)
	opts = append(opts, pipeline.WithObserver(pipeline.ObserverFunc(s.publishStatus)))

	res, err := s.runner.Run(s.ctx, in, label, opts...)
	if err != nil {
		var f *pipeline.Failure
		if !errors.As(err, &f) {
			s.logger.Error("turn failed", slogError(err))
			s.reply(msg, protocol.TurnResponse{
				TurnID: req.TurnID,
				State:  string(pipeline.Aborted),
				Error:  &protocol.TurnError{Kind: "internal", Message: "The turn could not be run.", Detail: err.Error()},
			})
			return
		}
		s.reply(msg, protocol.ResponseFromFailure(f.TurnID, f))
		return
	}
	defer func() {
		if err := res.Release(); err != nil {
			s.logger.Warn("failed to release audio", slog.String("turn_id", res.TurnID), slogError(err))
		}
	}()
	s.reply(msg, protocol.ResponseFromResult(res))
}

func (s *Service) publishStatus(t pipeline.Transition) {
	data, err := json.Marshal(protocol.StatusFromTransition(t))
	if err != nil {
		s.logger.Warn("failed to marshal turn status", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.StatusSubject(t.TurnID), data); err != nil {
		s.logger.Warn("failed to publish turn status", slogError(err))
	}
}

func (s *Service) reply(msg *nats.Msg, resp protocol.TurnResponse) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("failed to marshal turn response", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send turn response", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
