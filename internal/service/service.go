// Package service is the memory façade: it buffers chat turns, answers
// retrieval queries and runs consolidation on demand or in the background.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rcliao/memoryscope/internal/embedding"
	"github.com/rcliao/memoryscope/internal/logging"
	"github.com/rcliao/memoryscope/internal/memory"
	"github.com/rcliao/memoryscope/internal/model"
	"github.com/rcliao/memoryscope/internal/pipeline"
	"github.com/rcliao/memoryscope/internal/pool"
	"github.com/rcliao/memoryscope/internal/scheduler"
	"github.com/rcliao/memoryscope/internal/store"
	"github.com/rcliao/memoryscope/internal/worker"
)

// Kind says who drives an operation.
type Kind string

const (
	// Frontend operations run when a caller asks, each on a fresh context.
	Frontend Kind = "frontend"
	// Backend operations own a context and may run on a schedule.
	Backend Kind = "backend"
)

// Operation binds a name to a pipeline.
type Operation struct {
	Name          string
	Pipeline      string
	Kind          Kind
	Interval      time.Duration
	MinCount      int
	MarkMemorized bool
}

// Options configure a Service.
type Options struct {
	Operations   []Operation
	RetrieveOp   string
	HistoryCount int
	Granularity  time.Duration
	Env          worker.Env
	Store        store.Store
	Embedder     embedding.Embedder
	Registry     *pipeline.Registry
	Pool         *pool.Pool
	Log          zerolog.Logger
	Now          func() time.Time
}

type operation struct {
	Operation
	exec *pipeline.Executor

	// backend only
	ctx     *pipeline.Context
	sched   *scheduler.Scheduler
	history []model.Message
	last    string
}

// Service owns one executor per operation and the shared message buffer.
type Service struct {
	opts Options
	log  zerolog.Logger
	buf  *buffer
	ops  map[string]*operation

	closeOnce sync.Once
}

// New parses every operation's pipeline. A malformed pipeline or a bad
// operation is a configuration error.
func New(opts Options) (*Service, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RetrieveOp == "" {
		opts.RetrieveOp = "retrieve_memory"
	}
	s := &Service{
		opts: opts,
		log:  logging.Component(opts.Log, "service"),
		buf:  newBuffer(opts.HistoryCount, opts.Now),
		ops:  make(map[string]*operation, len(opts.Operations)),
	}

	for _, spec := range opts.Operations {
		if _, dup := s.ops[spec.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate operation %q", pipeline.ErrConfig, spec.Name)
		}
		plan, err := pipeline.Parse(spec.Pipeline)
		if err != nil {
			return nil, fmt.Errorf("operation %s: %w", spec.Name, err)
		}
		op := &operation{
			Operation: spec,
			exec:      pipeline.NewExecutor(spec.Name, plan, opts.Registry, opts.Pool, pipeline.WithLogger(opts.Log)),
		}
		switch spec.Kind {
		case Frontend:
		case Backend:
			op.ctx = s.newContext()
			op.sched = scheduler.New(spec.Name, scheduler.Config{
				Interval:    spec.Interval,
				MinCount:    spec.MinCount,
				Granularity: opts.Granularity,
			}, scheduler.JobFuncs{
				PendingFn: s.buf.pendingCount,
				RunFn:     func(ctx context.Context) error { return s.cycle(ctx, op) },
			}, opts.Pool, opts.Log)
		default:
			return nil, fmt.Errorf("%w: operation %s has unknown kind %q", pipeline.ErrConfig, spec.Name, spec.Kind)
		}
		s.ops[spec.Name] = op
	}
	return s, nil
}

func (s *Service) newContext() *pipeline.Context {
	return pipeline.NewContext(memory.NewHandler(s.opts.Store, s.opts.Embedder, s.log))
}

// Operations lists the operation names in sorted order.
func (s *Service) Operations() []string {
	names := make([]string, 0, len(s.ops))
	for n := range s.ops {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// AddMessages buffers chat turns. Turns without an id or time get one.
func (s *Service) AddMessages(msgs ...model.Message) {
	s.buf.add(msgs...)
}

// Messages returns a copy of the buffer.
func (s *Service) Messages() []model.Message {
	return s.buf.snapshot()
}

// ReadMemory answers query from stored memory as a prompt-ready string.
func (s *Service) ReadMemory(ctx context.Context, query string) (string, error) {
	return s.DoOperation(ctx, s.opts.RetrieveOp, query)
}

// DoOperation runs the named operation now. Runtime failures are logged
// and give an empty result; configuration errors are returned.
func (s *Service) DoOperation(ctx context.Context, name, query string) (string, error) {
	op, ok := s.ops[name]
	if !ok {
		return "", fmt.Errorf("%w: unknown operation %q", pipeline.ErrConfig, name)
	}

	var result string
	var err error
	if op.Kind == Backend {
		err = op.sched.RunNow(ctx)
		s.buf.mu.Lock()
		result = op.last
		s.buf.mu.Unlock()
	} else {
		result, err = s.runFrontend(ctx, op, query)
	}
	if err != nil {
		if errors.Is(err, pipeline.ErrConfig) {
			return "", err
		}
		s.log.Warn().Err(err).Str("operation", name).Msg("operation failed")
		return "", nil
	}
	return result, nil
}

func (s *Service) runFrontend(ctx context.Context, op *operation, query string) (string, error) {
	pc := s.newContext()
	pipeline.Put(pc, worker.QueryKey, query)
	pipeline.Put(pc, worker.QueryTimeKey, s.opts.Now())
	pipeline.Put(pc, worker.MessagesKey, s.buf.snapshot())
	return op.exec.Run(ctx, pc)
}

// cycle runs a backend operation over the pending batch plus the rolling
// history, then records what was processed. The scheduler serializes it.
func (s *Service) cycle(ctx context.Context, op *operation) error {
	batch := s.buf.pending()
	pipeline.Put(op.ctx, worker.MessagesKey, window(op.history, batch))
	pipeline.Put(op.ctx, worker.QueryTimeKey, s.opts.Now())

	result, err := op.exec.Run(ctx, op.ctx)

	s.buf.mu.Lock()
	defer s.buf.mu.Unlock()
	op.last = result
	op.ctx.Clear()
	if err != nil {
		return err
	}
	ids := make(map[string]bool, len(batch))
	for i := range batch {
		ids[batch[i].ID] = true
		if op.MarkMemorized {
			batch[i].Memorized = true
		}
	}
	if op.MarkMemorized {
		s.buf.markLocked(ids)
	}
	op.history = truncate(window(op.history, batch), s.buf.max)
	return nil
}

// Remember stores content as an observation the user wrote directly. It
// goes through the same commit path as any consolidated node.
func (s *Service) Remember(ctx context.Context, content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", errors.New("remember: empty content")
	}
	n := model.NewMemoryNode(model.NodeParams{
		UserName:   s.opts.Env.UserName,
		TargetName: s.opts.Env.TargetName,
		Content:    content,
		Type:       model.TypeObsCustomized,
		Timestamp:  s.opts.Now(),
	})
	h := memory.NewHandler(s.opts.Store, s.opts.Embedder, s.log)
	h.Add(n)
	if _, err := h.Commit(ctx); err != nil {
		return "", fmt.Errorf("remember: %w", err)
	}
	return n.ID(), nil
}

// Forget expires the stored nodes among ids and returns how many were
// deleted. Unknown ids are ignored.
func (s *Service) Forget(ctx context.Context, ids ...string) (int, error) {
	h := memory.NewHandler(s.opts.Store, s.opts.Embedder, s.log)
	recs, err := s.opts.Store.Get(ctx, ids...)
	if err != nil {
		return 0, fmt.Errorf("forget: %w", err)
	}
	nodes, err := h.Load(recs)
	if err != nil {
		return 0, fmt.Errorf("forget: %w", err)
	}
	for _, n := range nodes {
		if err := n.Expire(); err != nil {
			return 0, fmt.Errorf("forget %s: %w", n.ID(), err)
		}
	}
	stats, err := h.Commit(ctx)
	if err != nil {
		return stats.Deleted, fmt.Errorf("forget: %w", err)
	}
	return stats.Deleted, nil
}

// StartBackend starts every backend loop. Already running loops are left
// alone.
func (s *Service) StartBackend() {
	for _, name := range s.Operations() {
		if op := s.ops[name]; op.sched != nil {
			op.sched.Start()
		}
	}
}

// StopBackend signals every backend loop to stop. Runs in progress finish.
func (s *Service) StopBackend() {
	for _, op := range s.ops {
		if op.sched != nil {
			op.sched.Stop()
		}
	}
}

// Close stops the backend loops, waits for them within ctx and closes the
// store.
func (s *Service) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.StopBackend()
		var errs []error
		for _, op := range s.ops {
			if op.sched != nil {
				if werr := op.sched.Wait(ctx); werr != nil {
					errs = append(errs, fmt.Errorf("wait for %s: %w", op.Name, werr))
				}
			}
		}
		if s.opts.Store != nil {
			if cerr := s.opts.Store.Close(); cerr != nil {
				errs = append(errs, fmt.Errorf("close store: %w", cerr))
			}
		}
		err = errors.Join(errs...)
	})
	return err
}
