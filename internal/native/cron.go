package native

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"tether/internal/operr"
	"tether/internal/ops"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// scheduler runs every cron job of an Env on one robfig cron instance.
type scheduler struct {
	cron    *cron.Cron
	logger  zerolog.Logger
	mu      sync.Mutex
	entries map[string]cron.EntryID
	running bool
}

func newScheduler(logger zerolog.Logger) *scheduler {
	logger = logger.With().Str("component", "cron").Logger()
	return &scheduler{
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLocation(time.Local),
			cron.WithLogger(cronLogger{logger}),
		),
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

func (s *scheduler) add(name, schedule string) (*cronJob, error) {
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return nil, operr.Invalid("schedule", "invalid cron expression: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return nil, fmt.Errorf("cron job %q already exists", name)
	}

	job := &cronJob{
		name:  name,
		owner: s,
		ticks: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	s.entries[name] = s.cron.Schedule(sched, cron.FuncJob(job.fire))
	if !s.running {
		s.cron.Start()
		s.running = true
	}
	s.logger.Debug().Str("job_name", name).Str("schedule", schedule).Msg("job added")
	return job, nil
}

func (s *scheduler) remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

func (s *scheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
	}
}

// cronJob buffers at most one tick; ticks that fire while the previous one
// is unconsumed are dropped.
type cronJob struct {
	name  string
	owner *scheduler
	ticks chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (j *cronJob) Name() string { return "cron" }

func (j *cronJob) fire() {
	select {
	case j.ticks <- struct{}{}:
	default:
		j.owner.logger.Debug().Str("job_name", j.name).Msg("tick skipped, previous still pending")
	}
}

func (j *cronJob) next(ctx context.Context) (bool, error) {
	select {
	case <-j.ticks:
		return true, nil
	case <-j.done:
		return false, nil
	case <-ctx.Done():
		return false, operr.Interrupted("cron", ctx)
	}
}

func (j *cronJob) Close() error {
	j.once.Do(func() {
		close(j.done)
		j.owner.remove(j.name)
	})
	return nil
}

func registerCron(reg *ops.Registry, env *Env) {
	reg.Sync("op_cron_create", func(_ context.Context, a ops.Args) (any, error) {
		name, err := a.String(0)
		if err != nil {
			return nil, err
		}
		schedule, err := a.String(1)
		if err != nil {
			return nil, err
		}
		job, err := env.scheduler().add(name, schedule)
		if err != nil {
			return nil, err
		}
		rid, err := env.Table.Add(job)
		if err != nil {
			job.Close()
			return nil, err
		}
		return record(rid), nil
	})

	reg.Async("op_cron_next", func(ctx context.Context, a ops.Args) (any, error) {
		job, _, err := lookup[*cronJob](env, a, "cron")
		if err != nil {
			return nil, err
		}
		return job.next(ctx)
	})
}
