package handle

import (
	"context"
	"io"

	"tether/internal/ops"
)

// FsEvent is one filesystem change notification.
type FsEvent struct {
	Kind  string
	Paths []string
}

// Watcher streams filesystem events for a set of paths.
type Watcher struct {
	*Handle
}

// Watch starts watching paths.
func Watch(d *ops.Dispatcher, paths []string, recursive bool) (*Watcher, error) {
	v, err := d.Sync("op_fs_watch", paths, recursive)
	if err != nil {
		return nil, err
	}
	rid, err := RIDOf(v)
	if err != nil {
		return nil, err
	}
	return &Watcher{Handle: Bind(d, "fsEvents", rid)}, nil
}

// Next waits for the next event. It returns io.EOF once the watcher closed.
func (w *Watcher) Next(ctx context.Context) (FsEvent, error) {
	v, err := w.Async(ctx, "op_fs_watch_poll").Await(ctx)
	if err != nil {
		if IsBadResource(err) {
			return FsEvent{}, io.EOF
		}
		return FsEvent{}, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return FsEvent{}, io.EOF
	}
	ev := FsEvent{}
	ev.Kind, _ = m["kind"].(string)
	ev.Paths, _ = ops.Args{m["paths"]}.Strings(0)
	return ev, nil
}

// Close stops watching. Repeated calls are no-ops.
func (w *Watcher) Close() error {
	return w.CloseOnce()
}

// CronJob fires on a cron schedule.
type CronJob struct {
	*Handle
	name     string
	schedule string
}

// Cron registers a schedule such as "*/5 * * * * *" or "@every 1m".
func Cron(d *ops.Dispatcher, name, schedule string) (*CronJob, error) {
	v, err := d.Sync("op_cron_create", name, schedule)
	if err != nil {
		return nil, err
	}
	rid, err := RIDOf(v)
	if err != nil {
		return nil, err
	}
	return &CronJob{Handle: Bind(d, "cron", rid), name: name, schedule: schedule}, nil
}

// Name returns the job name.
func (c *CronJob) Name() string { return c.name }

// Schedule returns the cron expression.
func (c *CronJob) Schedule() string { return c.schedule }

// Next waits for the next tick. It returns false once the job is closed.
func (c *CronJob) Next(ctx context.Context) (bool, error) {
	ok, err := ops.Await[bool](ctx, c.Async(ctx, "op_cron_next"))
	if IsBadResource(err) {
		return false, nil
	}
	return ok, err
}

// Close stops the schedule. Repeated calls are no-ops.
func (c *CronJob) Close() error {
	return c.CloseOnce()
}
