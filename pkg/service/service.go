// package service runs the parts of an application as one unit.
package service

import (
	"context"
	"errors"
	"log"
	"path"
	"runtime/debug"
	"sort"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/sour-is/livemsg/internal/lg"
)

// ShutdownTimeout bounds the stop functions run after the harness context ends.
var ShutdownTimeout = 5 * time.Second

// Setup configures part of an app and adds its services to the harness.
type Setup func(context.Context, *Harness) error

type app struct {
	priority int
	fn       Setup
}

// Apps collects setup functions from the files of a main package.
type Apps struct {
	lis []app
}

// Register adds fn. Lower priorities run first. The result can be assigned to
// a blank var so registration happens at package init.
func (a *Apps) Register(priority int, fn Setup) int {
	a.lis = append(a.lis, app{priority, fn})
	return len(a.lis)
}

// Apps returns the setup functions ordered by priority, in registration
// order when priorities tie.
func (a *Apps) Apps() []Setup {
	lis := make([]app, len(a.lis))
	copy(lis, a.lis)
	sort.SliceStable(lis, func(i, j int) bool { return lis[i].priority < lis[j].priority })

	fns := make([]Setup, len(lis))
	for i := range lis {
		fns[i] = lis[i].fn
	}
	return fns
}

// Harness holds the services of an app with their start and stop functions.
type Harness struct {
	Services []any

	onStart []func(context.Context) error
	onStop  []func(context.Context) error
}

// Setup runs each setup function in order and stops at the first failure.
func (s *Harness) Setup(ctx context.Context, apps ...Setup) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	for _, fn := range apps {
		if err := fn(ctx, s); err != nil {
			span.RecordError(err)
			return err
		}
	}
	return nil
}

// Add records services. A service with Stop(context.Context) error or Close()
// error is stopped when the harness shuts down.
func (s *Harness) Add(svcs ...any) {
	for _, svc := range svcs {
		s.Services = append(s.Services, svc)
		switch svc := svc.(type) {
		case interface{ Stop(context.Context) error }:
			s.OnStop(svc.Stop)
		case interface{ Close() error }:
			s.OnStop(func(context.Context) error { return svc.Close() })
		}
	}
}

// OnStart adds functions that run concurrently for the life of the app.
func (s *Harness) OnStart(fns ...func(context.Context) error) {
	s.onStart = append(s.onStart, fns...)
}

// OnStop adds functions that run in reverse order once the app is done.
func (s *Harness) OnStop(fns ...func(context.Context) error) {
	s.onStop = append(s.onStop, fns...)
}

// Run starts everything and blocks until ctx is done or a start function
// fails, then runs the stop functions.
func (s *Harness) Run(ctx context.Context, appName, version string) error {
	{
		_, span := lg.Span(ctx)
		log.Println(appName, version)
		span.AddEvent("start " + appName + " " + version)
		span.End()
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := range s.onStart {
		fn := s.onStart[i]
		g.Go(func() error { return fn(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		return s.stop(context.WithoutCancel(ctx))
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Harness) stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
	defer cancel()

	var errs error
	for i := len(s.onStop) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, s.onStop[i](ctx))
	}
	return errs
}

// AppName reads the name and version of the running binary from its build info.
func AppName() (string, string) {
	if info, ok := debug.ReadBuildInfo(); ok {
		_, name := path.Split(info.Path)
		return name, info.Main.Version
	}
	return "livemsg", "(devel)"
}
