package main

import (
	"context"

	"go.uber.org/multierr"

	"github.com/sour-is/livemsg"
	"github.com/sour-is/livemsg/internal/lg"
	"github.com/sour-is/livemsg/pkg/driver/countcache"
	diskstore "github.com/sour-is/livemsg/pkg/driver/disk-store"
	memstore "github.com/sour-is/livemsg/pkg/driver/mem-store"
	"github.com/sour-is/livemsg/pkg/driver/projecter"
	sqlitestore "github.com/sour-is/livemsg/pkg/driver/sqlite-store"
	"github.com/sour-is/livemsg/pkg/driver/streamer"
	"github.com/sour-is/livemsg/pkg/env"
	"github.com/sour-is/livemsg/pkg/record"
	"github.com/sour-is/livemsg/pkg/service"
)

var _ = apps.Register(10, func(ctx context.Context, svc *service.Harness) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	// setup store
	err := multierr.Combine(
		diskstore.Init(ctx),
		memstore.Init(ctx),
		sqlitestore.Init(ctx, record.Messages),
	)
	if err != nil {
		span.RecordError(err)
		return err
	}

	opts := []livemsg.Option{streamer.New(ctx)}
	if env.Bool("LIVEMSG_COUNT_CACHE", true) {
		cache, err := countcache.New(ctx)
		if err != nil {
			span.RecordError(err)
			return err
		}
		opts = append(opts, cache)
	}
	if env.Bool("LIVEMSG_AUDIT_LOG", false) {
		opts = append(opts, projecter.New(ctx, projecter.LogProjection))
	}

	store, err := livemsg.Open(ctx, env.Default("LIVEMSG_DATA", "mem:"), opts...)
	if err != nil {
		span.RecordError(err)
		return err
	}
	svc.Add(store)

	s, err := livemsg.NewService(ctx, store, record.Messages)
	if err != nil {
		span.RecordError(err)
		return err
	}
	svc.Add(s)
	svc.OnStart(s.Run)

	return nil
})
