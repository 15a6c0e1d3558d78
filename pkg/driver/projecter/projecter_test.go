package projecter_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/matryer/is"
	"go.uber.org/multierr"

	"github.com/sour-is/livemsg"
	"github.com/sour-is/livemsg/pkg/driver"
	memstore "github.com/sour-is/livemsg/pkg/driver/mem-store"
	"github.com/sour-is/livemsg/pkg/driver/projecter"
	"github.com/sour-is/livemsg/pkg/record"
)

func TestProjecter(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	seen := make(chan driver.Change, 4)
	collect := func(_ context.Context, c driver.Change) { seen <- c }

	store, err := livemsg.Open(ctx, "mem:",
		projecter.New(ctx, collect),
		projecter.New(ctx, projecter.LogProjection),
	)
	is.NoErr(err)

	// the second projector joins the first
	_, ok := store.Driver.(interface{ AddProjections(...projecter.Projection) })
	is.True(ok)
	_, ok = livemsg.Unwrap(store.Driver).(interface{ AddProjections(...projecter.Projection) })
	is.True(!ok)

	c, err := store.Commit(ctx, driver.Mutation{
		Op: record.OpCreate, Collection: "Message",
		Fields: record.Fields{"text": record.String("hi")},
	}, nil)
	is.NoErr(err)

	select {
	case got := <-seen:
		is.Equal(got.ID, c.ID)
		is.Equal(got.Op, record.OpCreate)
	case <-time.After(time.Second):
		t.Fatal("projection not called")
	}

	_, err = store.Commit(ctx, driver.Mutation{Op: record.OpDelete, Collection: "Message", PK: 99}, nil)
	is.True(err != nil)

	select {
	case <-seen:
		t.Fatal("projection called for a failed commit")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMain(m *testing.M) {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	err := multierr.Combine(
		memstore.Init(ctx),
	)
	if err != nil {
		fmt.Println(err)
		return
	}

	m.Run()
}
