package record_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/sour-is/livemsg/pkg/record"
)

func TestValueCompare(t *testing.T) {
	is := is.New(t)

	now := time.Date(2022, 10, 1, 12, 0, 0, 0, time.UTC)

	is.Equal(record.Null.Compare(record.Int(-100)), -1)
	is.Equal(record.Int(-100).Compare(record.Null), 1)
	is.Equal(record.Null.Compare(record.Null), 0)
	is.Equal(record.Int(1).Compare(record.Int(2)), -1)
	is.Equal(record.String("b").Compare(record.String("a")), 1)
	is.Equal(record.Time(now).Compare(record.Time(now.Add(time.Nanosecond))), -1)
	is.Equal(record.Float(1.5).Compare(record.Float(1.5)), 0)

	// mixed kinds order by kind rank
	is.Equal(record.Int(100).Compare(record.String("0")), -1)

	is.True(record.Time(now.In(time.FixedZone("x", 3600))).Equal(record.Time(now)))
	is.Equal(record.Time(now).Time(), now)
}

func TestValueCoerce(t *testing.T) {
	is := is.New(t)

	v, ok := record.Coerce(record.Float(3), record.KindInt)
	is.True(ok)
	is.Equal(v, record.Int(3))

	_, ok = record.Coerce(record.Float(3.5), record.KindInt)
	is.True(!ok)

	v, ok = record.Coerce(record.String("2022-10-01T12:00:00Z"), record.KindTime)
	is.True(ok)
	is.Equal(v.Time(), time.Date(2022, 10, 1, 12, 0, 0, 0, time.UTC))

	v, ok = record.Coerce(record.Null, record.KindTime)
	is.True(ok)
	is.True(v.IsNull())
}

func TestFieldsPatch(t *testing.T) {
	is := is.New(t)

	f := record.Fields{"text": record.String("hi"), "author": record.String("me")}
	p := f.Patch(record.Fields{"author": record.Null, "channel": record.String("general")})

	is.Equal(p.Names(), []string{"channel", "text"})
	is.Equal(f.Names(), []string{"author", "text"})
	is.True(p.Equal(record.Fields{"text": record.String("hi"), "channel": record.String("general"), "author": record.Null}))
	is.Equal(p.String(), `{channel:"general" text:"hi"}`)
}

func TestRecord(t *testing.T) {
	is := is.New(t)

	r := &record.Record{PK: 3, Version: 1, Fields: record.Fields{"text": record.String("hi")}}
	is.Equal(r.Get("id"), record.Int(3))
	is.Equal(r.Get("text"), record.String("hi"))
	is.True(r.Get("author").IsNull())

	c := r.Clone()
	c.Fields["text"] = record.String("changed")
	is.Equal(r.Get("text"), record.String("hi"))
	is.True(!c.Equal(r))

	var n *record.Record
	is.True(n.Get("id").IsNull())
	is.True(n.Equal(nil))
}

func TestSchemaValidate(t *testing.T) {
	is := is.New(t)

	s := record.Messages

	is.NoErr(s.Validate(record.OpCreate, record.Fields{"text": record.String("hello")}))

	err := s.Validate(record.OpCreate, record.Fields{"author": record.String("me")})
	is.True(errors.Is(err, record.ErrValidationFailed))

	err = s.Validate(record.OpCreate, record.Fields{"text": record.Int(1)})
	is.True(errors.Is(err, record.ErrValidationFailed))

	err = s.Validate(record.OpUpdate, record.Fields{"bogus": record.Int(1)})
	is.True(errors.Is(err, record.ErrValidationFailed))

	err = s.Validate(record.OpUpdate, record.Fields{"text": record.Null})
	is.True(errors.Is(err, record.ErrValidationFailed))

	err = s.Validate(record.OpUpdate, record.Fields{"id": record.Int(4)})
	is.True(errors.Is(err, record.ErrValidationFailed))

	is.NoErr(s.Validate(record.OpUpdate, record.Fields{"author": record.Null}))

	f, err := s.Coerce(record.Fields{"createdAt": record.String("2022-10-01T12:00:00Z"), "id": record.Float(2)})
	is.NoErr(err)
	is.Equal(f["createdAt"].Kind(), record.KindTime)
	is.Equal(f["id"], record.Int(2))

	_, err = s.Coerce(record.Fields{"nope": record.Int(1)})
	is.True(errors.Is(err, record.ErrUnknownField))
}

func TestIdentity(t *testing.T) {
	is := is.New(t)

	var ident record.Identity = record.Base64Identity{}

	id := ident.Encode("Message", 42)
	is.Equal(id, "TWVzc2FnZTo0Mg")

	c, pk, err := ident.Decode(id)
	is.NoErr(err)
	is.Equal(c, "Message")
	is.Equal(pk, int64(42))

	pk, err = record.DecodeFor(ident, "Message", id)
	is.NoErr(err)
	is.Equal(pk, int64(42))

	_, err = record.DecodeFor(ident, "Channel", id)
	is.True(errors.Is(err, record.ErrInvalidIdentifier))

	for _, bad := range []string{"%%%", ident.Encode("Message", 0), "TWVzc2FnZQ", ""} {
		_, _, err = ident.Decode(bad)
		is.True(errors.Is(err, record.ErrInvalidIdentifier))
	}
}

func TestValueCodec(t *testing.T) {
	is := is.New(t)

	now := time.Date(2022, 8, 1, 10, 0, 0, 5, time.UTC)
	rec := &record.Record{PK: 9, Version: 2, Fields: record.Fields{
		"text":      record.String("hi"),
		"createdAt": record.Time(now),
		"n":         record.Int(-3),
		"f":         record.Float(1.5),
		"ok":        record.Bool(true),
	}}

	b, err := record.Marshal(rec)
	is.NoErr(err)
	b2, err := record.Marshal(rec.Clone())
	is.NoErr(err)
	is.Equal(b, b2)

	var got record.Record
	is.NoErr(record.Unmarshal(b, &got))
	is.True(got.Equal(rec))
	is.True(got.Get("createdAt").Time().Equal(now))

	js, err := json.Marshal(rec.Fields)
	is.NoErr(err)
	is.Equal(string(js), `{"createdAt":"2022-08-01T10:00:00.000000005Z","f":1.5,"n":-3,"ok":true,"text":"hi"}`)

	var v record.Value
	is.True(record.Unmarshal([]byte{0x83, 0x18, 0x63, 0x00, 0x00}, &v) != nil)
}

func TestSchemaDefaults(t *testing.T) {
	is := is.New(t)

	now := time.Date(2022, 8, 1, 0, 0, 0, 0, time.UTC)
	given := now.Add(-time.Hour)

	f := record.Messages.Defaults(record.OpCreate, record.Fields{"text": record.String("hi")}, now)
	is.True(f["createdAt"].Time().Equal(now))

	f = record.Messages.Defaults(record.OpCreate, record.Fields{"createdAt": record.Time(given)}, now)
	is.True(f["createdAt"].Time().Equal(given))

	f = record.Messages.Defaults(record.OpUpdate, record.Fields{"text": record.String("hi")}, now)
	is.True(f["createdAt"].IsNull())
}
