package set_test

import (
	"strings"
	"testing"

	"github.com/matryer/is"

	"github.com/sour-is/livemsg/pkg/set"
)

func TestStringSet(t *testing.T) {
	is := is.New(t)

	s := set.New(strings.Fields("one two  three")...)

	is.True(s.Has("one"))
	is.True(s.Has("two"))
	is.True(s.Has("three"))
	is.True(!s.Has("four"))

	is.Equal(set.New("one").String(), "set(one)")
	is.Equal(s.String(), "set(one,three,two)")

	var n set.Set[string]
	is.Equal(n.String(), "set(<nil>)")
}

func TestIntSet(t *testing.T) {
	is := is.New(t)

	s := set.New[int64]()
	s.Add(1, 2, 3).Delete(2)

	is.True(s.Has(1))
	is.True(!s.Has(2))
	is.True(s.Equal(set.New[int64](3, 1)))
	is.True(!s.Equal(set.New[int64](1)))
}
