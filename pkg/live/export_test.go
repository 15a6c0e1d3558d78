package live

import (
	"github.com/sour-is/livemsg/pkg/connection"
	"github.com/sour-is/livemsg/pkg/driver"
)

// Affects reports whether c would schedule a subscription that was last sent page.
func Affects(p Params, page *connection.Page, c driver.Change) bool {
	return affects(&entry{params: p, last: page, delivered: true}, c)
}
