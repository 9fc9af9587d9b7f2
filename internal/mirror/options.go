package mirror

import (
	"github.com/openmined/treemirror/internal/dispatch"
)

type options struct {
	trackDeletion bool
	cacheData     bool
	filter        func(name string) bool
	dispatch      []dispatch.Option
}

func defaultOptions() options {
	return options{cacheData: true}
}

// Option configures a mirror.
type Option func(*options)

// WithDeletionTracking makes a NodeMirror report deletion of its node as Removed
// and clear its snapshot. Without it a deleted node keeps its last snapshot and a
// re-creation is reported as Updated.
func WithDeletionTracking() Option {
	return func(o *options) {
		o.trackDeletion = true
	}
}

// WithoutData keeps only node metadata; payloads are dropped.
func WithoutData() Option {
	return func(o *options) {
		o.cacheData = false
	}
}

// WithChildFilter restricts a ChildrenMirror to children for which keep returns true.
func WithChildFilter(keep func(name string) bool) Option {
	return func(o *options) {
		o.filter = keep
	}
}

// WithDispatch configures the listener set of the mirror.
func WithDispatch(opts ...dispatch.Option) Option {
	return func(o *options) {
		o.dispatch = append(o.dispatch, opts...)
	}
}
