// Package sdk is the surface plugins are built against.
package sdk

import "github.com/EchoPBX/subpub/pkg/eventbus"

// Bus is the part of the event bus a plugin may use.
type Bus interface {
	Subscribe(h any) (any, error)
	Publish(event string, args ...any) error
}

var _ Bus = (*eventbus.Bus)(nil)
