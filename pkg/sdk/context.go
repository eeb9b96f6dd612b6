package sdk

import (
	"github.com/EchoPBX/subpub/pkg/tracker"
	"go.uber.org/zap"
)

type Context interface {
	Log() *zap.Logger
	Bus() Bus
	Tracker() *tracker.Registry
	Config() map[string]any
}
