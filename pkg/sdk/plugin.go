package sdk

// Plugin is looked up by the manifest entry symbol of a Go plugin. Init runs
// once at load time, which is where a plugin subscribes its handlers and
// builds its tracked instances; Stop should drop them.
//
// Subscriptions cannot be undone, and a plugin whose Init fails is not loaded
// while its handlers stay subscribed. Do anything that can fail first and
// subscribe last.
type Plugin interface {
	Init(ctx Context) error
	Stop() error
}
