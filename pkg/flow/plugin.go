package flow

// Plugin is a user-supplied pipeline stage. Its hooks are optional: a plugin
// implements any of Creator, Updater and Expirer, and the missing ones are no-ops.
// Hooks must only touch the flow they are handed.
type Plugin interface {
	Name() string
}

// Creator is called with the first packet of a new flow.
type Creator interface {
	OnCreate(pkt *PacketInfo, f *Flow) error
}

// Updater is called with every later packet of a flow.
type Updater interface {
	OnUpdate(pkt *PacketInfo, f *Flow) error
}

// Expirer is called once when a flow terminates, before it is emitted.
type Expirer interface {
	OnExpire(f *Flow) error
}
