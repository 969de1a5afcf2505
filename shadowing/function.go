package shadowing

import (
	"context"

	"github.com/go-digitaltwin/twinsync/asset"
	"github.com/go-digitaltwin/twinsync/event"
)

// A Function maps the physical world into the twin state. The twin designer
// supplies it; it is the only party that opens state transactions in response
// to physical data.
//
// Every hook receives the Engine running the Function, which gives access to
// the state manager and to the observation and publication primitives. Hooks
// run synchronously on the goroutine that delivered the triggering event or
// lifecycle transition. An error returned by a hook is logged and does not
// affect the rest of the twin.
type Function interface {
	OnCreate(ctx context.Context, e *Engine) error
	OnStart(ctx context.Context, e *Engine) error
	OnStop(ctx context.Context, e *Engine) error

	// OnDigitalTwinBound is called once every physical adapter of the twin
	// reported its binding, with their descriptions keyed by adapter id.
	OnDigitalTwinBound(ctx context.Context, e *Engine, descriptions map[string]asset.Description) error
	// OnDigitalTwinUnBound is called when a physical adapter lost its binding.
	OnDigitalTwinUnBound(ctx context.Context, e *Engine, descriptions map[string]asset.Description, cause error) error
	// OnPhysicalAdapterBindingUpdate is called when a bound physical adapter
	// replaced its description.
	OnPhysicalAdapterBindingUpdate(ctx context.Context, e *Engine, adapterID string, d asset.Description) error

	// The following hooks receive the events the Function observes. The twin
	// must be bound for physical events to be delivered.
	OnPhysicalAssetPropertyVariation(ctx context.Context, e *Engine, ev event.Event) error
	OnPhysicalAssetEventNotification(ctx context.Context, e *Engine, ev event.Event) error
	OnPhysicalAssetRelationshipEstablished(ctx context.Context, e *Engine, ev event.Event) error
	OnPhysicalAssetRelationshipDeleted(ctx context.Context, e *Engine, ev event.Event) error
	OnDigitalActionEvent(ctx context.Context, e *Engine, ev event.Event) error
}

// Base implements every Function hook as a no-op. Embed it to implement only
// the hooks of interest.
type Base struct{}

var _ Function = Base{}

func (Base) OnCreate(context.Context, *Engine) error { return nil }
func (Base) OnStart(context.Context, *Engine) error { return nil }
func (Base) OnStop(context.Context, *Engine) error { return nil }

func (Base) OnDigitalTwinBound(context.Context, *Engine, map[string]asset.Description) error {
	return nil
}

func (Base) OnDigitalTwinUnBound(context.Context, *Engine, map[string]asset.Description, error) error {
	return nil
}

func (Base) OnPhysicalAdapterBindingUpdate(context.Context, *Engine, string, asset.Description) error {
	return nil
}

func (Base) OnPhysicalAssetPropertyVariation(context.Context, *Engine, event.Event) error {
	return nil
}

func (Base) OnPhysicalAssetEventNotification(context.Context, *Engine, event.Event) error {
	return nil
}

func (Base) OnPhysicalAssetRelationshipEstablished(context.Context, *Engine, event.Event) error {
	return nil
}

func (Base) OnPhysicalAssetRelationshipDeleted(context.Context, *Engine, event.Event) error {
	return nil
}

func (Base) OnDigitalActionEvent(context.Context, *Engine, event.Event) error { return nil }
