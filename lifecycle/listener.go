package lifecycle

import (
	"context"

	"github.com/go-digitaltwin/twinsync/asset"
	"github.com/go-digitaltwin/twinsync/state"
)

// A Listener is told about every lifecycle transition of a twin and about the
// binding reports of its adapters.
//
// A Machine calls its Listeners in registration order, after the transition
// completed, one transition at a time and in the order the transitions took
// place. A Listener may trigger further transitions with the context it was
// given; those are delivered once the current one reached every Listener.
// Errors and panics are logged and never interrupt delivery to the remaining
// Listeners.
type Listener interface {
	OnCreate(ctx context.Context) error
	OnStart(ctx context.Context) error

	OnPhysicalAdapterBound(ctx context.Context, adapterID string, d asset.Description) error
	OnPhysicalAdapterBindingUpdate(ctx context.Context, adapterID string, d asset.Description) error
	// OnPhysicalAdapterUnBound receives the last description the adapter reported
	// and the cause of the unbinding, which is nil for an orderly unbind.
	OnPhysicalAdapterUnBound(ctx context.Context, adapterID string, d asset.Description, cause error) error

	OnDigitalAdapterBound(ctx context.Context, adapterID string) error
	OnDigitalAdapterUnBound(ctx context.Context, adapterID string, cause error) error

	// OnDigitalTwinBound receives the descriptions of every physical adapter,
	// keyed by adapter id.
	OnDigitalTwinBound(ctx context.Context, descriptions map[string]asset.Description) error
	OnDigitalTwinUnBound(ctx context.Context, descriptions map[string]asset.Description, cause error) error

	OnSync(ctx context.Context, s state.State) error
	OnUnSync(ctx context.Context, s state.State) error

	OnStop(ctx context.Context) error
	OnDestroy(ctx context.Context) error
}

// NopListener implements every Listener callback as a no-op. Embed it to
// implement only the callbacks of interest.
type NopListener struct{}

var _ Listener = NopListener{}

func (NopListener) OnCreate(context.Context) error { return nil }
func (NopListener) OnStart(context.Context) error { return nil }

func (NopListener) OnPhysicalAdapterBound(context.Context, string, asset.Description) error {
	return nil
}

func (NopListener) OnPhysicalAdapterBindingUpdate(context.Context, string, asset.Description) error {
	return nil
}

func (NopListener) OnPhysicalAdapterUnBound(context.Context, string, asset.Description, error) error {
	return nil
}

func (NopListener) OnDigitalAdapterBound(context.Context, string) error { return nil }
func (NopListener) OnDigitalAdapterUnBound(context.Context, string, error) error { return nil }

func (NopListener) OnDigitalTwinBound(context.Context, map[string]asset.Description) error {
	return nil
}

func (NopListener) OnDigitalTwinUnBound(context.Context, map[string]asset.Description, error) error {
	return nil
}

func (NopListener) OnSync(context.Context, state.State) error { return nil }
func (NopListener) OnUnSync(context.Context, state.State) error { return nil }
func (NopListener) OnStop(context.Context) error { return nil }
func (NopListener) OnDestroy(context.Context) error { return nil }
