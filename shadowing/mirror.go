package shadowing

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/go-digitaltwin/twinsync/asset"
	"github.com/go-digitaltwin/twinsync/event"
	"github.com/go-digitaltwin/twinsync/state"
)

// Mirror is a Function that reflects the physical assets into the twin state as
// they are: every described property, action, event and relationship becomes a
// state entry, every property variation updates the value of its property and
// every digital action is forwarded to the physical assets unchanged.
//
// Mirror declares the twin synchronized as soon as the descriptions are
// shadowed.
type Mirror struct {
	Base
}

var _ Function = Mirror{}

func (Mirror) OnDigitalTwinBound(ctx context.Context, e *Engine, descriptions map[string]asset.Description) error {
	if err := e.ApplyDescriptions(ctx, descriptions); err != nil {
		return err
	}
	var errs []error
	for _, id := range slices.Sorted(maps.Keys(descriptions)) {
		errs = append(errs, observe(ctx, e, descriptions[id]))
	}
	errs = append(errs, e.ObserveDigitalActionEvents(ctx))
	if err := errors.Join(errs...); err != nil {
		return err
	}
	return e.NotifyShadowingSync(ctx)
}

func (Mirror) OnPhysicalAdapterBindingUpdate(ctx context.Context, e *Engine, adapterID string, d asset.Description) error {
	if err := e.ApplyDescriptions(ctx, map[string]asset.Description{adapterID: d}); err != nil {
		return err
	}
	return observe(ctx, e, d)
}

func observe(ctx context.Context, e *Engine, d asset.Description) error {
	return errors.Join(
		e.ObservePhysicalAssetProperties(ctx, d.PropertyKeys()),
		e.ObservePhysicalAssetEvents(ctx, d.EventKeys()),
		e.ObservePhysicalAssetRelationships(ctx, d.RelationshipNames()),
	)
}

func (Mirror) OnPhysicalAssetPropertyVariation(ctx context.Context, e *Engine, ev event.Event) error {
	return e.StateManager().Update(ctx, func(tx *state.Tx) error {
		p, _ := tx.State().Property(ev.Key())
		p.Key, p.Value = ev.Key(), ev.Body()
		return tx.UpdateProperty(p)
	})
}

func (Mirror) OnPhysicalAssetEventNotification(ctx context.Context, e *Engine, ev event.Event) error {
	return e.StateManager().NotifyEvent(ctx, ev.Key(), ev.Body())
}

func (Mirror) OnPhysicalAssetRelationshipEstablished(ctx context.Context, e *Engine, ev event.Event) error {
	r, ok := ev.Body().(event.RelationshipInstance)
	if !ok {
		return fmt.Errorf("relationship established: unexpected body %T", ev.Body())
	}
	return e.StateManager().Update(ctx, func(tx *state.Tx) error {
		return tx.AddRelationshipInstance(state.RelationshipInstance{
			Relationship: r.Relationship,
			TargetID:     r.TargetID,
			Key:          r.InstanceKey(),
			Metadata:     r.Metadata,
		})
	})
}

func (Mirror) OnPhysicalAssetRelationshipDeleted(ctx context.Context, e *Engine, ev event.Event) error {
	r, ok := ev.Body().(event.RelationshipInstance)
	if !ok {
		return fmt.Errorf("relationship deleted: unexpected body %T", ev.Body())
	}
	return e.StateManager().Update(ctx, func(tx *state.Tx) error {
		return tx.DeleteRelationshipInstance(r.Relationship, r.InstanceKey())
	})
}

func (Mirror) OnDigitalActionEvent(ctx context.Context, e *Engine, ev event.Event) error {
	req, ok := ev.Body().(event.ActionRequest)
	if !ok {
		return fmt.Errorf("digital action: unexpected body %T", ev.Body())
	}
	return e.PublishPhysicalAssetAction(ctx, ev.Key(), req.Body)
}
