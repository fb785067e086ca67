package monotable

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/monotable/monotable/field"
	"github.com/monotable/monotable/reqctx"
)

// Instance is one materialized entity. It owns the last-loaded item (the
// clean snapshot), the set of dirty fields, live views for set fields, and
// the consumed-capacity records of the operations that produced it.
//
// Instances are owned by the request scope that produced them and are not
// safe for concurrent mutation. The capacity records are the exception:
// concurrent lookups of one id resolve to the same shared instance and
// each append their share, so those are mutex-guarded.
type Instance struct {
	desc *Descriptor
	id   string

	values   map[string]any
	snapshot map[string]types.AttributeValue
	dirty    map[string]struct{}
	sets     map[string]*field.SetView
	related  map[string]*Instance

	capMu    sync.Mutex
	capacity []reqctx.Capacity

	exists bool
}

// materialize builds an instance from a stored item.
func (d *Descriptor) materialize(item map[string]types.AttributeValue) (*Instance, error) {
	id, err := d.idFromItem(item)
	if err != nil {
		return nil, err
	}
	inst := &Instance{
		desc:     d,
		id:       id,
		values:   make(map[string]any),
		snapshot: item,
		dirty:    make(map[string]struct{}),
		sets:     make(map[string]*field.SetView),
		related:  make(map[string]*Instance),
		exists:   true,
	}
	for _, name := range d.order {
		av, ok := item[name]
		if !ok {
			continue
		}
		v, err := d.fields[name].FromStorage(av)
		if err != nil {
			return nil, err
		}
		inst.values[name] = v
	}
	for _, name := range d.order {
		if _, ok := d.fields[name].(*field.StringSetField); ok {
			members, _ := inst.values[name].([]string)
			inst.sets[name] = field.NewSetView(members)
		}
	}
	return inst, nil
}

// notFoundInstance is the explicit not-found marker: Exists() is false and
// the consumed capacity of the lookup is still attached.
func (d *Descriptor) notFoundInstance(id string, cost reqctx.Capacity) *Instance {
	return &Instance{
		desc:     d,
		id:       id,
		values:   make(map[string]any),
		dirty:    make(map[string]struct{}),
		sets:     make(map[string]*field.SetView),
		related:  make(map[string]*Instance),
		capacity: []reqctx.Capacity{cost},
	}
}

// Exists reports whether the instance was materialized from a live row.
func (i *Instance) Exists() bool { return i.exists }

// ID returns the primary id.
func (i *Instance) ID() string { return i.id }

// Descriptor returns the owning entity descriptor.
func (i *Instance) Descriptor() *Descriptor { return i.desc }

// Get returns the current value of a field (nil when unset).
func (i *Instance) Get(name string) any {
	if view, ok := i.sets[name]; ok {
		return view.Members()
	}
	return i.values[name]
}

// Set stages a new value for a field and marks it dirty. Validation runs
// at save.
func (i *Instance) Set(name string, v any) error {
	f, ok := i.desc.fields[name]
	if !ok {
		return validationErrf("entity %s has no field %q", i.desc.name, name)
	}
	if _, isSet := f.(*field.StringSetField); isSet {
		members, ok := v.([]string)
		if !ok {
			return validationErrf("field %q: want []string", name)
		}
		view := field.NewSetView(nil)
		for _, m := range members {
			view.Add(m)
		}
		i.sets[name] = view
		i.values[name] = members
		i.dirty[name] = struct{}{}
		return nil
	}
	i.values[name] = v
	i.dirty[name] = struct{}{}
	return nil
}

// StringSet returns the live view of a set field. Mutations through the
// view are captured and compiled into ADD/DELETE fragments at save.
func (i *Instance) StringSet(name string) *field.SetView {
	return i.sets[name]
}

// Dirty reports whether any field has a staged change.
func (i *Instance) Dirty() bool {
	if len(i.dirty) > 0 {
		return true
	}
	for _, view := range i.sets {
		if view.Dirty() {
			return true
		}
	}
	return false
}

// stagedUpdates collects the dirty fields into the update map the mutation
// pipeline consumes. Set fields contribute their recorded delta.
func (i *Instance) stagedUpdates() map[string]any {
	updates := make(map[string]any)
	for name := range i.dirty {
		if view, ok := i.sets[name]; ok {
			// Whole-set assignment: write the full membership.
			updates[name] = view.Members()
			continue
		}
		updates[name] = i.values[name]
	}
	for name, view := range i.sets {
		if _, staged := updates[name]; staged {
			continue
		}
		if view.Dirty() {
			updates[name] = view.Delta()
		}
	}
	return updates
}

// Save writes the staged changes through the update pipeline and rebases
// the snapshot on success. A save with nothing dirty is a no-op.
func (i *Instance) Save(ctx context.Context, opts *WriteOptions) error {
	if !i.Dirty() {
		return nil
	}
	updates := i.stagedUpdates()
	final, cost, err := i.desc.applyUpdate(ctx, i.id, updates, opts)
	if err != nil {
		return err
	}
	i.rebase(final)
	i.addCapacity(cost)
	return nil
}

// Delete removes the row (and any uniqueness companion rows) and marks the
// instance gone.
func (i *Instance) Delete(ctx context.Context, opts *WriteOptions) error {
	if err := i.desc.Delete(ctx, i.id, opts); err != nil {
		return err
	}
	i.exists = false
	return nil
}

// rebase replaces the clean snapshot with the post-write item and clears
// all dirty state.
func (i *Instance) rebase(item map[string]types.AttributeValue) {
	fresh, err := i.desc.materialize(item)
	if err != nil {
		// The item came from our own write path; a decode failure here is
		// a programming error, not user input.
		panic(fmt.Sprintf("monotable: rebase of %s/%s: %v", i.desc.name, i.id, err))
	}
	i.values = fresh.values
	i.snapshot = fresh.snapshot
	i.sets = fresh.sets
	i.dirty = make(map[string]struct{})
	i.exists = true
}

// addCapacity appends one consumed-capacity record.
func (i *Instance) addCapacity(cost reqctx.Capacity) {
	i.capMu.Lock()
	i.capacity = append(i.capacity, cost)
	i.capMu.Unlock()
}

// Capacity returns the per-operation capacity records of this instance.
func (i *Instance) Capacity() []reqctx.Capacity {
	i.capMu.Lock()
	defer i.capMu.Unlock()
	return append([]reqctx.Capacity(nil), i.capacity...)
}

// TotalCapacity sums this instance's records plus those of every loaded
// related instance.
func (i *Instance) TotalCapacity() reqctx.Capacity {
	var total reqctx.Capacity
	for _, c := range i.Capacity() {
		total = total.Add(c)
	}
	for _, rel := range i.related {
		if rel != nil {
			total = total.Add(rel.TotalCapacity())
		}
	}
	return total
}

// Related returns the loaded target of a related field, nil before
// LoadRelated (or when the pointer was null). A missing target is the
// not-found marker instance.
func (i *Instance) Related(name string) *Instance {
	return i.related[name]
}

// LoadRelated dereferences the named related fields (all declared related
// fields when names is empty) through the request scope's batch context,
// so duplicate pointers across sibling instances coalesce into one bulk
// read.
func (i *Instance) LoadRelated(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		for _, name := range i.desc.order {
			if _, ok := i.desc.fields[name].(*field.RelatedField); ok {
				names = append(names, name)
			}
		}
	}
	for _, name := range names {
		rf, ok := i.desc.fields[name].(*field.RelatedField)
		if !ok {
			return validationErrf("entity %s: %q is not a related field", i.desc.name, name)
		}
		ptr, ok := i.values[name].(string)
		if !ok || ptr == "" {
			continue
		}
		target, ok := i.desc.tenant.Descriptor(rf.Target)
		if !ok {
			return configErrf("entity %s: related field %q targets unregistered entity %q", i.desc.name, name, rf.Target)
		}
		loaded, err := target.Find(ctx, ptr, nil)
		if err != nil {
			return err
		}
		i.related[name] = loaded
	}
	return nil
}
