package sequence

import "context"

// WatermarkView exposes an Allocator as a durable watermark store for the
// ordered event buffer, using a dedicated entityType (e.g. "order.applied")
// so watermark rows never collide with allocation counters.
//
// Persisting the watermark here means an evicted entity buffer can be
// rebuilt without reprocessing late duplicates.
type WatermarkView struct {
	store      Allocator
	entityType string
}

// Watermarks creates a WatermarkView over store scoped to entityType.
func Watermarks(store Allocator, entityType string) *WatermarkView {
	return &WatermarkView{store: store, entityType: entityType}
}

// LoadWatermark returns the persisted watermark for an entity, 0 if none.
func (v *WatermarkView) LoadWatermark(ctx context.Context, entityID string) (uint64, error) {
	return v.store.Last(ctx, entityID, v.entityType)
}

// SaveWatermark persists the watermark for an entity.
func (v *WatermarkView) SaveWatermark(ctx context.Context, entityID string, seq uint64) error {
	return v.store.SetLast(ctx, entityID, v.entityType, seq)
}
