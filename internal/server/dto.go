package server

import (
	"encoding/json"

	"mealline/internal/domain"
)

// Request payloads

type OrderItemPayload struct {
	Name    string `json:"name"`
	Portion string `json:"portion,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

type CreateOrderRequest struct {
	ID           *string            `json:"id,omitempty"`
	ResidentID   string             `json:"resident_id"`
	MealType     string             `json:"meal_type" enum:"breakfast,lunch,dinner,snack"`
	Items        []OrderItemPayload `json:"items,omitempty"`
	DietaryNotes *string            `json:"dietary_notes,omitempty"`
	ScheduledFor string             `json:"scheduled_for" format:"date-time"`
}

type UpdateOrderRequest struct {
	MealType     *string             `json:"meal_type,omitempty" enum:"breakfast,lunch,dinner,snack"`
	Items        *[]OrderItemPayload `json:"items,omitempty"`
	DietaryNotes *string             `json:"dietary_notes,omitempty"`
	Status       *string             `json:"status,omitempty" enum:"pending,confirmed,preparing,prepared,completed,cancelled"`
	ScheduledFor *string             `json:"scheduled_for,omitempty" format:"date-time"`
	Version      *int64              `json:"version,omitempty"`
	Force        bool                `json:"force,omitempty"`
}

type SetOrderStatusRequest struct {
	Status string `json:"status" enum:"pending,confirmed,preparing,prepared,completed,cancelled"`
	Force  bool   `json:"force,omitempty"`
}

type ResolveConflictRequest struct {
	MergedData UpdateOrderRequest `json:"merged_data"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

// Response payloads

type OrderResponse struct {
	ID           string             `json:"id"`
	FacilityID   string             `json:"facility_id"`
	ResidentID   string             `json:"resident_id"`
	MealType     string             `json:"meal_type" enum:"breakfast,lunch,dinner,snack"`
	Items        []OrderItemPayload `json:"items"`
	DietaryNotes string             `json:"dietary_notes,omitempty"`
	Status       string             `json:"status" enum:"pending,confirmed,preparing,prepared,completed,cancelled"`
	ScheduledFor string             `json:"scheduled_for" format:"date-time"`
	Version      int64              `json:"version"`
	CreatedBy    *string            `json:"created_by,omitempty"`
	CreatedAt    string             `json:"created_at" format:"date-time"`
	UpdatedAt    string             `json:"updated_at" format:"date-time"`
}

type OrderEnvelope struct {
	Order   OrderResponse `json:"order"`
	Warning string        `json:"warning,omitempty"`
}

type ResolveResponse struct {
	Success       bool          `json:"success"`
	ResolvedOrder OrderResponse `json:"resolved_order"`
	Warning       string        `json:"warning,omitempty"`
}

type SnapshotResponse struct {
	ID            string         `json:"id"`
	DocumentID    string         `json:"document_id"`
	Version       int64          `json:"version"`
	Snapshot      map[string]any `json:"snapshot"`
	ChangeType    string         `json:"change_type" enum:"create,update,delete"`
	ChangedFields []string       `json:"changed_fields"`
	ChangedBy     *string        `json:"changed_by,omitempty"`
	Resolution    bool           `json:"resolution"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
}

type ArchivedRecordResponse struct {
	ID                string         `json:"id"`
	CollectionName    string         `json:"collection_name"`
	DocumentID        string         `json:"document_id"`
	Version           int64          `json:"version"`
	Payload           map[string]any `json:"payload"`
	OriginalCreatedAt string         `json:"original_created_at" format:"date-time"`
	ArchivedAt        string         `json:"archived_at" format:"date-time"`
	RetentionDays     int            `json:"retention_days"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	FacilityID string         `json:"facility_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	TTLSeconds  int      `json:"ttl_seconds,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

type DevLoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type paginatedOrders struct {
	Items      []OrderResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedSnapshots struct {
	Items      []SnapshotResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func orderResponse(o domain.MealOrder) OrderResponse {
	return OrderResponse{
		ID:           o.ID,
		FacilityID:   o.FacilityID,
		ResidentID:   o.ResidentID,
		MealType:     o.MealType,
		Items:        decodeItems(o.ItemsJSON),
		DietaryNotes: o.DietaryNotes,
		Status:       o.Status,
		ScheduledFor: o.ScheduledFor,
		Version:      o.Version,
		CreatedBy:    o.CreatedBy,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
}

func snapshotResponse(s domain.OrderSnapshot) SnapshotResponse {
	return SnapshotResponse{
		ID:            s.ID,
		DocumentID:    s.DocumentID,
		Version:       s.Version,
		Snapshot:      decodeJSONMap(strPtr(s.SnapshotJSON)),
		ChangeType:    s.ChangeType,
		ChangedFields: nonNilSlice(decodeStringSlice(strPtr(s.ChangedFieldsJSON))),
		ChangedBy:     s.ChangedBy,
		Resolution:    s.Resolution,
		CreatedAt:     s.CreatedAt,
	}
}

func archivedRecordResponse(rec domain.ArchivedRecord) ArchivedRecordResponse {
	return ArchivedRecordResponse{
		ID:                rec.ID,
		CollectionName:    rec.CollectionName,
		DocumentID:        rec.DocumentID,
		Version:           rec.Version,
		Payload:           decodeJSONMap(strPtr(rec.PayloadJSON)),
		OriginalCreatedAt: rec.OriginalCreatedAt,
		ArchivedAt:        rec.ArchivedAt,
		RetentionDays:     rec.RetentionDays,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		FacilityID: e.FacilityID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(strPtr(e.Payload)),
	}
}

func domainItems(items []OrderItemPayload) []domain.OrderItem {
	out := make([]domain.OrderItem, 0, len(items))
	for _, it := range items {
		out = append(out, domain.OrderItem(it))
	}
	return out
}

func decodeItems(raw string) []OrderItemPayload {
	if raw == "" {
		return []OrderItemPayload{}
	}
	var items []OrderItemPayload
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return []OrderItemPayload{}
	}
	return nonNilSlice(items)
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func decodeStringSlice(raw *string) []string {
	if raw == nil || *raw == "" {
		return nil
	}
	var arr []string
	if err := json.Unmarshal([]byte(*raw), &arr); err != nil {
		return nil
	}
	return arr
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strPtr(in string) *string {
	return &in
}
