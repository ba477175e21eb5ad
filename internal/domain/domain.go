package domain

type Facility struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Timezone  string `json:"timezone,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type OrderItem struct {
	Name    string `json:"name"`
	Portion string `json:"portion,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

type MealOrder struct {
	ID           string  `json:"id"`
	FacilityID   string  `json:"facility_id"`
	ResidentID   string  `json:"resident_id"`
	MealType     string  `json:"meal_type" enum:"breakfast,lunch,dinner,snack"`
	ItemsJSON    string  `json:"items_json"`
	DietaryNotes string  `json:"dietary_notes,omitempty"`
	Status       string  `json:"status" enum:"pending,confirmed,preparing,prepared,completed,cancelled"`
	ScheduledFor string  `json:"scheduled_for" format:"date-time"`
	Version      int64   `json:"version"`
	CreatedBy    *string `json:"created_by,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type OrderSnapshot struct {
	ID                string  `json:"id"`
	CollectionName    string  `json:"collection_name"`
	DocumentID        string  `json:"document_id"`
	Version           int64   `json:"version"`
	SnapshotJSON      string  `json:"snapshot_json"`
	ChangeType        string  `json:"change_type" enum:"create,update,delete"`
	ChangedFieldsJSON string  `json:"changed_fields_json,omitempty"`
	ChangedBy         *string `json:"changed_by,omitempty"`
	Resolution        bool    `json:"resolution"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
}

type ArchivedRecord struct {
	ID                string `json:"id"`
	CollectionName    string `json:"collection_name"`
	DocumentID        string `json:"document_id"`
	Version           int64  `json:"version"`
	PayloadJSON       string `json:"payload_json"`
	OriginalCreatedAt string `json:"original_created_at" format:"date-time"`
	ArchivedAt        string `json:"archived_at" format:"date-time"`
	RetentionDays     int    `json:"retention_days"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	FacilityID string `json:"facility_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
