package domain

type CreateDatabaseRequest struct {
	ID string `json:"id" validate:"omitempty,max=128"`
}

type CreateDatabaseResponse struct {
	ID     string `json:"id"`
	ViewID string `json:"view_id"`
}

type InsertFilterRequest struct {
	FieldID   string `json:"field_id" validate:"required"`
	Condition *int   `json:"condition" validate:"required,min=0"`
	Content   string `json:"content"`
}

type UpdateFilterRequest struct {
	Condition *int   `json:"condition" validate:"required,min=0"`
	Content   string `json:"content"`
}

type InsertSortRequest struct {
	FieldID   string `json:"field_id" validate:"required"`
	Condition string `json:"condition" validate:"required,oneof=asc desc"`
}

type InsertCalculationRequest struct {
	FieldID string `json:"field_id" validate:"required"`
	Type    *int   `json:"type" validate:"required,min=0,max=7"`
}

type CreateRowRequest struct {
	ID    string            `json:"id" validate:"omitempty,max=128"`
	Cells map[string]string `json:"cells"`
	Index *int              `json:"index" validate:"omitempty,min=0"`
}

type UpdateCellRequest struct {
	Data *string `json:"data" validate:"required"`
}

type MoveRowRequest struct {
	Index *int `json:"index" validate:"required,min=0"`
}
