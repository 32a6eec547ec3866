package server

import (
	"encoding/json"
	"path"

	"chargeline/internal/domain"
)

type SubmitResponse struct {
	TaskID           string `json:"task_id"`
	Status           string `json:"status" enum:"pending"`
	StatusCheckToken string `json:"status_check_token"`
}

type JobStatusResponse struct {
	TaskID       string `json:"task_id"`
	Status       string `json:"status" enum:"pending,completed,error"`
	OriginalName string `json:"original_name,omitempty"`
	OutputRef    string `json:"output_ref,omitempty"`
	Message      string `json:"message,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

type JobSummary struct {
	TaskID       string `json:"task_id"`
	Status       string `json:"status" enum:"pending,completed,error"`
	OriginalName string `json:"original_name,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type JobListResponse struct {
	Jobs []JobSummary `json:"jobs"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type EventListResponse struct {
	Events []EventResponse `json:"events"`
}

func jobStatusResponse(t domain.Task, basePath string) JobStatusResponse {
	res := JobStatusResponse{
		TaskID:       t.ID,
		Status:       t.Status,
		OriginalName: t.OriginalName,
		Message:      t.Message,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
	if t.Status == "completed" && t.OutputPath != "" {
		res.OutputRef = path.Join(basePath, "jobs", t.ID, "file")
	}
	return res
}

func jobSummary(t domain.Task) JobSummary {
	return JobSummary{
		TaskID:       t.ID,
		Status:       t.Status,
		OriginalName: t.OriginalName,
		CreatedAt:    t.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	res := EventResponse{ID: e.ID, TS: e.TS, Type: e.Type}
	if e.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(e.Payload), &payload); err == nil {
			res.Payload = payload
		}
	}
	return res
}
