package server

import (
	"encoding/json"

	"jobledger/internal/domain"
	"jobledger/internal/engine"
)

// Request payloads

type CreateProfileRequest struct {
	Name   string `json:"name" minLength:"1" maxLength:"128"`
	Skills string `json:"skills,omitempty" maxLength:"1024"`
}

type PostJobRequest struct {
	Title       string `json:"title" minLength:"1" maxLength:"200"`
	Description string `json:"description,omitempty" maxLength:"10000"`
	Budget      int64  `json:"budget" minimum:"0"`
}

type ApplyRequest struct {
	Proposal      string `json:"proposal,omitempty" maxLength:"10000"`
	ProposedPrice int64  `json:"proposed_price" minimum:"0"`
}

type SelectFreelancerRequest struct {
	Applicant string `json:"applicant" minLength:"1"`
}

type CompleteJobRequest struct {
	Amount int64 `json:"amount" minimum:"0"`
}

type RateFreelancerRequest struct {
	Score int `json:"score" minimum:"1" maximum:"5"`
}

type UpdateFeeRequest struct {
	PlatformFeePercent int `json:"platform_fee_percent" minimum:"0" maximum:"100"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type JobCountResponse struct {
	Count int64 `json:"count"`
}

type CompletionResponse struct {
	Job     domain.Job    `json:"job"`
	Payout  domain.Payout `json:"payout"`
	Fee     int64         `json:"fee"`
	Payment int64         `json:"payment"`
}

type PlatformResponse struct {
	domain.Settings
	Balance int64 `json:"balance"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID      string `json:"actor_id"`
	IsOwner      bool   `json:"is_owner"`
	IsRegistered bool   `json:"is_registered"`
	Source       string `json:"source"`
}

func completionResponse(c engine.Completion) CompletionResponse {
	return CompletionResponse{Job: c.Job, Payout: c.Payout, Fee: c.Fee, Payment: c.Payment}
}

func eventResponse(evt domain.Event) EventResponse {
	out := EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
	}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			out.Payload = json.RawMessage(evt.Payload)
		} else {
			out.PayloadRaw = evt.Payload
		}
	}
	return out
}
