package domain

import "fmt"

// JobStatus is the lifecycle position of a job. The numeric codes are stable.
type JobStatus int

const (
	JobOpen JobStatus = iota
	JobInProgress
	JobCompleted
	JobCancelled
)

var jobStatusNames = map[JobStatus]string{
	JobOpen:       "open",
	JobInProgress: "in_progress",
	JobCompleted:  "completed",
	JobCancelled:  "cancelled",
}

func (s JobStatus) String() string {
	if name, ok := jobStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ParseJobStatus accepts either the name or the numeric code.
func ParseJobStatus(v string) (JobStatus, error) {
	for s, name := range jobStatusNames {
		if name == v || fmt.Sprint(int(s)) == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("invalid job status %q", v)
}

type Profile struct {
	Identity     string `json:"identity"`
	Name         string `json:"name"`
	Skills       string `json:"skills"`
	Rating       int64  `json:"rating"`
	TotalRatings int64  `json:"total_ratings"`
	IsRegistered bool   `json:"is_registered"`
	CreatedAt    string `json:"created_at,omitempty" format:"date-time"`
}

type Job struct {
	ID                 int64     `json:"id"`
	Employer           string    `json:"employer"`
	Title              string    `json:"title"`
	Description        string    `json:"description"`
	Budget             int64     `json:"budget"`
	IsActive           bool      `json:"is_active"`
	SelectedFreelancer *string   `json:"selected_freelancer,omitempty"`
	Status             JobStatus `json:"status"`
	StatusName         string    `json:"status_name" enum:"open,in_progress,completed,cancelled"`
	CreatedAt          string    `json:"created_at" format:"date-time"`
	UpdatedAt          string    `json:"updated_at" format:"date-time"`
}

type Application struct {
	JobID         int64  `json:"job_id"`
	Seq           int64  `json:"seq"`
	Freelancer    string `json:"freelancer"`
	Proposal      string `json:"proposal"`
	ProposedPrice int64  `json:"proposed_price"`
	IsAccepted    bool   `json:"is_accepted"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

// Settings is the singleton access-control and fee record.
type Settings struct {
	Owner              string `json:"owner"`
	PlatformFeePercent int    `json:"platform_fee_percent"`
	Paused             bool   `json:"paused"`
	UpdatedAt          string `json:"updated_at" format:"date-time"`
}

type PayoutStatus string

const (
	PayoutPending PayoutStatus = "pending"
	PayoutSettled PayoutStatus = "settled"
)

// Payout is the disbursement reservation written when a job completes.
type Payout struct {
	ID         string       `json:"id"`
	JobID      int64        `json:"job_id"`
	Freelancer string       `json:"freelancer"`
	Amount     int64        `json:"amount"`
	Fee        int64        `json:"fee"`
	Status     PayoutStatus `json:"status" enum:"pending,settled"`
	Attempts   int          `json:"attempts"`
	LastError  string       `json:"last_error,omitempty"`
	CreatedAt  string       `json:"created_at" format:"date-time"`
	SettledAt  *string      `json:"settled_at,omitempty" format:"date-time"`
}

type Rating struct {
	JobID      int64  `json:"job_id"`
	Freelancer string `json:"freelancer"`
	Employer   string `json:"employer"`
	Score      int    `json:"score"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Balance struct {
	Identity string `json:"identity"`
	Credited int64  `json:"credited"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
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

// Event type names.
const (
	EventMarketplaceInitialized = "MarketplaceInitialized"
	EventProfileCreated         = "ProfileCreated"
	EventJobCreated             = "JobCreated"
	EventApplicationSubmitted   = "ApplicationSubmitted"
	EventFreelancerSelected     = "FreelancerSelected"
	EventJobCompleted           = "JobCompleted"
	EventJobCancelled           = "JobCancelled"
	EventFreelancerRated        = "FreelancerRated"
	EventPlatformFeeUpdated     = "PlatformFeeUpdated"
	EventPaused                 = "Paused"
	EventUnpaused               = "Unpaused"
	EventPayoutSettled          = "PayoutSettled"
)
