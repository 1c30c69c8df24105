package services

import "time"

const (
	GridTypeStandard     = "standard"
	GridTypePersonalized = "personalized"
)

type Indicator struct {
	Name string  `json:"name" yaml:"name"`
	Min  float64 `json:"min" yaml:"min"`
	Max  float64 `json:"max" yaml:"max"`
	Unit string  `json:"unit" yaml:"unit"`
}

type Domain struct {
	Name        string      `json:"name" yaml:"name"`
	Color       string      `json:"color" yaml:"color"`
	Description string      `json:"description,omitempty" yaml:"description"`
	Indicators  []Indicator `json:"indicators" yaml:"indicators"`
}

type Grid struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Description         string    `json:"description,omitempty"`
	Type                string    `json:"type"`
	ScientificReference string    `json:"scientific_reference,omitempty"`
	OwnerID             string    `json:"owner_id,omitempty"`
	Active              bool      `json:"active"`
	Domains             []Domain  `json:"domains"`
	CurrentVersion      int       `json:"current_version"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// GridVersion is an immutable snapshot of a grid's domain structure. Only the
// Active flag changes, when a newer version supersedes it.
type GridVersion struct {
	ID         string    `json:"id"`
	GridID     string    `json:"grid_id"`
	VersionNum int       `json:"version_num"`
	Domains    []Domain  `json:"domains"`
	Active     bool      `json:"active"`
	CreatedBy  string    `json:"created_by,omitempty"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Cotation is the scored evaluation of one therapy session against one grid.
type Cotation struct {
	ID           string             `json:"id"`
	SessionID    string             `json:"session_id"`
	PatientID    string             `json:"patient_id,omitempty"`
	GridID       string             `json:"grid_id"`
	GridVersion  int                `json:"grid_version"`
	Scores       map[string]float64 `json:"scores"`
	Total        float64            `json:"total"`
	MaxTotal     float64            `json:"max_total"`
	Percentage   float64            `json:"percentage"`
	Observations string             `json:"observations,omitempty"`
	SessionDate  time.Time          `json:"session_date"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

type Objective struct {
	ID           string     `json:"id"`
	PatientID    string     `json:"patient_id"`
	GridID       string     `json:"grid_id"`
	GridVersion  int        `json:"grid_version"`
	Domain       string     `json:"domain"`
	Indicator    string     `json:"indicator"`
	InitialScore float64    `json:"initial_score"`
	TargetScore  float64    `json:"target_score"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	Achieved     bool       `json:"achieved"`
	Active       bool       `json:"active"`
	CreatedBy    string     `json:"created_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Key returns the score-mapping key the objective tracks.
func (o *Objective) Key() string { return ScoreKey(o.Domain, o.Indicator) }

type AuditEntry struct {
	Time   time.Time
	Actor  string
	Action string
	Target string
	Note   string
}

// Actor identifies who performs an operation. The zero value is the system
// actor used by the CLI and seeding; it passes every ownership check.
type Actor struct {
	UserID string
}

func SystemActor() Actor            { return Actor{} }
func UserActor(userID string) Actor { return Actor{UserID: userID} }

func (a Actor) IsSystem() bool { return a.UserID == "" }

func (a Actor) String() string {
	if a.IsSystem() {
		return "system"
	}
	return a.UserID
}

// ScoreKey builds the flat "<Domain>_<Indicator>" key used in score mappings.
func ScoreKey(domain, indicator string) string { return domain + "_" + indicator }

func cloneDomains(in []Domain) []Domain {
	if in == nil {
		return nil
	}
	out := make([]Domain, len(in))
	for i, d := range in {
		out[i] = d
		out[i].Indicators = append([]Indicator(nil), d.Indicators...)
	}
	return out
}
