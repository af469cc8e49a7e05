// internal/models/breakdown.go
package models

import "time"

// TimeOfDay 场景时间段（封闭枚举）
type TimeOfDay string

const (
	TimeDay       TimeOfDay = "DAY"
	TimeNight     TimeOfDay = "NIGHT"
	TimeSunrise   TimeOfDay = "SUNRISE"
	TimeSunset    TimeOfDay = "SUNSET"
	TimeMagicHour TimeOfDay = "MAGIC_HOUR"
)

// CastImportance 角色重要程度
type CastImportance string

const (
	CastLead       CastImportance = "lead"
	CastSupporting CastImportance = "supporting"
	CastBackground CastImportance = "background"
)

// MaterialImportance 道具重要程度
type MaterialImportance string

const (
	MaterialHero       MaterialImportance = "hero"
	MaterialSecondary  MaterialImportance = "secondary"
	MaterialBackground MaterialImportance = "background"
)

// MaterialSource 道具来源
type MaterialSource string

const (
	SourceBuy    MaterialSource = "buy"
	SourceRent   MaterialSource = "rent"
	SourceBorrow MaterialSource = "borrow"
	SourceOwned  MaterialSource = "owned"
)

// Provenance records where a breakdown record came from.
type Provenance string

const (
	ProvenanceParsed      Provenance = "parsed"
	ProvenanceRecovered   Provenance = "recovered"
	ProvenanceSynthesized Provenance = "synthesized"
)

// CastMember 场景中的出场角色
type CastMember struct {
	Name       string         `json:"name"`
	LineCount  int            `json:"lineCount"`
	Importance CastImportance `json:"importance"`
}

// Material 场景所需道具/物料
type Material struct {
	Item       string             `json:"item"`
	Importance MaterialImportance `json:"importance"`
	Source     MaterialSource     `json:"source"`
	Cost       float64            `json:"cost"`
}

// BudgetBreakdown holds per-category subtotals of a record's budget impact.
type BudgetBreakdown struct {
	Cast      float64 `json:"cast"`
	Materials float64 `json:"materials"`
	Locations float64 `json:"locations"`
	Equipment float64 `json:"equipment"`
	Other     float64 `json:"other"`
}

// Total sums all subtotals.
func (b BudgetBreakdown) Total() float64 {
	return b.Cast + b.Materials + b.Locations + b.Equipment + b.Other
}

// BreakdownRecord is the validated, budget-capped description of one
// scene's production needs.
type BreakdownRecord struct {
	SceneNumber              int             `json:"sceneNumber"`
	Title                    string          `json:"title"`
	Location                 string          `json:"location"`
	TimeOfDay                TimeOfDay       `json:"timeOfDay"`
	EstimatedDurationMinutes int             `json:"estimatedDurationMinutes"`
	Cast                     []CastMember    `json:"cast"`
	Materials                []Material      `json:"materials"`
	SpecialRequirements      []string        `json:"specialRequirements"`
	BudgetImpact             float64         `json:"budgetImpact"`
	BudgetBreakdown          BudgetBreakdown `json:"budgetBreakdown"`
	Warnings                 []string        `json:"warnings"`
	Notes                    string          `json:"notes"`
	Provenance               Provenance      `json:"provenance"`
}

// BreakdownCollection 一次流水线运行的完整输出
type BreakdownCollection struct {
	UnitID             string            `json:"unitId"`
	Title              string            `json:"title"`
	TotalUnits         int               `json:"totalUnits"`
	TotalEstimatedTime int               `json:"totalEstimatedTime"`
	TotalBudgetImpact  float64           `json:"totalBudgetImpact"`
	BudgetOverage      float64           `json:"budgetOverage,omitempty"`
	Records            []BreakdownRecord `json:"records"`
	SchemaVersion      string            `json:"schemaVersion"`
	Warnings           []string          `json:"warnings"`
	GeneratedAt        time.Time         `json:"generatedAt"`
}

// CollectionSummary is a lightweight view used for listings.
type CollectionSummary struct {
	UnitID            string    `json:"unitId"`
	Title             string    `json:"title"`
	TotalUnits        int       `json:"totalUnits"`
	TotalBudgetImpact float64   `json:"totalBudgetImpact"`
	WarningCount      int       `json:"warningCount"`
	GeneratedAt       time.Time `json:"generatedAt"`
}

// Summary builds the listing view of a collection.
func (c *BreakdownCollection) Summary() CollectionSummary {
	return CollectionSummary{
		UnitID:            c.UnitID,
		Title:             c.Title,
		TotalUnits:        c.TotalUnits,
		TotalBudgetImpact: c.TotalBudgetImpact,
		WarningCount:      len(c.Warnings),
		GeneratedAt:       c.GeneratedAt,
	}
}
