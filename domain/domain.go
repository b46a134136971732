// Package domain holds the watched business entities and their field accessors.
// Persistence of these entities lives outside the engine.
package domain

import (
	"time"

	"github.com/songzhibin97/approval-engine/fields"
)

// Entity type names, as referenced by workflow definitions.
const (
	TypeIncident          = "Incident"
	TypeDocument          = "Document"
	TypeRiskTreatmentPlan = "RiskTreatmentPlan"
	TypeRisk              = "Risk"
	TypeDataBreach        = "DataBreach"
)

// Incident is a security incident.
type Incident struct {
	ID                 uint64
	TenantID           string
	Number             string
	Title              string
	Severity           string // "low", "medium", "high", "critical"
	Status             string
	DataBreachOccurred bool
	DetectedAt         *time.Time
}

// Document is a controlled document such as a policy.
type Document struct {
	ID       uint64
	TenantID string
	Title    string
	Category string // "policy", "procedure", "guideline", ...
	Status   string
	Version  string
}

// RiskTreatmentPlan is a plan to treat one risk.
type RiskTreatmentPlan struct {
	ID          uint64
	TenantID    string
	RiskID      uint64
	Title       string
	Status      string // "planned", "in_progress", "completed", ...
	Owner       string
	TargetDate  *time.Time
	Budget      *float64
	Description string
}

// Risk is an assessed risk.
type Risk struct {
	ID                uint64
	TenantID          string
	Title             string
	Category          string
	InherentRisk      *float64
	ResidualRisk      *float64
	TreatmentStrategy string
	Status            string

	AcceptanceJustification string
	AcceptedBy              string
	AcceptedAt              *time.Time
}

// DataBreach is a personal-data breach assessed by the DPO.
type DataBreach struct {
	ID                        uint64
	TenantID                  string
	IncidentID                uint64
	Severity                  string
	AffectedDataSubjectsCount *int
	DataCategories            []string
	NotificationRequired      bool
	Status                    string
}

func (i *Incident) EntityType() string          { return TypeIncident }
func (i *Incident) EntityID() uint64            { return i.ID }
func (d *Document) EntityType() string          { return TypeDocument }
func (d *Document) EntityID() uint64            { return d.ID }
func (p *RiskTreatmentPlan) EntityType() string { return TypeRiskTreatmentPlan }
func (p *RiskTreatmentPlan) EntityID() uint64   { return p.ID }
func (r *Risk) EntityType() string              { return TypeRisk }
func (r *Risk) EntityID() uint64                { return r.ID }
func (b *DataBreach) EntityType() string        { return TypeDataBreach }
func (b *DataBreach) EntityID() uint64          { return b.ID }

// NewRegistry returns a registry with accessors for every domain entity.
func NewRegistry() *fields.Registry {
	r := fields.NewRegistry()
	RegisterFields(r)
	return r
}

// RegisterFields installs the accessor maps of the domain entities.
func RegisterFields(r *fields.Registry) {
	fields.Register(r, TypeIncident, map[string]func(*Incident) interface{}{
		"id":                 func(i *Incident) interface{} { return i.ID },
		"tenant":             func(i *Incident) interface{} { return i.TenantID },
		"incidentNumber":     func(i *Incident) interface{} { return i.Number },
		"title":              func(i *Incident) interface{} { return i.Title },
		"severity":           func(i *Incident) interface{} { return i.Severity },
		"status":             func(i *Incident) interface{} { return i.Status },
		"dataBreachOccurred": func(i *Incident) interface{} { return i.DataBreachOccurred },
		"detectedAt":         func(i *Incident) interface{} { return i.DetectedAt },
	})
	fields.Register(r, TypeDocument, map[string]func(*Document) interface{}{
		"id":       func(d *Document) interface{} { return d.ID },
		"tenant":   func(d *Document) interface{} { return d.TenantID },
		"title":    func(d *Document) interface{} { return d.Title },
		"category": func(d *Document) interface{} { return d.Category },
		"status":   func(d *Document) interface{} { return d.Status },
		"version":  func(d *Document) interface{} { return d.Version },
	})
	fields.Register(r, TypeRiskTreatmentPlan, map[string]func(*RiskTreatmentPlan) interface{}{
		"id":          func(p *RiskTreatmentPlan) interface{} { return p.ID },
		"tenant":      func(p *RiskTreatmentPlan) interface{} { return p.TenantID },
		"riskId":      func(p *RiskTreatmentPlan) interface{} { return p.RiskID },
		"title":       func(p *RiskTreatmentPlan) interface{} { return p.Title },
		"status":      func(p *RiskTreatmentPlan) interface{} { return p.Status },
		"owner":       func(p *RiskTreatmentPlan) interface{} { return p.Owner },
		"targetDate":  func(p *RiskTreatmentPlan) interface{} { return p.TargetDate },
		"budget":      func(p *RiskTreatmentPlan) interface{} { return p.Budget },
		"description": func(p *RiskTreatmentPlan) interface{} { return p.Description },
	})
	fields.Register(r, TypeRisk, map[string]func(*Risk) interface{}{
		"id":                func(k *Risk) interface{} { return k.ID },
		"tenant":            func(k *Risk) interface{} { return k.TenantID },
		"title":             func(k *Risk) interface{} { return k.Title },
		"category":          func(k *Risk) interface{} { return k.Category },
		"inherentRisk":      func(k *Risk) interface{} { return k.InherentRisk },
		"residualRisk":      func(k *Risk) interface{} { return k.ResidualRisk },
		"treatmentStrategy": func(k *Risk) interface{} { return k.TreatmentStrategy },
		"status":            func(k *Risk) interface{} { return k.Status },
		"acceptedAt":        func(k *Risk) interface{} { return k.AcceptedAt },
	})
	fields.Register(r, TypeDataBreach, map[string]func(*DataBreach) interface{}{
		"id":                        func(b *DataBreach) interface{} { return b.ID },
		"tenant":                    func(b *DataBreach) interface{} { return b.TenantID },
		"incidentId":                func(b *DataBreach) interface{} { return b.IncidentID },
		"severity":                  func(b *DataBreach) interface{} { return b.Severity },
		"affectedDataSubjectsCount": func(b *DataBreach) interface{} { return b.AffectedDataSubjectsCount },
		"dataCategories":            func(b *DataBreach) interface{} { return b.DataCategories },
		"notificationRequired":      func(b *DataBreach) interface{} { return b.NotificationRequired },
		"status":                    func(b *DataBreach) interface{} { return b.Status },
	})
}
