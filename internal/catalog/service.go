package catalog

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"carbon-scribe/bridge-backend/internal/access"
	"carbon-scribe/bridge-backend/internal/events"
	"carbon-scribe/bridge-backend/pkg/apperr"
)

// Catalog is the append-only store of projects and vintages. There is no update or
// delete: provenance records never change once written.
type Catalog struct {
	mu        sync.RWMutex
	projects  []Project
	vintages  []Vintage
	codes     map[string]uint64
	authz     access.Authorizer
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// New creates an empty catalog.
func New(authz access.Authorizer, publisher events.Publisher, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		codes:     make(map[string]uint64),
		authz:     authz,
		publisher: events.OrDiscard(publisher),
		logger:    logger,
		now:       time.Now,
	}
}

// AddProject stores a new project and returns its sequential id.
func (c *Catalog) AddProject(ctx context.Context, caller access.Identity, attrs ProjectAttrs) (uint64, error) {
	const op = "catalog.AddProject"
	if !c.authz.HasRole(caller, access.RoleAdmin) {
		return 0, apperr.New(apperr.KindNotAdmin, op, "caller is not a catalog admin")
	}
	required := []struct{ field, value string }{
		{"external_project_code", attrs.ExternalProjectCode},
		{"standard", attrs.Standard},
		{"methodology", attrs.Methodology},
		{"region", attrs.Region},
		{"storage_method", attrs.StorageMethod},
		{"method", attrs.Method},
		{"emission_category", attrs.EmissionCategory},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return 0, apperr.Errorf(apperr.KindInvalidInput, op, "%s is required", r.field)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.codes[attrs.ExternalProjectCode]; ok {
		return 0, apperr.Errorf(apperr.KindInvalidInput, op,
			"project code %q already registered as project %d", attrs.ExternalProjectCode, existing)
	}

	p := Project{
		ID:                  uint64(len(c.projects) + 1),
		ExternalProjectCode: attrs.ExternalProjectCode,
		Standard:            attrs.Standard,
		Methodology:         attrs.Methodology,
		Region:              attrs.Region,
		StorageMethod:       attrs.StorageMethod,
		Method:              attrs.Method,
		EmissionCategory:    attrs.EmissionCategory,
		MetadataURI:         attrs.MetadataURI,
		CreatedAt:           c.now().UTC(),
	}
	c.projects = append(c.projects, p)
	c.codes[p.ExternalProjectCode] = p.ID

	c.publisher.Publish(ctx, events.ProjectAdded, subject("project", p.ID), map[string]any{
		"external_project_code": p.ExternalProjectCode,
		"standard":              p.Standard,
		"methodology":           p.Methodology,
	})
	c.logger.Info("project added", zap.Uint64("project_id", p.ID), zap.String("code", p.ExternalProjectCode))
	return p.ID, nil
}

// AddVintage stores a new vintage under projectID. Ids are global, not per project.
func (c *Catalog) AddVintage(ctx context.Context, caller access.Identity, projectID uint64, attrs VintageAttrs) (uint64, error) {
	const op = "catalog.AddVintage"
	if !c.authz.HasRole(caller, access.RoleAdmin) {
		return 0, apperr.New(apperr.KindNotAdmin, op, "caller is not a catalog admin")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if projectID == 0 || projectID > uint64(len(c.projects)) {
		return 0, apperr.Errorf(apperr.KindUnknownProject, op, "project %d does not exist", projectID)
	}
	if strings.TrimSpace(attrs.Name) == "" {
		return 0, apperr.New(apperr.KindInvalidInput, op, "name is required")
	}
	if !attrs.PeriodStart.Before(attrs.PeriodEnd) {
		return 0, apperr.New(apperr.KindInvalidRange, op, "period start must be before period end")
	}
	if attrs.TotalQuantity <= 0 {
		return 0, apperr.New(apperr.KindInvalidRange, op, "total quantity must be positive")
	}

	v := Vintage{
		ID:                      uint64(len(c.vintages) + 1),
		ProjectID:               projectID,
		Name:                    attrs.Name,
		PeriodStart:             attrs.PeriodStart.UTC(),
		PeriodEnd:               attrs.PeriodEnd.UTC(),
		TotalQuantity:           attrs.TotalQuantity,
		ComplianceFlags:         attrs.ComplianceFlags,
		CoBenefits:              attrs.CoBenefits,
		CorrespondingAdjustment: attrs.CorrespondingAdjustment,
		Certification:           attrs.Certification,
		MetadataURI:             attrs.MetadataURI,
		CreatedAt:               c.now().UTC(),
	}.clone()
	c.vintages = append(c.vintages, v)

	c.publisher.Publish(ctx, events.VintageAdded, subject("vintage", v.ID), map[string]any{
		"project_id":     projectID,
		"name":           v.Name,
		"total_quantity": v.TotalQuantity,
	})
	c.logger.Info("vintage added",
		zap.Uint64("vintage_id", v.ID),
		zap.Uint64("project_id", projectID),
		zap.Int64("total_quantity", v.TotalQuantity))
	return v.ID, nil
}

// Project returns a project by id.
func (c *Catalog) Project(id uint64) (Project, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id == 0 || id > uint64(len(c.projects)) {
		return Project{}, apperr.Errorf(apperr.KindUnknownProject, "catalog.Project", "project %d does not exist", id)
	}
	return c.projects[id-1], nil
}

// Vintage returns a vintage by id.
func (c *Catalog) Vintage(id uint64) (Vintage, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id == 0 || id > uint64(len(c.vintages)) {
		return Vintage{}, apperr.Errorf(apperr.KindUnknownVintage, "catalog.Vintage", "vintage %d does not exist", id)
	}
	return c.vintages[id-1].clone(), nil
}

// Projects lists all projects in id order.
func (c *Catalog) Projects() []Project {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Project(nil), c.projects...)
}

// VintagesOf lists the vintages of a project in id order.
func (c *Catalog) VintagesOf(projectID uint64) []Vintage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Vintage
	for _, v := range c.vintages {
		if v.ProjectID == projectID {
			out = append(out, v.clone())
		}
	}
	return out
}

func subject(kind string, id uint64) string {
	return kind + ":" + strconv.FormatUint(id, 10)
}
