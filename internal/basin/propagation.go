// Package basin derives production-basin membership across the location
// hierarchy.
//
// Only direct associations are read, so the result is a pure function of
// them: running the calculation on its own output changes nothing.
// Membership travels strictly along a branch. A basin attached to a
// department reaches its districts and its region, but never a sibling
// department or the districts under one.
package basin

import (
	"sort"

	"github.com/agrilink/fieldsync/backend/internal/models"
)

// set is a working basin-id set owned by one location.
type set map[string]struct{}

func (s set) union(other set) {
	for id := range other {
		s[id] = struct{}{}
	}
}

func (s set) sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// hierarchy indexes the input once. Codes appearing twice keep their
// first occurrence.
type hierarchy struct {
	byCode   map[string]*models.Location
	children map[string][]string
	order    []string
}

func newHierarchy(locations []models.Location) *hierarchy {
	h := &hierarchy{
		byCode:   make(map[string]*models.Location, len(locations)),
		children: make(map[string][]string),
	}
	for i := range locations {
		loc := &locations[i]
		if _, dup := h.byCode[loc.Code]; dup {
			continue
		}
		h.byCode[loc.Code] = loc
		h.order = append(h.order, loc.Code)
		if loc.ParentCode != "" {
			h.children[loc.ParentCode] = append(h.children[loc.ParentCode], loc.Code)
		}
	}
	return h
}

func (h *hierarchy) ofType(t models.LocationType) []string {
	var out []string
	for _, code := range h.order {
		if h.byCode[code].Type == t {
			out = append(out, code)
		}
	}
	return out
}

func (h *hierarchy) childrenOfType(code string, t models.LocationType) []string {
	var out []string
	for _, c := range h.children[code] {
		if h.byCode[c].Type == t {
			out = append(out, c)
		}
	}
	return out
}

// parentOfType returns the parent of code if it exists and has type t.
func (h *hierarchy) parentOfType(code string, t models.LocationType) (string, bool) {
	parent := h.byCode[code].ParentCode
	p, ok := h.byCode[parent]
	if !ok || p.Type != t {
		return "", false
	}
	return parent, true
}

// accumulators holds one working set per location code. Each step reads
// and writes them in place; later steps observe earlier writes.
type accumulators map[string]set

// step is one stage of the propagation pipeline.
type step struct {
	name string
	run  func(h *hierarchy, acc accumulators)
}

// pipeline runs in this order exactly once. There is no second descent
// after the ascent, which is what keeps propagation from leaking sideways.
var pipeline = []step{
	{"seed direct associations", seedDirect},
	{"descend from regions", descendFromRegions},
	{"descend from departments", descendFromDepartments},
	{"ascend districts to departments", ascendDistricts},
	{"ascend departments to regions", ascendDepartments},
}

func seedDirect(h *hierarchy, acc accumulators) {
	for _, code := range h.order {
		s := make(set)
		for _, b := range h.byCode[code].DirectBasins {
			if b.ID != "" {
				s[b.ID] = struct{}{}
			}
		}
		acc[code] = s
	}
}

// descendFromRegions covers two levels: departments of the region and the
// districts of those departments.
func descendFromRegions(h *hierarchy, acc accumulators) {
	for _, region := range h.ofType(models.LocationRegion) {
		if len(acc[region]) == 0 {
			continue
		}
		for _, dept := range h.childrenOfType(region, models.LocationDepartment) {
			acc[dept].union(acc[region])
			for _, district := range h.childrenOfType(dept, models.LocationDistrict) {
				acc[district].union(acc[region])
			}
		}
	}
}

func descendFromDepartments(h *hierarchy, acc accumulators) {
	for _, dept := range h.ofType(models.LocationDepartment) {
		if len(acc[dept]) == 0 {
			continue
		}
		for _, district := range h.childrenOfType(dept, models.LocationDistrict) {
			acc[district].union(acc[dept])
		}
	}
}

func ascendDistricts(h *hierarchy, acc accumulators) {
	for _, district := range h.ofType(models.LocationDistrict) {
		if len(acc[district]) == 0 {
			continue
		}
		if dept, ok := h.parentOfType(district, models.LocationDepartment); ok {
			acc[dept].union(acc[district])
		}
	}
}

func ascendDepartments(h *hierarchy, acc accumulators) {
	for _, dept := range h.ofType(models.LocationDepartment) {
		if len(acc[dept]) == 0 {
			continue
		}
		if region, ok := h.parentOfType(dept, models.LocationRegion); ok {
			acc[region].union(acc[dept])
		}
	}
}

// directory resolves basin names from every direct association.
func directory(locations []models.Location) map[string]models.BasinRef {
	out := make(map[string]models.BasinRef)
	for _, loc := range locations {
		for _, b := range loc.DirectBasins {
			if prev, ok := out[b.ID]; !ok || prev.Name == "" {
				out[b.ID] = b
			}
		}
	}
	return out
}

// CalculatePropagation returns a copy of locations, in input order, with
// IsInProductionBasin, ProductionBasinIDs and ProductionBasins derived from
// the direct associations. Previously derived values on the input are
// ignored. Ids are sorted; villages keep only their direct associations.
func CalculatePropagation(locations []models.Location) []models.Location {
	out := make([]models.Location, len(locations))
	for i, loc := range locations {
		out[i] = loc
		out[i].DirectBasins = append([]models.BasinRef(nil), loc.DirectBasins...)
	}

	h := newHierarchy(out)
	acc := make(accumulators, len(h.order))
	for _, s := range pipeline {
		s.run(h, acc)
	}

	names := directory(out)
	for i := range out {
		ids := acc[out[i].Code].sorted()
		refs := make([]models.BasinRef, 0, len(ids))
		for _, id := range ids {
			ref, ok := names[id]
			if !ok {
				ref = models.BasinRef{ID: id}
			}
			refs = append(refs, ref)
		}
		out[i].ProductionBasinIDs = ids
		out[i].ProductionBasins = refs
		out[i].IsInProductionBasin = len(ids) > 0
	}
	return out
}

// CalculateForLocation runs the full calculation and returns the location
// with the given code.
func CalculateForLocation(code string, locations []models.Location) (models.Location, bool) {
	for _, loc := range CalculatePropagation(locations) {
		if loc.Code == code {
			return loc, true
		}
	}
	return models.Location{}, false
}

// UpdatePropagationAfterChange replaces the direct associations of code
// and recomputes the whole tree. An unknown code leaves the input as is
// apart from recomputation.
func UpdatePropagationAfterChange(locations []models.Location, code string, directBasins []models.BasinRef) []models.Location {
	changed := make([]models.Location, len(locations))
	copy(changed, locations)
	for i := range changed {
		if changed[i].Code == code {
			changed[i].DirectBasins = append([]models.BasinRef(nil), directBasins...)
		}
	}
	return CalculatePropagation(changed)
}
