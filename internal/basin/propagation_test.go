package basin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrilink/fieldsync/backend/internal/models"
)

func loc(code string, t models.LocationType, parent string, basins ...string) models.Location {
	l := models.Location{Code: code, Name: code, Type: t, ParentCode: parent}
	for _, b := range basins {
		l.DirectBasins = append(l.DirectBasins, models.BasinRef{ID: b, Name: "Basin " + b})
	}
	return l
}

func byCode(locations []models.Location) map[string]models.Location {
	out := make(map[string]models.Location, len(locations))
	for _, l := range locations {
		out[l.Code] = l
	}
	return out
}

// tree:
//
//	R
//	├── D  (B)
//	│   └── A
//	└── D2
//	    └── A2
func directionalityFixture() []models.Location {
	return []models.Location{
		loc("R", models.LocationRegion, ""),
		loc("D", models.LocationDepartment, "R", "B"),
		loc("A", models.LocationDistrict, "D"),
		loc("D2", models.LocationDepartment, "R"),
		loc("A2", models.LocationDistrict, "D2"),
	}
}

func TestCalculatePropagation_Directionality(t *testing.T) {
	got := byCode(CalculatePropagation(directionalityFixture()))

	assert.Equal(t, []string{"B"}, got["D"].ProductionBasinIDs)
	assert.Equal(t, []string{"B"}, got["A"].ProductionBasinIDs)
	assert.Equal(t, []string{"B"}, got["R"].ProductionBasinIDs)
	assert.Empty(t, got["D2"].ProductionBasinIDs, "no lateral leakage to the sibling department")
	assert.Empty(t, got["A2"].ProductionBasinIDs)

	assert.True(t, got["R"].IsInProductionBasin)
	assert.False(t, got["D2"].IsInProductionBasin)
	assert.Equal(t, []models.BasinRef{{ID: "B", Name: "Basin B"}}, got["A"].ProductionBasins)
}

func TestCalculatePropagation_DistrictBasinAscendsOnly(t *testing.T) {
	locations := []models.Location{
		loc("R", models.LocationRegion, ""),
		loc("D", models.LocationDepartment, "R"),
		loc("A", models.LocationDistrict, "D", "X"),
		loc("A-sib", models.LocationDistrict, "D"),
		loc("D2", models.LocationDepartment, "R"),
		loc("V", models.LocationVillage, "A"),
	}
	got := byCode(CalculatePropagation(locations))

	assert.Equal(t, []string{"X"}, got["A"].ProductionBasinIDs)
	assert.Equal(t, []string{"X"}, got["D"].ProductionBasinIDs)
	assert.Equal(t, []string{"X"}, got["R"].ProductionBasinIDs)
	assert.Empty(t, got["A-sib"].ProductionBasinIDs)
	assert.Empty(t, got["D2"].ProductionBasinIDs)
	assert.Empty(t, got["V"].ProductionBasinIDs, "villages never inherit")
}

func TestCalculatePropagation_RegionDescendsTwoLevels(t *testing.T) {
	locations := []models.Location{
		loc("R", models.LocationRegion, "", "N"),
		loc("D", models.LocationDepartment, "R"),
		loc("A", models.LocationDistrict, "D"),
		loc("V", models.LocationVillage, "A"),
		loc("Other", models.LocationRegion, ""),
	}
	got := byCode(CalculatePropagation(locations))

	assert.Equal(t, []string{"N"}, got["D"].ProductionBasinIDs)
	assert.Equal(t, []string{"N"}, got["A"].ProductionBasinIDs)
	assert.Empty(t, got["V"].ProductionBasinIDs)
	assert.Empty(t, got["Other"].ProductionBasinIDs)
}

func TestCalculatePropagation_UnionWithoutDuplicates(t *testing.T) {
	locations := []models.Location{
		loc("R", models.LocationRegion, "", "B1"),
		loc("D", models.LocationDepartment, "R", "B1", "B2"),
		loc("A", models.LocationDistrict, "D", "B3"),
		loc("V", models.LocationVillage, "A", "B4"),
	}
	got := byCode(CalculatePropagation(locations))

	assert.Equal(t, []string{"B1", "B2", "B3"}, got["R"].ProductionBasinIDs)
	assert.Equal(t, []string{"B1", "B2", "B3"}, got["D"].ProductionBasinIDs)
	assert.Equal(t, []string{"B1", "B2", "B3"}, got["A"].ProductionBasinIDs)
	assert.Equal(t, []string{"B4"}, got["V"].ProductionBasinIDs, "villages keep direct associations")
}

func TestCalculatePropagation_Idempotent(t *testing.T) {
	fixtures := [][]models.Location{
		directionalityFixture(),
		{
			loc("R", models.LocationRegion, "", "B1"),
			loc("D", models.LocationDepartment, "R"),
			loc("A", models.LocationDistrict, "D", "B2"),
			loc("A2", models.LocationDistrict, "D"),
			loc("V", models.LocationVillage, "A2", "B3"),
		},
		nil,
	}

	for _, fixture := range fixtures {
		once := CalculatePropagation(fixture)
		twice := CalculatePropagation(once)
		assert.Equal(t, once, twice)
	}
}

func TestCalculatePropagation_IgnoresStaleDerivedState(t *testing.T) {
	locations := directionalityFixture()
	locations[3].ProductionBasinIDs = []string{"stale"}
	locations[3].IsInProductionBasin = true

	got := byCode(CalculatePropagation(locations))
	assert.Empty(t, got["D2"].ProductionBasinIDs)
	assert.False(t, got["D2"].IsInProductionBasin)
}

func TestCalculatePropagation_DoesNotMutateInput(t *testing.T) {
	locations := directionalityFixture()
	_ = CalculatePropagation(locations)

	assert.Nil(t, locations[0].ProductionBasinIDs)
	assert.Len(t, locations[1].DirectBasins, 1)
}

func TestCalculatePropagation_OrphansAndMismatchedParents(t *testing.T) {
	locations := []models.Location{
		loc("A", models.LocationDistrict, "missing", "B"),
		// a district directly under a region is not a department child
		loc("R", models.LocationRegion, ""),
		loc("A2", models.LocationDistrict, "R", "C"),
	}
	got := byCode(CalculatePropagation(locations))

	assert.Equal(t, []string{"B"}, got["A"].ProductionBasinIDs)
	assert.Equal(t, []string{"C"}, got["A2"].ProductionBasinIDs)
	assert.Empty(t, got["R"].ProductionBasinIDs)
}

func TestCalculateForLocation(t *testing.T) {
	got, ok := CalculateForLocation("A", directionalityFixture())
	require.True(t, ok)
	assert.Equal(t, []string{"B"}, got.ProductionBasinIDs)

	_, ok = CalculateForLocation("nope", directionalityFixture())
	assert.False(t, ok)
}

func TestUpdatePropagationAfterChange(t *testing.T) {
	locations := directionalityFixture()

	updated := byCode(UpdatePropagationAfterChange(locations, "D2", []models.BasinRef{{ID: "Z", Name: "Zone"}}))
	assert.Equal(t, []string{"B", "Z"}, updated["R"].ProductionBasinIDs)
	assert.Equal(t, []string{"Z"}, updated["A2"].ProductionBasinIDs)
	assert.Equal(t, []string{"B"}, updated["A"].ProductionBasinIDs)

	// Removing the only association clears the branch.
	cleared := byCode(UpdatePropagationAfterChange(locations, "D", nil))
	assert.Empty(t, cleared["R"].ProductionBasinIDs)
	assert.Empty(t, cleared["A"].ProductionBasinIDs)

	// The caller's slice is untouched.
	assert.Len(t, locations[1].DirectBasins, 1)
	assert.Empty(t, locations[3].DirectBasins)
}

func TestPipelineOrder(t *testing.T) {
	var names []string
	for _, s := range pipeline {
		names = append(names, s.name)
	}
	assert.Equal(t, []string{
		"seed direct associations",
		"descend from regions",
		"descend from departments",
		"ascend districts to departments",
		"ascend departments to regions",
	}, names)
}
