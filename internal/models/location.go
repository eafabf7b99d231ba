package models

// LocationType is the level of a location in the administrative hierarchy.
type LocationType string

const (
	LocationRegion     LocationType = "region"
	LocationDepartment LocationType = "department"
	LocationDistrict   LocationType = "district"
	LocationVillage    LocationType = "village"
)

// BasinRef identifies a production basin.
type BasinRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Location is a node of the region > department > district > village tree.
//
// DirectBasins are assigned by an administrator and are the only source of
// truth. IsInProductionBasin, ProductionBasinIDs and ProductionBasins are
// derived by basin propagation and recomputed after every full refresh.
type Location struct {
	Code         string       `json:"code"`
	Name         string       `json:"name"`
	Type         LocationType `json:"type"`
	ParentCode   string       `json:"parentCode,omitempty"`
	DirectBasins []BasinRef   `json:"directBasins,omitempty"`

	IsInProductionBasin bool       `json:"isInProductionBasin"`
	ProductionBasinIDs  []string   `json:"productionBasinIds"`
	ProductionBasins    []BasinRef `json:"productionBasins"`

	Pending bool `json:"pending,omitempty"`
}

// TableName returns the table name for Location.
func (Location) TableName() string {
	return "locations"
}

// DirectBasinIDs returns the ids of the direct associations.
func (l *Location) DirectBasinIDs() []string {
	out := make([]string, 0, len(l.DirectBasins))
	for _, b := range l.DirectBasins {
		out = append(out, b.ID)
	}
	return out
}
