package block

// EntityType names a referenceable entity kind. BLOCK references include
// another block's sub-tree.
type EntityType string

const (
	EntityBlock        EntityType = "BLOCK"
	EntityClient       EntityType = "CLIENT"
	EntityOrganisation EntityType = "ORGANISATION"
	EntityCompany      EntityType = "COMPANY"
	EntityInvoice      EntityType = "INVOICE"
)

type Ownership string

const (
	// OwnershipOwned binds the target's lifecycle to the referencing block.
	OwnershipOwned Ownership = "OWNED"
	// OwnershipLinked points at an independent target.
	OwnershipLinked Ownership = "LINKED"
)

type Warning string

const (
	WarningMissing         Warning = "MISSING"
	WarningRequiresLoading Warning = "REQUIRES_LOADING"
	WarningUnsupported     Warning = "UNSUPPORTED"
	WarningCircular        Warning = "CIRCULAR"
	WarningDepthExceeded   Warning = "DEPTH_EXCEEDED"
)

type FetchPolicy string

const (
	FetchEager FetchPolicy = "EAGER"
	FetchLazy  FetchPolicy = "LAZY"
)

// ReferenceItem is the persisted half of a reference.
type ReferenceItem struct {
	ID         string     `json:"id,omitempty"`
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
	Path       string     `json:"path,omitempty"`
	OrderIndex *int       `json:"orderIndex,omitempty"`
	Ownership  Ownership  `json:"ownership,omitempty"`
}

// IsEmpty reports whether the item points at nothing, as left behind when
// the target of a block-tree reference is removed.
func (r ReferenceItem) IsEmpty() bool {
	return r.ID == "" && r.EntityType == "" && r.EntityID == ""
}

// IsOwned reports whether the item binds its target's lifecycle. Items with
// no explicit ownership are linked.
func (r ReferenceItem) IsOwned() bool {
	return r.Ownership == OwnershipOwned
}

// Reference is a ReferenceItem plus its resolution status. After a hydration
// pass that attempted a fetch exactly one of Entity and Warning is set.
type Reference struct {
	ReferenceItem
	Entity  any     `json:"entity,omitempty"`
	Warning Warning `json:"warning,omitempty"`
}

func (r Reference) Resolved() bool {
	return r.Entity != nil && r.Warning == ""
}

// Unresolved returns a copy with the hydration fields cleared.
func (r Reference) Unresolved() Reference {
	return Reference{ReferenceItem: r.ReferenceItem}
}

func (r Reference) WithWarning(w Warning) Reference {
	r.Entity = nil
	r.Warning = w
	return r
}

func (r Reference) WithEntity(entity any) Reference {
	r.Entity = entity
	r.Warning = ""
	return r
}

func cloneItem(item ReferenceItem) ReferenceItem {
	if item.OrderIndex != nil {
		idx := *item.OrderIndex
		item.OrderIndex = &idx
	}
	return item
}
