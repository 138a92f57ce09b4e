package models

import "time"

// ItemKind is the closed set of content types the platform serves.
type ItemKind string

const (
	ItemKindArticle ItemKind = "article"
	ItemKindVideo   ItemKind = "video"
	ItemKindProduct ItemKind = "product"
)

// AllItemKinds lists every ItemKind in canonical order.
var AllItemKinds = []ItemKind{ItemKindArticle, ItemKindVideo, ItemKindProduct}

func (k ItemKind) Valid() bool {
	switch k {
	case ItemKindArticle, ItemKindVideo, ItemKindProduct:
		return true
	}
	return false
}

// ActionKind is the closed set of viewer actions recorded in the behavior log.
type ActionKind string

const (
	ActionView     ActionKind = "view"
	ActionClick    ActionKind = "click"
	ActionLike     ActionKind = "like"
	ActionShare    ActionKind = "share"
	ActionComment  ActionKind = "comment"
	ActionPurchase ActionKind = "purchase"
)

// ActionWeights assigns each action its fixed weight for aggregate scoring.
var ActionWeights = map[ActionKind]float64{
	ActionView:     1.0,
	ActionClick:    2.0,
	ActionLike:     3.0,
	ActionShare:    4.0,
	ActionComment:  3.5,
	ActionPurchase: 5.0,
}

func (a ActionKind) Valid() bool {
	_, ok := ActionWeights[a]
	return ok
}

// Weight returns the scoring weight for the action, 0 for unknown actions.
func (a ActionKind) Weight() float64 {
	return ActionWeights[a]
}

// DeviceKind buckets map device categories to stable integers for the
// context feature projection.
var DeviceKindBuckets = map[string]int{
	"mobile":  0,
	"tablet":  1,
	"desktop": 2,
}

// BehaviorEvent is one append-only row of the behavior log. Events are
// immutable once appended; duplicates are tolerated (aggregations are
// monotone under repeats within a window).
type BehaviorEvent struct {
	ViewerID    string                 `json:"viewer_id" validate:"required"`
	ItemID      string                 `json:"item_id" validate:"required"`
	Action      ActionKind             `json:"action" validate:"required,oneof=view click like share comment purchase"`
	Kind        ItemKind               `json:"kind" validate:"required,oneof=article video product"`
	SessionID   *string                `json:"session_id,omitempty"`
	Device      *string                `json:"device,omitempty" validate:"omitempty,oneof=mobile tablet desktop"`
	DurationSec *float64               `json:"duration_sec,omitempty" validate:"omitempty,min=0"`
	Timestamp   time.Time              `json:"timestamp"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}
