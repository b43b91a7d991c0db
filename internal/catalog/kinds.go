// Package catalog describes the record kinds stored in HelixDB and the named
// queries the backend exposes for them.
//
// The kind table is the single source of truth: query names, parameter sets
// and composite embedding text are all derived from it. The backend's
// declared query catalogue (queries.yaml) is checked against what the router
// derives from this table when the process starts.
package catalog

import (
	"fmt"
	"strings"
)

// Kind enumerates the record kinds.
type Kind int

const (
	KindProduct Kind = iota
	KindService
	KindLocation
	KindHours
	KindSocial
	KindPolicy
	KindEvent
	KindInformation
	KindBehavior
	KindPreference
	KindDesire
	KindRule
	KindFeedback
	KindCommunication
	KindProductInteraction
	KindServiceInteraction
	KindLocationVisit
	KindNavigationHub
	KindWaypoint
	KindDirectionPath

	kindCount
)

// KindNone marks tools that are not keyed by a memory type.
const KindNone Kind = -1

// Family groups kinds by owner.
type Family int

const (
	FamilyBusiness Family = iota
	FamilyCustomer
	FamilyInteraction
	FamilyNavigation
)

func (f Family) String() string {
	switch f {
	case FamilyBusiness:
		return "business"
	case FamilyCustomer:
		return "customer"
	case FamilyInteraction:
		return "interaction"
	case FamilyNavigation:
		return "navigation"
	}
	return "unknown"
}

// FieldType is a backend parameter type.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeID      FieldType = "id"
	TypeInt     FieldType = "int"
	TypeFloat   FieldType = "float"
	TypeBool    FieldType = "bool"
	TypeStrings FieldType = "[string]"
	TypeFloats  FieldType = "[float]"
	TypeObject  FieldType = "object"
)

// FieldSpec declares one typed field of a record kind.
type FieldSpec struct {
	Name     string
	Type     FieldType
	Required bool
	Default  any // nil means the zero value of Type
}

// ZeroValue is the value sent when the caller omits an optional field.
func (f FieldSpec) ZeroValue() any {
	if f.Default != nil {
		return f.Default
	}
	switch f.Type {
	case TypeInt:
		return int64(0)
	case TypeFloat:
		return float64(0)
	case TypeBool:
		return false
	case TypeStrings:
		return []string{}
	case TypeFloats:
		return []float64{}
	case TypeObject:
		return map[string]any{}
	}
	return ""
}

// UpdateVariant is one update query and the fields it writes.
type UpdateVariant struct {
	Query  string
	Fields []string
}

// KindSpec is the static description of a record kind.
type KindSpec struct {
	Kind   Kind
	Name   string // memory_type value, e.g. "product-interaction"
	Plural string // collection name, e.g. "products"
	Ident  string // query name fragment, e.g. "product_interaction"
	Label  string // backend node label
	Family Family

	IDField  string
	IDPrefix string // non-empty when the id is generated server-side

	// Parents are caller-supplied references to existing records.
	Parents []string
	Fields  []FieldSpec

	// TextFields are the ordered inputs of the composite embedding text.
	TextFields []string
	Embedded   bool
	EdgeLabel  string

	// RangeField enables price-range queries and hybrid search.
	RangeField string

	CreateQuery    string
	UpdateVariants []UpdateVariant
}

// Generated reports whether the record id is issued by this server.
func (s *KindSpec) Generated() bool { return s.IDPrefix != "" }

// Updatable reports whether update tools accept the kind.
func (s *KindSpec) Updatable() bool { return len(s.UpdateVariants) > 0 }

// Tenant is the owning reference used by list and search queries.
func (s *KindSpec) Tenant() string {
	switch s.Family {
	case FamilyBusiness:
		return "business_id"
	case FamilyCustomer:
		return "customer_id"
	}
	return ""
}

// Field looks up a declared field.
func (s *KindSpec) Field(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// MutableFields lists the fields an update may change.
func (s *KindSpec) MutableFields() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// IsTextField reports whether name feeds the composite text.
func (s *KindSpec) IsTextField(name string) bool {
	for _, f := range s.TextFields {
		if f == name {
			return true
		}
	}
	return false
}

func (s *KindSpec) GetQuery() string { return "get_" + s.Ident }

// DeleteQuery removes the record, and its embeddings for embedded kinds.
func (s *KindSpec) DeleteQuery() string {
	if s.Embedded {
		return "delete_" + s.Ident + "_with_embedding"
	}
	return "delete_" + s.Ident
}

// ListQuery returns the tenant-scoped listing query, empty for kinds that
// are only reachable by traversal.
func (s *KindSpec) ListQuery() string {
	if s.Tenant() == "" {
		return ""
	}
	return "get_" + s.Family.String() + "_" + s.Plural
}

// RangeQuery returns the tenant-scoped range listing query.
func (s *KindSpec) RangeQuery() string {
	if s.RangeField == "" || s.Tenant() == "" {
		return ""
	}
	return s.ListQuery() + "_in_" + s.RangeField + "_range"
}

func (s *KindSpec) DropEmbeddingQuery() string { return "drop_" + s.Ident + "_embedding" }
func (s *KindSpec) LinkEmbeddingQuery() string { return "link_" + s.Ident + "_embedding" }
func (s *KindSpec) GetEmbeddingQuery() string  { return "get_" + s.Ident + "_embedding" }

func (s *KindSpec) AddEmbeddingQuery(vector bool) string {
	if vector {
		return "add_" + s.Ident + "_embedding_vector"
	}
	return "add_" + s.Ident + "_embedding"
}

// SearchFamily selects one of the disjoint search query families.
type SearchFamily string

const (
	SearchBM25     SearchFamily = "bm25"
	SearchSemantic SearchFamily = "semantic"
	SearchHybrid   SearchFamily = "hybrid"
)

// SearchQuery returns the query for a search family; vector selects the
// client-supplied-vector variant of hybrid search.
func (s *KindSpec) SearchQuery(family SearchFamily, vector bool) string {
	name := "search_" + s.Plural + "_" + string(family)
	if family == SearchHybrid && vector {
		name += "_vector"
	}
	return name
}

// Searchable reports whether a search family is defined for the kind.
func (s *KindSpec) Searchable(family SearchFamily) bool {
	if !s.Embedded || s.Tenant() == "" {
		return false
	}
	if family == SearchHybrid {
		return s.RangeField != ""
	}
	return true
}

// CreateStamps are the timestamp fields a create writes.
var CreateStamps = []string{"created_at", "updated_at"}

// UpdateStamp is the timestamp field an update writes.
const UpdateStamp = "updated_at"

func str(name string) FieldSpec { return FieldSpec{Name: name, Type: TypeString} }
func reqStr(name string) FieldSpec { return FieldSpec{Name: name, Type: TypeString, Required: true} }
func intf(name string) FieldSpec { return FieldSpec{Name: name, Type: TypeInt} }
func float(name string) FieldSpec { return FieldSpec{Name: name, Type: TypeFloat} }
func strs(name string) FieldSpec { return FieldSpec{Name: name, Type: TypeStrings} }
func idf(name string) FieldSpec { return FieldSpec{Name: name, Type: TypeID} }
func reqID(name string) FieldSpec { return FieldSpec{Name: name, Type: TypeID, Required: true} }
func textDescription() FieldSpec { return reqStr("text_description") }
func boolDefault(name string, v bool) FieldSpec {
	return FieldSpec{Name: name, Type: TypeBool, Default: v}
}
func strDefault(name, v string) FieldSpec {
	return FieldSpec{Name: name, Type: TypeString, Default: v}
}

var specs = [kindCount]KindSpec{
	KindProduct: {
		Name: "product", Plural: "products", Ident: "product", Label: "BusinessProductMemory",
		Family: FamilyBusiness, IDField: "product_id", Parents: []string{"business_id"},
		Fields: []FieldSpec{
			reqStr("product_name"), str("product_category"), str("brand"), str("description"),
			strs("features"), float("price"), strDefault("currency", "USD"),
			strDefault("availability", "in_stock"), strs("tags"), textDescription(),
		},
		TextFields: []string{"product_name", "brand", "product_category", "description", "features",
			"price", "availability", "tags", "text_description"},
		Embedded: true, EdgeLabel: "ProductHasEmbedding", RangeField: "price",
		CreateQuery: "add_business_product_memory",
		UpdateVariants: []UpdateVariant{
			{Query: "update_product_price", Fields: []string{"price", "currency"}},
			{Query: "update_product_availability", Fields: []string{"availability"}},
		},
	},
	KindService: {
		Name: "service", Plural: "services", Ident: "service", Label: "BusinessServiceMemory",
		Family: FamilyBusiness, IDField: "service_id", Parents: []string{"business_id"},
		Fields: []FieldSpec{
			reqStr("service_name"), str("service_category"), str("description"), float("price"),
			strDefault("currency", "USD"), intf("duration_minutes"),
			strDefault("availability", "available"), strs("tags"), textDescription(),
		},
		TextFields: []string{"service_name", "service_category", "description", "price",
			"duration_minutes", "availability", "tags", "text_description"},
		Embedded: true, EdgeLabel: "ServiceHasEmbedding", RangeField: "price",
		CreateQuery: "add_business_service_memory",
		UpdateVariants: []UpdateVariant{
			{Query: "update_service_price", Fields: []string{"price", "currency"}},
			{Query: "update_service_availability", Fields: []string{"availability"}},
		},
	},
	KindLocation: {
		Name: "location", Plural: "locations", Ident: "location", Label: "BusinessLocationMemory",
		Family: FamilyBusiness, IDField: "location_id", Parents: []string{"business_id"},
		Fields: []FieldSpec{
			reqStr("location_name"), str("location_type"), str("address"), str("city"), str("state"),
			str("country"), str("postal_code"), float("latitude"), float("longitude"),
			str("phone"), str("email"), str("website"), textDescription(),
		},
		TextFields: []string{"location_name", "location_type", "address", "city", "state",
			"country", "text_description"},
		Embedded: true, EdgeLabel: "LocationHasEmbedding",
		CreateQuery: "add_business_location_memory",
		UpdateVariants: []UpdateVariant{
			{Query: "update_location_address", Fields: []string{"address", "city", "state", "country",
				"postal_code", "latitude", "longitude"}},
		},
	},
	KindHours: {
		Name: "hours", Plural: "hours", Ident: "hours", Label: "BusinessHoursMemory",
		Family: FamilyBusiness, IDField: "hours_id", Parents: []string{"business_id"},
		Fields: []FieldSpec{
			idf("location_id"), str("timezone"), str("weekday_hours"), str("weekend_hours"),
			str("special_hours"), strs("holidays"), textDescription(),
		},
		TextFields: []string{"weekday_hours", "weekend_hours", "special_hours", "holidays",
			"timezone", "text_description"},
		Embedded: true, EdgeLabel: "HoursHasEmbedding",
		CreateQuery: "add_business_hours_memory",
		UpdateVariants: []UpdateVariant{
			{Query: "update_business_hours", Fields: []string{"weekday_hours", "weekend_hours",
				"special_hours", "holidays", "timezone"}},
		},
	},
	KindSocial: {
		Name: "social", Plural: "social", Ident: "social", Label: "BusinessSocialMediaMemory",
		Family: FamilyBusiness, IDField: "social_id", Parents: []string{"business_id"},
		Fields: []FieldSpec{
			reqStr("platform"), reqStr("handle"), str("profile_url"), intf("follower_count"),
			intf("post_count"), float("engagement_rate"), str("description"), textDescription(),
		},
		TextFields: []string{"platform", "handle", "description", "follower_count", "text_description"},
		Embedded:   true, EdgeLabel: "SocialHasEmbedding",
		CreateQuery: "add_business_social_memory",
		UpdateVariants: []UpdateVariant{
			{Query: "update_social_stats", Fields: []string{"follower_count", "post_count", "engagement_rate"}},
		},
	},
	KindPolicy: {
		Name: "policy", Plural: "policies", Ident: "policy", Label: "BusinessPolicyMemory",
		Family: FamilyBusiness, IDField: "policy_id", Parents: []string{"business_id"},
		Fields: []FieldSpec{
			reqStr("policy_type"), reqStr("policy_name"), str("content"), str("version"),
			str("effective_date"), boolDefault("is_active", true), textDescription(),
		},
		TextFields: []string{"policy_name", "policy_type", "content", "effective_date", "text_description"},
		Embedded:   true, EdgeLabel: "PolicyHasEmbedding",
		CreateQuery: "add_business_policy_memory",
		UpdateVariants: []UpdateVariant{
			{Query: "update_policy_content", Fields: []string{"content", "version", "effective_date", "is_active"}},
		},
	},
	KindEvent: {
		Name: "event", Plural: "events", Ident: "event", Label: "BusinessEventMemory",
		Family: FamilyBusiness, IDField: "event_id", Parents: []string{"business_id"},
		Fields: []FieldSpec{
			reqStr("event_name"), str("event_type"), str("description"), str("start_date"),
			str("end_date"), str("location"), intf("capacity"), float("price"),
			strDefault("currency", "USD"), str("registration_url"), textDescription(),
		},
		TextFields: []string{"event_name", "event_type", "description", "start_date", "end_date",
			"location", "price", "text_description"},
		Embedded: true, EdgeLabel: "EventHasEmbedding", RangeField: "price",
		CreateQuery: "add_business_event_memory",
		UpdateVariants: []UpdateVariant{
			{Query: "update_event_dates", Fields: []string{"start_date", "end_date"}},
		},
	},
	KindInformation: {
		Name: "information", Plural: "information", Ident: "information", Label: "BusinessInformationMemory",
		Family: FamilyBusiness, IDField: "information_id", Parents: []string{"business_id"},
		Fields: []FieldSpec{
			reqStr("title"), str("information_type"), str("content"), strs("tags"), textDescription(),
		},
		TextFields: []string{"title", "information_type", "content", "tags", "text_description"},
		Embedded:   true, EdgeLabel: "InformationHasEmbedding",
		CreateQuery: "add_business_information_memory",
		UpdateVariants: []UpdateVariant{
			{Query: "update_information_content", Fields: []string{"content", "tags"}},
		},
	},
	KindBehavior: {
		Name: "behavior", Plural: "behaviors", Ident: "behavior", Label: "CustomerBehaviorMemory",
		Family: FamilyCustomer, IDField: "behavior_id", IDPrefix: "BHV_", Parents: []string{"customer_id"},
		Fields: []FieldSpec{
			reqStr("behavior_type"), reqStr("action"), str("context"), str("channel"),
			intf("duration_seconds"), textDescription(),
		},
		TextFields: []string{"behavior_type", "action", "context", "channel", "text_description"},
		Embedded:   true, EdgeLabel: "BehaviorHasEmbedding",
		CreateQuery: "add_customer_behavior_memory",
		UpdateVariants: []UpdateVariant{
			{Query: "update_behavior_context", Fields: []string{"context", "channel"}},
		},
	},
	KindPreference: {
		Name: "preference", Plural: "preferences", Ident: "preference", Label: "CustomerPreferenceMemory",
		Family: FamilyCustomer, IDField: "preference_id", IDPrefix: "PRF_", Parents: []string{"customer_id"},
		Fields: []FieldSpec{
			reqStr("preference_type"), reqStr("subject"), float("strength"), intf("evidence_count"),
			textDescription(),
		},
		TextFields: []string{"preference_type", "subject", "text_description"},
		Embedded:   true, EdgeLabel: "PreferenceHasEmbedding",
		CreateQuery: "add_customer_preference_memory",
		UpdateVariants: []UpdateVariant{
			{Query: "update_preference_strength", Fields: []string{"strength", "evidence_count"}},
		},
	},
	KindDesire: {
		Name: "desire", Plural: "desires", Ident: "desire", Label: "CustomerDesireMemory",
		Family: FamilyCustomer, IDField: "desire_id", IDPrefix: "DSR_", Parents: []string{"customer_id"},
		Fields: []FieldSpec{
			reqStr("desire_type"), reqStr("goal"), intf("priority"), str("timeline"),
			str("budget_range"), textDescription(),
		},
		TextFields: []string{"desire_type", "goal", "timeline", "budget_range", "text_description"},
		Embedded:   true, EdgeLabel: "DesireHasEmbedding",
		CreateQuery: "add_customer_desire_memory",
		UpdateVariants: []UpdateVariant{
			{Query: "update_desire_priority", Fields: []string{"priority", "timeline"}},
		},
	},
	KindRule: {
		Name: "rule", Plural: "rules", Ident: "rule", Label: "CustomerRuleMemory",
		Family: FamilyCustomer, IDField: "rule_id", IDPrefix: "RUL_", Parents: []string{"customer_id"},
		Fields: []FieldSpec{
			reqStr("rule_type"), reqStr("condition"), str("action"), intf("priority"),
			strDefault("enforcement", "strict"), boolDefault("is_active", true), textDescription(),
		},
		TextFields: []string{"rule_type", "condition", "action", "enforcement", "text_description"},
		Embedded:   true, EdgeLabel: "RuleHasEmbedding",
		CreateQuery: "add_customer_rule_memory",
		UpdateVariants: []UpdateVariant{
			{Query: "update_rule_enforcement", Fields: []string{"enforcement", "is_active", "priority"}},
		},
	},
	KindFeedback: {
		Name: "feedback", Plural: "feedback", Ident: "feedback", Label: "CustomerFeedbackMemory",
		Family: FamilyCustomer, IDField: "feedback_id", IDPrefix: "FBK_", Parents: []string{"customer_id"},
		Fields: []FieldSpec{
			reqStr("subject"), intf("rating"), str("sentiment"), strs("tags"), textDescription(),
		},
		TextFields: []string{"subject", "sentiment", "rating", "tags", "text_description"},
		Embedded:   true, EdgeLabel: "FeedbackHasEmbedding",
		CreateQuery: "add_customer_feedback_memory",
		UpdateVariants: []UpdateVariant{
			{Query: "update_feedback_rating", Fields: []string{"rating", "sentiment"}},
		},
	},
	KindCommunication: {
		Name: "communication", Plural: "communications", Ident: "communication",
		Label: "CustomerCommunicationMemory", Family: FamilyCustomer,
		IDField: "communication_id", IDPrefix: "COM_", Parents: []string{"customer_id"},
		Fields: []FieldSpec{
			reqStr("preferred_channel"), str("frequency"), str("language"), str("timezone"),
			boolDefault("opt_in", true), textDescription(),
		},
		TextFields: []string{"preferred_channel", "frequency", "language", "text_description"},
		Embedded:   true, EdgeLabel: "CommunicationHasEmbedding",
		CreateQuery: "add_customer_communication_memory",
		UpdateVariants: []UpdateVariant{
			{Query: "update_communication_preferences", Fields: []string{"preferred_channel", "frequency", "opt_in"}},
		},
	},
	KindProductInteraction: {
		Name: "product-interaction", Plural: "product_interactions", Ident: "product_interaction",
		Label: "CustomerProductInteraction", Family: FamilyInteraction,
		IDField: "interaction_id", IDPrefix: "INT_", Parents: []string{"customer_id", "product_id"},
		Fields: []FieldSpec{
			reqStr("interaction_type"), intf("rating"), str("channel"), str("text_reason"),
		},
		CreateQuery: "add_customer_product_interaction",
	},
	KindServiceInteraction: {
		Name: "service-interaction", Plural: "service_interactions", Ident: "service_interaction",
		Label: "CustomerServiceInteraction", Family: FamilyInteraction,
		IDField: "interaction_id", IDPrefix: "INT_", Parents: []string{"customer_id", "service_id"},
		Fields: []FieldSpec{
			reqStr("interaction_type"), intf("rating"), str("channel"), str("text_feedback"),
		},
		CreateQuery: "add_customer_service_interaction",
	},
	KindLocationVisit: {
		Name: "location-visit", Plural: "location_visits", Ident: "location_visit",
		Label: "CustomerLocationVisit", Family: FamilyInteraction,
		IDField: "interaction_id", IDPrefix: "INT_", Parents: []string{"customer_id", "location_id"},
		Fields: []FieldSpec{
			reqStr("visit_date"), intf("duration_minutes"), str("purpose"), str("text_notes"),
		},
		CreateQuery: "add_customer_location_visit",
	},
	KindNavigationHub: {
		Name: "navigation-hub", Plural: "navigation_hubs", Ident: "navigation_hub",
		Label: "NavigationHub", Family: FamilyNavigation,
		IDField: "navigation_id", IDPrefix: "NAV_", Parents: []string{"business_id"},
		Fields: []FieldSpec{
			reqStr("hub_name"), str("description"), str("floor"), str("entrance"),
		},
		CreateQuery: "add_navigation_hub",
	},
	KindWaypoint: {
		Name: "waypoint", Plural: "waypoints", Ident: "waypoint",
		Label: "NavigationWaypoint", Family: FamilyNavigation,
		IDField: "waypoint_id", IDPrefix: "WPT_", Parents: []string{"navigation_id"},
		Fields: []FieldSpec{
			reqStr("waypoint_name"), str("waypoint_type"), str("floor"), float("latitude"),
			float("longitude"), str("description"),
		},
		CreateQuery: "add_waypoint",
	},
	KindDirectionPath: {
		Name: "direction-path", Plural: "direction_paths", Ident: "direction_path",
		Label: "NavigationDirectionPath", Family: FamilyNavigation,
		IDField: "path_id", IDPrefix: "PTH_", Parents: []string{"navigation_id"},
		Fields: []FieldSpec{
			reqID("from_waypoint_id"), reqID("to_waypoint_id"), float("distance_meters"),
			intf("estimated_seconds"), str("instructions"), boolDefault("accessible", true),
		},
		CreateQuery: "add_direction_path",
	},
}

func init() {
	for i := range specs {
		s := &specs[i]
		s.Kind = Kind(i)
		if s.Name == "" || s.Ident == "" || s.IDField == "" || s.CreateQuery == "" {
			panic(fmt.Sprintf("catalog: kind %d has an incomplete spec", i))
		}
		if s.Embedded != (len(s.TextFields) > 0) {
			panic(fmt.Sprintf("catalog: kind %s: embedded kinds need text fields and vice versa", s.Name))
		}
		// Every updatable kind ends with a variant that writes every mutable field.
		if len(s.UpdateVariants) > 0 {
			s.UpdateVariants = append(s.UpdateVariants, UpdateVariant{
				Query:  "update_" + s.Ident + "_full",
				Fields: s.MutableFields(),
			})
		}
	}
}

// Spec returns the KindSpec of k. It panics for values outside the enum.
func (k Kind) Spec() *KindSpec {
	return &specs[k]
}

func (k Kind) String() string {
	if k < 0 || k >= kindCount {
		return "none"
	}
	return specs[k].Name
}

// Kinds returns every kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, kindCount)
	for i := range out {
		out[i] = Kind(i)
	}
	return out
}

// FamilyKinds returns the kinds of one family in declaration order.
func FamilyKinds(f Family) []Kind {
	var out []Kind
	for i := range specs {
		if specs[i].Family == f {
			out = append(out, Kind(i))
		}
	}
	return out
}

// ParseKind resolves a memory_type value. It accepts the singular name, the
// plural collection name and either hyphen or underscore separators.
func ParseKind(memoryType string) (Kind, bool) {
	norm := strings.ToLower(strings.TrimSpace(memoryType))
	norm = strings.ReplaceAll(norm, "-", "_")
	for i := range specs {
		s := &specs[i]
		if norm == s.Ident || norm == s.Plural {
			return Kind(i), true
		}
	}
	return KindNone, false
}
