package domain

// Procurement objects as served by the upstream API. Only the fields the rule
// catalogue reads are modeled; unknown fields are dropped on decode.

// Value is a monetary amount in a named currency.
type Value struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// Identifier is a registry identifier (scheme + id), e.g. "UA-EDR" + EDRPOU.
type Identifier struct {
	Scheme    string `json:"scheme"`
	ID        string `json:"id"`
	LegalName string `json:"legalName,omitempty"`
}

func (i Identifier) String() string {
	return i.Scheme + "-" + i.ID
}

// Address carries only the region used for filtering.
type Address struct {
	Region string `json:"region,omitempty"`
}

// ProcuringEntity is the buyer running the procedure.
type ProcuringEntity struct {
	Name       string     `json:"name,omitempty"`
	Kind       string     `json:"kind,omitempty"`
	Identifier Identifier `json:"identifier"`
	Address    *Address   `json:"address,omitempty"`
}

// Classification is a CPV code attached to an item.
type Classification struct {
	Scheme      string `json:"scheme,omitempty"`
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

// Item is one procured position.
type Item struct {
	ID             string         `json:"id"`
	Classification Classification `json:"classification"`
	Quantity       float64        `json:"quantity,omitempty"`
	RelatedLot     string         `json:"relatedLot,omitempty"`
}

// Period is a start/end date pair in ISO-8601.
type Period struct {
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`
}

// Complaint is a filed objection; rules care about type, status and decision date.
type Complaint struct {
	ID           string `json:"id"`
	Type         string `json:"type,omitempty"`
	Status       string `json:"status,omitempty"`
	DateDecision string `json:"dateDecision,omitempty"`
}

// Award is a qualification decision for a bid, optionally per lot.
type Award struct {
	ID              string      `json:"id"`
	Status          string      `json:"status,omitempty"`
	Date            string      `json:"date,omitempty"`
	BidID           string      `json:"bid_id,omitempty"`
	LotID           string      `json:"lotID,omitempty"`
	Value           *Value      `json:"value,omitempty"`
	Complaints      []Complaint `json:"complaints,omitempty"`
	ComplaintPeriod *Period     `json:"complaintPeriod,omitempty"`
}

// Qualification is a pre-award eligibility decision (EU procedures).
type Qualification struct {
	ID         string      `json:"id"`
	Status     string      `json:"status,omitempty"`
	BidID      string      `json:"bidID,omitempty"`
	LotID      string      `json:"lotID,omitempty"`
	Complaints []Complaint `json:"complaints,omitempty"`
}

// Cancellation is a (partial) procedure cancellation.
type Cancellation struct {
	ID         string      `json:"id"`
	Status     string      `json:"status,omitempty"`
	RelatedLot string      `json:"relatedLot,omitempty"`
	Complaints []Complaint `json:"complaints,omitempty"`
}

// Lot is a separately awarded part of a tender.
type Lot struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
	Value  *Value `json:"value,omitempty"`
}

// Bid is a submitted offer.
type Bid struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

// Milestone is a payment/delivery milestone with a statutory code.
type Milestone struct {
	ID         string             `json:"id"`
	Code       string             `json:"code,omitempty"`
	Type       string             `json:"type,omitempty"`
	Percentage float64            `json:"percentage,omitempty"`
	Duration   *MilestoneDuration `json:"duration,omitempty"`
}

// MilestoneDuration is the milestone's term in days of a given type.
type MilestoneDuration struct {
	Days int    `json:"days"`
	Type string `json:"type,omitempty"` // "calendar", "banking", "working"
}

// Change is a signed contract amendment.
type Change struct {
	ID             string   `json:"id"`
	Status         string   `json:"status,omitempty"`
	RationaleTypes []string `json:"rationaleTypes,omitempty"`
	DateSigned     string   `json:"dateSigned,omitempty"`
}

// Supplier identifies the winning party on a contract.
type Supplier struct {
	Identifier Identifier `json:"identifier"`
}

// Contract is an awarded-and-signed agreement tied to exactly one tender.
type Contract struct {
	ID           string      `json:"id"`
	TenderID     string      `json:"tender_id,omitempty"`
	AwardID      string      `json:"awardID,omitempty"`
	Status       string      `json:"status,omitempty"`
	Date         string      `json:"date,omitempty"`
	DateSigned   string      `json:"dateSigned,omitempty"`
	DateCreated  string      `json:"dateCreated,omitempty"`
	DateModified string      `json:"dateModified,omitempty"`
	Value        *Value      `json:"value,omitempty"`
	Period       *Period     `json:"period,omitempty"`
	Items        []Item      `json:"items,omitempty"`
	Suppliers    []Supplier  `json:"suppliers,omitempty"`
	Changes      []Change    `json:"changes,omitempty"`
	Milestones   []Milestone `json:"milestones,omitempty"`
}

// Tender is a procurement procedure record.
type Tender struct {
	ID                      string          `json:"id"`
	TenderID                string          `json:"tenderID,omitempty"`
	Status                  string          `json:"status,omitempty"`
	ProcurementMethodType   string          `json:"procurementMethodType,omitempty"`
	MainProcurementCategory string          `json:"mainProcurementCategory,omitempty"`
	Value                   *Value          `json:"value,omitempty"`
	ProcuringEntity         ProcuringEntity `json:"procuringEntity"`
	DateCreated             string          `json:"dateCreated,omitempty"`
	DateModified            string          `json:"dateModified,omitempty"`
	TenderPeriod            *Period         `json:"tenderPeriod,omitempty"`
	Items                   []Item          `json:"items,omitempty"`
	Lots                    []Lot           `json:"lots,omitempty"`
	Bids                    []Bid           `json:"bids,omitempty"`
	Awards                  []Award         `json:"awards,omitempty"`
	Complaints              []Complaint     `json:"complaints,omitempty"`
	Qualifications          []Qualification `json:"qualifications,omitempty"`
	Cancellations           []Cancellation  `json:"cancellations,omitempty"`
	Contracts               []Contract      `json:"contracts,omitempty"`
	Milestones              []Milestone     `json:"milestones,omitempty"`
}

// Region returns the buyer's region, empty when not provided.
func (t *Tender) Region() string {
	if t.ProcuringEntity.Address == nil {
		return ""
	}
	return t.ProcuringEntity.Address.Region
}

// EDRPOU returns the buyer's bare registry id.
func (t *Tender) EDRPOU() string {
	return t.ProcuringEntity.Identifier.ID
}

// ActiveContractStates are contract statuses that still allow changes; a tender
// with any contract in these states is not terminated.
var ActiveContractStates = map[string]bool{
	"active":  true,
	"pending": true,
}
