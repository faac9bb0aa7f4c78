package rules

import (
	"time"

	"github.com/opensource-procurement/harrier/internal/domain"
)

// Statutory limits shared across the catalogue.
const (
	// decisionLimitDays is how long a buyer has to act on a satisfied
	// review-body decision.
	decisionLimitDays = 30

	// contractModifyingDaysLimit is the window in which repeated price
	// amendments after signing are suspicious.
	contractModifyingDaysLimit = 60

	// winnerAwardedGraceDays is the objection window after an award in open
	// procedures before the winner counts as final.
	winnerAwardedGraceDays = 5
)

// Statuses that freeze assessment: rules report use_previous_result instead
// of re-evaluating once the object reaches them.
const (
	tenderStopStatus   = "complete"
	contractStopStatus = "terminated"
)

// Registry is the static, ordered rule catalogue. Order is fixed at
// construction so assessment batches are deterministic.
type Registry struct {
	tender   []domain.TenderRule
	contract []domain.ContractRule
}

// RegisterTender appends a tender rule.
func (r *Registry) RegisterTender(rule domain.TenderRule) {
	r.tender = append(r.tender, rule)
}

// RegisterContract appends a contract rule.
func (r *Registry) RegisterContract(rule domain.ContractRule) {
	r.contract = append(r.contract, rule)
}

// TenderRules returns the tender rules in registration order.
func (r *Registry) TenderRules() []domain.TenderRule { return r.tender }

// ContractRules returns the contract rules in registration order.
func (r *Registry) ContractRules() []domain.ContractRule { return r.contract }

// Metas returns the catalogue's descriptors in registration order.
func (r *Registry) Metas() []domain.RuleMeta {
	metas := make([]domain.RuleMeta, 0, len(r.tender)+len(r.contract))
	for _, rule := range r.tender {
		metas = append(metas, rule.Meta())
	}
	for _, rule := range r.contract {
		metas = append(metas, rule.Meta())
	}
	return metas
}

// NewCatalogue builds the built-in rule set. The sas-3-1 / sas24-3-1 pair
// shares one predicate: the older variant was retired when the 2024 revision
// took effect, so exactly one of them is active for any assessment date.
func NewCatalogue(deps Deps) *Registry {
	reg := &Registry{}

	openMethods := []string{"aboveThreshold", "aboveThresholdUA", "aboveThresholdEU"}
	activeStatuses := []string{"active.qualification", "active.awarded", "complete"}

	reg.RegisterTender(&DecisionDeadlineRule{
		meta: domain.RuleMeta{
			ID:                   "sas-3-1",
			Owner:                "sas",
			Name:                 "Review-body decision not executed in time",
			Description:          "A satisfied complaint decision was not acted on within the statutory period.",
			Legitimateness:       "Law on Public Procurement, art. 18",
			ProcurementMethods:   openMethods,
			TenderStatuses:       activeStatuses,
			ProcuringEntityKinds: []string{"general", "authority", "central", "social"},
			EndDate:              "2024-01-01",
			StopAssessmentStatus: tenderStopStatus,
		},
		deps:         deps,
		deadlineDays: decisionLimitDays,
	})
	reg.RegisterTender(&DecisionDeadlineRule{
		meta: domain.RuleMeta{
			ID:                   "sas24-3-1",
			Owner:                "sas24",
			Name:                 "Review-body decision not executed in time",
			Description:          "A satisfied complaint decision was not acted on within the statutory period.",
			Legitimateness:       "Law on Public Procurement, art. 18 (2024 revision)",
			ProcurementMethods:   openMethods,
			TenderStatuses:       activeStatuses,
			ProcuringEntityKinds: []string{"general", "authority", "central", "social", "defense"},
			StartDate:            "2024-01-01",
			StopAssessmentStatus: tenderStopStatus,
		},
		deps:         deps,
		deadlineDays: decisionLimitDays,
		workingDays:  true,
	})
	reg.RegisterTender(&RepeatedDisqualificationRule{
		meta: domain.RuleMeta{
			ID:                   "sas24-3-2",
			Owner:                "sas24",
			Name:                 "Repeated disqualification of cheaper bids",
			Description:          "Two or more bids were disqualified on a lot before a winner was chosen.",
			ProcurementMethods:   openMethods,
			TenderStatuses:       activeStatuses,
			StartDate:            "2024-01-01",
			StopAssessmentStatus: tenderStopStatus,
		},
		deps:    deps,
		minimum: 2,
	})
	reg.RegisterTender(&AwardPriceDropRule{
		meta: domain.RuleMeta{
			ID:                    "sas24-3-3",
			Owner:                 "sas24",
			Name:                  "Abnormal award price drop",
			Description:           "The winning offer is dramatically below the expected value.",
			ProcurementMethods:    openMethods,
			TenderStatuses:        activeStatuses,
			ProcurementCategories: []string{"goods", "services", "works"},
			StartDate:             "2024-01-01",
			StopAssessmentStatus:  tenderStopStatus,
		},
		deps:        deps,
		dropPercent: 30,
	})
	reg.RegisterTender(&SupplierConcentrationRule{
		meta: domain.RuleMeta{
			ID:                   "sas24-3-4",
			Owner:                "sas24",
			Name:                 "Supplier concentration on one subject",
			Description:          "The buyer repeatedly awards the same procurement subject to a single supplier.",
			ProcurementMethods:   openMethods,
			TenderStatuses:       []string{"active.awarded", "complete"},
			ValueForServices:     400_000,
			ValueForWorks:        1_500_000,
			StartDate:            "2024-01-01",
			StopAssessmentStatus: tenderStopStatus,
		},
		deps:           deps,
		lookback:       365 * 24 * time.Hour,
		totalThreshold: 10_000_000,
	})
	reg.RegisterContract(&ShortWorksContractRule{
		meta: domain.RuleMeta{
			ID:                    "sas24-3-5",
			Owner:                 "sas24",
			Name:                  "Implausibly short works contract",
			Description:           "A high-value works contract is scheduled over an implausibly short period.",
			ProcurementMethods:    openMethods,
			ProcurementCategories: []string{"works"},
			ContractStatuses:      []string{"active", "pending"},
			ValueForWorks:         1_500_000,
			StartDate:             "2024-01-01",
			StopAssessmentStatus:  contractStopStatus,
		},
		deps:    deps,
		minDays: 90,
	})
	reg.RegisterContract(&PriceChangeRule{
		meta: domain.RuleMeta{
			ID:                   "sas24-3-6",
			Owner:                "sas24",
			Name:                 "Early repeated price increases",
			Description:          "The contract price was amended repeatedly soon after signing.",
			ProcurementMethods:   openMethods,
			ContractStatuses:     []string{"active"},
			StartDate:            "2024-01-01",
			StopAssessmentStatus: contractStopStatus,
		},
		deps:       deps,
		maxChanges: 1,
		windowDays: contractModifyingDaysLimit,
	})
	reg.RegisterContract(&AdvancePaymentRule{
		meta: domain.RuleMeta{
			ID:                   "sas24-3-7",
			Owner:                "sas24",
			Name:                 "Oversized advance payment",
			Description:          "A prepayment milestone exceeds the allowed share or term.",
			ProcurementMethods:   openMethods,
			ContractStatuses:     []string{"active", "pending"},
			StartDate:            "2024-01-01",
			StopAssessmentStatus: contractStopStatus,
		},
		deps:          deps,
		maxPercentage: 30,
		maxTermDays:   90,
	})

	return reg
}
