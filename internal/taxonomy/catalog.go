package taxonomy

import "github.com/clearbill/backend/internal/billing"

// Unit models referenced by the catalog.
const (
	UnitPerReport     = "per_report"
	UnitPerFile       = "per_file"
	UnitPerHour       = "per_hour"
	UnitPerMile       = "per_mile"
	UnitPerNight      = "per_night"
	UnitPerDiem       = "per_diem"
	UnitPerPage       = "per_page"
	UnitPerRequest    = "per_request"
	UnitPerOccurrence = "per_occurrence"
	UnitFlatFee       = "flat_fee"
	UnitActual        = "actual"
)

// Catalog is the canonical taxonomy: the ground-truth service code
// definitions the platform classifies against. The persisted table is
// seeded from this list and never drifts from it except for the
// administratively controlled active flag.
//
// Code format: DOMAIN.SERVICE_ITEM.COMPONENT
//
// Domains:
//
//	IME     Independent Medical Examination
//	ENG     Engineering & Forensic Services
//	IA      Independent Adjusting
//	INV     Investigation & Surveillance
//	REC     Record Retrieval & Management
//	XDOMAIN Cross-domain (pass-through, misc admin)
var Catalog = []billing.TaxonomyItem{
	// =========================================================================
	// IME - Independent Medical Examination
	// =========================================================================
	{
		Code:             "IME.PHY_EXAM.PROF_FEE",
		Domain:           "IME",
		ServiceItem:      "PHY_EXAM",
		BillingComponent: "PROF_FEE",
		UnitModel:        UnitPerReport,
		Label:            "IME Physician Examination - Professional Fee",
		Description: "Fee for a single-specialty independent medical examination by a " +
			"physician. Includes examination, medical records review, and written report.",
	},
	{
		Code:             "IME.PHY_EXAM.TRAVEL_TRANSPORT",
		Domain:           "IME",
		ServiceItem:      "PHY_EXAM",
		BillingComponent: "TRAVEL_TRANSPORT",
		UnitModel:        UnitActual,
		Label:            "IME Physician Examination - Transportation",
		Description:      "Actual transportation cost (airfare, train, taxi) for physician travel.",
	},
	{
		Code:             "IME.PHY_EXAM.TRAVEL_LODGING",
		Domain:           "IME",
		ServiceItem:      "PHY_EXAM",
		BillingComponent: "TRAVEL_LODGING",
		UnitModel:        UnitPerNight,
		Label:            "IME Physician Examination - Lodging",
		Description:      "Hotel/lodging for physician overnight travel.",
	},
	{
		Code:             "IME.PHY_EXAM.TRAVEL_MEALS",
		Domain:           "IME",
		ServiceItem:      "PHY_EXAM",
		BillingComponent: "TRAVEL_MEALS",
		UnitModel:        UnitPerDiem,
		Label:            "IME Physician Examination - Meals & Per Diem",
		Description:      "Meal per diem for physician travel days.",
	},
	{
		Code:             "IME.PHY_EXAM.MILEAGE",
		Domain:           "IME",
		ServiceItem:      "PHY_EXAM",
		BillingComponent: "MILEAGE",
		UnitModel:        UnitPerMile,
		Label:            "IME Physician Examination - Mileage",
		Description:      "Mileage reimbursement for physician driving to examination location.",
	},
	{
		Code:             "IME.MULTI_SPECIALTY.PROF_FEE",
		Domain:           "IME",
		ServiceItem:      "MULTI_SPECIALTY",
		BillingComponent: "PROF_FEE",
		UnitModel:        UnitPerReport,
		Label:            "IME Multi-Specialty Panel - Professional Fee",
		Description:      "Fee for IME involving two or more specialty physicians in one session.",
	},
	{
		Code:             "IME.RECORDS_REVIEW.PROF_FEE",
		Domain:           "IME",
		ServiceItem:      "RECORDS_REVIEW",
		BillingComponent: "PROF_FEE",
		UnitModel:        UnitPerReport,
		Label:            "IME Records Review (No Exam) - Professional Fee",
		Description:      "Physician review of medical records without a physical examination.",
	},
	{
		Code:             "IME.ADDENDUM.PROF_FEE",
		Domain:           "IME",
		ServiceItem:      "ADDENDUM",
		BillingComponent: "PROF_FEE",
		UnitModel:        UnitPerReport,
		Label:            "IME Addendum Report - Professional Fee",
		Description:      "Supplemental report responding to additional records or questions after initial IME.",
	},
	{
		Code:             "IME.PEER_REVIEW.PROF_FEE",
		Domain:           "IME",
		ServiceItem:      "PEER_REVIEW",
		BillingComponent: "PROF_FEE",
		UnitModel:        UnitPerReport,
		Label:            "IME Peer Review - Professional Fee",
		Description:      "Physician review of another provider's treatment plan or records.",
	},
	{
		Code:             "IME.CANCELLATION.CANCEL_FEE",
		Domain:           "IME",
		ServiceItem:      "CANCELLATION",
		BillingComponent: "CANCEL_FEE",
		UnitModel:        UnitFlatFee,
		Label:            "IME Cancellation Fee",
		Description:      "Fee charged when an IME is cancelled within the contract-specified notice window.",
	},
	{
		Code:             "IME.NO_SHOW.NO_SHOW_FEE",
		Domain:           "IME",
		ServiceItem:      "NO_SHOW",
		BillingComponent: "NO_SHOW_FEE",
		UnitModel:        UnitFlatFee,
		Label:            "IME No-Show Fee",
		Description:      "Fee charged when the claimant fails to appear for a scheduled IME.",
	},
	{
		Code:             "IME.ADMIN.SCHEDULING_FEE",
		Domain:           "IME",
		ServiceItem:      "ADMIN",
		BillingComponent: "SCHEDULING_FEE",
		UnitModel:        UnitFlatFee,
		Label:            "IME Administrative / Scheduling Fee",
		Description:      "Administrative fee for IME scheduling and coordination services.",
	},
	// =========================================================================
	// ENG - Engineering & Forensic Services
	// =========================================================================
	{
		Code:             "ENG.PROPERTY_INSPECT.PROF_FEE",
		Domain:           "ENG",
		ServiceItem:      "PROPERTY_INSPECT",
		BillingComponent: "PROF_FEE",
		UnitModel:        UnitPerFile,
		Label:            "Engineering Property Inspection - Professional Fee",
		Description:      "On-site property inspection by a licensed engineer or inspector.",
	},
	{
		Code:             "ENG.PROPERTY_INSPECT.TRAVEL_TRANSPORT",
		Domain:           "ENG",
		ServiceItem:      "PROPERTY_INSPECT",
		BillingComponent: "TRAVEL_TRANSPORT",
		UnitModel:        UnitActual,
		Label:            "Engineering Property Inspection - Transportation",
		Description:      "Actual transportation cost for engineer travel to inspection site.",
	},
	{
		Code:             "ENG.PROPERTY_INSPECT.MILEAGE",
		Domain:           "ENG",
		ServiceItem:      "PROPERTY_INSPECT",
		BillingComponent: "MILEAGE",
		UnitModel:        UnitPerMile,
		Label:            "Engineering Property Inspection - Mileage",
		Description:      "Mileage reimbursement for engineer driving to inspection site.",
	},
	{
		Code:             "ENG.CAUSE_ORIGIN.PROF_FEE",
		Domain:           "ENG",
		ServiceItem:      "CAUSE_ORIGIN",
		BillingComponent: "PROF_FEE",
		UnitModel:        UnitPerFile,
		Label:            "Engineering Cause & Origin Investigation - Professional Fee",
		Description:      "Investigation to determine the cause and origin of loss (fire, water, mechanical failure, etc.).",
	},
	{
		Code:             "ENG.STRUCTURAL_ASSESS.PROF_FEE",
		Domain:           "ENG",
		ServiceItem:      "STRUCTURAL_ASSESS",
		BillingComponent: "PROF_FEE",
		UnitModel:        UnitPerFile,
		Label:            "Engineering Structural Assessment - Professional Fee",
		Description:      "Assessment of structural integrity, damage, or construction defect.",
	},
	{
		Code:             "ENG.EXPERT_REPORT.PROF_FEE",
		Domain:           "ENG",
		ServiceItem:      "EXPERT_REPORT",
		BillingComponent: "PROF_FEE",
		UnitModel:        UnitPerReport,
		Label:            "Engineering Expert Report - Professional Fee",
		Description:      "Formal written expert report for litigation or claim resolution.",
	},
	{
		Code:             "ENG.FILE_REVIEW.PROF_FEE",
		Domain:           "ENG",
		ServiceItem:      "FILE_REVIEW",
		BillingComponent: "PROF_FEE",
		UnitModel:        UnitPerHour,
		Label:            "Engineering File Review - Professional Fee",
		Description:      "Hourly fee for engineer review of documents, photos, or records without site visit.",
	},
	{
		Code:             "ENG.SUPPLEMENTAL_INSPECT.PROF_FEE",
		Domain:           "ENG",
		ServiceItem:      "SUPPLEMENTAL_INSPECT",
		BillingComponent: "PROF_FEE",
		UnitModel:        UnitPerFile,
		Label:            "Engineering Supplemental Inspection - Professional Fee",
		Description:      "Follow-up inspection after initial report (re-inspection, supplement, or reinspection).",
	},
	{
		Code:             "ENG.TESTIMONY_DEPO.PROF_FEE",
		Domain:           "ENG",
		ServiceItem:      "TESTIMONY_DEPO",
		BillingComponent: "PROF_FEE",
		UnitModel:        UnitPerHour,
		Label:            "Engineering Expert Testimony / Deposition - Professional Fee",
		Description:      "Hourly fee for deposition or trial testimony by engineering expert.",
	},
	// =========================================================================
	// IA - Independent Adjusting
	// =========================================================================
	{
		Code:             "IA.FIELD_ASSIGN.PROF_FEE",
		Domain:           "IA",
		ServiceItem:      "FIELD_ASSIGN",
		BillingComponent: "PROF_FEE",
		UnitModel:        UnitPerDiem,
		Label:            "Independent Adjusting Field Assignment - Professional Fee",
		Description:      "Per-diem or hourly fee for field adjusting services (on-site claim handling).",
	},
	{
		Code:             "IA.FIELD_ASSIGN.TRAVEL_TRANSPORT",
		Domain:           "IA",
		ServiceItem:      "FIELD_ASSIGN",
		BillingComponent: "TRAVEL_TRANSPORT",
		UnitModel:        UnitActual,
		Label:            "Independent Adjusting Field Assignment - Transportation",
		Description:      "Actual transportation costs for field adjuster travel.",
	},
	{
		Code:             "IA.FIELD_ASSIGN.MILEAGE",
		Domain:           "IA",
		ServiceItem:      "FIELD_ASSIGN",
		BillingComponent: "MILEAGE",
		UnitModel:        UnitPerMile,
		Label:            "Independent Adjusting Field Assignment - Mileage",
		Description:      "Mileage reimbursement for field adjuster.",
	},
	{
		Code:             "IA.FIELD_ASSIGN.TRAVEL_LODGING",
		Domain:           "IA",
		ServiceItem:      "FIELD_ASSIGN",
		BillingComponent: "TRAVEL_LODGING",
		UnitModel:        UnitPerNight,
		Label:            "Independent Adjusting Field Assignment - Lodging",
		Description:      "Hotel/lodging for field adjuster overnight assignments.",
	},
	{
		Code:             "IA.FIELD_ASSIGN.TRAVEL_MEALS",
		Domain:           "IA",
		ServiceItem:      "FIELD_ASSIGN",
		BillingComponent: "TRAVEL_MEALS",
		UnitModel:        UnitPerDiem,
		Label:            "Independent Adjusting Field Assignment - Meals & Per Diem",
		Description:      "Meal per diem for field adjuster travel days.",
	},
	{
		Code:             "IA.DESK_ASSIGN.PROF_FEE",
		Domain:           "IA",
		ServiceItem:      "DESK_ASSIGN",
		BillingComponent: "PROF_FEE",
		UnitModel:        UnitPerFile,
		Label:            "Independent Adjusting Desk Assignment - Professional Fee",
		Description:      "Per-file or hourly fee for desk/virtual claim handling without site visit.",
	},
	{
		Code:             "IA.CAT_ASSIGN.PROF_FEE",
		Domain:           "IA",
		ServiceItem:      "CAT_ASSIGN",
		BillingComponent: "PROF_FEE",
		UnitModel:        UnitPerDiem,
		Label:            "Independent Adjusting Catastrophe Assignment - Professional Fee",
		Description:      "Per-diem fee for catastrophe (CAT) deployment adjusting services.",
	},
	{
		Code:             "IA.PHOTO_DOC.PROF_FEE",
		Domain:           "IA",
		ServiceItem:      "PHOTO_DOC",
		BillingComponent: "PROF_FEE",
		UnitModel:        UnitPerFile,
		Label:            "Independent Adjusting Photo & Documentation Services - Professional Fee",
		Description:      "Fee for photographic documentation and scene documentation services.",
	},
	{
		Code:             "IA.SUPPLEMENT_HANDLING.PROF_FEE",
		Domain:           "IA",
		ServiceItem:      "SUPPLEMENT_HANDLING",
		BillingComponent: "PROF_FEE",
		UnitModel:        UnitPerOccurrence,
		Label:            "Independent Adjusting Supplement Handling - Professional Fee",
		Description:      "Fee for handling repair estimate supplements.",
	},
	{
		Code:             "IA.ADMIN.FILE_OPEN_FEE",
		Domain:           "IA",
		ServiceItem:      "ADMIN",
		BillingComponent: "FILE_OPEN_FEE",
		UnitModel:        UnitFlatFee,
		Label:            "Independent Adjusting Administrative / File Open Fee",
		Description:      "One-time administrative fee for opening and setting up a new claim file.",
	},
	// =========================================================================
	// INV - Investigation & Surveillance
	// =========================================================================
	{
		Code:             "INV.SURVEILLANCE.PROF_FEE",
		Domain:           "INV",
		ServiceItem:      "SURVEILLANCE",
		BillingComponent: "PROF_FEE",
		UnitModel:        UnitPerHour,
		Label:            "Investigation Surveillance - Professional Fee",
		Description:      "Hourly fee for claimant surveillance services.",
	},
	{
		Code:             "INV.SURVEILLANCE.TRAVEL_TRANSPORT",
		Domain:           "INV",
		ServiceItem:      "SURVEILLANCE",
		BillingComponent: "TRAVEL_TRANSPORT",
		UnitModel:        UnitActual,
		Label:            "Investigation Surveillance - Transportation",
		Description:      "Actual transportation costs for surveillance investigators.",
	},
	{
		Code:             "INV.SURVEILLANCE.MILEAGE",
		Domain:           "INV",
		ServiceItem:      "SURVEILLANCE",
		BillingComponent: "MILEAGE",
		UnitModel:        UnitPerMile,
		Label:            "Investigation Surveillance - Mileage",
		Description:      "Mileage for surveillance investigators.",
	},
	{
		Code:             "INV.STATEMENT.PROF_FEE",
		Domain:           "INV",
		ServiceItem:      "STATEMENT",
		BillingComponent: "PROF_FEE",
		UnitModel:        UnitPerOccurrence,
		Label:            "Investigation Recorded Statement - Professional Fee",
		Description:      "Fee for obtaining a recorded statement from claimant, witness, or involved party.",
	},
	{
		Code:             "INV.BACKGROUND_ASSET.PROF_FEE",
		Domain:           "INV",
		ServiceItem:      "BACKGROUND_ASSET",
		BillingComponent: "PROF_FEE",
		UnitModel:        UnitPerReport,
		Label:            "Investigation Background / Asset Search - Professional Fee",
		Description:      "Fee for background check, asset search, or public records investigation.",
	},
	{
		Code:             "INV.AOE_COE.PROF_FEE",
		Domain:           "INV",
		ServiceItem:      "AOE_COE",
		BillingComponent: "PROF_FEE",
		UnitModel:        UnitPerFile,
		Label:            "Investigation AOE/COE Investigation - Professional Fee",
		Description:      "Arising Out of Employment / Course of Employment investigation.",
	},
	{
		Code:             "INV.SKIP_TRACE.PROF_FEE",
		Domain:           "INV",
		ServiceItem:      "SKIP_TRACE",
		BillingComponent: "PROF_FEE",
		UnitModel:        UnitPerOccurrence,
		Label:            "Investigation Skip Trace - Professional Fee",
		Description:      "Fee for locating a claimant or witness whose address is unknown.",
	},
	// =========================================================================
	// REC - Record Retrieval & Management
	// =========================================================================
	{
		Code:             "REC.MED_RECORDS.RETRIEVAL_FEE",
		Domain:           "REC",
		ServiceItem:      "MED_RECORDS",
		BillingComponent: "RETRIEVAL_FEE",
		UnitModel:        UnitPerRequest,
		Label:            "Record Retrieval Medical Records - Retrieval Fee",
		Description:      "Fee for requesting and obtaining medical records from a provider.",
	},
	{
		Code:             "REC.MED_RECORDS.COPY_REPRO",
		Domain:           "REC",
		ServiceItem:      "MED_RECORDS",
		BillingComponent: "COPY_REPRO",
		UnitModel:        UnitPerPage,
		Label:            "Record Retrieval Medical Records - Copy / Reproduction Fee",
		Description:      "Per-page copying/reproduction fee for medical records.",
	},
	{
		Code:             "REC.MED_RECORDS.POSTAGE_COURIER",
		Domain:           "REC",
		ServiceItem:      "MED_RECORDS",
		BillingComponent: "POSTAGE_COURIER",
		UnitModel:        UnitActual,
		Label:            "Record Retrieval Medical Records - Postage / Courier",
		Description:      "Actual postage or courier cost for delivering medical records.",
	},
	{
		Code:             "REC.MED_RECORDS.RUSH_PREMIUM",
		Domain:           "REC",
		ServiceItem:      "MED_RECORDS",
		BillingComponent: "RUSH_PREMIUM",
		UnitModel:        UnitFlatFee,
		Label:            "Record Retrieval Medical Records - Rush / Expedite Premium",
		Description:      "Additional fee for expedited record retrieval.",
	},
	{
		Code:             "REC.MED_RECORDS.CERT_COPY_FEE",
		Domain:           "REC",
		ServiceItem:      "MED_RECORDS",
		BillingComponent: "CERT_COPY_FEE",
		UnitModel:        UnitPerRequest,
		Label:            "Record Retrieval Medical Records - Certified Copy Fee",
		Description:      "Fee for obtaining certified/notarized copies of medical records.",
	},
	{
		Code:             "REC.EMPLOYMENT_RECORDS.RETRIEVAL_FEE",
		Domain:           "REC",
		ServiceItem:      "EMPLOYMENT_RECORDS",
		BillingComponent: "RETRIEVAL_FEE",
		UnitModel:        UnitPerRequest,
		Label:            "Record Retrieval Employment Records - Retrieval Fee",
		Description:      "Fee for requesting and obtaining employment or wage records.",
	},
	{
		Code:             "REC.LEGAL_RECORDS.RETRIEVAL_FEE",
		Domain:           "REC",
		ServiceItem:      "LEGAL_RECORDS",
		BillingComponent: "RETRIEVAL_FEE",
		UnitModel:        UnitPerRequest,
		Label:            "Record Retrieval Legal / Court Records - Retrieval Fee",
		Description:      "Fee for requesting court documents, police reports, or legal filings.",
	},
	{
		Code:             "REC.ADMIN.PROCESSING_FEE",
		Domain:           "REC",
		ServiceItem:      "ADMIN",
		BillingComponent: "PROCESSING_FEE",
		UnitModel:        UnitFlatFee,
		Label:            "Record Retrieval Administrative / Processing Fee",
		Description:      "Administrative processing fee for record retrieval management.",
	},
	// =========================================================================
	// XDOMAIN - Cross-Domain (Pass-Through, Misc Admin)
	// =========================================================================
	{
		Code:             "XDOMAIN.PASS_THROUGH.THIRD_PARTY_COST",
		Domain:           "XDOMAIN",
		ServiceItem:      "PASS_THROUGH",
		BillingComponent: "THIRD_PARTY_COST",
		UnitModel:        UnitActual,
		Label:            "Pass-Through Third-Party Cost",
		Description: "Actual third-party cost paid by vendor on behalf of carrier " +
			"(e.g., court filing fees, expert witness subpoena fees). " +
			"Requires supporting receipt.",
	},
	{
		Code:             "XDOMAIN.ADMIN_MISC.ADMIN_FEE",
		Domain:           "XDOMAIN",
		ServiceItem:      "ADMIN_MISC",
		BillingComponent: "ADMIN_FEE",
		UnitModel:        UnitFlatFee,
		Label:            "Miscellaneous Administrative Fee",
		Description: "Administrative fee not classifiable under a specific service domain. " +
			"Requires carrier pre-approval.",
	},
}
