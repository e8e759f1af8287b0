package billing

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// STATE MACHINE UNIT TESTS
// ============================================================================

func TestInvoiceLifecycle_HappyPath(t *testing.T) {
	// DRAFT -> SUBMITTED -> PROCESSING -> PENDING_CARRIER_REVIEW ->
	// APPROVED -> EXPORTED
	path := []SubmissionStatus{
		StatusDraft,
		StatusSubmitted,
		StatusProcessing,
		StatusPendingCarrierReview,
		StatusApproved,
		StatusExported,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, path[i].CanTransition(path[i+1]),
			"expected %s -> %s to be permitted", path[i], path[i+1])
	}
}

func TestInvoiceLifecycle_ExceptionPath(t *testing.T) {
	// PROCESSING -> REVIEW_REQUIRED -> SUPPLIER_RESPONDED ->
	// CARRIER_REVIEWING -> APPROVED
	assert.True(t, StatusProcessing.CanTransition(StatusReviewRequired))
	assert.True(t, StatusReviewRequired.CanTransition(StatusSupplierResponded))
	assert.True(t, StatusSupplierResponded.CanTransition(StatusCarrierReviewing))
	assert.True(t, StatusCarrierReviewing.CanTransition(StatusApproved))

	// Resubmission restarts the pipeline
	assert.True(t, StatusReviewRequired.CanTransition(StatusSubmitted))
	assert.True(t, StatusSupplierResponded.CanTransition(StatusSubmitted))

	// A carrier cannot approve straight from SUPPLIER_RESPONDED
	assert.False(t, StatusSupplierResponded.CanTransition(StatusApproved))
}

func TestInvoiceLifecycle_CompensationEdge(t *testing.T) {
	// A failed pipeline run reverts the PROCESSING marker
	assert.True(t, StatusProcessing.CanTransition(StatusSubmitted))
}

func TestInvoiceLifecycle_DisputeLoop(t *testing.T) {
	assert.True(t, StatusCarrierReviewing.CanTransition(StatusDisputed))
	assert.True(t, StatusDisputed.CanTransition(StatusCarrierReviewing))
	assert.False(t, StatusDisputed.CanTransition(StatusApproved))
	assert.False(t, StatusPendingCarrierReview.CanTransition(StatusDisputed))
}

func TestInvoiceLifecycle_TerminalStatesRejectEverything(t *testing.T) {
	for _, terminal := range []SubmissionStatus{StatusExported, StatusWithdrawn} {
		require.True(t, terminal.IsTerminal())
		for _, next := range AllSubmissionStatuses {
			assert.False(t, terminal.CanTransition(next),
				"%s must not transition to %s", terminal, next)
		}
	}
}

func TestInvoiceLifecycle_WithdrawFromAnyNonTerminal(t *testing.T) {
	for _, s := range AllSubmissionStatuses {
		if s.IsTerminal() {
			continue
		}
		assert.True(t, s.CanTransition(StatusWithdrawn),
			"%s should allow withdrawal", s)
	}
}

func TestInvoiceLifecycle_RejectedJumps(t *testing.T) {
	assert.False(t, StatusDraft.CanTransition(StatusApproved))
	assert.False(t, StatusDraft.CanTransition(StatusProcessing))
	assert.False(t, StatusSubmitted.CanTransition(StatusApproved))
	assert.False(t, StatusApproved.CanTransition(StatusReviewRequired))
	assert.False(t, StatusPendingCarrierReview.CanTransition(StatusSubmitted))
}

func TestGuardInvoiceTransition_ConflictError(t *testing.T) {
	id := uuid.New()

	err := GuardInvoiceTransition(id, StatusDraft, StatusApproved)
	require.Error(t, err)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, EntityInvoice, conflict.Entity)
	assert.Equal(t, id, conflict.EntityID)
	assert.Equal(t, "DRAFT", conflict.From)
	assert.Equal(t, "APPROVED", conflict.To)
	assert.Contains(t, err.Error(), "invalid transition DRAFT -> APPROVED")

	assert.NoError(t, GuardInvoiceTransition(id, StatusDraft, StatusSubmitted))
}

func TestLineLifecycle(t *testing.T) {
	// Pipeline path
	assert.True(t, LinePending.CanTransition(LineClassified))
	assert.True(t, LinePending.CanTransition(LineException))
	assert.True(t, LineClassified.CanTransition(LineValidated))
	assert.True(t, LineClassified.CanTransition(LineException))

	// Dispositions
	assert.True(t, LineException.CanTransition(LineOverride))
	assert.True(t, LineException.CanTransition(LineResolved))
	assert.True(t, LineException.CanTransition(LineApproved))
	assert.True(t, LineException.CanTransition(LineDenied))
	assert.True(t, LineValidated.CanTransition(LineApproved))

	// Disputed lines return to EXCEPTION before approval
	assert.True(t, LineException.CanTransition(LineDisputed))
	assert.True(t, LineDisputed.CanTransition(LineException))
	assert.False(t, LineDisputed.CanTransition(LineApproved))

	// Terminal
	require.True(t, LineApproved.IsTerminal())
	require.True(t, LineDenied.IsTerminal())
	assert.False(t, LineApproved.CanTransition(LineException))
	assert.False(t, LineDenied.CanTransition(LineApproved))

	// No skipping classification
	assert.False(t, LinePending.CanTransition(LineValidated))
	assert.False(t, LinePending.CanTransition(LineApproved))
}

func TestExceptionLifecycle(t *testing.T) {
	assert.True(t, ExceptionOpen.CanTransition(ExceptionSupplierResponded))
	assert.True(t, ExceptionSupplierResponded.CanTransition(ExceptionCarrierReviewing))
	assert.True(t, ExceptionCarrierReviewing.CanTransition(ExceptionResolved))
	assert.True(t, ExceptionCarrierReviewing.CanTransition(ExceptionWaived))

	// Carrier may short-circuit without the reviewing step
	assert.True(t, ExceptionOpen.CanTransition(ExceptionResolved))
	assert.True(t, ExceptionOpen.CanTransition(ExceptionWaived))
	assert.True(t, ExceptionSupplierResponded.CanTransition(ExceptionResolved))
	assert.True(t, ExceptionSupplierResponded.CanTransition(ExceptionWaived))

	// Terminal means terminal
	require.True(t, ExceptionResolved.IsTerminal())
	require.True(t, ExceptionWaived.IsTerminal())
	assert.False(t, ExceptionResolved.CanTransition(ExceptionOpen))
	assert.False(t, ExceptionWaived.CanTransition(ExceptionResolved))

	// No reopening
	assert.False(t, ExceptionCarrierReviewing.CanTransition(ExceptionOpen))
}

func TestGuardExceptionTransition_DirectResolve(t *testing.T) {
	id := uuid.New()
	assert.NoError(t, GuardExceptionTransition(id, ExceptionOpen, ExceptionWaived))

	err := GuardExceptionTransition(id, ExceptionWaived, ExceptionOpen)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, EntityException, conflict.Entity)
}

func TestResolutionActionValid(t *testing.T) {
	for _, a := range AllResolutionActions {
		assert.True(t, a.Valid())
	}
	assert.False(t, ResolutionAction("SHREDDED").Valid())
	assert.False(t, ResolutionAction("").Valid())
}

func TestTaxonomyDomain(t *testing.T) {
	assert.Equal(t, "IME", TaxonomyDomain("IME.PHY_EXAM.PROF_FEE"))
	assert.Equal(t, "XDOMAIN", TaxonomyDomain("XDOMAIN.PASS_THROUGH.THIRD_PARTY_COST"))
	assert.Equal(t, "", TaxonomyDomain("NODOTS"))
	assert.Equal(t, "", TaxonomyDomain(""))
	assert.Equal(t, "", TaxonomyDomain(".LEADING_DOT"))
}

func TestMatchTypeSpecificity(t *testing.T) {
	assert.Greater(t, MatchExactCode.Specificity(), MatchRegex.Specificity())
	assert.Greater(t, MatchRegex.Specificity(), MatchKeywordSet.Specificity())
	assert.Equal(t, 0, MatchType("telepathy").Specificity())
}
