package quotations

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/voyageos/voyageos/internal/shared"
)

func TestTransitionTable(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusDraft, StatusConfirmed}:     true,
		{StatusDraft, StatusCancelled}:     true,
		{StatusConfirmed, StatusBooked}:    true,
		{StatusConfirmed, StatusCancelled}: true,
	}

	pairs := 0
	for _, from := range Statuses {
		for _, to := range Statuses {
			pairs++
			t.Run(fmt.Sprintf("%s_to_%s", from, to), func(t *testing.T) {
				err := Transition(from, to)
				if allowed[[2]Status{from, to}] {
					require.NoError(t, err)
					return
				}
				require.ErrorIs(t, err, shared.ErrInvalidTransition)
				var terr *TransitionError
				require.True(t, errors.As(err, &terr))
				require.Equal(t, from, terr.From)
				require.Equal(t, to, terr.To)
				require.Equal(t, ValidNext(from), terr.Valid)
			})
		}
	}
	require.Equal(t, 16, pairs)
}

func TestValidNext(t *testing.T) {
	require.Equal(t, []Status{StatusConfirmed, StatusCancelled}, ValidNext(StatusDraft))
	require.Equal(t, []Status{StatusBooked, StatusCancelled}, ValidNext(StatusConfirmed))
	require.Empty(t, ValidNext(StatusBooked))
	require.Empty(t, ValidNext(StatusCancelled))
}

func TestTransitionErrorNamesValidStates(t *testing.T) {
	err := Transition(StatusConfirmed, StatusDraft)
	require.EqualError(t, err, "quotation cannot move from CONFIRMED to DRAFT; valid next states: BOOKED, CANCELLED")

	err = Transition(StatusBooked, StatusDraft)
	require.EqualError(t, err, "quotation cannot move from BOOKED to DRAFT: BOOKED is terminal")
}

func TestTransitionRejectsUnknownTarget(t *testing.T) {
	err := Transition(StatusDraft, Status("ARCHIVED"))
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCanEditItems(t *testing.T) {
	require.NoError(t, CanEditItems(Quotation{Status: StatusDraft}))

	err := CanEditItems(Quotation{Status: StatusConfirmed})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	for _, status := range Statuses {
		err := CanEditItems(Quotation{Number: "QT-0001", Status: status, Invoiced: true})
		require.ErrorIs(t, err, shared.ErrImmutableRecord, "status %s", status)
	}
}
