package services

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"stake-arena/models"
)

type Kind string

const (
	KindValidation   Kind = "validation"
	KindPrecondition Kind = "precondition"
	KindIntegrity    Kind = "integrity"
	KindExternal     Kind = "external"
)

// Error is the typed failure returned by every service operation.
// Code is stable and safe to show to clients.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code so errors.Is(err, ErrLobbyFull) works for wrapped copies.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// With returns a copy carrying the underlying cause.
func (e *Error) With(err error) *Error {
	c := *e
	c.Err = err
	return &c
}

// Withf returns a copy with a more specific message.
func (e *Error) Withf(format string, args ...any) *Error {
	c := *e
	c.Msg = fmt.Sprintf(format, args...)
	return &c
}

func newErr(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

var (
	ErrInvalidInput       = newErr(KindValidation, "invalid_input", "invalid input")
	ErrInvalidMove        = newErr(KindValidation, "invalid_move", "move must be rock, paper or scissors")
	ErrInvalidCapacity    = newErr(KindValidation, "invalid_capacity", "lobby capacity must be 2, 4 or 8")
	ErrInvalidStake       = newErr(KindValidation, "invalid_stake", "stake amount is too small")
	ErrInvalidBracketSize = newErr(KindValidation, "invalid_bracket_size", "a bracket needs exactly 4 or 8 distinct players")

	ErrUserNotFound       = newErr(KindPrecondition, "user_not_found", "user not found")
	ErrLobbyNotFound      = newErr(KindPrecondition, "lobby_not_found", "lobby not found")
	ErrMatchNotFound      = newErr(KindPrecondition, "match_not_found", "match not found")
	ErrRoundNotFound      = newErr(KindPrecondition, "round_not_found", "round not found")
	ErrTournamentNotFound = newErr(KindPrecondition, "tournament_not_found", "tournament not found")

	ErrAlreadyInLobby        = newErr(KindPrecondition, "already_in_lobby", "already in this game")
	ErrLobbyFull             = newErr(KindPrecondition, "lobby_full", "lobby full")
	ErrLobbyNotOpen          = newErr(KindPrecondition, "lobby_not_joinable", "lobby is no longer accepting players")
	ErrNotInLobby            = newErr(KindPrecondition, "not_in_lobby", "user is not in this lobby")
	ErrStakeLocked           = newErr(KindPrecondition, "stake_locked", "staked players cannot leave or be kicked")
	ErrAlreadyStaked         = newErr(KindPrecondition, "already_staked", "stake already submitted")
	ErrNotStaked             = newErr(KindPrecondition, "not_staked", "user has not staked")
	ErrStakePending          = newErr(KindPrecondition, "stake_pending", "stake is still being validated")
	ErrStakeTxReused         = newErr(KindPrecondition, "stake_tx_reused", "transaction already used for a stake")
	ErrNotLobbyCreator       = newErr(KindPrecondition, "not_lobby_creator", "only the lobby creator can do this")
	ErrCannotKickSelf        = newErr(KindPrecondition, "cannot_kick_self", "cannot kick yourself")
	ErrCreatorCannotWithdraw = newErr(KindPrecondition, "creator_cannot_withdraw", "the creator must close the lobby instead")
	ErrLobbyNotReady         = newErr(KindPrecondition, "lobby_not_ready", "lobby is not full or not every stake is confirmed")
	ErrTournamentNotOpen     = newErr(KindPrecondition, "tournament_not_open", "tournament is not accepting players")

	ErrMatchCompleted       = newErr(KindPrecondition, "match_completed", "match already completed")
	ErrMatchNotInProgress   = newErr(KindPrecondition, "match_not_in_progress", "match is not in progress")
	ErrMatchNotReady        = newErr(KindPrecondition, "match_not_ready", "a match needs exactly two participants to start")
	ErrNotParticipant       = newErr(KindPrecondition, "not_a_participant", "user is not a participant of this match")
	ErrRoundResolved        = newErr(KindPrecondition, "round_already_resolved", "round already resolved")
	ErrRoundStillOpen       = newErr(KindPrecondition, "round_still_open", "the previous round has not completed")
	ErrMoveAlreadySubmitted = newErr(KindPrecondition, "move_already_submitted", "move already submitted for this round")
	ErrNotTournamentMatch   = newErr(KindPrecondition, "not_tournament_match", "not a tournament match")
	ErrWinnerMismatch       = newErr(KindPrecondition, "winner_mismatch", "winner does not match the recorded match winner")
	ErrInvalidTransition    = newErr(KindPrecondition, "invalid_transition", "invalid status transition")

	ErrDepositMismatch      = newErr(KindIntegrity, "deposit_mismatch", "deposit does not match the expected transfer")
	ErrMissingParticipants  = newErr(KindIntegrity, "missing_participants", "match participants are missing")
	ErrNoActiveParticipants = newErr(KindIntegrity, "no_active_participants", "tournament has no active participants")

	ErrVaultUnavailable  = newErr(KindExternal, "vault_unavailable", "vault could not be reached")
	ErrPayoutFailed      = newErr(KindExternal, "payout_failed", "payout was rejected by the vault")
	ErrPayoutNeedsReview = newErr(KindExternal, "payout_unknown", "payout outcome is unknown and needs manual review")
)

// notFound maps gorm's missing-row error to the given typed error.
func notFound(err error, typed *Error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return typed
	}
	return err
}

// transition converts a rejected status change into a precondition error.
func transition(err error) error {
	var te *models.TransitionError
	if errors.As(err, &te) {
		return ErrInvalidTransition.Withf("%s", te.Error())
	}
	return err
}

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// AsError extracts the typed service error, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
