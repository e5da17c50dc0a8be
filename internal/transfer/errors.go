package transfer

import "errors"

var (
	ErrUnknownSender  = errors.New("unknown sender")
	ErrSenderGone     = errors.New("sender is no longer connected")
	ErrUnknownOffer   = errors.New("unknown offer")
	ErrOfferMismatch  = errors.New("decision does not match offer")
	ErrAlreadyDecided = errors.New("offer already decided")
)
