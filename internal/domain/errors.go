package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidState      = errors.New("invalid state for requested transition")
	ErrInstanceBusy      = errors.New("card is committed to another exchange")
	ErrNotOwned          = errors.New("card is not owned by that account")
	ErrInsufficientPacks = errors.New("insufficient pack balance")
	ErrNoInventory       = errors.New("no card inventory remaining")
	ErrMintContention    = errors.New("mint retries exhausted under contention")
	ErrOfferInvalid      = errors.New("offer no longer backed by offerer's cards")
	ErrCardMissing       = errors.New("listed card missing from owner inventory")
	ErrDuplicateListing  = errors.New("card is already listed")
	ErrDuplicateOffer    = errors.New("an active offer already exists for this listing")
	ErrSelfTrade         = errors.New("cannot trade with yourself")
	ErrEmptyTrade        = errors.New("trade offers and requests nothing")
	ErrSerialClaimed     = errors.New("serial already claimed")
	ErrLockHeld          = errors.New("lock already held")
	ErrRateLimited       = errors.New("rate limited")
	ErrQueuePaused       = errors.New("redemption queue is paused")
)
