package domain

import "errors"

var (
	ErrInvalidRestaurant      = errors.New("invalid_restaurant")
	ErrInvalidSubscription    = errors.New("invalid_subscription")
	ErrSubscriptionNotFound   = errors.New("subscription_not_found")
	ErrSubscriptionExists     = errors.New("subscription_exists")
	ErrInvalidTargetStatus    = errors.New("invalid_target_status")
	ErrInvalidTransition      = errors.New("invalid_transition")
	ErrTerminalSubscription   = errors.New("subscription_terminal")
	ErrChangePlanNotAllowed   = errors.New("change_plan_not_allowed")
	ErrGatewayDeclined        = errors.New("gateway_declined")
	ErrConcurrentModification = errors.New("concurrent_modification")
)
