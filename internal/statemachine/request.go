// Copyright 2025 James Ross
package statemachine

// RequestState is one of the fixed states a Request can occupy.
type RequestState string

const (
	RequestPending         RequestState = "pending"
	RequestOpenAIProcessing RequestState = "openai_processing"
	RequestOpenAIProcessed RequestState = "openai_processed"
	RequestDelivering      RequestState = "delivering"
	RequestDelivered       RequestState = "delivered"
	RequestFailed          RequestState = "failed"
	RequestDeliveryFailed  RequestState = "delivery_failed"
	RequestExpired         RequestState = "expired"
	RequestCancelled       RequestState = "cancelled"
)

var requestTerminal = map[RequestState]bool{
	RequestDelivered:      true,
	RequestFailed:         true,
	RequestDeliveryFailed: true,
	RequestExpired:        true,
	RequestCancelled:      true,
}

// IsTerminal reports whether no further Request transition is legal from s.
func (s RequestState) IsTerminal() bool { return requestTerminal[s] }

// ResponsePayloadRequired reports whether Requests in state s must carry a
// non-null response_payload, per spec.md §3 Request invariants.
func (s RequestState) ResponsePayloadRequired() bool {
	switch s {
	case RequestOpenAIProcessed, RequestDelivering, RequestDelivered, RequestDeliveryFailed:
		return true
	default:
		return false
	}
}

var requestGraph = map[RequestState][]RequestState{
	RequestPending:          {RequestOpenAIProcessing},
	RequestOpenAIProcessing: {RequestOpenAIProcessed, RequestFailed, RequestExpired},
	RequestOpenAIProcessed:  {RequestDelivering},
	RequestDelivering:       {RequestDelivered, RequestDeliveryFailed},
	// retry_delivery: these two may re-enter openai_processed so
	// DeliveryWorker picks them up again.
	RequestDelivered:      {RequestOpenAIProcessed},
	RequestDeliveryFailed: {RequestOpenAIProcessed},
}

// cancellableRequestStates are the states cancel_batch may move a Request
// out of when the parent batch is cancelled.
var cancellableRequestStates = []RequestState{
	RequestPending, RequestOpenAIProcessing, RequestOpenAIProcessed, RequestDelivering,
}

// tokenLimitResettableStates are the states the token-limit-retry flow
// resets back to pending for every Request of a batch bounced back to
// waiting_for_capacity (spec.md §4.6 token-limit-retry flow).
var tokenLimitResettableStates = []RequestState{
	RequestOpenAIProcessing, RequestOpenAIProcessed, RequestDelivering, RequestDelivered,
	RequestDeliveryFailed, RequestFailed, RequestExpired, RequestCancelled,
}

func init() {
	for _, s := range cancellableRequestStates {
		requestGraph[s] = append(requestGraph[s], RequestCancelled)
	}
	for _, s := range tokenLimitResettableStates {
		requestGraph[s] = append(requestGraph[s], RequestPending)
	}
}

// CanTransitionRequest reports whether from -> to is a legal Request
// transition.
func CanTransitionRequest(from, to RequestState) bool {
	for _, s := range requestGraph[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateRequestTransition returns an *InvalidTransitionError if from -> to
// is not legal, nil otherwise.
func ValidateRequestTransition(from, to RequestState) error {
	if !CanTransitionRequest(from, to) {
		return &InvalidTransitionError{Entity: "request", From: string(from), To: string(to)}
	}
	return nil
}
