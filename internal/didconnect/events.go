package didconnect

// Events carries the callbacks a host application registers to render
// pairing prompts and outcomes. Any field may be nil. Callbacks are invoked
// synchronously from the pairing flow, one at a time.
type Events struct {
	// OnChallenge receives the decrypted PIN for out-of-band comparison
	// with the provider's display.
	OnChallenge func(pin string)

	// OnAuthorized fires once the delegation is granted and persisted.
	OnAuthorized func(did string)

	// OnDenied fires when the provider rejects the delegation
	// (Unauthorized).
	OnDenied func(message string)

	// OnBlocked fires when the provider blocks this client (Forbidden).
	OnBlocked func(message string)

	// OnError fires for transport and protocol failures.
	OnError func(err error)
}

func (e *Events) challenge(pin string) {
	if e.OnChallenge != nil {
		e.OnChallenge(pin)
	}
}

func (e *Events) authorized(did string) {
	if e.OnAuthorized != nil {
		e.OnAuthorized(did)
	}
}

func (e *Events) denied(message string) {
	if e.OnDenied != nil {
		e.OnDenied(message)
	}
}

func (e *Events) blocked(message string) {
	if e.OnBlocked != nil {
		e.OnBlocked(message)
	}
}

func (e *Events) error(err error) {
	if e.OnError != nil {
		e.OnError(err)
	}
}
