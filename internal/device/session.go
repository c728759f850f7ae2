package device

import "context"

// Session is the live handle a Method body uses while device.run is
// executing: it issues interaction requests and blocks for the Device
// Event Bridge's answer.
type Session struct {
	handle *Handle
}

func newSession(h *Handle) *Session {
	return &Session{handle: h}
}

// RequestButton asks the user to confirm a button prompt on the device.
// useUI tells the bridge whether this method uses the popup UI at all
// (the ButtonRequest_Address fast path skips waiting for the popup).
func (s *Session) RequestButton(ctx context.Context, code string, useUI bool) error {
	_, err := s.roundTrip(ctx, Request{Kind: EventButton, ButtonCode: code, UseUI: useUI})
	return err
}

// RequestPin asks the user for a PIN matrix string.
func (s *Session) RequestPin(ctx context.Context) (string, error) {
	payload, err := s.roundTrip(ctx, Request{Kind: EventPin})
	if err != nil {
		return "", err
	}
	pin, _ := payload.(string)
	return pin, nil
}

// RequestWord asks the user for a single recovery word.
func (s *Session) RequestWord(ctx context.Context) (string, error) {
	payload, err := s.roundTrip(ctx, Request{Kind: EventWord})
	if err != nil {
		return "", err
	}
	word, _ := payload.(string)
	return word, nil
}

// RequestPassphrase asks the user for a passphrase, unless
// useEmptyPassphrase short-circuits to an empty answer without any
// round-trip.
func (s *Session) RequestPassphrase(ctx context.Context, useEmptyPassphrase bool) (PassphraseAnswer, error) {
	if useEmptyPassphrase {
		return PassphraseAnswer{Passphrase: ""}, nil
	}
	payload, err := s.roundTrip(ctx, Request{Kind: EventPassphrase})
	if err != nil {
		return PassphraseAnswer{}, err
	}
	ans, _ := payload.(PassphraseAnswer)
	return ans, nil
}

// RequestPassphraseOnDevice notifies the UI that passphrase entry is
// happening on the device itself; it is fire-and-forget from the
// device's perspective (no answer is awaited beyond acknowledgement).
func (s *Session) RequestPassphraseOnDevice(ctx context.Context) error {
	_, err := s.roundTrip(ctx, Request{Kind: EventPassphraseOnDevice})
	return err
}

func (s *Session) roundTrip(ctx context.Context, req Request) (any, error) {
	result := make(chan struct {
		payload any
		err     error
	}, 1)
	req.Answer = func(payload any, err error) {
		select {
		case result <- struct {
			payload any
			err     error
		}{payload, err}:
		default:
		}
	}

	select {
	case s.handle.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-result:
		return r.payload, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
