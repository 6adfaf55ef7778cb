package resilix

import "time"

// Hooks holds optional callbacks for engine lifecycle events. All fields are
// nil by default; callers set only the hooks they care about. A Hooks value
// must not be mutated once handed to an engine.
//
// Callbacks run synchronously on the calling goroutine, outside any breaker
// lock.
type Hooks struct {
	OnStateChange   func(target string, from, to BreakerState)
	OnRejected      func(target string)
	OnRetry         func(target string, attempt int, err error, delay time.Duration)
	OnTimeout       func(target string, attempt int)
	OnChaosInjected func(target string, kind ErrorKind)
	OnCallComplete  func(target string, outcome ExecutionOutcome)
}

// JoinHooks returns Hooks invoking every non-nil callback of hs in order.
func JoinHooks(hs ...Hooks) Hooks {
	var out Hooks

	for _, h := range hs {
		out.OnStateChange = chain3(out.OnStateChange, h.OnStateChange)
		out.OnRejected = chain1(out.OnRejected, h.OnRejected)
		out.OnTimeout = chain2(out.OnTimeout, h.OnTimeout)
		out.OnChaosInjected = chain2(out.OnChaosInjected, h.OnChaosInjected)
		out.OnCallComplete = chain2(out.OnCallComplete, h.OnCallComplete)

		if prev, next := out.OnRetry, h.OnRetry; next != nil {
			if prev == nil {
				out.OnRetry = next
			} else {
				out.OnRetry = func(t string, a int, err error, d time.Duration) {
					prev(t, a, err, d)
					next(t, a, err, d)
				}
			}
		}
	}

	return out
}

func chain1[A any](prev, next func(A)) func(A) {
	switch {
	case next == nil:
		return prev
	case prev == nil:
		return next
	}

	return func(a A) {
		prev(a)
		next(a)
	}
}

func chain2[A, B any](prev, next func(A, B)) func(A, B) {
	switch {
	case next == nil:
		return prev
	case prev == nil:
		return next
	}

	return func(a A, b B) {
		prev(a, b)
		next(a, b)
	}
}

func chain3[A, B, C any](prev, next func(A, B, C)) func(A, B, C) {
	switch {
	case next == nil:
		return prev
	case prev == nil:
		return next
	}

	return func(a A, b B, c C) {
		prev(a, b, c)
		next(a, b, c)
	}
}

func (h *Hooks) emitStateChange(target string, from, to BreakerState) {
	if h != nil && h.OnStateChange != nil {
		h.OnStateChange(target, from, to)
	}
}

func (h *Hooks) emitRejected(target string) {
	if h != nil && h.OnRejected != nil {
		h.OnRejected(target)
	}
}

func (h *Hooks) emitRetry(target string, attempt int, err error, delay time.Duration) {
	if h != nil && h.OnRetry != nil {
		h.OnRetry(target, attempt, err, delay)
	}
}

func (h *Hooks) emitTimeout(target string, attempt int) {
	if h != nil && h.OnTimeout != nil {
		h.OnTimeout(target, attempt)
	}
}

func (h *Hooks) emitChaosInjected(target string, kind ErrorKind) {
	if h != nil && h.OnChaosInjected != nil {
		h.OnChaosInjected(target, kind)
	}
}

func (h *Hooks) emitCallComplete(target string, outcome ExecutionOutcome) {
	if h != nil && h.OnCallComplete != nil {
		h.OnCallComplete(target, outcome)
	}
}
